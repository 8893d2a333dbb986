package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

// session is one authenticated worker connection. Writes go through send so
// only writePump touches the socket for writing.
type session struct {
	workerID string
	token    string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

func newSession(workerID, token string, conn *websocket.Conn, buffer int, logger *zap.Logger) *session {
	return &session{
		workerID: workerID,
		token:    token,
		conn:     conn,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// enqueue queues msg without blocking. A full buffer means the worker is not
// reading, which is treated like a lost connection.
func (s *session) enqueue(msg []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("session for worker %s closed: %w", s.workerID, fleet.ErrNotConnected)
	default:
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return fmt.Errorf("session for worker %s closed: %w", s.workerID, fleet.ErrNotConnected)
	default:
		return fmt.Errorf("send buffer full for worker %s: %w", s.workerID, fleet.ErrNotConnected)
	}
}

// close sends a close frame and tears the socket down. WriteControl may run
// concurrently with writePump.
func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) writePump(writeWait, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}
