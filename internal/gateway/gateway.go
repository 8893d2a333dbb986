// Package gateway serves the /workers websocket channel. It authenticates
// workers by token, keeps one live session per worker id, and turns protocol
// events into registry and task operations.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/metrics"
	"github.com/JakeFAU/scraper-fleet/internal/registry"
)

// TokenHeader carries the worker token when the query parameter is absent.
const TokenHeader = "X-Worker-Token"

// Registry is the worker side the gateway drives.
type Registry interface {
	FindByToken(ctx context.Context, token string) (fleet.Worker, error)
	Connect(ctx context.Context, id string) (fleet.Worker, error)
	Disconnect(ctx context.Context, token string) (fleet.Worker, error)
	MarkUnreachable(ctx context.Context, id string) (fleet.Worker, error)
	RecordHeartbeat(ctx context.Context, id string, hb registry.Heartbeat) (fleet.Worker, error)
	UpdateNetwork(ctx context.Context, id string, network fleet.NetworkInfo) (fleet.Worker, error)
	RecordOutcome(ctx context.Context, id string, succeeded bool) (fleet.Worker, error)
}

// Tasks is the task side the gateway drives.
type Tasks interface {
	MarkStarted(ctx context.Context, taskID, workerID string, startedAt time.Time) (fleet.Task, error)
	MarkFailed(ctx context.Context, taskID, workerID string, errType fleet.ErrorType, message string) (fleet.Task, error)
	SaveResults(ctx context.Context, taskID, workerID string, results []fleet.Result, metrics json.RawMessage) (fleet.Task, error)
}

// DispatchRequester asks for a dispatch pass without waiting for it.
type DispatchRequester interface {
	Request(workerID, reason string) bool
}

// EventLimiter throttles inbound events per worker.
type EventLimiter interface {
	Allow(key string) bool
	Forget(key string)
}

// Config tunes sessions.
type Config struct {
	HeartbeatInterval time.Duration
	TaskTimeout       time.Duration
	SendBuffer        int
	WriteWait         time.Duration
	PongWait          time.Duration
	MaxMessageBytes   int64
	HandlerTimeout    time.Duration
	// ArchivePrefix is the blob path prefix for completion payloads.
	ArchivePrefix string
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 2 * time.Minute
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 16
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 10 * time.Second
	}
	if c.ArchivePrefix == "" {
		c.ArchivePrefix = "completions"
	}
	return c
}

// Options wires a Gateway. Dispatch, Archive, Limiter, Clock, and Logger are
// optional.
type Options struct {
	Registry Registry
	Tasks    Tasks
	Dispatch DispatchRequester
	Archive  fleet.BlobStore
	Limiter  EventLimiter
	Clock    fleet.Clock
	Config   Config
	Logger   *zap.Logger
}

// Gateway owns the live worker sessions.
type Gateway struct {
	registry Registry
	tasks    Tasks
	dispatch DispatchRequester
	archive  fleet.BlobStore
	limiter  EventLimiter
	clock    fleet.Clock
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// New validates opts and builds a Gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Registry == nil {
		return nil, errors.New("worker registry is required")
	}
	if opts.Tasks == nil {
		return nil, errors.New("task service is required")
	}
	g := &Gateway{
		registry: opts.Registry,
		tasks:    opts.Tasks,
		dispatch: opts.Dispatch,
		archive:  opts.Archive,
		limiter:  opts.Limiter,
		clock:    opts.Clock,
		cfg:      opts.Config.withDefaults(),
		logger:   opts.Logger,
		sessions: make(map[string]*session),
	}
	if g.clock == nil {
		g.clock = clockFunc(func() time.Time { return time.Now().UTC() })
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Workers are not browsers; the token is the credential.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return g, nil
}

// SetDispatch wires the dispatcher after construction. Call it before the
// gateway starts serving.
func (g *Gateway) SetDispatch(d DispatchRequester) {
	g.dispatch = d
}

func tokenFrom(r *http.Request) string {
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok
	}
	if tok := strings.TrimSpace(r.Header.Get(TokenHeader)); tok != "" {
		return tok
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// ServeHTTP authenticates the worker, upgrades the connection, and serves the
// session until it ends. Unknown tokens are refused before the upgrade, so no
// session state exists for them.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tok := tokenFrom(r)
	if tok == "" {
		g.logger.Debug("worker connection without token", zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	worker, err := g.registry.FindByToken(r.Context(), tok)
	if err != nil {
		g.logger.Info("worker connection rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.String("worker_id", worker.ID), zap.Error(err))
		return
	}

	g.wg.Add(1)
	defer g.wg.Done()
	g.serve(context.WithoutCancel(r.Context()), worker, tok, conn)
}

func (g *Gateway) serve(ctx context.Context, worker fleet.Worker, tok string, conn *websocket.Conn) {
	logger := g.logger.With(zap.String("worker_id", worker.ID), zap.String("worker_name", worker.Name))
	s := newSession(worker.ID, tok, conn, g.cfg.SendBuffer, logger)

	connectCtx, cancel := context.WithTimeout(ctx, g.cfg.HandlerTimeout)
	_, err := g.registry.Connect(connectCtx, worker.ID)
	cancel()
	if err != nil {
		logger.Error("mark worker connected failed", zap.Error(err))
		s.close()
		return
	}

	g.bind(s)
	metrics.SessionOpened()
	defer g.unbind(ctx, s)

	go s.writePump(g.cfg.WriteWait, g.cfg.PongWait*9/10)

	g.send(s, EventRegistered, Registered{
		WorkerID:   worker.ID,
		ServerTime: g.clock.Now(),
		Config: SessionConfig{
			HeartbeatInterval: g.cfg.HeartbeatInterval.Milliseconds(),
			TaskTimeout:       g.cfg.TaskTimeout.Milliseconds(),
		},
	})
	logger.Info("worker connected")

	conn.SetReadLimit(g.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !s.closed() {
				logger.Info("worker connection lost", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
		if !g.handle(ctx, s, data) {
			return
		}
	}
}

// bind makes s the routable session for its worker, closing any session it
// replaces.
func (g *Gateway) bind(s *session) {
	g.mu.Lock()
	prev := g.sessions[s.workerID]
	g.sessions[s.workerID] = s
	g.mu.Unlock()
	if prev != nil {
		prev.logger.Info("session replaced by a new connection")
		prev.close()
	}
}

// unbind releases s. The worker is marked DISCONNECTED only when s is still
// its current session; a replaced session leaves the newer one alone.
func (g *Gateway) unbind(ctx context.Context, s *session) {
	s.close()
	metrics.SessionClosed()
	if g.limiter != nil {
		g.limiter.Forget(s.workerID)
	}

	g.mu.Lock()
	current := g.sessions[s.workerID] == s
	if current {
		delete(g.sessions, s.workerID)
	}
	g.mu.Unlock()
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.HandlerTimeout)
	defer cancel()
	_, err := g.registry.Disconnect(ctx, s.token)
	if errors.Is(err, fleet.ErrNotFound) {
		// The token was rotated while the session was open.
		_, err = g.registry.MarkUnreachable(ctx, s.workerID)
	}
	switch {
	case errors.Is(err, fleet.ErrNotFound):
		s.logger.Debug("disconnected worker no longer exists")
	case err != nil:
		s.logger.Error("mark worker disconnected failed", zap.Error(err))
	default:
		s.logger.Info("worker disconnected")
	}
}

func (g *Gateway) lookup(workerID string) *session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sessions[workerID]
}

// Deliver sends task:assigned to the worker's live session. It fails with
// fleet.ErrNotConnected when the worker has no session or is not reading.
func (g *Gateway) Deliver(_ context.Context, workerID string, task fleet.Task) error {
	s := g.lookup(workerID)
	if s == nil {
		return fmt.Errorf("deliver to worker %s: %w", workerID, fleet.ErrNotConnected)
	}
	assignedAt := task.UpdatedAt
	if task.StartedAt != nil {
		assignedAt = *task.StartedAt
	}
	msg, err := encode(EventTaskAssigned, Assigned{
		TaskID:        task.ID,
		ProductURL:    task.URL,
		Priority:      task.Priority,
		AttemptNumber: task.AttemptCount + 1,
		AssignedAt:    assignedAt,
	})
	if err != nil {
		return err
	}
	if err := s.enqueue(msg); err != nil {
		return fmt.Errorf("deliver to worker %s: %w", workerID, err)
	}
	return nil
}

// Kick closes the live session of workerID, if any.
func (g *Gateway) Kick(workerID string) bool {
	s := g.lookup(workerID)
	if s == nil {
		return false
	}
	s.logger.Info("session closed by operator")
	s.close()
	return true
}

// Sessions returns the ids of workers with a live session.
func (g *Gateway) Sessions() []string {
	g.mu.RLock()
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Shutdown closes every session and waits for their handlers to finish.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.RLock()
	live := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		live = append(live, s)
	}
	g.mu.RUnlock()
	for _, s := range live {
		s.close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway shutdown: %w", ctx.Err())
	}
}

func (g *Gateway) send(s *session, event string, data any) {
	msg, err := encode(event, data)
	if err != nil {
		s.logger.Error("encode outbound event failed", zap.String("event", event), zap.Error(err))
		return
	}
	if err := s.enqueue(msg); err != nil {
		s.logger.Warn("outbound event dropped", zap.String("event", event), zap.Error(err))
	}
}

func (g *Gateway) sendError(s *session, code string, err error) {
	g.send(s, EventError, ErrorMessage{Code: code, Message: err.Error(), Timestamp: g.clock.Now()})
}
