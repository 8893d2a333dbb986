package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/metrics"
	"github.com/JakeFAU/scraper-fleet/internal/registry"
)

const tracerName = "github.com/JakeFAU/scraper-fleet/internal/gateway"

var errRevoked = errors.New("worker token revoked")

// handle processes one inbound frame. It returns false when the session must
// end. Handler failures are answered with an error event and never end the
// session.
func (g *Gateway) handle(ctx context.Context, s *session, data []byte) bool {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		s.logger.Warn("invalid frame dropped", zap.ByteString("frame", truncate(data, 256)))
		metrics.ObserveGatewayEvent("invalid", "rejected")
		g.sendError(s, CodeValidation, fmt.Errorf("%w: frame is not an event envelope", fleet.ErrValidation))
		return true
	}

	if g.limiter != nil && !g.limiter.Allow(s.workerID) {
		metrics.ObserveGatewayEvent(env.Event, "rate_limited")
		s.logger.Warn("event rate limited", zap.String("event", env.Event))
		g.sendError(s, CodeRateLimited, fmt.Errorf("too many events, %s dropped", env.Event))
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.HandlerTimeout)
	defer cancel()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "gateway."+env.Event,
		trace.WithAttributes(attribute.String("worker.id", s.workerID)))
	defer span.End()

	if err := g.authorize(ctx, s); err != nil {
		metrics.ObserveGatewayEvent(env.Event, "revoked")
		span.SetStatus(codes.Error, err.Error())
		s.logger.Info("closing session", zap.Error(err))
		return false
	}

	err := g.route(ctx, s, env)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		code := errorCode(err)
		if code == CodeValidation {
			s.logger.Warn("invalid event dropped", zap.String("event", env.Event), zap.Error(err))
		} else {
			s.logger.Error("event handler failed", zap.String("event", env.Event), zap.Error(err))
		}
		g.sendError(s, code, err)
	}
	metrics.ObserveGatewayEvent(env.Event, result)
	return true
}

// authorize rejects sessions whose token was rotated or whose worker was
// deleted since the connection opened.
func (g *Gateway) authorize(ctx context.Context, s *session) error {
	w, err := g.registry.FindByToken(ctx, s.token)
	if errors.Is(err, fleet.ErrNotFound) || (err == nil && w.ID != s.workerID) {
		return errRevoked
	}
	if err != nil {
		// The store is unreachable; keep the session and let the handler fail.
		s.logger.Warn("token check failed", zap.Error(err))
	}
	return nil
}

func (g *Gateway) route(ctx context.Context, s *session, env Envelope) error {
	switch env.Event {
	case EventHeartbeat:
		return g.onHeartbeat(ctx, s, env.Data)
	case EventNetworkChanged:
		return g.onNetworkChanged(ctx, s, env.Data)
	case EventTaskStarted:
		return g.onTaskStarted(ctx, s, env.Data)
	case EventTaskCompleted:
		return g.onTaskCompleted(ctx, s, env.Data)
	case EventTaskFailed:
		return g.onTaskFailed(ctx, s, env.Data)
	default:
		return fmt.Errorf("%w: unknown event %q", fleet.ErrValidation, env.Event)
	}
}

func (g *Gateway) onHeartbeat(ctx context.Context, s *session, data json.RawMessage) error {
	var p HeartbeatPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	status, err := statusFromHeartbeat(p.Status)
	if err != nil {
		return err
	}
	hb := registry.Heartbeat{Status: status, CurrentTaskID: p.CurrentTaskID, Stats: p.Stats}
	if p.NetworkInfo != nil {
		info := p.NetworkInfo.info()
		hb.Network = &info
	} else {
		s.logger.Debug("heartbeat without network info")
	}
	if p.Stats == nil {
		s.logger.Debug("heartbeat without stats")
	}
	w, err := g.registry.RecordHeartbeat(ctx, s.workerID, hb)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	if w.Status == fleet.WorkerConnected {
		g.requestDispatch(s.workerID, "idle heartbeat")
	}
	return nil
}

func (g *Gateway) onNetworkChanged(ctx context.Context, s *session, data json.RawMessage) error {
	var p NetworkPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	if _, err := g.registry.UpdateNetwork(ctx, s.workerID, p.info()); err != nil {
		return fmt.Errorf("update network: %w", err)
	}
	s.logger.Info("worker network changed", zap.String("external_ip", p.ExternalIP), zap.String("isp", p.ISPName))
	return nil
}

func (g *Gateway) onTaskStarted(ctx context.Context, s *session, data json.RawMessage) error {
	var p StartedPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	if _, err := g.tasks.MarkStarted(ctx, p.TaskID, s.workerID, p.StartedAt); err != nil {
		return fmt.Errorf("task %s started: %w", p.TaskID, err)
	}
	s.logger.Debug("task started", zap.String("task_id", p.TaskID))
	return nil
}

func (g *Gateway) onTaskCompleted(ctx context.Context, s *session, data json.RawMessage) error {
	var p CompletedPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	results, err := p.results()
	if err != nil {
		return err
	}
	if len(results) == 0 {
		s.logger.Warn("task completed without results", zap.String("task_id", p.TaskID))
	}
	if _, err := g.tasks.SaveResults(ctx, p.TaskID, s.workerID, results, p.Metrics); err != nil {
		return fmt.Errorf("save results of task %s: %w", p.TaskID, err)
	}
	g.archiveCompletion(ctx, s, p.TaskID, data)
	if _, err := g.registry.RecordOutcome(ctx, s.workerID, true); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	s.logger.Info("task completed", zap.String("task_id", p.TaskID), zap.Int("results", len(results)))
	g.requestDispatch(s.workerID, "task completed")
	return nil
}

func (g *Gateway) onTaskFailed(ctx context.Context, s *session, data json.RawMessage) error {
	var p FailedPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	task, err := g.tasks.MarkFailed(ctx, p.TaskID, s.workerID, fleet.ErrorType(p.Error.Type), p.Error.Message)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", p.TaskID, err)
	}
	if _, err := g.registry.RecordOutcome(ctx, s.workerID, false); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	s.logger.Info("task failed",
		zap.String("task_id", task.ID),
		zap.String("error_type", p.Error.Type),
		zap.Int("attempt", task.AttemptCount),
		zap.String("status", string(task.Status)),
	)
	g.requestDispatch(s.workerID, "task failed")
	return nil
}

// archiveCompletion keeps the raw completion payload next to the parsed
// results. Failures are logged only.
func (g *Gateway) archiveCompletion(ctx context.Context, s *session, taskID string, data json.RawMessage) {
	if g.archive == nil {
		return
	}
	key := path.Join(g.cfg.ArchivePrefix, taskID+".json")
	uri, err := g.archive.PutObject(ctx, key, "application/json", data)
	if err != nil {
		s.logger.Warn("archive completion failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	s.logger.Debug("completion archived", zap.String("task_id", taskID), zap.String("uri", uri))
}

func (g *Gateway) requestDispatch(workerID, reason string) {
	if g.dispatch != nil {
		g.dispatch.Request(workerID, reason)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
