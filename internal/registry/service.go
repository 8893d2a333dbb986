// Package registry owns worker identity, tokens, and status.
//
// Every status change goes through Transition, which applies
// fleet.NextWorkerStatus inside a single WorkerStore.UpdateWorker call.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/events"
	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

// TokenCache short-circuits token lookups. Implementations may be remote, so
// every error is treated as a miss.
type TokenCache interface {
	Lookup(ctx context.Context, token string) (string, bool, error)
	Remember(ctx context.Context, token, workerID string) error
	Forget(ctx context.Context, token string) error
}

// OrphanReleaser returns a worker's IN_PROGRESS tasks to the pool.
type OrphanReleaser interface {
	ReassignOrphanedTasks(ctx context.Context, workerID string) ([]string, error)
}

// Options wires the Service dependencies. Cache, Orphans, Events, and Logger
// are optional.
type Options struct {
	Store   fleet.WorkerStore
	Tokens  fleet.TokenGenerator
	IDs     fleet.IDGenerator
	Clock   fleet.Clock
	Cache   TokenCache
	Orphans OrphanReleaser
	Events  events.Emitter
	Logger  *zap.Logger
	// AssignGrace is how long after an assignment an idle heartbeat is
	// treated as sent before the worker saw the task. Defaults to 10s.
	AssignGrace time.Duration
}

// Service implements the worker registry.
type Service struct {
	store   fleet.WorkerStore
	tokens  fleet.TokenGenerator
	ids     fleet.IDGenerator
	clock   fleet.Clock
	cache   TokenCache
	orphans OrphanReleaser
	events  events.Emitter
	logger  *zap.Logger
	grace   time.Duration
}

// New validates opts and builds a Service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("worker store is required")
	case opts.Tokens == nil:
		return nil, errors.New("token generator is required")
	case opts.IDs == nil:
		return nil, errors.New("id generator is required")
	case opts.Clock == nil:
		return nil, errors.New("clock is required")
	}
	s := &Service{
		store:   opts.Store,
		tokens:  opts.Tokens,
		ids:     opts.IDs,
		clock:   opts.Clock,
		cache:   opts.Cache,
		orphans: opts.Orphans,
		events:  opts.Events,
		logger:  opts.Logger,
		grace:   opts.AssignGrace,
	}
	if s.grace <= 0 {
		s.grace = 10 * time.Second
	}
	if s.events == nil {
		s.events = events.Discard{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// Register creates a DISCONNECTED worker and returns its token. The token is
// not exposed through listings.
func (s *Service) Register(ctx context.Context, name string) (fleet.Worker, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return fleet.Worker{}, "", fmt.Errorf("%w: name is required", fleet.ErrValidation)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return fleet.Worker{}, "", fmt.Errorf("generate worker id: %w", err)
	}
	tok, err := s.tokens.NewToken()
	if err != nil {
		return fleet.Worker{}, "", fmt.Errorf("generate worker token: %w", err)
	}
	now := s.clock.Now()
	worker := fleet.Worker{
		ID:        id,
		Name:      name,
		Token:     tok,
		Status:    fleet.WorkerDisconnected,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateWorker(ctx, worker); err != nil {
		return fleet.Worker{}, "", fmt.Errorf("create worker: %w", err)
	}
	s.logger.Info("worker registered", zap.String("worker_id", id), zap.String("name", name))
	return worker, tok, nil
}

// FindByToken resolves a token. The cache only ever narrows the lookup to one
// worker; the store decides whether the token is still current.
func (s *Service) FindByToken(ctx context.Context, tok string) (fleet.Worker, error) {
	if tok == "" {
		return fleet.Worker{}, fmt.Errorf("worker token: %w", fleet.ErrNotFound)
	}
	if s.cache != nil {
		if w, ok := s.fromCache(ctx, tok); ok {
			return w, nil
		}
	}
	w, err := s.store.GetWorkerByToken(ctx, tok)
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("find worker by token: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Remember(ctx, tok, w.ID); err != nil {
			s.logger.Warn("token cache write failed", zap.Error(err))
		}
	}
	return w, nil
}

func (s *Service) fromCache(ctx context.Context, tok string) (fleet.Worker, bool) {
	id, ok, err := s.cache.Lookup(ctx, tok)
	if err != nil {
		s.logger.Warn("token cache lookup failed", zap.Error(err))
		return fleet.Worker{}, false
	}
	if !ok {
		return fleet.Worker{}, false
	}
	w, err := s.store.GetWorker(ctx, id)
	if err == nil && w.Token == tok {
		return w, true
	}
	if err := s.cache.Forget(ctx, tok); err != nil {
		s.logger.Warn("token cache evict failed", zap.Error(err))
	}
	return fleet.Worker{}, false
}

// FindOne fetches a worker by ID.
func (s *Service) FindOne(ctx context.Context, id string) (fleet.Worker, error) {
	w, err := s.store.GetWorker(ctx, id)
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("find worker: %w", err)
	}
	return w, nil
}

// FindAll lists every worker.
func (s *Service) FindAll(ctx context.Context) ([]fleet.Worker, error) {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return workers, nil
}

// AvailableWorkers lists CONNECTED workers.
func (s *Service) AvailableWorkers(ctx context.Context) ([]fleet.Worker, error) {
	workers, err := s.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	out := workers[:0]
	for _, w := range workers {
		if w.Status == fleet.WorkerConnected {
			out = append(out, w)
		}
	}
	return out, nil
}

// Delete removes a worker, forgets its token, and returns any task it held
// to the pool.
func (s *Service) Delete(ctx context.Context, id string) error {
	w, err := s.store.GetWorker(ctx, id)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	if err := s.store.DeleteWorker(ctx, id); err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	s.forget(ctx, w.Token)
	s.releaseOrphans(ctx, id)
	s.logger.Info("worker deleted", zap.String("worker_id", id))
	return nil
}

// Reset forces a worker to DISCONNECTED regardless of its current status and
// returns any task it held to the pool.
func (s *Service) Reset(ctx context.Context, id string) (fleet.Worker, error) {
	w, err := s.Transition(ctx, id, fleet.EventReset, clearAssignment)
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("reset worker: %w", err)
	}
	s.releaseOrphans(ctx, id)
	return w, nil
}

// RegenerateToken swaps in a new token. The old token stops resolving as soon
// as the update commits.
func (s *Service) RegenerateToken(ctx context.Context, id string) (string, error) {
	tok, err := s.tokens.NewToken()
	if err != nil {
		return "", fmt.Errorf("generate worker token: %w", err)
	}
	var old string
	_, err = s.store.UpdateWorker(ctx, id, func(w *fleet.Worker) error {
		old = w.Token
		w.Token = tok
		w.UpdatedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("regenerate token: %w", err)
	}
	s.forget(ctx, old)
	s.logger.Info("worker token regenerated", zap.String("worker_id", id))
	return tok, nil
}

// GetToken returns the current token for recovery.
func (s *Service) GetToken(ctx context.Context, id string) (string, error) {
	w, err := s.FindOne(ctx, id)
	if err != nil {
		return "", err
	}
	return w.Token, nil
}

// UpdateStatus sets status unconditionally. It bypasses the state machine and
// exists for operators; the coordinator itself uses Transition.
func (s *Service) UpdateStatus(ctx context.Context, id string, status fleet.WorkerStatus) (fleet.Worker, error) {
	if !status.Valid() {
		return fleet.Worker{}, fmt.Errorf("%w: unknown worker status %q", fleet.ErrValidation, status)
	}
	w, err := s.store.UpdateWorker(ctx, id, func(w *fleet.Worker) error {
		w.Status = status
		w.UpdatedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("update worker status: %w", err)
	}
	return w, nil
}

// Transition applies ev to the stored worker atomically. mutate, when set,
// runs after the status change and inside the same update.
func (s *Service) Transition(ctx context.Context, id string, ev fleet.WorkerEvent, mutate func(*fleet.Worker)) (fleet.Worker, error) {
	return s.store.UpdateWorker(ctx, id, func(w *fleet.Worker) error {
		next, err := fleet.NextWorkerStatus(w.Status, ev)
		if err != nil {
			return err
		}
		w.Status = next
		w.UpdatedAt = s.clock.Now()
		if mutate != nil {
			mutate(w)
		}
		return nil
	})
}

// Connect marks a worker CONNECTED after its session authenticates. The
// handshake counts as a heartbeat, so the sweep measures silence from here.
func (s *Service) Connect(ctx context.Context, id string) (fleet.Worker, error) {
	w, err := s.Transition(ctx, id, fleet.EventConnect, func(w *fleet.Worker) {
		seen := w.UpdatedAt
		w.LastHeartbeat = &seen
	})
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("connect worker: %w", err)
	}
	s.events.Emit(events.Event{Kind: events.WorkerConnected, TS: w.UpdatedAt, WorkerID: id})
	return w, nil
}

// Disconnect marks the worker that owns tok DISCONNECTED. The session only
// carries the token, so the worker is looked up again here.
func (s *Service) Disconnect(ctx context.Context, tok string) (fleet.Worker, error) {
	w, err := s.FindByToken(ctx, tok)
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("disconnect worker: %w", err)
	}
	w, err = s.Transition(ctx, w.ID, fleet.EventDisconnect, nil)
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("disconnect worker: %w", err)
	}
	s.events.Emit(events.Event{Kind: events.WorkerDisconnected, TS: w.UpdatedAt, WorkerID: w.ID})
	return w, nil
}

// Heartbeat is the part of a worker heartbeat the registry persists. Nil
// fields leave the stored values untouched.
type Heartbeat struct {
	Status        fleet.WorkerStatus
	CurrentTaskID *string
	Network       *fleet.NetworkInfo
	Stats         *fleet.WorkerStats
}

// RecordHeartbeat stores a heartbeat and the self-reported status. An idle
// report from a worker assigned a task within the grace window is taken as
// sent before the assignment arrived: the worker stays BUSY on its task.
func (s *Service) RecordHeartbeat(ctx context.Context, id string, hb Heartbeat) (fleet.Worker, error) {
	var ev fleet.WorkerEvent
	switch hb.Status {
	case fleet.WorkerConnected:
		ev = fleet.EventHeartbeatIdle
	case fleet.WorkerBusy:
		ev = fleet.EventHeartbeatBusy
	case fleet.WorkerBlocked:
		ev = fleet.EventHeartbeatBlocked
	default:
		return fleet.Worker{}, fmt.Errorf("%w: heartbeat status %q", fleet.ErrValidation, hb.Status)
	}
	var held string
	w, err := s.store.UpdateWorker(ctx, id, func(w *fleet.Worker) error {
		now := s.clock.Now()
		if ev == fleet.EventHeartbeatIdle && s.assignmentInFlight(*w, now) {
			held = w.CurrentTaskID
		} else {
			next, err := fleet.NextWorkerStatus(w.Status, ev)
			if err != nil {
				return err
			}
			w.Status = next
			if hb.CurrentTaskID != nil {
				w.CurrentTaskID = *hb.CurrentTaskID
			}
			if w.CurrentTaskID == "" {
				w.AssignedAt = nil
			}
		}
		w.UpdatedAt = now
		w.LastHeartbeat = &now
		if hb.Network != nil {
			w.Network = *hb.Network
		}
		if hb.Stats != nil {
			stats := *hb.Stats
			w.ReportedStats = &stats
		}
		return nil
	})
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("record heartbeat: %w", err)
	}
	if held != "" {
		s.logger.Warn("idle heartbeat predates assignment, keeping worker busy",
			zap.String("worker_id", id), zap.String("task_id", held))
	}
	return w, nil
}

func (s *Service) assignmentInFlight(w fleet.Worker, now time.Time) bool {
	return w.Status == fleet.WorkerBusy &&
		w.CurrentTaskID != "" &&
		w.AssignedAt != nil &&
		now.Sub(*w.AssignedAt) < s.grace
}

func clearAssignment(w *fleet.Worker) {
	w.CurrentTaskID = ""
	w.AssignedAt = nil
}

// UpdateNetwork stores a new network identity without touching status.
func (s *Service) UpdateNetwork(ctx context.Context, id string, network fleet.NetworkInfo) (fleet.Worker, error) {
	w, err := s.store.UpdateWorker(ctx, id, func(w *fleet.Worker) error {
		w.Network = network
		w.UpdatedAt = s.clock.Now()
		return nil
	})
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("update worker network: %w", err)
	}
	return w, nil
}

// MarkBusy claims a CONNECTED worker for taskID. It fails with
// fleet.ErrInvalidTransition when the worker is not CONNECTED.
func (s *Service) MarkBusy(ctx context.Context, id, taskID string) (fleet.Worker, error) {
	w, err := s.Transition(ctx, id, fleet.EventAssign, func(w *fleet.Worker) {
		assigned := w.UpdatedAt
		w.CurrentTaskID = taskID
		w.AssignedAt = &assigned
	})
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("mark worker busy: %w", err)
	}
	return w, nil
}

// MarkUnreachable drops a worker whose session could not take an
// assignment. The worker must reconnect before it is dispatched to again.
func (s *Service) MarkUnreachable(ctx context.Context, id string) (fleet.Worker, error) {
	w, err := s.Transition(ctx, id, fleet.EventDisconnect, clearAssignment)
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("mark worker unreachable: %w", err)
	}
	s.events.Emit(events.Event{Kind: events.WorkerDisconnected, TS: w.UpdatedAt, WorkerID: id, Note: "delivery failed"})
	return w, nil
}

// RecordOutcome frees the worker after it reports a task outcome.
func (s *Service) RecordOutcome(ctx context.Context, id string, succeeded bool) (fleet.Worker, error) {
	w, err := s.Transition(ctx, id, fleet.EventOutcome, func(w *fleet.Worker) {
		clearAssignment(w)
		if succeeded {
			w.TasksCompleted++
		} else {
			w.TasksFailed++
		}
	})
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("record outcome: %w", err)
	}
	return w, nil
}

// ExpireStale demotes every CONNECTED or BUSY worker whose last heartbeat is
// before cutoff and returns the demoted workers. Each candidate is checked
// again inside its update so a heartbeat racing the sweep wins.
func (s *Service) ExpireStale(ctx context.Context, cutoff time.Time) ([]fleet.Worker, error) {
	stale, err := s.store.ListStaleWorkers(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale workers: %w", err)
	}
	demoted := make([]fleet.Worker, 0, len(stale))
	var errs []error
	for _, candidate := range stale {
		w, err := s.store.UpdateWorker(ctx, candidate.ID, func(w *fleet.Worker) error {
			if !w.Stale(cutoff) {
				return errFresh
			}
			next, err := fleet.NextWorkerStatus(w.Status, fleet.EventTimeout)
			if err != nil {
				return err
			}
			w.Status = next
			clearAssignment(w)
			w.UpdatedAt = s.clock.Now()
			return nil
		})
		switch {
		case errors.Is(err, errFresh), errors.Is(err, fleet.ErrNotFound):
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("expire worker %s: %w", candidate.ID, err))
			continue
		}
		s.events.Emit(events.Event{Kind: events.WorkerTimedOut, TS: w.UpdatedAt, WorkerID: w.ID})
		demoted = append(demoted, w)
	}
	return demoted, errors.Join(errs...)
}

var errFresh = errors.New("worker heartbeat is fresh")

func (s *Service) forget(ctx context.Context, tok string) {
	if s.cache == nil || tok == "" {
		return
	}
	if err := s.cache.Forget(ctx, tok); err != nil {
		s.logger.Warn("token cache evict failed", zap.Error(err))
	}
}

func (s *Service) releaseOrphans(ctx context.Context, workerID string) {
	if s.orphans == nil {
		return
	}
	if _, err := s.orphans.ReassignOrphanedTasks(ctx, workerID); err != nil {
		s.logger.Error("release worker tasks failed", zap.String("worker_id", workerID), zap.Error(err))
	}
}
