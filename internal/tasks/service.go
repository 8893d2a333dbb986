// Package tasks owns task intake and drives the task state machine through
// fleet.TaskStore.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/events"
	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

// MaxBatchSize caps CreateBatch.
const MaxBatchSize = 1000

// NewTask is the intake shape for Create and CreateBatch.
type NewTask struct {
	URL         string `json:"url"`
	Priority    int    `json:"priority"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`
	BotID       string `json:"botId,omitempty"`
}

// Options wires the Service. Events, Publisher, and Logger are optional.
type Options struct {
	Store              fleet.TaskStore
	IDs                fleet.IDGenerator
	Clock              fleet.Clock
	DefaultMaxAttempts int
	Events             events.Emitter
	// Publisher receives products awaiting approval on ProductTopic.
	Publisher    fleet.Publisher
	ProductTopic string
	Logger       *zap.Logger
}

// Service implements the task store operations.
type Service struct {
	store        fleet.TaskStore
	ids          fleet.IDGenerator
	clock        fleet.Clock
	maxAttempts  int
	events       events.Emitter
	publisher    fleet.Publisher
	productTopic string
	logger       *zap.Logger
}

// New validates opts and builds a Service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("task store is required")
	case opts.IDs == nil:
		return nil, errors.New("id generator is required")
	case opts.Clock == nil:
		return nil, errors.New("clock is required")
	}
	s := &Service{
		store:        opts.Store,
		ids:          opts.IDs,
		clock:        opts.Clock,
		maxAttempts:  opts.DefaultMaxAttempts,
		events:       opts.Events,
		publisher:    opts.Publisher,
		productTopic: opts.ProductTopic,
		logger:       opts.Logger,
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = fleet.DefaultMaxAttempts
	}
	if s.events == nil {
		s.events = events.Discard{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

func (s *Service) build(in NewTask, now time.Time) (fleet.Task, error) {
	task := fleet.Task{
		URL:         strings.TrimSpace(in.URL),
		Priority:    in.Priority,
		Status:      fleet.TaskPending,
		MaxAttempts: in.MaxAttempts,
		BotID:       strings.TrimSpace(in.BotID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := task.Validate(); err != nil {
		return fleet.Task{}, err
	}
	if task.MaxAttempts == 0 {
		task.MaxAttempts = s.maxAttempts
	}
	id, err := s.ids.NewID()
	if err != nil {
		return fleet.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	task.ID = id
	return task, nil
}

// Create validates and stores a PENDING task.
func (s *Service) Create(ctx context.Context, in NewTask) (fleet.Task, error) {
	task, err := s.build(in, s.clock.Now())
	if err != nil {
		return fleet.Task{}, err
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return fleet.Task{}, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

// CreateBatch validates every entry before storing any; one bad entry means
// no task is created.
func (s *Service) CreateBatch(ctx context.Context, in []NewTask) ([]fleet.Task, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: batch is empty", fleet.ErrValidation)
	}
	if len(in) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch exceeds %d tasks", fleet.ErrValidation, MaxBatchSize)
	}
	now := s.clock.Now()
	out := make([]fleet.Task, 0, len(in))
	for i, entry := range in {
		task, err := s.build(entry, now)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		out = append(out, task)
	}
	if err := s.store.CreateTasks(ctx, out); err != nil {
		return nil, fmt.Errorf("create task batch: %w", err)
	}
	return out, nil
}

// FindAll lists tasks matching filter, newest first.
func (s *Service) FindAll(ctx context.Context, filter fleet.TaskFilter) ([]fleet.Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown task status %q", fleet.ErrValidation, filter.Status)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must be non-negative", fleet.ErrValidation)
	}
	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// FindOne fetches a task by ID.
func (s *Service) FindOne(ctx context.Context, id string) (fleet.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return fleet.Task{}, fmt.Errorf("find task: %w", err)
	}
	return task, nil
}

// Delete removes a task.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// GetNextPendingTask returns the highest-priority, oldest PENDING task.
func (s *Service) GetNextPendingTask(ctx context.Context) (fleet.Task, error) {
	task, err := s.store.NextPendingTask(ctx)
	if err != nil {
		return fleet.Task{}, fmt.Errorf("next pending task: %w", err)
	}
	return task, nil
}

// AssignToWorker claims a PENDING task for workerID. A task that is no longer
// PENDING yields fleet.ErrConflict.
func (s *Service) AssignToWorker(ctx context.Context, taskID, workerID string) (fleet.Task, error) {
	now := s.clock.Now()
	task, err := s.store.UpdateTask(ctx, taskID, func(t *fleet.Task) error {
		return t.Assign(workerID, now)
	})
	if err != nil {
		return fleet.Task{}, fmt.Errorf("assign task: %w", err)
	}
	s.events.Emit(events.Event{
		Kind: events.TaskAssigned, TS: now, TaskID: task.ID, WorkerID: workerID, Attempt: task.AttemptCount + 1,
	})
	return task, nil
}

// MarkStarted records the worker-reported start time of an IN_PROGRESS task.
func (s *Service) MarkStarted(ctx context.Context, taskID, workerID string, startedAt time.Time) (fleet.Task, error) {
	task, err := s.store.UpdateTask(ctx, taskID, func(t *fleet.Task) error {
		if t.Status != fleet.TaskInProgress || t.AssignedWorkerID != workerID {
			return fmt.Errorf("%w: task %s is not running on worker %s", fleet.ErrConflict, t.ID, workerID)
		}
		started := startedAt.UTC()
		t.StartedAt = &started
		return nil
	})
	if err != nil {
		return fleet.Task{}, fmt.Errorf("mark task started: %w", err)
	}
	return task, nil
}

// MarkFailed records a worker-reported failure and applies escalation: the
// task returns to PENDING until attempts run out, then becomes
// PERMANENTLY_FAILED.
func (s *Service) MarkFailed(ctx context.Context, taskID, workerID string, errType fleet.ErrorType, message string) (fleet.Task, error) {
	if !errType.Valid() {
		return fleet.Task{}, fmt.Errorf("%w: unknown error type %q", fleet.ErrValidation, errType)
	}
	now := s.clock.Now()
	task, err := s.store.UpdateTask(ctx, taskID, func(t *fleet.Task) error {
		return t.Fail(workerID, errType, message, now)
	})
	if err != nil {
		return fleet.Task{}, fmt.Errorf("mark task failed: %w", err)
	}
	s.events.Emit(events.Event{
		Kind: events.TaskFailed, TS: now, TaskID: task.ID, WorkerID: workerID,
		ErrorType: string(errType), Attempt: task.AttemptCount, Note: message,
	})
	next := events.TaskRequeued
	if task.Status == fleet.TaskPermanentlyFailed {
		next = events.TaskPermanentlyFailed
		s.logger.Warn("task permanently failed",
			zap.String("task_id", task.ID),
			zap.Int("attempts", task.AttemptCount),
			zap.String("error_type", string(errType)),
		)
	}
	s.events.Emit(events.Event{Kind: next, TS: now, TaskID: task.ID, Attempt: task.AttemptCount})
	return task, nil
}

// Retry resets a task that is not IN_PROGRESS back to PENDING with a fresh
// attempt budget.
func (s *Service) Retry(ctx context.Context, id string) (fleet.Task, error) {
	now := s.clock.Now()
	task, err := s.store.UpdateTask(ctx, id, func(t *fleet.Task) error {
		return t.Retry(now)
	})
	if err != nil {
		return fleet.Task{}, fmt.Errorf("retry task: %w", err)
	}
	s.events.Emit(events.Event{Kind: events.TaskRequeued, TS: now, TaskID: id, Note: "operator retry"})
	return task, nil
}

// Release returns an IN_PROGRESS task to PENDING without consuming an attempt.
func (s *Service) Release(ctx context.Context, id, reason string) (fleet.Task, error) {
	now := s.clock.Now()
	task, err := s.store.UpdateTask(ctx, id, func(t *fleet.Task) error {
		return t.Release(now)
	})
	if err != nil {
		return fleet.Task{}, fmt.Errorf("release task: %w", err)
	}
	s.events.Emit(events.Event{Kind: events.TaskRequeued, TS: now, TaskID: id, Note: reason})
	return task, nil
}

// ReassignOrphanedTasks returns every IN_PROGRESS task still held by workerID
// to the pool.
func (s *Service) ReassignOrphanedTasks(ctx context.Context, workerID string) ([]string, error) {
	now := s.clock.Now()
	ids, err := s.store.ReleaseWorkerTasks(ctx, workerID, now)
	if err != nil {
		return nil, fmt.Errorf("reassign orphaned tasks: %w", err)
	}
	for _, id := range ids {
		s.events.Emit(events.Event{Kind: events.TaskRequeued, TS: now, TaskID: id, WorkerID: workerID, Note: "orphaned"})
	}
	if len(ids) > 0 {
		s.logger.Info("orphaned tasks returned to pool", zap.String("worker_id", workerID), zap.Strings("task_ids", ids))
	}
	return ids, nil
}

// SaveResults persists results, folds bot-owned results into products, marks
// the task COMPLETED, and publishes the products awaiting approval.
func (s *Service) SaveResults(ctx context.Context, taskID, workerID string, results []fleet.Result, metrics json.RawMessage) (fleet.Task, error) {
	now := s.clock.Now()
	stored := make([]fleet.Result, 0, len(results))
	for _, res := range results {
		if res.ID == "" {
			id, err := s.ids.NewID()
			if err != nil {
				return fleet.Task{}, fmt.Errorf("generate result id: %w", err)
			}
			res.ID = id
		}
		if res.ScrapedAt.IsZero() {
			res.ScrapedAt = now
		}
		stored = append(stored, res)
	}
	task, products, err := s.store.SaveResults(ctx, fleet.Completion{
		TaskID:   taskID,
		WorkerID: workerID,
		Results:  stored,
		Metrics:  metrics,
		At:       now,
	})
	if err != nil {
		return fleet.Task{}, fmt.Errorf("save results: %w", err)
	}
	s.events.Emit(events.Event{
		Kind: events.TaskCompleted, TS: now, TaskID: task.ID, WorkerID: workerID, Attempt: task.AttemptCount + 1,
	})
	s.publishProducts(ctx, products)
	return task, nil
}

func (s *Service) publishProducts(ctx context.Context, products []fleet.Product) {
	if s.publisher == nil || s.productTopic == "" {
		return
	}
	for _, product := range products {
		if _, err := s.publisher.Publish(ctx, s.productTopic, product); err != nil {
			s.logger.Warn("publish product failed",
				zap.String("bot_id", product.BotID),
				zap.String("product_url", product.ProductURL),
				zap.Error(err),
			)
		}
	}
}

// ListResults returns the results stored for a task.
func (s *Service) ListResults(ctx context.Context, taskID string) ([]fleet.Result, error) {
	results, err := s.store.ListResults(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return results, nil
}
