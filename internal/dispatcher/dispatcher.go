// Package dispatcher pairs pending tasks with available workers.
//
// Requests from timers, heartbeats, and the admin API land on one bounded
// queue. A single goroutine drains it, so at most one assignment is in flight
// at a time; the stores still claim tasks and workers conditionally.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/metrics"
)

const tracerName = "github.com/JakeFAU/scraper-fleet/internal/dispatcher"

// TaskSource is the task side of an assignment.
type TaskSource interface {
	GetNextPendingTask(ctx context.Context) (fleet.Task, error)
	AssignToWorker(ctx context.Context, taskID, workerID string) (fleet.Task, error)
	Release(ctx context.Context, id, reason string) (fleet.Task, error)
}

// WorkerPool is the worker side of an assignment.
type WorkerPool interface {
	FindOne(ctx context.Context, id string) (fleet.Worker, error)
	AvailableWorkers(ctx context.Context) ([]fleet.Worker, error)
	MarkBusy(ctx context.Context, id, taskID string) (fleet.Worker, error)
	MarkUnreachable(ctx context.Context, id string) (fleet.Worker, error)
}

// Notifier delivers a task to a worker's live session.
type Notifier interface {
	Deliver(ctx context.Context, workerID string, task fleet.Task) error
}

// RequestQueue buffers dispatch requests for the consumer loop.
type RequestQueue interface {
	TryEnqueue(req fleet.DispatchRequest) bool
	Dequeue(ctx context.Context) (fleet.DispatchRequest, error)
}

// Outcome describes how a dispatch pass ended.
type Outcome string

// Dispatch outcomes.
const (
	Assigned       Outcome = metrics.DispatchAssigned
	NoTask         Outcome = metrics.DispatchNoTask
	NoWorker       Outcome = metrics.DispatchNoWorker
	Conflict       Outcome = metrics.DispatchConflict
	DeliveryFailed Outcome = metrics.DispatchDeliveryFailed
	Failed         Outcome = metrics.DispatchError
)

// Config tunes the dispatcher loop.
type Config struct {
	// Interval between timer-driven requests. Zero disables the timer.
	Interval time.Duration
}

// Dispatcher assigns one pending task per request.
type Dispatcher struct {
	tasks    TaskSource
	workers  WorkerPool
	notifier Notifier
	queue    RequestQueue
	cfg      Config
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(tasks TaskSource, workers WorkerPool, notifier Notifier, queue RequestQueue, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		tasks:    tasks,
		workers:  workers,
		notifier: notifier,
		queue:    queue,
		cfg:      cfg,
		logger:   logger,
	}
}

// Request asks for a dispatch pass. An empty workerID means any available
// worker. It never blocks; a full queue drops the request because a pending
// pass or the next tick will cover it.
func (d *Dispatcher) Request(workerID, reason string) bool {
	if d.queue.TryEnqueue(fleet.DispatchRequest{WorkerID: workerID, Reason: reason}) {
		return true
	}
	metrics.ObserveDispatchDropped()
	d.logger.Debug("dispatch request dropped", zap.String("worker_id", workerID), zap.String("reason", reason))
	return false
}

// Run consumes dispatch requests until ctx is cancelled or the queue closes.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.cfg.Interval > 0 {
		go d.tick(ctx)
	}
	for {
		req, err := d.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		outcome, err := d.Dispatch(ctx, req.WorkerID)
		if err != nil {
			d.logger.Warn("dispatch failed",
				zap.String("worker_id", req.WorkerID),
				zap.String("reason", req.Reason),
				zap.String("outcome", string(outcome)),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Request("", "timer")
		}
	}
}

// Dispatch pairs the next pending task with a worker and delivers it. When
// workerID is set only that worker is considered, and only if it is
// CONNECTED. Errors abort the pass; the next request retries.
func (d *Dispatcher) Dispatch(ctx context.Context, workerID string) (outcome Outcome, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatch")
	start := time.Now()
	defer func() {
		metrics.ObserveDispatch(string(outcome), time.Since(start))
		span.SetAttributes(attribute.String("dispatch.outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	task, err := d.tasks.GetNextPendingTask(ctx)
	if errors.Is(err, fleet.ErrNotFound) {
		return NoTask, nil
	}
	if err != nil {
		return Failed, fmt.Errorf("next pending task: %w", err)
	}

	worker, ok, err := d.pickWorker(ctx, workerID)
	if err != nil {
		return Failed, err
	}
	if !ok {
		return NoWorker, nil
	}
	span.SetAttributes(attribute.String("task.id", task.ID), attribute.String("worker.id", worker.ID))

	task, err = d.tasks.AssignToWorker(ctx, task.ID, worker.ID)
	if errors.Is(err, fleet.ErrConflict) || errors.Is(err, fleet.ErrNotFound) {
		return Conflict, nil
	}
	if err != nil {
		return Failed, fmt.Errorf("assign task: %w", err)
	}

	if _, err := d.workers.MarkBusy(ctx, worker.ID, task.ID); err != nil {
		d.release(ctx, task.ID, "worker unavailable")
		if errors.Is(err, fleet.ErrInvalidTransition) || errors.Is(err, fleet.ErrNotFound) {
			return Conflict, nil
		}
		return Failed, fmt.Errorf("mark worker busy: %w", err)
	}

	if err := d.notifier.Deliver(ctx, worker.ID, task); err != nil {
		d.release(ctx, task.ID, "delivery failed")
		if _, uerr := d.workers.MarkUnreachable(ctx, worker.ID); uerr != nil {
			d.logger.Warn("mark worker unreachable failed", zap.String("worker_id", worker.ID), zap.Error(uerr))
		}
		return DeliveryFailed, fmt.Errorf("deliver task %s to worker %s: %w", task.ID, worker.ID, err)
	}

	d.logger.Info("task assigned",
		zap.String("task_id", task.ID),
		zap.String("worker_id", worker.ID),
		zap.Int("attempt", task.AttemptCount+1),
	)
	return Assigned, nil
}

func (d *Dispatcher) pickWorker(ctx context.Context, workerID string) (fleet.Worker, bool, error) {
	if workerID != "" {
		w, err := d.workers.FindOne(ctx, workerID)
		if errors.Is(err, fleet.ErrNotFound) {
			return fleet.Worker{}, false, nil
		}
		if err != nil {
			return fleet.Worker{}, false, fmt.Errorf("find worker: %w", err)
		}
		return w, w.Status == fleet.WorkerConnected, nil
	}
	available, err := d.workers.AvailableWorkers(ctx)
	if err != nil {
		return fleet.Worker{}, false, fmt.Errorf("list available workers: %w", err)
	}
	w, ok := leastLoaded(available)
	return w, ok, nil
}

// leastLoaded picks the CONNECTED worker with the fewest completed tasks. Ties
// keep list order.
func leastLoaded(workers []fleet.Worker) (fleet.Worker, bool) {
	var (
		best  fleet.Worker
		found bool
	)
	for _, w := range workers {
		if w.Status != fleet.WorkerConnected {
			continue
		}
		if !found || w.TasksCompleted < best.TasksCompleted {
			best = w
			found = true
		}
	}
	return best, found
}

func (d *Dispatcher) release(ctx context.Context, taskID, reason string) {
	if _, err := d.tasks.Release(ctx, taskID, reason); err != nil {
		d.logger.Error("release task failed", zap.String("task_id", taskID), zap.Error(err))
	}
}
