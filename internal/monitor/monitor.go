// Package monitor demotes workers that stop sending heartbeats and returns
// their work to the pool.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/metrics"
)

// Workers demotes silent workers and answers lookups.
type Workers interface {
	ExpireStale(ctx context.Context, cutoff time.Time) ([]fleet.Worker, error)
	FindOne(ctx context.Context, id string) (fleet.Worker, error)
}

// Tasks lists running tasks and returns a worker's IN_PROGRESS tasks to the
// pool.
type Tasks interface {
	FindAll(ctx context.Context, filter fleet.TaskFilter) ([]fleet.Task, error)
	ReassignOrphanedTasks(ctx context.Context, workerID string) ([]string, error)
}

// Config controls the sweep cadence.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Monitor runs the heartbeat sweep.
type Monitor struct {
	workers Workers
	tasks   Tasks
	clock   fleet.Clock
	cfg     Config
	logger  *zap.Logger
}

// New creates a Monitor.
func New(workers Workers, tasks Tasks, clock fleet.Clock, cfg Config, logger *zap.Logger) (*Monitor, error) {
	if cfg.Timeout <= 0 {
		return nil, errors.New("heartbeat timeout must be positive")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{workers: workers, tasks: tasks, clock: clock, cfg: cfg, logger: logger}, nil
}

// Run sweeps every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("heartbeat sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep demotes every CONNECTED or BUSY worker silent for longer than the
// timeout and releases the tasks they held. A heartbeat exactly at the cutoff
// keeps a worker alive. Tasks still held by workers that disconnected or were
// deleted are reclaimed once the same timeout has passed.
func (m *Monitor) Sweep(ctx context.Context) ([]fleet.Worker, error) {
	cutoff := m.clock.Now().Add(-m.cfg.Timeout)
	demoted, err := m.workers.ExpireStale(ctx, cutoff)
	var errs []error
	if err != nil {
		errs = append(errs, fmt.Errorf("expire stale workers: %w", err))
	}
	metrics.ObserveHeartbeatTimeouts(len(demoted))
	for _, w := range demoted {
		log := m.logger.With(zap.String("worker_id", w.ID), zap.String("worker_name", w.Name))
		log.Warn("worker heartbeat timed out", zap.Timep("last_heartbeat", w.LastHeartbeat))
		released, err := m.tasks.ReassignOrphanedTasks(ctx, w.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("release tasks of worker %s: %w", w.ID, err))
			continue
		}
		if len(released) > 0 {
			log.Info("released tasks of timed out worker", zap.Strings("task_ids", released))
		}
	}
	if err := m.reclaim(ctx, cutoff); err != nil {
		errs = append(errs, err)
	}
	return demoted, errors.Join(errs...)
}

// reclaim releases IN_PROGRESS tasks whose worker is gone: deleted, or
// DISCONNECTED with no heartbeat since cutoff. A worker that reconnects in
// time keeps its task and can still report the outcome.
func (m *Monitor) reclaim(ctx context.Context, cutoff time.Time) error {
	running, err := m.tasks.FindAll(ctx, fleet.TaskFilter{Status: fleet.TaskInProgress})
	if err != nil {
		return fmt.Errorf("list running tasks: %w", err)
	}
	seen := make(map[string]struct{}, len(running))
	var errs []error
	for _, task := range running {
		if _, ok := seen[task.AssignedWorkerID]; ok {
			continue
		}
		seen[task.AssignedWorkerID] = struct{}{}

		w, err := m.workers.FindOne(ctx, task.AssignedWorkerID)
		switch {
		case errors.Is(err, fleet.ErrNotFound):
		case err != nil:
			errs = append(errs, fmt.Errorf("find worker %s: %w", task.AssignedWorkerID, err))
			continue
		case w.Status != fleet.WorkerDisconnected:
			continue
		case !w.LastSeen().Before(cutoff):
			continue
		}
		released, err := m.tasks.ReassignOrphanedTasks(ctx, task.AssignedWorkerID)
		if err != nil {
			errs = append(errs, fmt.Errorf("release tasks of worker %s: %w", task.AssignedWorkerID, err))
			continue
		}
		m.logger.Info("reclaimed tasks of departed worker",
			zap.String("worker_id", task.AssignedWorkerID), zap.Strings("task_ids", released))
	}
	return errors.Join(errs...)
}
