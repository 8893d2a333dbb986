package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

// WorkerStore keeps workers in memory with a token index.
type WorkerStore struct {
	mu      sync.RWMutex
	workers map[string]fleet.Worker
	byToken map[string]string
}

// NewWorkerStore constructs an empty WorkerStore.
func NewWorkerStore() *WorkerStore {
	return &WorkerStore{
		workers: make(map[string]fleet.Worker),
		byToken: make(map[string]string),
	}
}

// CreateWorker stores a new worker.
func (s *WorkerStore) CreateWorker(_ context.Context, worker fleet.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workers[worker.ID]; exists {
		return fmt.Errorf("%w: worker %s already exists", fleet.ErrConflict, worker.ID)
	}
	if _, taken := s.byToken[worker.Token]; taken {
		return fmt.Errorf("%w: token already in use", fleet.ErrConflict)
	}
	s.workers[worker.ID] = worker
	s.byToken[worker.Token] = worker.ID
	return nil
}

// GetWorker fetches a worker by ID.
func (s *WorkerStore) GetWorker(_ context.Context, id string) (fleet.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	worker, ok := s.workers[id]
	if !ok {
		return fleet.Worker{}, fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	return worker, nil
}

// GetWorkerByToken resolves a token to its worker.
func (s *WorkerStore) GetWorkerByToken(_ context.Context, token string) (fleet.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byToken[token]
	if !ok || token == "" {
		return fleet.Worker{}, fmt.Errorf("worker token: %w", fleet.ErrNotFound)
	}
	return s.workers[id], nil
}

// ListWorkers returns every worker ordered by creation time.
func (s *WorkerStore) ListWorkers(_ context.Context) ([]fleet.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fleet.Worker, 0, len(s.workers))
	for _, worker := range s.workers {
		out = append(out, worker)
	}
	sortWorkers(out)
	return out, nil
}

// ListStaleWorkers returns CONNECTED or BUSY workers last seen strictly
// before cutoff.
func (s *WorkerStore) ListStaleWorkers(_ context.Context, cutoff time.Time) ([]fleet.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []fleet.Worker
	for _, worker := range s.workers {
		if worker.Stale(cutoff) {
			out = append(out, worker)
		}
	}
	sortWorkers(out)
	return out, nil
}

// DeleteWorker removes a worker and its token.
func (s *WorkerStore) DeleteWorker(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	worker, ok := s.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	delete(s.byToken, worker.Token)
	delete(s.workers, id)
	return nil
}

// UpdateWorker applies fn under the write lock and keeps the token index in
// step when fn rotates the token.
func (s *WorkerStore) UpdateWorker(_ context.Context, id string, fn func(*fleet.Worker) error) (fleet.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	worker, ok := s.workers[id]
	if !ok {
		return fleet.Worker{}, fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	oldToken := worker.Token
	if err := fn(&worker); err != nil {
		return fleet.Worker{}, err
	}
	if worker.Token != oldToken {
		if _, taken := s.byToken[worker.Token]; taken {
			return fleet.Worker{}, fmt.Errorf("%w: token already in use", fleet.ErrConflict)
		}
		delete(s.byToken, oldToken)
		s.byToken[worker.Token] = id
	}
	s.workers[id] = worker
	return worker, nil
}

func sortWorkers(workers []fleet.Worker) {
	sort.Slice(workers, func(i, j int) bool {
		if !workers[i].CreatedAt.Equal(workers[j].CreatedAt) {
			return workers[i].CreatedAt.Before(workers[j].CreatedAt)
		}
		return workers[i].ID < workers[j].ID
	})
}
