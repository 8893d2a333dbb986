// Package memory provides in-memory stores for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

// TaskStore keeps tasks, results, and products in maps guarded by one lock,
// so every UpdateTask call is atomic with respect to the others.
type TaskStore struct {
	mu       sync.RWMutex
	tasks    map[string]fleet.Task
	seq      map[string]uint64
	next     uint64
	results  map[string][]fleet.Result
	products map[productKey]fleet.Product
}

type productKey struct {
	botID string
	url   string
}

// NewTaskStore constructs an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:    make(map[string]fleet.Task),
		seq:      make(map[string]uint64),
		results:  make(map[string][]fleet.Result),
		products: make(map[productKey]fleet.Product),
	}
}

// CreateTask stores a new task.
func (s *TaskStore) CreateTask(_ context.Context, task fleet.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("%w: task %s already exists", fleet.ErrConflict, task.ID)
	}
	s.insertLocked(task)
	return nil
}

// CreateTasks stores every task or none of them.
func (s *TaskStore) CreateTasks(_ context.Context, tasks []fleet.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(tasks))
	for _, task := range tasks {
		if _, exists := s.tasks[task.ID]; exists {
			return fmt.Errorf("%w: task %s already exists", fleet.ErrConflict, task.ID)
		}
		if _, dup := seen[task.ID]; dup {
			return fmt.Errorf("%w: duplicate task id %s in batch", fleet.ErrConflict, task.ID)
		}
		seen[task.ID] = struct{}{}
	}
	for _, task := range tasks {
		s.insertLocked(task)
	}
	return nil
}

func (s *TaskStore) insertLocked(task fleet.Task) {
	s.next++
	s.tasks[task.ID] = task
	s.seq[task.ID] = s.next
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, id string) (fleet.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return fleet.Task{}, fmt.Errorf("task %s: %w", id, fleet.ErrNotFound)
	}
	return task, nil
}

// ListTasks returns tasks matching filter, newest first.
func (s *TaskStore) ListTasks(_ context.Context, filter fleet.TaskFilter) ([]fleet.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fleet.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.WorkerID != "" && task.AssignedWorkerID != filter.WorkerID {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.seq[out[i].ID] > s.seq[out[j].ID]
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

// DeleteTask removes a task and its results.
func (s *TaskStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, fleet.ErrNotFound)
	}
	delete(s.tasks, id)
	delete(s.seq, id)
	delete(s.results, id)
	return nil
}

// NextPendingTask returns the highest-priority, oldest PENDING task.
func (s *TaskStore) NextPendingTask(_ context.Context) (fleet.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  fleet.Task
		found bool
	)
	for _, task := range s.tasks {
		if task.Status != fleet.TaskPending {
			continue
		}
		if !found || s.before(task, best) {
			best = task
			found = true
		}
	}
	if !found {
		return fleet.Task{}, fmt.Errorf("pending task: %w", fleet.ErrNotFound)
	}
	return best, nil
}

func (s *TaskStore) before(a, b fleet.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return s.seq[a.ID] < s.seq[b.ID]
}

// UpdateTask applies fn to the stored task under the write lock. The task is
// left untouched when fn returns an error.
func (s *TaskStore) UpdateTask(_ context.Context, id string, fn func(*fleet.Task) error) (fleet.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fleet.Task{}, fmt.Errorf("task %s: %w", id, fleet.ErrNotFound)
	}
	if err := fn(&task); err != nil {
		return fleet.Task{}, err
	}
	s.tasks[id] = task
	return task, nil
}

// ReleaseWorkerTasks returns every IN_PROGRESS task held by workerID to the pool.
func (s *TaskStore) ReleaseWorkerTasks(_ context.Context, workerID string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, task := range s.tasks {
		if task.Status != fleet.TaskInProgress || task.AssignedWorkerID != workerID {
			continue
		}
		if err := task.Release(now); err != nil {
			return ids, fmt.Errorf("release task %s: %w", id, err)
		}
		s.tasks[id] = task
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveResults stores results, folds bot-owned results into products, and
// marks the task COMPLETED in one critical section.
func (s *TaskStore) SaveResults(_ context.Context, c fleet.Completion) (fleet.Task, []fleet.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[c.TaskID]
	if !ok {
		return fleet.Task{}, nil, fmt.Errorf("task %s: %w", c.TaskID, fleet.ErrNotFound)
	}
	if err := task.Complete(c.WorkerID, c.Metrics, c.At); err != nil {
		return fleet.Task{}, nil, err
	}
	stored := make([]fleet.Result, 0, len(c.Results))
	for _, res := range c.Results {
		res.TaskID = task.ID
		stored = append(stored, res)
	}
	var products []fleet.Product
	if task.BotID != "" {
		for _, res := range stored {
			products = append(products, s.upsertProductLocked(task, res, c.At))
		}
	}
	s.results[task.ID] = append(s.results[task.ID], stored...)
	s.tasks[task.ID] = task
	return task, products, nil
}

func (s *TaskStore) upsertProductLocked(task fleet.Task, res fleet.Result, now time.Time) fleet.Product {
	key := productKey{botID: task.BotID, url: res.ProductURL}
	product, exists := s.products[key]
	if !exists {
		product = fleet.Product{
			ID:         uuid.NewString(),
			BotID:      task.BotID,
			ProductURL: res.ProductURL,
			CreatedAt:  now,
		}
	}
	product.Title = res.Title
	product.Price = res.Price
	product.Currency = res.Currency
	product.ApprovalStatus = fleet.ApprovalPending
	product.LastTaskID = task.ID
	product.UpdatedAt = now
	s.products[key] = product
	return product
}

// ListResults returns the results stored for a task.
func (s *TaskStore) ListResults(_ context.Context, taskID string) ([]fleet.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, fleet.ErrNotFound)
	}
	out := make([]fleet.Result, len(s.results[taskID]))
	copy(out, s.results[taskID])
	return out, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
