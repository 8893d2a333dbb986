package fleet

import (
	"context"
	"time"
)

// TaskStore persists tasks, their results, and bot products.
//
// UpdateTask is the only mutation path for an existing task: implementations
// load the row, run fn, and persist the result atomically, so rules written
// as *Task methods hold under concurrent callers.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	CreateTasks(ctx context.Context, tasks []Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	DeleteTask(ctx context.Context, id string) error
	NextPendingTask(ctx context.Context) (Task, error)
	UpdateTask(ctx context.Context, id string, fn func(*Task) error) (Task, error)
	ReleaseWorkerTasks(ctx context.Context, workerID string, now time.Time) ([]string, error)
	SaveResults(ctx context.Context, completion Completion) (Task, []Product, error)
	ListResults(ctx context.Context, taskID string) ([]Result, error)
}

// WorkerStore persists workers and their tokens.
//
// UpdateWorker is the single mutation path for worker status and counters.
type WorkerStore interface {
	CreateWorker(ctx context.Context, worker Worker) error
	GetWorker(ctx context.Context, id string) (Worker, error)
	GetWorkerByToken(ctx context.Context, token string) (Worker, error)
	ListWorkers(ctx context.Context) ([]Worker, error)
	ListStaleWorkers(ctx context.Context, cutoff time.Time) ([]Worker, error)
	DeleteWorker(ctx context.Context, id string) error
	UpdateWorker(ctx context.Context, id string, fn func(*Worker) error) (Worker, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes lifecycle notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// TokenGenerator produces worker secrets.
type TokenGenerator interface {
	NewToken() (string, error)
}
