package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

func newTask(id string, priority int, created time.Time) fleet.Task {
	return fleet.Task{
		ID:          id,
		URL:         "https://shop.example.com/" + id,
		Priority:    priority,
		Status:      fleet.TaskPending,
		MaxAttempts: 3,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestTaskStoreNextPendingOrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTaskStore()
	base := time.Unix(1000, 0).UTC()
	require.NoError(t, store.CreateTask(ctx, newTask("a", 5, base)))
	require.NoError(t, store.CreateTask(ctx, newTask("b", 20, base.Add(time.Second))))
	require.NoError(t, store.CreateTask(ctx, newTask("c", 20, base.Add(2*time.Second))))

	next, err := store.NextPendingTask(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", next.ID)

	_, err = store.UpdateTask(ctx, "b", func(task *fleet.Task) error {
		return task.Assign("w1", base)
	})
	require.NoError(t, err)

	next, err = store.NextPendingTask(ctx)
	require.NoError(t, err)
	require.Equal(t, "c", next.ID)
}

func TestTaskStoreNextPendingEmpty(t *testing.T) {
	t.Parallel()

	_, err := NewTaskStore().NextPendingTask(context.Background())
	require.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestTaskStoreCreateTasksIsAllOrNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTaskStore()
	now := time.Now()
	require.NoError(t, store.CreateTask(ctx, newTask("existing", 1, now)))

	err := store.CreateTasks(ctx, []fleet.Task{newTask("new-1", 1, now), newTask("existing", 1, now)})
	require.ErrorIs(t, err, fleet.ErrConflict)

	tasks, err := store.ListTasks(ctx, fleet.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestTaskStoreUpdateTaskLeavesRecordOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTaskStore()
	require.NoError(t, store.CreateTask(ctx, newTask("a", 1, time.Now())))

	_, err := store.UpdateTask(ctx, "a", func(task *fleet.Task) error {
		task.Priority = 99
		return fleet.ErrConflict
	})
	require.ErrorIs(t, err, fleet.ErrConflict)

	got, err := store.GetTask(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 1, got.Priority)

	_, err = store.UpdateTask(ctx, "missing", func(*fleet.Task) error { return nil })
	require.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestTaskStoreConcurrentClaimsAssignOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTaskStore()
	require.NoError(t, store.CreateTask(ctx, newTask("only", 1, time.Now())))

	var (
		wg      sync.WaitGroup
		claimed atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			if _, err := store.UpdateTask(ctx, "only", func(task *fleet.Task) error {
				return task.Assign(worker, time.Now())
			}); err == nil {
				claimed.Add(1)
			}
		}([]string{"w1", "w2"}[i%2])
	}
	wg.Wait()
	require.Equal(t, int32(1), claimed.Load())
}

func TestTaskStoreListFiltersAndPaginates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTaskStore()
	now := time.Now()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.CreateTask(ctx, newTask(id, 1, now)))
	}
	_, err := store.UpdateTask(ctx, "b", func(task *fleet.Task) error { return task.Assign("w1", now) })
	require.NoError(t, err)

	inProgress, err := store.ListTasks(ctx, fleet.TaskFilter{Status: fleet.TaskInProgress})
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	require.Equal(t, "b", inProgress[0].ID)

	byWorker, err := store.ListTasks(ctx, fleet.TaskFilter{WorkerID: "w1"})
	require.NoError(t, err)
	require.Len(t, byWorker, 1)

	page, err := store.ListTasks(ctx, fleet.TaskFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "c", page[0].ID)
	require.Equal(t, "b", page[1].ID)

	empty, err := store.ListTasks(ctx, fleet.TaskFilter{Offset: 10})
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestTaskStoreReleaseWorkerTasks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTaskStore()
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateTask(ctx, newTask(id, 1, now)))
	}
	for id, worker := range map[string]string{"a": "w1", "b": "w1", "c": "w2"} {
		_, err := store.UpdateTask(ctx, id, func(task *fleet.Task) error { return task.Assign(worker, now) })
		require.NoError(t, err)
	}

	ids, err := store.ReleaseWorkerTasks(ctx, "w1", now)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)

	a, err := store.GetTask(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, fleet.TaskPending, a.Status)
	require.Empty(t, a.AssignedWorkerID)

	c, err := store.GetTask(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, fleet.TaskInProgress, c.Status)
}

func TestTaskStoreSaveResultsFoldsProducts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTaskStore()
	now := time.Now().UTC()
	task := newTask("a", 1, now)
	task.BotID = "bot-1"
	require.NoError(t, store.CreateTask(ctx, task))
	_, err := store.UpdateTask(ctx, "a", func(task *fleet.Task) error { return task.Assign("w1", now) })
	require.NoError(t, err)

	price := 19.99
	done, products, err := store.SaveResults(ctx, fleet.Completion{
		TaskID:   "a",
		WorkerID: "w1",
		Results: []fleet.Result{
			{ID: "r1", ProductURL: "https://shop.example.com/p/1", Title: "Widget", Price: &price},
		},
		Metrics: []byte(`{"scrapeDurationMs":1200}`),
		At:      now,
	})
	require.NoError(t, err)
	require.Equal(t, fleet.TaskCompleted, done.Status)
	require.Empty(t, done.AssignedWorkerID)
	require.Len(t, products, 1)
	require.Equal(t, fleet.ApprovalPending, products[0].ApprovalStatus)
	require.Equal(t, "bot-1", products[0].BotID)

	results, err := store.ListResults(ctx, "a")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].TaskID)

	_, _, err = store.SaveResults(ctx, fleet.Completion{TaskID: "a", WorkerID: "w1", At: now})
	require.ErrorIs(t, err, fleet.ErrConflict)

	_, _, err = store.SaveResults(ctx, fleet.Completion{TaskID: "missing", At: now})
	require.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestTaskStoreDeleteTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTaskStore()
	require.NoError(t, store.CreateTask(ctx, newTask("a", 1, time.Now())))
	require.NoError(t, store.DeleteTask(ctx, "a"))
	_, err := store.GetTask(ctx, "a")
	require.ErrorIs(t, err, fleet.ErrNotFound)
	require.ErrorIs(t, store.DeleteTask(ctx, "a"), fleet.ErrNotFound)
}
