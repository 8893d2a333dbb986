package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

func TestWorkerStoreTokenIndexFollowsRotation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewWorkerStore()
	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{ID: "w1", Token: "old", Status: fleet.WorkerDisconnected}))

	got, err := store.GetWorkerByToken(ctx, "old")
	require.NoError(t, err)
	require.Equal(t, "w1", got.ID)

	_, err = store.UpdateWorker(ctx, "w1", func(w *fleet.Worker) error {
		w.Token = "new"
		return nil
	})
	require.NoError(t, err)

	_, err = store.GetWorkerByToken(ctx, "old")
	require.ErrorIs(t, err, fleet.ErrNotFound)
	got, err = store.GetWorkerByToken(ctx, "new")
	require.NoError(t, err)
	require.Equal(t, "w1", got.ID)

	_, err = store.GetWorkerByToken(ctx, "")
	require.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestWorkerStoreRejectsDuplicateToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewWorkerStore()
	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{ID: "w1", Token: "tok"}))
	require.ErrorIs(t, store.CreateWorker(ctx, fleet.Worker{ID: "w2", Token: "tok"}), fleet.ErrConflict)
}

func TestWorkerStoreListStaleWorkers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewWorkerStore()
	cutoff := time.Unix(1000, 0).UTC()
	old := cutoff.Add(-time.Second)
	fresh := cutoff.Add(time.Second)
	for _, w := range []fleet.Worker{
		{ID: "stale-connected", Token: "t1", Status: fleet.WorkerConnected, LastHeartbeat: &old},
		{ID: "stale-busy", Token: "t2", Status: fleet.WorkerBusy, LastHeartbeat: &old},
		{ID: "fresh", Token: "t3", Status: fleet.WorkerConnected, LastHeartbeat: &fresh},
		{ID: "blocked", Token: "t4", Status: fleet.WorkerBlocked, LastHeartbeat: &old},
		{ID: "gone", Token: "t5", Status: fleet.WorkerDisconnected, LastHeartbeat: &old},
	} {
		require.NoError(t, store.CreateWorker(ctx, w))
	}

	stale, err := store.ListStaleWorkers(ctx, cutoff)
	require.NoError(t, err)
	ids := make([]string, 0, len(stale))
	for _, w := range stale {
		ids = append(ids, w.ID)
	}
	require.ElementsMatch(t, []string{"stale-connected", "stale-busy"}, ids)
}

func TestWorkerStoreDeleteWorker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewWorkerStore()
	require.NoError(t, store.CreateWorker(ctx, fleet.Worker{ID: "w1", Token: "tok"}))
	require.NoError(t, store.DeleteWorker(ctx, "w1"))
	_, err := store.GetWorkerByToken(ctx, "tok")
	require.ErrorIs(t, err, fleet.ErrNotFound)
	require.ErrorIs(t, store.DeleteWorker(ctx, "w1"), fleet.ErrNotFound)
}
