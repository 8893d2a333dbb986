package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

var workerColumnNames = []string{
	"id", "name", "token", "status", "last_heartbeat", "external_ip", "isp_name",
	"network_checked_at", "current_task_id", "reported_stats", "tasks_completed", "tasks_failed",
	"created_at", "updated_at", "assigned_at",
}

func newMockWorkerStore(t *testing.T) (pgxmock.PgxPoolIface, *WorkerStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWorkerStore(mock)
	require.NoError(t, err)
	return mock, store
}

func TestWorkerStoreGetWorkerByTokenDecodesStats(t *testing.T) {
	t.Parallel()

	mock, store := newMockWorkerStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("WHERE token = ").WithArgs("tok").
		WillReturnRows(pgxmock.NewRows(workerColumnNames).AddRow(
			"w1", "edge-1", "tok", "CONNECTED", &now, "203.0.113.7", "Example ISP",
			nil, "", []byte(`{"tasksCompleted":4,"tasksFailed":1,"uptime":60}`), int64(4), int64(1),
			now, now, nil,
		))

	w, err := store.GetWorkerByToken(context.Background(), "tok")
	require.NoError(t, err)
	require.Equal(t, fleet.WorkerConnected, w.Status)
	require.Equal(t, "203.0.113.7", w.Network.ExternalIP)
	require.NotNil(t, w.ReportedStats)
	require.Equal(t, int64(60), w.ReportedStats.Uptime)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerStoreGetWorkerByTokenMissing(t *testing.T) {
	t.Parallel()

	mock, store := newMockWorkerStore(t)
	mock.ExpectQuery("WHERE token = ").WithArgs("nope").
		WillReturnRows(pgxmock.NewRows(workerColumnNames))

	_, err := store.GetWorkerByToken(context.Background(), "nope")
	require.ErrorIs(t, err, fleet.ErrNotFound)

	_, err = store.GetWorkerByToken(context.Background(), "")
	require.ErrorIs(t, err, fleet.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerStoreCreateWorkerDuplicateToken(t *testing.T) {
	t.Parallel()

	mock, store := newMockWorkerStore(t)
	mock.ExpectExec("INSERT INTO workers").
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	err := store.CreateWorker(context.Background(), fleet.Worker{ID: "w1", Token: "tok"})
	require.ErrorIs(t, err, fleet.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerStoreUpdateWorkerAppliesTransition(t *testing.T) {
	t.Parallel()

	mock, store := newMockWorkerStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("w1").
		WillReturnRows(pgxmock.NewRows(workerColumnNames).AddRow(
			"w1", "edge-1", "tok", "CONNECTED", &now, "", "",
			nil, "", nil, int64(0), int64(0), now, now, nil,
		))
	mock.ExpectExec("UPDATE workers SET").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	w, err := store.UpdateWorker(context.Background(), "w1", func(w *fleet.Worker) error {
		next, err := fleet.NextWorkerStatus(w.Status, fleet.EventAssign)
		if err != nil {
			return err
		}
		w.Status = next
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, fleet.WorkerBusy, w.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerStoreListStaleWorkers(t *testing.T) {
	t.Parallel()

	mock, store := newMockWorkerStore(t)
	cutoff := time.Unix(1700000000, 0).UTC()
	old := cutoff.Add(-time.Minute)
	mock.ExpectQuery(`COALESCE\(last_heartbeat, updated_at\) < `).WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows(workerColumnNames).AddRow(
			"w1", "edge-1", "tok", "BUSY", &old, "", "",
			nil, "t1", nil, int64(0), int64(0), old, old, &old,
		))

	stale, err := store.ListStaleWorkers(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "t1", stale[0].CurrentTaskID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerStoreDeleteWorker(t *testing.T) {
	t.Parallel()

	mock, store := newMockWorkerStore(t)
	mock.ExpectExec("DELETE FROM workers").WithArgs("w1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, store.DeleteWorker(context.Background(), "w1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
