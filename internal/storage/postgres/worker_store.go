package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

const workerColumns = `id, name, token, status, last_heartbeat, external_ip, isp_name,
	network_checked_at, current_task_id, reported_stats, tasks_completed, tasks_failed,
	created_at, updated_at, assigned_at`

// WorkerStore persists registered workers in Postgres.
type WorkerStore struct {
	db DB
}

// NewWorkerStore wraps an open pool.
func NewWorkerStore(db DB) (*WorkerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &WorkerStore{db: db}, nil
}

func workerArgs(w fleet.Worker) ([]any, error) {
	var stats []byte
	if w.ReportedStats != nil {
		raw, err := json.Marshal(w.ReportedStats)
		if err != nil {
			return nil, fmt.Errorf("marshal worker stats: %w", err)
		}
		stats = raw
	}
	return []any{
		w.ID,
		w.Name,
		w.Token,
		string(w.Status),
		w.LastHeartbeat,
		w.Network.ExternalIP,
		w.Network.ISPName,
		w.Network.LastCheckedAt,
		w.CurrentTaskID,
		stats,
		w.TasksCompleted,
		w.TasksFailed,
		w.CreatedAt,
		w.UpdatedAt,
		w.AssignedAt,
	}, nil
}

func scanWorker(row rowScanner) (fleet.Worker, error) {
	var (
		w      fleet.Worker
		status string
		stats  []byte
	)
	if err := row.Scan(
		&w.ID,
		&w.Name,
		&w.Token,
		&status,
		&w.LastHeartbeat,
		&w.Network.ExternalIP,
		&w.Network.ISPName,
		&w.Network.LastCheckedAt,
		&w.CurrentTaskID,
		&stats,
		&w.TasksCompleted,
		&w.TasksFailed,
		&w.CreatedAt,
		&w.UpdatedAt,
		&w.AssignedAt,
	); err != nil {
		return fleet.Worker{}, err
	}
	w.Status = fleet.WorkerStatus(status)
	if len(stats) > 0 {
		w.ReportedStats = &fleet.WorkerStats{}
		if err := json.Unmarshal(stats, w.ReportedStats); err != nil {
			return fleet.Worker{}, fmt.Errorf("decode worker stats: %w", err)
		}
	}
	return w, nil
}

// CreateWorker inserts a worker.
func (s *WorkerStore) CreateWorker(ctx context.Context, w fleet.Worker) error {
	args, err := workerArgs(w)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO workers (`+workerColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`, args...)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: worker %s or its token already exists", fleet.ErrConflict, w.ID)
	}
	if err != nil {
		return fmt.Errorf("insert worker %s: %w", w.ID, err)
	}
	return nil
}

func (s *WorkerStore) getOne(ctx context.Context, q querier, where string, arg any, what string) (fleet.Worker, error) {
	w, err := scanWorker(q.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return fleet.Worker{}, fmt.Errorf("%s: %w", what, fleet.ErrNotFound)
	}
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("select %s: %w", what, err)
	}
	return w, nil
}

// GetWorker fetches a worker by ID.
func (s *WorkerStore) GetWorker(ctx context.Context, id string) (fleet.Worker, error) {
	return s.getOne(ctx, s.db, `id = $1`, id, "worker "+id)
}

// GetWorkerByToken resolves a token to its worker.
func (s *WorkerStore) GetWorkerByToken(ctx context.Context, token string) (fleet.Worker, error) {
	if token == "" {
		return fleet.Worker{}, fmt.Errorf("worker token: %w", fleet.ErrNotFound)
	}
	return s.getOne(ctx, s.db, `token = $1`, token, "worker token")
}

// ListWorkers returns every worker ordered by creation time.
func (s *WorkerStore) ListWorkers(ctx context.Context) ([]fleet.Worker, error) {
	return s.list(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY created_at ASC, id ASC`)
}

// ListStaleWorkers returns CONNECTED or BUSY workers whose last heartbeat, or
// last update when they never sent one, is strictly before cutoff.
func (s *WorkerStore) ListStaleWorkers(ctx context.Context, cutoff time.Time) ([]fleet.Worker, error) {
	return s.list(ctx, `
SELECT `+workerColumns+` FROM workers
WHERE status IN ('CONNECTED', 'BUSY')
  AND COALESCE(last_heartbeat, updated_at) < $1
ORDER BY created_at ASC, id ASC`, cutoff)
}

func (s *WorkerStore) list(ctx context.Context, query string, args ...any) ([]fleet.Worker, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	out := []fleet.Worker{}
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return out, nil
}

// DeleteWorker removes a worker.
func (s *WorkerStore) DeleteWorker(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM workers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete worker %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s: %w", id, fleet.ErrNotFound)
	}
	return nil
}

// UpdateWorker locks the row, applies fn, and writes the result back in one
// transaction. Nothing is written when fn returns an error.
func (s *WorkerStore) UpdateWorker(ctx context.Context, id string, fn func(*fleet.Worker) error) (fleet.Worker, error) {
	var out fleet.Worker
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		w, err := s.getOne(ctx, tx, `id = $1 FOR UPDATE`, id, "worker "+id)
		if err != nil {
			return err
		}
		if err := fn(&w); err != nil {
			return err
		}
		args, err := workerArgs(w)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
UPDATE workers SET
	name = $2, token = $3, status = $4, last_heartbeat = $5, external_ip = $6,
	isp_name = $7, network_checked_at = $8, current_task_id = $9, reported_stats = $10,
	tasks_completed = $11, tasks_failed = $12, created_at = $13, updated_at = $14, assigned_at = $15
WHERE id = $1`, args...)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: token already in use", fleet.ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("update worker %s: %w", id, err)
		}
		out = w
		return nil
	})
	if err != nil {
		return fleet.Worker{}, err
	}
	return out, nil
}
