package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

const taskColumns = `id, url, priority, status, attempt_count, max_attempts,
	assigned_worker_id, bot_id, created_at, updated_at, started_at, completed_at,
	last_error, last_error_type, result`

// TaskStore persists tasks, results, and products in Postgres.
type TaskStore struct {
	db DB
}

// NewTaskStore wraps an open pool.
func NewTaskStore(db DB) (*TaskStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TaskStore{db: db}, nil
}

// Ping reports whether the database is reachable.
func (s *TaskStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// CreateTask inserts a single task.
func (s *TaskStore) CreateTask(ctx context.Context, task fleet.Task) error {
	return insertTask(ctx, s.db, task)
}

// CreateTasks inserts every task in one transaction.
func (s *TaskStore) CreateTasks(ctx context.Context, tasks []fleet.Task) error {
	return inTx(ctx, s.db, func(tx pgx.Tx) error {
		for _, task := range tasks {
			if err := insertTask(ctx, tx, task); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertTask(ctx context.Context, q querier, task fleet.Task) error {
	_, err := q.Exec(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		taskArgs(task)...,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: task %s already exists", fleet.ErrConflict, task.ID)
	}
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

func taskArgs(task fleet.Task) []any {
	return []any{
		task.ID,
		task.URL,
		task.Priority,
		string(task.Status),
		task.AttemptCount,
		task.MaxAttempts,
		nullable(task.AssignedWorkerID),
		nullable(task.BotID),
		task.CreatedAt,
		task.UpdatedAt,
		task.StartedAt,
		task.CompletedAt,
		nullable(task.LastError),
		nullable(string(task.LastErrorType)),
		nullJSON(task.Result),
	}
}

func scanTask(row rowScanner) (fleet.Task, error) {
	var (
		task                                   fleet.Task
		status                                 string
		assigned, botID, lastErr, lastErrType *string
		result                                 []byte
	)
	if err := row.Scan(
		&task.ID,
		&task.URL,
		&task.Priority,
		&status,
		&task.AttemptCount,
		&task.MaxAttempts,
		&assigned,
		&botID,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.StartedAt,
		&task.CompletedAt,
		&lastErr,
		&lastErrType,
		&result,
	); err != nil {
		return fleet.Task{}, err
	}
	task.Status = fleet.TaskStatus(status)
	task.AssignedWorkerID = deref(assigned)
	task.BotID = deref(botID)
	task.LastError = deref(lastErr)
	task.LastErrorType = fleet.ErrorType(deref(lastErrType))
	if len(result) > 0 {
		task.Result = result
	}
	return task, nil
}

func getTask(ctx context.Context, q querier, id string, forUpdate bool) (fleet.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	task, err := scanTask(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return fleet.Task{}, fmt.Errorf("task %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return fleet.Task{}, fmt.Errorf("select task %s: %w", id, err)
	}
	return task, nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(ctx context.Context, id string) (fleet.Task, error) {
	return getTask(ctx, s.db, id, false)
}

// ListTasks returns tasks matching filter, newest first.
func (s *TaskStore) ListTasks(ctx context.Context, filter fleet.TaskFilter) ([]fleet.Task, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE ($1::text = '' OR status = $1::text)
  AND ($2::text = '' OR assigned_worker_id = $2::text)
ORDER BY created_at DESC, id DESC
LIMIT NULLIF($3::bigint, 0) OFFSET $4::bigint`,
		string(filter.Status), filter.WorkerID, filter.Limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	out := []fleet.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// DeleteTask removes a task. Results cascade.
func (s *TaskStore) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, fleet.ErrNotFound)
	}
	return nil
}

// NextPendingTask returns the highest-priority, oldest PENDING task. It does
// not claim the task; callers claim through UpdateTask.
func (s *TaskStore) NextPendingTask(ctx context.Context) (fleet.Task, error) {
	task, err := scanTask(s.db.QueryRow(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status = 'PENDING'
ORDER BY priority DESC, created_at ASC, id ASC
LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return fleet.Task{}, fmt.Errorf("pending task: %w", fleet.ErrNotFound)
	}
	if err != nil {
		return fleet.Task{}, fmt.Errorf("select pending task: %w", err)
	}
	return task, nil
}

// UpdateTask locks the row, applies fn, and writes the result back in one
// transaction. Nothing is written when fn returns an error.
func (s *TaskStore) UpdateTask(ctx context.Context, id string, fn func(*fleet.Task) error) (fleet.Task, error) {
	var out fleet.Task
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		task, err := getTask(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(&task); err != nil {
			return err
		}
		if err := updateTask(ctx, tx, task); err != nil {
			return err
		}
		out = task
		return nil
	})
	if err != nil {
		return fleet.Task{}, err
	}
	return out, nil
}

func updateTask(ctx context.Context, q querier, task fleet.Task) error {
	_, err := q.Exec(ctx, `
UPDATE tasks SET
	url = $2, priority = $3, status = $4, attempt_count = $5, max_attempts = $6,
	assigned_worker_id = $7, bot_id = $8, created_at = $9, updated_at = $10,
	started_at = $11, completed_at = $12, last_error = $13, last_error_type = $14,
	result = $15
WHERE id = $1`,
		taskArgs(task)...,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	return nil
}

// ReleaseWorkerTasks returns every IN_PROGRESS task held by workerID to PENDING
// without touching attempt counts.
func (s *TaskStore) ReleaseWorkerTasks(ctx context.Context, workerID string, now time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
UPDATE tasks
SET status = 'PENDING', assigned_worker_id = NULL, started_at = NULL, updated_at = $2
WHERE status = 'IN_PROGRESS' AND assigned_worker_id = $1
RETURNING id`,
		workerID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("release tasks for worker %s: %w", workerID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("release tasks for worker %s: %w", workerID, err)
	}
	return ids, nil
}

// SaveResults stores results, upserts bot-owned products, and marks the task
// COMPLETED in a single transaction.
func (s *TaskStore) SaveResults(ctx context.Context, c fleet.Completion) (fleet.Task, []fleet.Product, error) {
	var (
		out      fleet.Task
		products []fleet.Product
	)
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		task, err := getTask(ctx, tx, c.TaskID, true)
		if err != nil {
			return err
		}
		if err := task.Complete(c.WorkerID, c.Metrics, c.At); err != nil {
			return err
		}
		for _, res := range c.Results {
			res.TaskID = task.ID
			if err := insertResult(ctx, tx, res); err != nil {
				return err
			}
			if task.BotID == "" {
				continue
			}
			product, err := upsertProduct(ctx, tx, task, res, c.At)
			if err != nil {
				return err
			}
			products = append(products, product)
		}
		if err := updateTask(ctx, tx, task); err != nil {
			return err
		}
		out = task
		return nil
	})
	if err != nil {
		return fleet.Task{}, nil, err
	}
	return out, products, nil
}

func insertResult(ctx context.Context, q querier, res fleet.Result) error {
	_, err := q.Exec(ctx, `
INSERT INTO task_results (
	id, task_id, product_url, title, price, currency, availability, image_url, raw, scraped_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		res.ID, res.TaskID, res.ProductURL, res.Title, res.Price, res.Currency,
		res.Availability, res.ImageURL, nullJSON(res.Raw), res.ScrapedAt,
	)
	if err != nil {
		return fmt.Errorf("insert result %s: %w", res.ID, err)
	}
	return nil
}

func upsertProduct(ctx context.Context, q querier, task fleet.Task, res fleet.Result, now time.Time) (fleet.Product, error) {
	product := fleet.Product{
		BotID:          task.BotID,
		ProductURL:     res.ProductURL,
		Title:          res.Title,
		Price:          res.Price,
		Currency:       res.Currency,
		ApprovalStatus: fleet.ApprovalPending,
		LastTaskID:     task.ID,
		UpdatedAt:      now,
	}
	err := q.QueryRow(ctx, `
INSERT INTO products (
	bot_id, product_url, title, price, currency, approval_status, last_task_id, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
ON CONFLICT (bot_id, product_url) DO UPDATE SET
	title = EXCLUDED.title,
	price = EXCLUDED.price,
	currency = EXCLUDED.currency,
	approval_status = EXCLUDED.approval_status,
	last_task_id = EXCLUDED.last_task_id,
	updated_at = EXCLUDED.updated_at
RETURNING id, created_at`,
		product.BotID, product.ProductURL, product.Title, product.Price, product.Currency,
		product.ApprovalStatus, product.LastTaskID, now,
	).Scan(&product.ID, &product.CreatedAt)
	if err != nil {
		return fleet.Product{}, fmt.Errorf("upsert product %s: %w", res.ProductURL, err)
	}
	return product, nil
}

// ListResults returns the results stored for a task.
func (s *TaskStore) ListResults(ctx context.Context, taskID string) ([]fleet.Result, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
SELECT id, task_id, product_url, title, price, currency, availability, image_url, raw, scraped_at
FROM task_results WHERE task_id = $1 ORDER BY scraped_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list results for task %s: %w", taskID, err)
	}
	defer rows.Close()
	out := []fleet.Result{}
	for rows.Next() {
		var (
			res fleet.Result
			raw []byte
		)
		if err := rows.Scan(
			&res.ID, &res.TaskID, &res.ProductURL, &res.Title, &res.Price, &res.Currency,
			&res.Availability, &res.ImageURL, &raw, &res.ScrapedAt,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if len(raw) > 0 {
			res.Raw = raw
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list results for task %s: %w", taskID, err)
	}
	return out, nil
}
