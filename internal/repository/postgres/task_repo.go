package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/autonomy-engine/internal/domain"
)

const taskColumns = `id, tenant_id, channel, reply_to, prompt, metadata, status, result, error,
	retry_count, max_retries, locked_until, locked_by, created_at, started_at, completed_at`

func (r *Repo) CreateTask(ctx context.Context, t *domain.AsyncTask) error {
	query := `
		INSERT INTO async_tasks
			(id, tenant_id, channel, reply_to, prompt, metadata, status, max_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		t.ID, t.TenantID, t.Channel, t.ReplyTo, t.Prompt, t.Metadata, t.Status, t.MaxRetries, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create task: %w", err)
	}
	return nil
}

// ClaimNextTask атомарно забирает самую старую queued-задачу и взводит
// лизинг. retry_count инкрементится на клейме: счетчик считает попытки.
func (r *Repo) ClaimNextTask(ctx context.Context, workerID string, lease time.Duration) (*domain.AsyncTask, error) {
	query := `
		UPDATE async_tasks
		SET status = 'processing',
		    retry_count = retry_count + 1,
		    locked_until = NOW() + make_interval(secs => $2),
		    locked_by = $1,
		    started_at = COALESCE(started_at, NOW())
		WHERE id = (
			SELECT id FROM async_tasks
			WHERE status = 'queued'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns

	t, err := scanTask(r.pool.QueryRow(ctx, query, workerID, lease.Seconds()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to claim task: %w", err)
	}
	return t, nil
}

func (r *Repo) CompleteTask(ctx context.Context, id, result string) error {
	query := `
		UPDATE async_tasks
		SET status = 'completed', result = $1, completed_at = NOW(),
		    locked_until = NULL, locked_by = ''
		WHERE id = $2 AND status = 'processing'`

	tag, err := r.pool.Exec(ctx, query, result, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyProcessed
	}
	return nil
}

func (r *Repo) RequeueTask(ctx context.Context, id, errMsg string) error {
	query := `
		UPDATE async_tasks
		SET status = 'queued', error = $1, locked_until = NULL, locked_by = ''
		WHERE id = $2 AND status = 'processing'`

	tag, err := r.pool.Exec(ctx, query, errMsg, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to requeue task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyProcessed
	}
	return nil
}

func (r *Repo) FailTask(ctx context.Context, id, errMsg string) error {
	query := `
		UPDATE async_tasks
		SET status = 'failed', error = $1, completed_at = NOW(),
		    locked_until = NULL, locked_by = ''
		WHERE id = $2 AND status = 'processing'`

	tag, err := r.pool.Exec(ctx, query, errMsg, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to fail task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyProcessed
	}
	return nil
}

// ReleaseExpiredLocks возвращает в очередь задачи воркеров, не доживших
// до конца своего лизинга.
func (r *Repo) ReleaseExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	query := `
		UPDATE async_tasks
		SET status = 'queued', locked_until = NULL, locked_by = ''
		WHERE status = 'processing' AND locked_until IS NOT NULL AND locked_until < $1`

	tag, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to release locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repo) CountActiveTasks(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM async_tasks WHERE status IN ('queued', 'processing')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to count tasks: %w", err)
	}
	return n, nil
}

func scanTask(row rowScanner) (*domain.AsyncTask, error) {
	var t domain.AsyncTask
	var result, errMsg, lockedBy sql.NullString
	var lockedUntil, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.TenantID, &t.Channel, &t.ReplyTo, &t.Prompt, &t.Metadata,
		&t.Status, &result, &errMsg, &t.RetryCount, &t.MaxRetries,
		&lockedUntil, &lockedBy, &t.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Result = result.String
	t.Error = errMsg.String
	t.LockedBy = lockedBy.String
	if lockedUntil.Valid {
		val := lockedUntil.Time
		t.LockedUntil = &val
	}
	if startedAt.Valid {
		val := startedAt.Time
		t.StartedAt = &val
	}
	if completedAt.Valid {
		val := completedAt.Time
		t.CompletedAt = &val
	}
	return &t, nil
}
