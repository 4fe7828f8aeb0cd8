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

const deadLetterColumns = `id, original_task_id, tenant_id, channel, reply_to, prompt, metadata,
	final_error, retry_count, created_at, reviewed_at, resolution`

func (r *Repo) CreateDeadLetter(ctx context.Context, d *domain.DeadLetter) error {
	query := `
		INSERT INTO dead_letters
			(id, original_task_id, tenant_id, channel, reply_to, prompt, metadata,
			 final_error, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.pool.Exec(ctx, query,
		d.ID, d.OriginalTaskID, d.TenantID, d.Channel, d.ReplyTo, d.Prompt, d.Metadata,
		d.FinalError, d.RetryCount, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create dead letter: %w", err)
	}
	return nil
}

func (r *Repo) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE id = $1`

	d, err := scanDeadLetter(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get dead letter: %w", err)
	}
	return d, nil
}

func (r *Repo) ListUnreviewed(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters
	          WHERE reviewed_at IS NULL ORDER BY created_at LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query dead letters: %w", err)
	}
	defer rows.Close()

	results := make([]domain.DeadLetter, 0)
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan dead letter: %w", err)
		}
		results = append(results, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// MarkReviewed — условный апдейт против Double Decision двух операторов.
func (r *Repo) MarkReviewed(ctx context.Context, id string, res domain.DeadLetterResolution, at time.Time) error {
	query := `UPDATE dead_letters SET reviewed_at = $1, resolution = $2
	          WHERE id = $3 AND reviewed_at IS NULL`

	tag, err := r.pool.Exec(ctx, query, at, res, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark dead letter reviewed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyProcessed
	}
	return nil
}

func (r *Repo) DeadLetterStats(ctx context.Context, since time.Time) (domain.DeadLetterStats, error) {
	var s domain.DeadLetterStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE reviewed_at IS NULL),
			COUNT(*) FILTER (WHERE created_at >= $1)
		FROM dead_letters`, since).Scan(&s.Unreviewed, &s.CreatedLast)
	if err != nil {
		return s, fmt.Errorf("postgres: failed to load dead letter stats: %w", err)
	}
	return s, nil
}

func scanDeadLetter(row rowScanner) (*domain.DeadLetter, error) {
	var d domain.DeadLetter
	var reviewedAt sql.NullTime
	var resolution sql.NullString

	err := row.Scan(
		&d.ID, &d.OriginalTaskID, &d.TenantID, &d.Channel, &d.ReplyTo, &d.Prompt, &d.Metadata,
		&d.FinalError, &d.RetryCount, &d.CreatedAt, &reviewedAt, &resolution,
	)
	if err != nil {
		return nil, err
	}

	if reviewedAt.Valid {
		val := reviewedAt.Time
		d.ReviewedAt = &val
	}
	if resolution.Valid {
		val := domain.DeadLetterResolution(resolution.String)
		d.Resolution = &val
	}
	return &d, nil
}
