package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xela07ax/autonomy-engine/internal/domain"
)

// UpsertUserValue — декларация ценности пользователя (area уникальна в рамках tenant'а).
func (r *Repo) UpsertUserValue(ctx context.Context, v domain.UserValue) error {
	query := `
		INSERT INTO user_values (id, tenant_id, area, importance, description, source, drift_detected, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (tenant_id, area) DO UPDATE SET
			importance = EXCLUDED.importance,
			description = EXCLUDED.description,
			source = EXCLUDED.source,
			drift_detected = EXCLUDED.drift_detected,
			updated_at = NOW()`

	_, err := r.pool.Exec(ctx, query,
		v.ID, v.TenantID, v.Area, v.Importance, v.Description, v.Source, v.DriftDetected)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert user value: %w", err)
	}
	return nil
}

func (r *Repo) ListUserValues(ctx context.Context, tenantID string) ([]domain.UserValue, error) {
	query := `SELECT id, tenant_id, area, importance, description, source, drift_detected, created_at, updated_at
	          FROM user_values WHERE tenant_id = $1 ORDER BY importance DESC`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query user values: %w", err)
	}
	defer rows.Close()

	results := make([]domain.UserValue, 0)
	for rows.Next() {
		var v domain.UserValue
		if err := rows.Scan(&v.ID, &v.TenantID, &v.Area, &v.Importance, &v.Description, &v.Source, &v.DriftDetected, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan user value: %w", err)
		}
		results = append(results, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func (r *Repo) CreateConflict(ctx context.Context, c *domain.ValueConflict) error {
	query := `
		INSERT INTO value_conflicts (id, tenant_id, value_a, value_b, description, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6)`

	_, err := r.pool.Exec(ctx, query, c.ID, c.TenantID, c.ValueA, c.ValueB, c.Description, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create conflict: %w", err)
	}
	return nil
}

func (r *Repo) ListUnresolvedConflicts(ctx context.Context, tenantID string) ([]domain.ValueConflict, error) {
	return r.listConflicts(ctx, tenantID, false)
}

func (r *Repo) ListConflicts(ctx context.Context, tenantID string) ([]domain.ValueConflict, error) {
	return r.listConflicts(ctx, tenantID, true)
}

func (r *Repo) listConflicts(ctx context.Context, tenantID string, includeResolved bool) ([]domain.ValueConflict, error) {
	query := `SELECT id, tenant_id, value_a, value_b, description, resolved, resolution, created_at, resolved_at
	          FROM value_conflicts WHERE tenant_id = $1`
	if !includeResolved {
		query += ` AND resolved = false`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query conflicts: %w", err)
	}
	defer rows.Close()

	results := make([]domain.ValueConflict, 0)
	for rows.Next() {
		var c domain.ValueConflict
		var resolution sql.NullString
		var resolvedAt sql.NullTime

		err := rows.Scan(&c.ID, &c.TenantID, &c.ValueA, &c.ValueB, &c.Description,
			&c.Resolved, &resolution, &c.CreatedAt, &resolvedAt)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan conflict: %w", err)
		}

		if resolution.Valid {
			c.Resolution = resolution.String
		}
		if resolvedAt.Valid {
			val := resolvedAt.Time
			c.ResolvedAt = &val
		}
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// ResolveConflict — терминальное разрешение. Условие resolved = false
// защищает от Double Decision: повтор получает ErrAlreadyResolved.
func (r *Repo) ResolveConflict(ctx context.Context, id, tenantID, resolution string, at time.Time) error {
	query := `UPDATE value_conflicts
	          SET resolved = true, resolution = $1, resolved_at = $2
	          WHERE id = $3 AND tenant_id = $4 AND resolved = false`

	tag, err := r.pool.Exec(ctx, query, resolution, at, id, tenantID)
	if err != nil {
		return fmt.Errorf("postgres: failed to resolve conflict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Различаем «нет такой строки» и «уже разрешен»
		var exists bool
		qerr := r.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM value_conflicts WHERE id = $1 AND tenant_id = $2)`,
			id, tenantID).Scan(&exists)
		if qerr != nil {
			return fmt.Errorf("postgres: conflict existence check: %w", qerr)
		}
		if exists {
			return domain.ErrAlreadyResolved
		}
		return domain.ErrNotFound
	}
	return nil
}
