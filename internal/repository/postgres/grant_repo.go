package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/autonomy-engine/internal/domain"
)

const grantColumns = `id, tenant_id, action_pattern, domain, category, daily_limit,
	spending_limit, requires_confirmation, expires_at, is_active,
	use_count, error_count, last_used_at, granted_at, updated_at`

// ListGrants отдает все активные гранты для прогрева RAM-кэша.
func (r *Repo) ListGrants(ctx context.Context) ([]domain.PermissionGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM permission_grants WHERE is_active = true`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query grants: %w", err)
	}
	defer rows.Close()

	return scanGrants(rows)
}

// ListGrantsByTenant — гранты одного пользователя, включая отозванные
// (пользователь видит полную историю своих разрешений).
func (r *Repo) ListGrantsByTenant(ctx context.Context, tenantID string) ([]domain.PermissionGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM permission_grants
	          WHERE tenant_id = $1 ORDER BY category, granted_at DESC`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query tenant grants: %w", err)
	}
	defer rows.Close()

	return scanGrants(rows)
}

func (r *Repo) CreateGrant(ctx context.Context, g *domain.PermissionGrant) error {
	query := `
		INSERT INTO permission_grants
			(id, tenant_id, action_pattern, domain, category, daily_limit,
			 spending_limit, requires_confirmation, expires_at, is_active, granted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, NOW(), NOW())`

	_, err := r.pool.Exec(ctx, query,
		g.ID, g.TenantID, g.ActionPattern, g.Domain, g.Category,
		g.DailyLimit, g.SpendingLimit, g.RequiresConfirmation, g.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to create grant: %w", err)
	}
	return nil
}

// RevokeGrant гасит грант. Строка остается: история выданных разрешений
// не удаляется никогда.
func (r *Repo) RevokeGrant(ctx context.Context, id, tenantID string) error {
	query := `UPDATE permission_grants SET is_active = false, updated_at = NOW()
	          WHERE id = $1 AND tenant_id = $2 AND is_active = true`

	tag, err := r.pool.Exec(ctx, query, id, tenantID)
	if err != nil {
		return fmt.Errorf("postgres: failed to revoke grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RegisterGrantUse фиксирует успешное использование: счетчик на гранте
// плюс строка в журнале. Обе записи идут одной транзакцией, чтобы история
// использований не расходилась с use_count.
func (r *Repo) RegisterGrantUse(ctx context.Context, grantID string, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE permission_grants SET use_count = use_count + 1, last_used_at = $2, updated_at = NOW() WHERE id = $1`,
		grantID, at)
	if err != nil {
		return fmt.Errorf("postgres: failed to bump use_count: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO grant_usage (grant_id, used_at) VALUES ($1, $2)`,
		grantID, at)
	if err != nil {
		return fmt.Errorf("postgres: failed to record grant usage: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *Repo) RegisterGrantError(ctx context.Context, grantID string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE permission_grants SET error_count = error_count + 1, updated_at = NOW() WHERE id = $1`,
		grantID)
	if err != nil {
		return fmt.Errorf("postgres: failed to bump error_count: %w", err)
	}
	return nil
}

func scanGrants(rows pgx.Rows) ([]domain.PermissionGrant, error) {
	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	results := make([]domain.PermissionGrant, 0)

	for rows.Next() {
		var g domain.PermissionGrant
		var dailyLimit sql.NullInt64
		var spendingLimit sql.NullFloat64
		var expiresAt, lastUsedAt sql.NullTime

		err := rows.Scan(
			&g.ID, &g.TenantID, &g.ActionPattern, &g.Domain, &g.Category,
			&dailyLimit, &spendingLimit, &g.RequiresConfirmation, &expiresAt,
			&g.IsActive, &g.UseCount, &g.ErrorCount, &lastUsedAt,
			&g.GrantedAt, &g.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan grant: %w", err)
		}

		// Маппим NULL значения
		if dailyLimit.Valid {
			val := int(dailyLimit.Int64)
			g.DailyLimit = &val
		}
		if spendingLimit.Valid {
			val := spendingLimit.Float64
			g.SpendingLimit = &val
		}
		if expiresAt.Valid {
			val := expiresAt.Time
			g.ExpiresAt = &val
		}
		if lastUsedAt.Valid {
			val := lastUsedAt.Time
			g.LastUsedAt = &val
		}

		results = append(results, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}
