package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/autonomy-engine/internal/domain"
)

// GetGuardianConfig отдает политику троттлинга пользователя.
// Отсутствие строки — не ошибка: действуют дефолты движка.
func (r *Repo) GetGuardianConfig(ctx context.Context, tenantID string) (domain.GuardianConfig, error) {
	query := `SELECT tenant_id, max_interventions_per_day, cooldown_minutes, min_benefit_score, updated_at
	          FROM guardian_configs WHERE tenant_id = $1`

	var g domain.GuardianConfig
	err := r.pool.QueryRow(ctx, query, tenantID).Scan(
		&g.TenantID, &g.MaxInterventionsPerDay, &g.CooldownMinutes, &g.MinBenefitScore, &g.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DefaultGuardianConfig(tenantID), nil
		}
		return domain.GuardianConfig{}, fmt.Errorf("postgres: failed to get guardian config: %w", err)
	}
	return g, nil
}

// UpsertGuardianConfig — пользователь крутит свои пороги автономии.
func (r *Repo) UpsertGuardianConfig(ctx context.Context, g domain.GuardianConfig) error {
	query := `
		INSERT INTO guardian_configs (tenant_id, max_interventions_per_day, cooldown_minutes, min_benefit_score, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			max_interventions_per_day = EXCLUDED.max_interventions_per_day,
			cooldown_minutes = EXCLUDED.cooldown_minutes,
			min_benefit_score = EXCLUDED.min_benefit_score,
			updated_at = NOW()`

	_, err := r.pool.Exec(ctx, query,
		g.TenantID, g.MaxInterventionsPerDay, g.CooldownMinutes, g.MinBenefitScore)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert guardian config: %w", err)
	}
	return nil
}
