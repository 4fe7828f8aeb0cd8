package domain

import "time"

// GuardianConfig — политика троттлинга автономии, одна на пользователя.
// Все три порога проверяются независимо: интервенция должна пройти каждый,
// чтобы исполниться без участия человека.
type GuardianConfig struct {
	TenantID               string    `json:"tenant_id"`
	MaxInterventionsPerDay int       `json:"max_interventions_per_day"`
	CooldownMinutes        int       `json:"cooldown_minutes"`
	MinBenefitScore        float64   `json:"min_benefit_score"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Дефолты при создании аккаунта. Меняются только явным действием пользователя.
func DefaultGuardianConfig(tenantID string) GuardianConfig {
	return GuardianConfig{
		TenantID:               tenantID,
		MaxInterventionsPerDay: 10,
		CooldownMinutes:        30,
		MinBenefitScore:        4.0,
	}
}

// Cooldown возвращает длительность паузы между автономными исполнениями.
func (g GuardianConfig) Cooldown() time.Duration {
	return time.Duration(g.CooldownMinutes) * time.Minute
}
