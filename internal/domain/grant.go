package domain

import (
	"strings"
	"time"
)

// PermissionCategory используется для группировки грантов в Consent UI.
// На матчинг действия категория не влияет.
type PermissionCategory string

const (
	CategoryCommunication PermissionCategory = "communication"
	CategoryTasks         PermissionCategory = "tasks"
	CategoryHealth        PermissionCategory = "health"
	CategoryFinance       PermissionCategory = "finance"
	CategoryCalendar      PermissionCategory = "calendar"
	CategorySmartHome     PermissionCategory = "smart_home"
	CategoryOther         PermissionCategory = "other"
)

// PermissionGrant — персистентное разрешение пользователя на автономное действие.
// Паттерн поддерживает wildcards: "send_sms:*", "health:*" или просто "*".
type PermissionGrant struct {
	ID            string             `json:"id"`
	TenantID      string             `json:"tenant_id"`
	ActionPattern string             `json:"action_pattern"`
	Domain        string             `json:"domain"` // Скоуп действия ("family", "work"), "*" — любой
	Category      PermissionCategory `json:"category"`

	// Лимиты. nil — лимит не задан.
	DailyLimit    *int     `json:"daily_limit,omitempty"`    // Кап использований в скользящие 24ч
	SpendingLimit *float64 `json:"spending_limit,omitempty"` // Денежный кап на одно использование

	RequiresConfirmation bool `json:"requires_confirmation"` // allow_with_confirmation вместо allow

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  bool       `json:"is_active"` // Kill switch, независимый от expiry

	// Счетчики. Инкрементирует только Executor по факту исполнения.
	UseCount   int        `json:"use_count"`
	ErrorCount int        `json:"error_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	GrantedAt time.Time `json:"granted_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveAt — единый производный предикат валидности гранта.
// Собирает IsActive и ExpiresAt в одну проверку, чтобы ни один код
// не мог проверить один флаг и забыть второй.
func (g *PermissionGrant) EffectiveAt(now time.Time) bool {
	if g == nil || !g.IsActive {
		return false
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Matches проверяет, покрывает ли паттерн гранта запрошенное действие.
// Правила: точное совпадение, суффикс "*" (посегментно), либо голая "*".
func (g *PermissionGrant) Matches(action string) bool {
	return PatternMatches(g.ActionPattern, action)
}

// MatchesDomain — скоуп гранта: точное совпадение или "*".
func (g *PermissionGrant) MatchesDomain(domain string) bool {
	return g.Domain == "*" || g.Domain == domain
}

// PatternMatches — общая логика сопоставления паттернов действий.
func PatternMatches(pattern, action string) bool {
	if pattern == action {
		return true
	}
	if pattern == "*" {
		return true
	}
	// "send_sms:*" покрывает "send_sms:family", но не "send_sms" и не "send_smsX"
	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, ":*")
		return strings.HasPrefix(action, prefix+":")
	}
	// Паттерн без сегмента ("send_sms") покрывает все свои подсегменты
	if !strings.Contains(pattern, ":") && strings.HasPrefix(action, pattern+":") {
		return true
	}
	return false
}

// Specificity возвращает вес паттерна для выбора самого узкого гранта:
// точное совпадение > длинный wildcard-префикс > голая "*".
// Чем больше значение, тем приоритетнее грант.
func PatternSpecificity(pattern, action string) int {
	switch {
	case pattern == action:
		return 1 << 20 // Точное совпадение всегда побеждает
	case pattern == "*":
		return 0
	default:
		// Для wildcard-паттернов специфичность — длина фиксированного префикса
		return len(strings.TrimSuffix(pattern, "*"))
	}
}

// InferCategory выводит категорию из глагола действия, когда пользователь
// не указал её явно при выдаче гранта.
func InferCategory(pattern string) PermissionCategory {
	verb := strings.ToLower(strings.SplitN(pattern, ":", 2)[0])

	m := map[string]PermissionCategory{
		"send_sms":          CategoryCommunication,
		"send_email":        CategoryCommunication,
		"make_call":         CategoryCommunication,
		"send_notification": CategoryCommunication,
		"create_task":       CategoryTasks,
		"complete_task":     CategoryTasks,
		"update_task":       CategoryTasks,
		"delete_task":       CategoryTasks,
		"schedule":          CategoryCalendar,
		"schedule_event":    CategoryCalendar,
		"create_event":      CategoryCalendar,
		"cancel_event":      CategoryCalendar,
		"log_health":        CategoryHealth,
		"log_meal":          CategoryHealth,
		"log_mood":          CategoryHealth,
		"log_sleep":         CategoryHealth,
		"transfer_money":    CategoryFinance,
		"pay_bill":          CategoryFinance,
		"log_expense":       CategoryFinance,
		"control_lights":    CategorySmartHome,
		"set_temperature":   CategorySmartHome,
		"lock_door":         CategorySmartHome,
	}

	if c, ok := m[verb]; ok {
		return c
	}
	return CategoryOther
}
