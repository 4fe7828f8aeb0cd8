package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Статусы State Machine интервенции
type InterventionStatus string

const (
	StatusProposed  InterventionStatus = "proposed"
	StatusApproved  InterventionStatus = "approved"
	StatusExecuting InterventionStatus = "executing"
	StatusCompleted InterventionStatus = "completed"
	StatusFailed    InterventionStatus = "failed"
	StatusRejected  InterventionStatus = "rejected"
	StatusExpired   InterventionStatus = "expired"
)

type InterventionPriority string

const (
	PriorityLow    InterventionPriority = "low"
	PriorityMedium InterventionPriority = "medium"
	PriorityHigh   InterventionPriority = "high"
)

type UserFeedback string

const (
	FeedbackHelpful   UserFeedback = "helpful"
	FeedbackNeutral   UserFeedback = "neutral"
	FeedbackUnhelpful UserFeedback = "unhelpful"
	FeedbackHarmful   UserFeedback = "harmful"
)

// Маркеры approvedBy для автономных переходов.
// "rejected" в леджере всегда означает решение человека, поэтому
// автономные апрувы маркируются отдельно — для честной истории.
const (
	ApprovedByAutoGrant   = "auto_grant"   // Разрешено грантом без подтверждения
	ApprovedByAutoTimeout = "auto_timeout" // "Молчание — согласие" после таймаута
)

var (
	ErrInvalidTransition = errors.New("invalid intervention status transition")
	ErrAlreadyProcessed  = errors.New("intervention already processed")
	ErrNotFound          = errors.New("not found")

	// ErrHardDeny — жесткий отказ авторизации: интервенция не персистится вовсе
	ErrHardDeny = errors.New("authorization denied: intervention not recorded")
)

// Intervention — одно кандидатное автономное действие, проходящее жизненный
// цикл proposed → approved → executing → {completed|failed}, плюс
// proposed → rejected и expired из proposed/approved.
type Intervention struct {
	ID               string               `json:"id"`
	TenantID         string               `json:"tenant_id"`
	InterventionType string               `json:"intervention_type"`
	Title            string               `json:"title"`
	Description      string               `json:"description,omitempty"`
	ActionPayload    json.RawMessage      `json:"action_payload"` // Опак для движка, интерпретирует Dispatcher
	SourceAgent      string               `json:"source_agent,omitempty"`
	TriggerReason    string               `json:"trigger_reason,omitempty"`
	Priority         InterventionPriority `json:"priority"`
	UrgencyScore     float64              `json:"urgency_score"` // Сортировка и оценка пользы для auto-approve

	Status           InterventionStatus `json:"status"`
	RequiresApproval bool               `json:"requires_approval"`
	// Почему интервенция оказалась в proposed: confirmation_required,
	// daily_limit_reached, spending_limit_reached, value_conflict,
	// guardian_throttled, user_requested. Свип авто-апрувит только
	// confirmation_required и guardian_throttled.
	DecisionReason  string     `json:"decision_reason,omitempty"`
	ApprovedBy      *string    `json:"approved_by,omitempty"` // user id или auto_* маркер
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`

	// Ссылка на блокирующий ценностный конфликт (если есть)
	ConflictID *string `json:"conflict_id,omitempty"`
	// Грант, разрешивший действие: счетчики использования двигает Executor
	GrantID *string `json:"grant_id,omitempty"`

	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ClaimedBy  *string    `json:"claimed_by,omitempty"` // Воркер, забравший интервенцию в работу
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	Error      string     `json:"error,omitempty"`

	UserFeedback  *UserFeedback `json:"user_feedback,omitempty"`
	FeedbackNotes string        `json:"feedback_notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransitionTo проверяет правила конечного автомата.
// Единственная авторитетная таблица переходов: её используют и свип,
// и пользовательские хендлеры, и Executor.
func (i *Intervention) CanTransitionTo(next InterventionStatus) error {
	allowed := map[InterventionStatus][]InterventionStatus{
		StatusProposed:  {StatusApproved, StatusRejected, StatusExpired},
		StatusApproved:  {StatusExecuting, StatusExpired},
		StatusExecuting: {StatusCompleted, StatusFailed},
	}

	nexts, ok := allowed[i.Status]
	if !ok {
		return ErrAlreadyProcessed // Терминальные статусы не покидаются
	}
	for _, s := range nexts {
		if s == next {
			return nil
		}
	}
	return ErrInvalidTransition
}

// Terminal сообщает, достигла ли интервенция конечного состояния.
func (i *Intervention) Terminal() bool {
	switch i.Status {
	case StatusCompleted, StatusFailed, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// ExpiredAt — интервенция просрочена, если дедлайн прошел, а исполнение
// так и не началось.
func (i *Intervention) ExpiredAt(now time.Time) bool {
	if i.ExpiresAt == nil {
		return false
	}
	if i.Status != StatusProposed && i.Status != StatusApproved {
		return false
	}
	return !i.ExpiresAt.After(now)
}
