package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/autonomy-engine/internal/audit"
	"github.com/xela07ax/autonomy-engine/internal/authz"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra"
	"go.uber.org/zap"
)

// Причины, по которым интервенция ложится в proposed (дополняют причины
// отказа авторизации из internal/authz)
const (
	ReasonValueConflict     = "value_conflict"     // Блокирующий ценностный конфликт
	ReasonGuardianThrottled = "guardian_throttled" // Cooldown, суточный бюджет или низкая польза
	ReasonUserRequested     = "user_requested"     // Явный запрос пользователя пережил hard deny
)

var ErrNotTerminal = errors.New("intervention has not reached a terminal status")

// StatusPatch — поля, проставляемые вместе с переходом статуса.
// nil-поля не трогаются.
type StatusPatch struct {
	ApprovedBy      *string
	ApprovedAt      *time.Time
	RejectionReason *string
	ExecutedAt      *time.Time
	DurationMs      int64
	Error           string
}

// InterventionRepository — требования леджера к хранилищу.
type InterventionRepository interface {
	CreateIntervention(ctx context.Context, i *domain.Intervention) error
	GetIntervention(ctx context.Context, id string) (*domain.Intervention, error)
	ListInterventions(ctx context.Context, tenantID string, statuses []domain.InterventionStatus, limit int) ([]domain.Intervention, error)
	// TransitionStatus выполняет условный переход (UPDATE ... WHERE status = from).
	// Ноль затронутых строк — domain.ErrAlreadyProcessed: кто-то успел раньше.
	TransitionStatus(ctx context.Context, id string, from, to domain.InterventionStatus, patch StatusPatch) error
	SetFeedback(ctx context.Context, id string, fb domain.UserFeedback, notes string) error
}

// GuardianSource отдает политику троттлинга пользователя (с дефолтами).
type GuardianSource interface {
	GetGuardianConfig(ctx context.Context, tenantID string) (domain.GuardianConfig, error)
}

// ConflictGate — проверка блокирующего ценностного конфликта (арбитр).
type ConflictGate interface {
	Blocking(ctx context.Context, tenantID, category string) (*domain.ValueConflict, error)
}

// Authorizer — решение «можно ли действие» (Evaluator).
type Authorizer interface {
	Authorize(ctx context.Context, tenantID, action, actionDomain string, estimatedCost float64) (authz.Decision, error)
}

// ProposeParams — заявка агента на автономное действие.
type ProposeParams struct {
	TenantID         string
	InterventionType string // Глагол действия, он же ключ диспетчера
	Title            string
	Description      string
	ActionPayload    json.RawMessage
	SourceAgent      string
	TriggerReason    string
	Priority         domain.InterventionPriority
	UrgencyScore     float64

	ActionDomain  string  // Скоуп действия для матчинга грантов ("*" если не важен)
	EstimatedCost float64 // Оценка стоимости (0 — бесплатно/неизвестно)

	// Явный запрос пользователя: hard deny не стирает заявку, а кладет в proposed
	UserRequested bool

	ExpiresIn time.Duration // 0 — дефолтный TTL движка
}

// Ledger — журнал интервенций и его конечный автомат. Единственная точка,
// через которую интервенции создаются и меняют статус по воле человека.
type Ledger struct {
	repo     InterventionRepository
	guardian GuardianSource
	authz    Authorizer
	gate     ConflictGate
	throttle *Throttle
	rdb      *redis.Client
	auditor  audit.Auditor
	metrics  *infra.Metrics
	logger   *zap.Logger

	proposalTTL time.Duration
	now         func() time.Time // Подменяется в тестах
}

func New(
	repo InterventionRepository,
	guardian GuardianSource,
	authorizer Authorizer,
	gate ConflictGate,
	throttle *Throttle,
	rdb *redis.Client,
	auditor audit.Auditor,
	metrics *infra.Metrics,
	logger *zap.Logger,
	proposalTTL time.Duration,
) *Ledger {
	if proposalTTL <= 0 {
		proposalTTL = 24 * time.Hour
	}
	return &Ledger{
		repo:        repo,
		guardian:    guardian,
		authz:       authorizer,
		gate:        gate,
		throttle:    throttle,
		rdb:         rdb,
		auditor:     auditor,
		metrics:     metrics,
		logger:      logger.Named("ledger"),
		proposalTTL: proposalTTL,
		now:         time.Now,
	}
}

// Propose принимает кандидатное действие и решает его стартовый статус.
// Жесткий отказ (нет гранта, нет явного запроса пользователя) не оставляет
// следа в леджере и возвращает domain.ErrHardDeny.
func (l *Ledger) Propose(ctx context.Context, p ProposeParams) (*domain.Intervention, error) {
	nowT := l.now()

	decision, err := l.authz.Authorize(ctx, p.TenantID, p.InterventionType, p.ActionDomain, p.EstimatedCost)
	if err != nil {
		return nil, fmt.Errorf("ledger: authorize: %w", err)
	}

	if decision.Code == authz.Deny && !decision.SoftDeny() && !p.UserRequested {
		l.audit(p.TenantID, audit.KindAuthDecision, "", p.SourceAgent, "DENIED", map[string]interface{}{
			"action": p.InterventionType,
			"reason": decision.Reason,
		})
		return nil, domain.ErrHardDeny
	}

	ttl := p.ExpiresIn
	if ttl <= 0 {
		ttl = l.proposalTTL
	}
	expires := nowT.Add(ttl)

	i := &domain.Intervention{
		ID:               uuid.New().String(),
		TenantID:         p.TenantID,
		InterventionType: p.InterventionType,
		Title:            p.Title,
		Description:      p.Description,
		ActionPayload:    p.ActionPayload,
		SourceAgent:      p.SourceAgent,
		TriggerReason:    p.TriggerReason,
		Priority:         priorityOrDefault(p.Priority),
		UrgencyScore:     p.UrgencyScore,
		Status:           domain.StatusProposed,
		RequiresApproval: true,
		ExpiresAt:        &expires,
		CreatedAt:        nowT,
		UpdatedAt:        nowT,
	}
	if decision.Grant != nil {
		grantID := decision.Grant.ID
		i.GrantID = &grantID
	}

	// Конфликтный гейт сильнее любого решения авторизации: пока пользователь
	// не разрешил противоречие ценностей, категория исполняется только руками
	conflict, err := l.gate.Blocking(ctx, p.TenantID, p.InterventionType)
	if err != nil {
		return nil, fmt.Errorf("ledger: conflict gate: %w", err)
	}

	switch {
	case conflict != nil:
		i.ConflictID = &conflict.ID
		i.DecisionReason = ReasonValueConflict

	case decision.Code == authz.Deny && p.UserRequested && !decision.SoftDeny():
		i.DecisionReason = ReasonUserRequested

	case decision.Code == authz.Deny:
		// Мягкий отказ (лимит при живом гранте): персистим, пользователь
		// может перекрыть лимит ручным approve
		i.DecisionReason = decision.Reason

	case decision.Code == authz.AllowWithConfirmation:
		i.DecisionReason = authz.ReasonConfirmRequired

	default: // authz.Allow — кандидат на немедленную автономию, если Guardian пустит
		ok, reason, gerr := l.passGuardian(ctx, p.TenantID, p.UrgencyScore)
		if gerr != nil {
			return nil, gerr
		}
		if !ok {
			i.DecisionReason = ReasonGuardianThrottled
			i.TriggerReason = joinReason(i.TriggerReason, reason)
			break
		}
		approvedBy := domain.ApprovedByAutoGrant
		i.Status = domain.StatusApproved
		i.RequiresApproval = false
		i.ApprovedBy = &approvedBy
		i.ApprovedAt = &nowT
	}

	if err := l.repo.CreateIntervention(ctx, i); err != nil {
		return nil, fmt.Errorf("ledger: create intervention: %w", err)
	}

	l.audit(p.TenantID, audit.KindAuthDecision, i.ID, p.SourceAgent, "SUCCESS", map[string]interface{}{
		"action":   p.InterventionType,
		"decision": string(decision.Code),
		"status":   string(i.Status),
		"reason":   i.DecisionReason,
	})

	if i.Status == domain.StatusApproved {
		l.wakeExecutor(ctx, i.ID)
	}

	l.logger.Info("intervention proposed",
		zap.String("id", i.ID),
		zap.String("tenant_id", p.TenantID),
		zap.String("type", p.InterventionType),
		zap.String("status", string(i.Status)))
	return i, nil
}

// Approve — решение человека. Переход строго из proposed: гонка со свипом
// или повторный клик дают ErrAlreadyProcessed, состояние не портится.
func (l *Ledger) Approve(ctx context.Context, id, userID string) error {
	nowT := l.now()
	err := l.repo.TransitionStatus(ctx, id, domain.StatusProposed, domain.StatusApproved, StatusPatch{
		ApprovedBy: &userID,
		ApprovedAt: &nowT,
	})
	if err != nil {
		return err
	}

	l.audit("", audit.KindTransition, id, userID, "SUCCESS", map[string]interface{}{
		"to": string(domain.StatusApproved),
	})
	l.wakeExecutor(ctx, id)
	return nil
}

// Reject — отказ человека. В леджере rejected всегда означает, что человек
// сказал «нет»: автономные пути сюда не ведут.
func (l *Ledger) Reject(ctx context.Context, id, userID, reason string) error {
	err := l.repo.TransitionStatus(ctx, id, domain.StatusProposed, domain.StatusRejected, StatusPatch{
		RejectionReason: &reason,
	})
	if err != nil {
		return err
	}

	l.metrics.InterventionOutcomes.WithLabelValues(string(domain.StatusRejected)).Inc()
	l.audit("", audit.KindTransition, id, userID, "SUCCESS", map[string]interface{}{
		"to":     string(domain.StatusRejected),
		"reason": reason,
	})
	return nil
}

// RecordFeedback принимает оценку пользователя по завершенной интервенции.
func (l *Ledger) RecordFeedback(ctx context.Context, id string, fb domain.UserFeedback, notes string) error {
	i, err := l.repo.GetIntervention(ctx, id)
	if err != nil {
		return err
	}
	if !i.Terminal() {
		return ErrNotTerminal
	}
	return l.repo.SetFeedback(ctx, id, fb, notes)
}

func (l *Ledger) Get(ctx context.Context, id string) (*domain.Intervention, error) {
	return l.repo.GetIntervention(ctx, id)
}

func (l *Ledger) List(ctx context.Context, tenantID string, statuses []domain.InterventionStatus, limit int) ([]domain.Intervention, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.repo.ListInterventions(ctx, tenantID, statuses, limit)
}

// passGuardian проверяет все три порога автономии. Суточный слот и cooldown
// резервируются атомарно прямо здесь: одобрение и есть точка невозврата
// автономного пути.
func (l *Ledger) passGuardian(ctx context.Context, tenantID string, urgency float64) (bool, string, error) {
	g, err := l.guardian.GetGuardianConfig(ctx, tenantID)
	if err != nil {
		return false, "", fmt.Errorf("ledger: guardian config: %w", err)
	}
	return guardianAdmits(ctx, l.throttle, g, tenantID, urgency)
}

// guardianAdmits — общая проверка порогов Guardian для Propose и свипа.
// true означает, что суточный слот занят и cooldown взведен: резерв идет
// в точке одобрения, исполнитель к счетчикам Guardian не прикасается.
func guardianAdmits(ctx context.Context, throttle *Throttle, g domain.GuardianConfig, tenantID string, urgency float64) (bool, string, error) {
	if urgency < g.MinBenefitScore {
		return false, "benefit_below_threshold", nil
	}
	return throttle.AdmitAutonomous(ctx, tenantID, g.MaxInterventionsPerDay, g.Cooldown())
}

// wakeExecutor будит воркеров исполнителя: без сигнала они подхватят
// интервенцию на следующем poll-тике, сигнал просто ускоряет
func (l *Ledger) wakeExecutor(ctx context.Context, id string) {
	if err := l.rdb.Publish(ctx, infra.RedisChanDecisions, id).Err(); err != nil {
		l.logger.Warn("failed to publish decision signal", zap.Error(err))
	}
}

func (l *Ledger) audit(tenantID, kind, subjectID, actor, status string, payload map[string]interface{}) {
	l.auditor.Log(audit.Event{
		TenantID:  tenantID,
		Kind:      kind,
		SubjectID: subjectID,
		Actor:     actor,
		Status:    status,
		Payload:   payload,
	})
}

func priorityOrDefault(p domain.InterventionPriority) domain.InterventionPriority {
	switch p {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh:
		return p
	}
	return domain.PriorityMedium
}

func joinReason(existing, extra string) string {
	if extra == "" {
		return existing
	}
	if existing == "" {
		return extra
	}
	return existing + "; " + extra
}
