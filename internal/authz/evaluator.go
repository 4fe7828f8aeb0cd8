package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra"
	"go.uber.org/zap"
)

type DecisionCode string

const (
	Allow                 DecisionCode = "allow"
	AllowWithConfirmation DecisionCode = "allow_with_confirmation"
	Deny                  DecisionCode = "deny"
)

// Причины отказа. Отказ — не ошибка, а спроектированный исход,
// поэтому всегда несет человекочитаемую причину.
const (
	ReasonGranted         = "granted"
	ReasonConfirmRequired = "confirmation_required"
	ReasonNoMatchingGrant = "no_matching_grant"
	ReasonDailyLimit      = "daily_limit_reached"
	ReasonSpendingLimit   = "spending_limit_reached"
)

// Decision — результат авторизации кандидатного действия.
type Decision struct {
	Code   DecisionCode            `json:"decision"`
	Grant  *domain.PermissionGrant `json:"matched_grant,omitempty"`
	Reason string                  `json:"reason"`
}

// SoftDeny — отказ по лимиту при существующем гранте. Такие интервенции
// персистятся как proposed, чтобы пользователь мог вручную перекрыть лимит.
// Жесткий отказ (грант не найден) не персистится вовсе.
func (d Decision) SoftDeny() bool {
	return d.Code == Deny && d.Reason != ReasonNoMatchingGrant
}

// GrantSource — откуда Evaluator берет гранты (RAM-кэш).
type GrantSource interface {
	TenantGrants(tenantID string) []domain.PermissionGrant
}

// UsageLimiter атомарно резервирует одно использование гранта в суточном
// окне. Проверка и инкремент — одна операция в датасторе: конкурентные
// авторизации не протиснутся под общий лимит. Занятый слот не возвращается.
type UsageLimiter interface {
	ReserveGrantUse(ctx context.Context, grantID string, limit int) (bool, error)
}

// Evaluator отвечает на вопрос «можно ли действие»: allow, allow с
// подтверждением или deny. Единственный побочный эффект — резерв слота
// суточного лимита гранта в момент разрешающего решения.
type Evaluator struct {
	grants  GrantSource
	limiter UsageLimiter
	metrics *infra.Metrics
	logger  *zap.Logger
	now     func() time.Time // Подменяется в тестах
}

func NewEvaluator(grants GrantSource, limiter UsageLimiter, metrics *infra.Metrics, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		grants:  grants,
		limiter: limiter,
		metrics: metrics,
		logger:  logger.Named("evaluator"),
		now:     time.Now,
	}
}

// Authorize классифицирует запрошенное действие по грантам пользователя.
// estimatedCost — оценка стоимости действия (0 — бесплатно/неизвестно).
func (e *Evaluator) Authorize(ctx context.Context, tenantID, action, actionDomain string, estimatedCost float64) (Decision, error) {
	now := e.now()

	grant := e.mostSpecific(tenantID, action, actionDomain, now)
	if grant == nil {
		return e.decided(Decision{Code: Deny, Reason: ReasonNoMatchingGrant}), nil
	}

	// Денежный кап проверяется до суточного: он дешевле (без похода в БД)
	if grant.SpendingLimit != nil && estimatedCost > *grant.SpendingLimit {
		return e.decided(Decision{
			Code:   Deny,
			Grant:  grant,
			Reason: ReasonSpendingLimit,
		}), nil
	}

	// Слот суточного лимита занимается здесь, а не по факту исполнения:
	// между «проверил» и «исполнил» лимит обязан оставаться пройденным
	if grant.DailyLimit != nil {
		ok, err := e.limiter.ReserveGrantUse(ctx, grant.ID, *grant.DailyLimit)
		if err != nil {
			return Decision{}, fmt.Errorf("authz: grant use reserve failed: %w", err)
		}
		if !ok {
			return e.decided(Decision{
				Code:   Deny,
				Grant:  grant,
				Reason: ReasonDailyLimit,
			}), nil
		}
	}

	if grant.RequiresConfirmation {
		return e.decided(Decision{
			Code:   AllowWithConfirmation,
			Grant:  grant,
			Reason: ReasonConfirmRequired,
		}), nil
	}

	return e.decided(Decision{Code: Allow, Grant: grant, Reason: ReasonGranted}), nil
}

// mostSpecific выбирает самый узкий effective-грант:
// точное совпадение > длинный wildcard-префикс > голая "*".
// Специфичность, а не порядок регистрации, решает исход.
func (e *Evaluator) mostSpecific(tenantID, action, actionDomain string, now time.Time) *domain.PermissionGrant {
	var best *domain.PermissionGrant
	bestScore := -1

	for _, g := range e.grants.TenantGrants(tenantID) {
		g := g
		if !g.EffectiveAt(now) || !g.Matches(action) || !g.MatchesDomain(actionDomain) {
			continue
		}

		score := domain.PatternSpecificity(g.ActionPattern, action)
		// Точный домен специфичнее wildcard-домена при равных паттернах
		if g.Domain != "*" {
			score++
		}
		if score > bestScore {
			best, bestScore = &g, score
		}
	}
	return best
}

func (e *Evaluator) decided(d Decision) Decision {
	e.metrics.AuthDecisions.WithLabelValues(string(d.Code), d.Reason).Inc()
	if d.Code == Deny {
		e.logger.Debug("action denied", zap.String("reason", d.Reason))
	}
	return d
}
