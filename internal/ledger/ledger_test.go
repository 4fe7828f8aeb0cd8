package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/autonomy-engine/internal/audit"
	"github.com/xela07ax/autonomy-engine/internal/authz"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra"
	"go.uber.org/zap"
)

var testClock = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// memInterventionRepo повторяет CAS-семантику Postgres-реализации:
// условный переход, ноль строк — ErrAlreadyProcessed.
type memInterventionRepo struct {
	mu    sync.Mutex
	items map[string]*domain.Intervention
}

func newMemInterventionRepo() *memInterventionRepo {
	return &memInterventionRepo{items: make(map[string]*domain.Intervention)}
}

func (r *memInterventionRepo) CreateIntervention(_ context.Context, i *domain.Intervention) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *i
	r.items[i.ID] = &cp
	return nil
}

func (r *memInterventionRepo) GetIntervention(_ context.Context, id string) (*domain.Intervention, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (r *memInterventionRepo) ListInterventions(_ context.Context, tenantID string, statuses []domain.InterventionStatus, _ int) ([]domain.Intervention, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Intervention
	for _, i := range r.items {
		if i.TenantID != tenantID {
			continue
		}
		if len(statuses) > 0 {
			hit := false
			for _, s := range statuses {
				if i.Status == s {
					hit = true
					break
				}
			}
			if !hit {
				continue
			}
		}
		out = append(out, *i)
	}
	return out, nil
}

func (r *memInterventionRepo) TransitionStatus(_ context.Context, id string, from, to domain.InterventionStatus, patch StatusPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := (&domain.Intervention{Status: from}).CanTransitionTo(to); err != nil {
		return err
	}
	if i.Status != from {
		return domain.ErrAlreadyProcessed
	}
	i.Status = to
	if patch.ApprovedBy != nil {
		i.ApprovedBy = patch.ApprovedBy
	}
	if patch.ApprovedAt != nil {
		i.ApprovedAt = patch.ApprovedAt
	}
	if patch.RejectionReason != nil {
		i.RejectionReason = patch.RejectionReason
	}
	if patch.ExecutedAt != nil {
		i.ExecutedAt = patch.ExecutedAt
	}
	if patch.DurationMs > 0 {
		i.DurationMs = patch.DurationMs
	}
	if patch.Error != "" {
		i.Error = patch.Error
	}
	return nil
}

func (r *memInterventionRepo) SetFeedback(_ context.Context, id string, fb domain.UserFeedback, notes string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	i.UserFeedback = &fb
	i.FeedbackNotes = notes
	return nil
}

// SweepRepository: фильтры повторяют SQL боевой реализации.

func (r *memInterventionRepo) ListAutoApprovable(_ context.Context, cutoff, now time.Time, _ int) ([]domain.Intervention, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Intervention
	for _, i := range r.items {
		if i.Status != domain.StatusProposed || i.CreatedAt.After(cutoff) {
			continue
		}
		if i.ExpiresAt != nil && !i.ExpiresAt.After(now) {
			continue
		}
		if i.ConflictID != nil {
			continue
		}
		if i.DecisionReason != authz.ReasonConfirmRequired && i.DecisionReason != ReasonGuardianThrottled {
			continue
		}
		out = append(out, *i)
	}
	return out, nil
}

func (r *memInterventionRepo) ListOverdue(_ context.Context, now time.Time, _ int) ([]domain.Intervention, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Intervention
	for _, i := range r.items {
		if i.ExpiredAt(now) {
			out = append(out, *i)
		}
	}
	return out, nil
}

type fakeAuthorizer struct {
	decision authz.Decision
}

func (f *fakeAuthorizer) Authorize(context.Context, string, string, string, float64) (authz.Decision, error) {
	return f.decision, nil
}

type fakeGuardian struct {
	cfg domain.GuardianConfig
}

func (f *fakeGuardian) GetGuardianConfig(_ context.Context, tenantID string) (domain.GuardianConfig, error) {
	if f.cfg.TenantID == "" {
		return domain.DefaultGuardianConfig(tenantID), nil
	}
	return f.cfg, nil
}

type fakeGate struct {
	conflict *domain.ValueConflict
}

func (f *fakeGate) Blocking(context.Context, string, string) (*domain.ValueConflict, error) {
	return f.conflict, nil
}

type nopAuditor struct{}

func (nopAuditor) Log(audit.Event) {}

type ledgerEnv struct {
	ledger *Ledger
	repo   *memInterventionRepo
	authz  *fakeAuthorizer
	gate   *fakeGate
	mr     *miniredis.Miniredis
}

func newLedgerEnv(t *testing.T) *ledgerEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	repo := newMemInterventionRepo()
	az := &fakeAuthorizer{decision: authz.Decision{Code: authz.Allow, Reason: authz.ReasonGranted}}
	gate := &fakeGate{}
	metrics := infra.NewMetrics(prometheus.NewRegistry())

	// Часы леджера и троттла обязаны совпадать: суточный ключ в Redis
	// ключуется днем из th.now
	th := NewThrottle(rdb)
	th.now = func() time.Time { return testClock }

	l := New(repo, &fakeGuardian{}, az, gate, th, rdb, nopAuditor{}, metrics, zap.NewNop(), time.Hour)
	l.now = func() time.Time { return testClock }

	return &ledgerEnv{ledger: l, repo: repo, authz: az, gate: gate, mr: mr}
}

func submit(t *testing.T, env *ledgerEnv, p ProposeParams) *domain.Intervention {
	t.Helper()
	if p.TenantID == "" {
		p.TenantID = "t1"
	}
	if p.InterventionType == "" {
		p.InterventionType = "send_sms:family"
	}
	if p.Title == "" {
		p.Title = "test"
	}
	iv, err := env.ledger.Propose(context.Background(), p)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	return iv
}

func TestProposeHardDenyLeavesNoTrace(t *testing.T) {
	env := newLedgerEnv(t)
	env.authz.decision = authz.Decision{Code: authz.Deny, Reason: authz.ReasonNoMatchingGrant}

	_, err := env.ledger.Propose(context.Background(), ProposeParams{
		TenantID: "t1", InterventionType: "send_sms:family", Title: "x",
	})
	if !errors.Is(err, domain.ErrHardDeny) {
		t.Fatalf("expected ErrHardDeny, got %v", err)
	}
	if len(env.repo.items) != 0 {
		t.Fatal("hard deny must not persist an intervention")
	}
}

func TestProposeUserRequestedSurvivesHardDeny(t *testing.T) {
	env := newLedgerEnv(t)
	env.authz.decision = authz.Decision{Code: authz.Deny, Reason: authz.ReasonNoMatchingGrant}

	iv := submit(t, env, ProposeParams{UserRequested: true})
	if iv.Status != domain.StatusProposed {
		t.Fatalf("expected proposed, got %s", iv.Status)
	}
	if iv.DecisionReason != ReasonUserRequested {
		t.Fatalf("expected user_requested reason, got %q", iv.DecisionReason)
	}
}

func TestProposeSoftDenyPersisted(t *testing.T) {
	env := newLedgerEnv(t)
	g := domain.PermissionGrant{ID: "g1"}
	env.authz.decision = authz.Decision{Code: authz.Deny, Grant: &g, Reason: authz.ReasonDailyLimit}

	iv := submit(t, env, ProposeParams{})
	if iv.Status != domain.StatusProposed {
		t.Fatalf("soft deny must persist as proposed, got %s", iv.Status)
	}
	if iv.DecisionReason != authz.ReasonDailyLimit {
		t.Fatalf("expected daily_limit_reached, got %q", iv.DecisionReason)
	}
	if iv.GrantID == nil || *iv.GrantID != "g1" {
		t.Fatal("matched grant must be recorded for attribution")
	}
}

func TestProposeConfirmationRequired(t *testing.T) {
	env := newLedgerEnv(t)
	env.authz.decision = authz.Decision{
		Code: authz.AllowWithConfirmation, Grant: &domain.PermissionGrant{ID: "g1"},
		Reason: authz.ReasonConfirmRequired,
	}

	iv := submit(t, env, ProposeParams{})
	if iv.Status != domain.StatusProposed || !iv.RequiresApproval {
		t.Fatalf("expected pending approval, got %s", iv.Status)
	}
	if iv.DecisionReason != authz.ReasonConfirmRequired {
		t.Fatalf("expected confirmation_required, got %q", iv.DecisionReason)
	}
}

func TestProposeConflictGateOverridesAllow(t *testing.T) {
	env := newLedgerEnv(t)
	env.gate.conflict = &domain.ValueConflict{ID: "c1", ValueA: "career", ValueB: "family"}

	iv := submit(t, env, ProposeParams{UrgencyScore: 9})
	if iv.Status != domain.StatusProposed {
		t.Fatalf("conflict must force manual approval, got %s", iv.Status)
	}
	if iv.DecisionReason != ReasonValueConflict {
		t.Fatalf("expected value_conflict, got %q", iv.DecisionReason)
	}
	if iv.ConflictID == nil || *iv.ConflictID != "c1" {
		t.Fatal("blocking conflict must be referenced")
	}
	// Guardian не трогался: суточный слот не занят
	if env.mr.Exists(infra.DailyCountKey("t1", testClock.UTC().Format("2006-01-02"))) {
		t.Fatal("daily budget must not be consumed on conflict-blocked propose")
	}
}

func TestProposeAutoGrant(t *testing.T) {
	env := newLedgerEnv(t)

	iv := submit(t, env, ProposeParams{UrgencyScore: 9})
	if iv.Status != domain.StatusApproved {
		t.Fatalf("expected immediate approval, got %s (%s)", iv.Status, iv.DecisionReason)
	}
	if iv.ApprovedBy == nil || *iv.ApprovedBy != domain.ApprovedByAutoGrant {
		t.Fatalf("expected auto_grant marker, got %v", iv.ApprovedBy)
	}
	if iv.RequiresApproval {
		t.Fatal("auto-granted intervention must not require approval")
	}
	// Точка невозврата: слот суточного бюджета занят и cooldown взведен
	// при одобрении, до какого-либо исполнения
	got, err := env.mr.Get(infra.DailyCountKey("t1", testClock.UTC().Format("2006-01-02")))
	if err != nil || got != "1" {
		t.Fatalf("expected one consumed daily slot, got %q (%v)", got, err)
	}
	if !env.mr.Exists(infra.CooldownKey("t1")) {
		t.Fatal("auto-grant must arm the cooldown at approval")
	}
}

func TestProposeCooldownReservedAtApproval(t *testing.T) {
	env := newLedgerEnv(t)

	// Две автономные заявки подряд, исполнитель еще ничего не трогал:
	// первая одобряется, вторая обязана упереться в cooldown
	first := submit(t, env, ProposeParams{UrgencyScore: 9})
	if first.Status != domain.StatusApproved {
		t.Fatalf("first action should pass, got %s", first.Status)
	}

	second := submit(t, env, ProposeParams{UrgencyScore: 9})
	if second.Status != domain.StatusProposed || second.DecisionReason != ReasonGuardianThrottled {
		t.Fatalf("back-to-back autonomy must be throttled, got %s (%s)", second.Status, second.DecisionReason)
	}
	if second.TriggerReason == "" {
		t.Fatal("throttle reason must be recorded on the intervention")
	}
}

func TestProposeGuardianThrottles(t *testing.T) {
	env := newLedgerEnv(t)

	// Польза ниже порога (дефолтный MinBenefitScore = 4.0)
	iv := submit(t, env, ProposeParams{UrgencyScore: 1})
	if iv.Status != domain.StatusProposed || iv.DecisionReason != ReasonGuardianThrottled {
		t.Fatalf("low benefit must be throttled, got %s (%s)", iv.Status, iv.DecisionReason)
	}

	// Активный cooldown
	env.mr.Set(infra.CooldownKey("t1"), "1")
	iv = submit(t, env, ProposeParams{UrgencyScore: 9})
	if iv.Status != domain.StatusProposed || iv.DecisionReason != ReasonGuardianThrottled {
		t.Fatalf("cooldown must throttle, got %s (%s)", iv.Status, iv.DecisionReason)
	}
}

func TestProposeDailyBudget(t *testing.T) {
	env := newLedgerEnv(t)
	env.ledger.guardian = &fakeGuardian{cfg: domain.GuardianConfig{
		TenantID: "t1", MaxInterventionsPerDay: 1, MinBenefitScore: 1,
	}}

	first := submit(t, env, ProposeParams{UrgencyScore: 9})
	if first.Status != domain.StatusApproved {
		t.Fatalf("first action should pass, got %s", first.Status)
	}

	second := submit(t, env, ProposeParams{UrgencyScore: 9})
	if second.Status != domain.StatusProposed || second.DecisionReason != ReasonGuardianThrottled {
		t.Fatalf("budget of one must throttle the second action, got %s (%s)", second.Status, second.DecisionReason)
	}
}

func TestApproveRejectRace(t *testing.T) {
	env := newLedgerEnv(t)
	env.authz.decision = authz.Decision{
		Code: authz.AllowWithConfirmation, Reason: authz.ReasonConfirmRequired,
	}
	iv := submit(t, env, ProposeParams{})
	ctx := context.Background()

	if err := env.ledger.Approve(ctx, iv.ID, "u1"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// Повторный клик и запоздавший reject не портят состояние
	if err := env.ledger.Approve(ctx, iv.ID, "u1"); !errors.Is(err, domain.ErrAlreadyProcessed) {
		t.Fatalf("second approve expected ErrAlreadyProcessed, got %v", err)
	}
	if err := env.ledger.Reject(ctx, iv.ID, "u1", "no"); !errors.Is(err, domain.ErrAlreadyProcessed) {
		t.Fatalf("late reject expected ErrAlreadyProcessed, got %v", err)
	}

	got, _ := env.repo.GetIntervention(ctx, iv.ID)
	if got.Status != domain.StatusApproved || *got.ApprovedBy != "u1" {
		t.Fatalf("state corrupted: %+v", got)
	}
}

func TestRecordFeedbackRequiresTerminal(t *testing.T) {
	env := newLedgerEnv(t)
	env.authz.decision = authz.Decision{
		Code: authz.AllowWithConfirmation, Reason: authz.ReasonConfirmRequired,
	}
	iv := submit(t, env, ProposeParams{})
	ctx := context.Background()

	err := env.ledger.RecordFeedback(ctx, iv.ID, domain.FeedbackHelpful, "")
	if !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("feedback on live intervention expected ErrNotTerminal, got %v", err)
	}

	reason := "changed my mind"
	if err := env.repo.TransitionStatus(ctx, iv.ID, domain.StatusProposed, domain.StatusRejected, StatusPatch{RejectionReason: &reason}); err != nil {
		t.Fatal(err)
	}
	if err := env.ledger.RecordFeedback(ctx, iv.ID, domain.FeedbackHelpful, "ok"); err != nil {
		t.Fatalf("feedback on terminal intervention: %v", err)
	}
}
