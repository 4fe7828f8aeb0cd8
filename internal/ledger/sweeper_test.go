package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/autonomy-engine/internal/authz"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra"
	"go.uber.org/zap"
)

type sweepEnv struct {
	sweeper *Sweeper
	repo    *memInterventionRepo
	mr      *miniredis.Miniredis
}

func newSweepEnv(t *testing.T) *sweepEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	repo := newMemInterventionRepo()
	metrics := infra.NewMetrics(prometheus.NewRegistry())

	th := NewThrottle(rdb)
	th.now = func() time.Time { return testClock }

	s := NewSweeper(repo, &fakeGuardian{}, th, rdb, nopAuditor{}, metrics, zap.NewNop(),
		time.Minute, 2*time.Hour)
	s.now = func() time.Time { return testClock }

	return &sweepEnv{sweeper: s, repo: repo, mr: mr}
}

func seed(env *sweepEnv, iv domain.Intervention) *domain.Intervention {
	if iv.ID == "" {
		iv.ID = "iv-" + iv.DecisionReason
	}
	if iv.TenantID == "" {
		iv.TenantID = "t1"
	}
	env.repo.items[iv.ID] = &iv
	return env.repo.items[iv.ID]
}

func TestSweepExpiresOverdue(t *testing.T) {
	env := newSweepEnv(t)
	past := testClock.Add(-time.Minute)
	future := testClock.Add(time.Hour)

	overdueProposed := seed(env, domain.Intervention{
		ID: "iv1", Status: domain.StatusProposed, ExpiresAt: &past,
	})
	overdueApproved := seed(env, domain.Intervention{
		ID: "iv2", Status: domain.StatusApproved, ExpiresAt: &past,
	})
	fresh := seed(env, domain.Intervention{
		ID: "iv3", Status: domain.StatusProposed, ExpiresAt: &future,
	})

	env.sweeper.tick(context.Background())

	if overdueProposed.Status != domain.StatusExpired {
		t.Errorf("overdue proposed should expire, got %s", overdueProposed.Status)
	}
	if overdueApproved.Status != domain.StatusExpired {
		t.Errorf("overdue approved should expire, got %s", overdueApproved.Status)
	}
	if fresh.Status != domain.StatusProposed {
		t.Errorf("fresh intervention must stay, got %s", fresh.Status)
	}
}

func TestSweepAutoApprovesAfterConsentTimeout(t *testing.T) {
	env := newSweepEnv(t)
	future := testClock.Add(24 * time.Hour)
	stale := testClock.Add(-3 * time.Hour) // Старше окна согласия (2ч)
	recent := testClock.Add(-time.Hour)

	eligible := seed(env, domain.Intervention{
		ID: "iv-stale", Status: domain.StatusProposed, UrgencyScore: 9,
		DecisionReason: authz.ReasonConfirmRequired, CreatedAt: stale, ExpiresAt: &future,
	})
	young := seed(env, domain.Intervention{
		ID: "iv-young", Status: domain.StatusProposed, UrgencyScore: 9,
		DecisionReason: authz.ReasonConfirmRequired, CreatedAt: recent, ExpiresAt: &future,
	})
	conflictID := "c1"
	blocked := seed(env, domain.Intervention{
		ID: "iv-blocked", Status: domain.StatusProposed, UrgencyScore: 9,
		DecisionReason: ReasonValueConflict, ConflictID: &conflictID,
		CreatedAt: stale, ExpiresAt: &future,
	})
	limited := seed(env, domain.Intervention{
		ID: "iv-limited", Status: domain.StatusProposed, UrgencyScore: 9,
		DecisionReason: authz.ReasonDailyLimit, CreatedAt: stale, ExpiresAt: &future,
	})

	env.sweeper.tick(context.Background())

	if eligible.Status != domain.StatusApproved {
		t.Fatalf("stale proposal should auto-approve, got %s", eligible.Status)
	}
	if eligible.ApprovedBy == nil || *eligible.ApprovedBy != domain.ApprovedByAutoTimeout {
		t.Fatalf("expected auto_timeout marker, got %v", eligible.ApprovedBy)
	}
	// Автономное одобрение резервирует cooldown сразу, не дожидаясь исполнения
	if !env.mr.Exists(infra.CooldownKey("t1")) {
		t.Error("auto-timeout approval must arm the cooldown")
	}
	if young.Status != domain.StatusProposed {
		t.Errorf("proposal inside the consent window must wait, got %s", young.Status)
	}
	if blocked.Status != domain.StatusProposed {
		t.Errorf("conflict-blocked proposal must never auto-approve, got %s", blocked.Status)
	}
	if limited.Status != domain.StatusProposed {
		t.Errorf("limit-denied proposal must never auto-approve, got %s", limited.Status)
	}
}

func TestSweepAutoApproveRespectsGuardian(t *testing.T) {
	env := newSweepEnv(t)
	future := testClock.Add(24 * time.Hour)
	stale := testClock.Add(-3 * time.Hour)

	lowBenefit := seed(env, domain.Intervention{
		ID: "iv-low", Status: domain.StatusProposed, UrgencyScore: 1, // Ниже дефолтного порога 4.0
		DecisionReason: authz.ReasonConfirmRequired, CreatedAt: stale, ExpiresAt: &future,
	})

	env.sweeper.tick(context.Background())

	if lowBenefit.Status != domain.StatusProposed {
		t.Fatalf("low benefit must stay pending, got %s", lowBenefit.Status)
	}
}

func TestSweepLockPreventsConcurrentTick(t *testing.T) {
	env := newSweepEnv(t)
	past := testClock.Add(-time.Minute)
	overdue := seed(env, domain.Intervention{
		ID: "iv1", Status: domain.StatusProposed, ExpiresAt: &past,
	})

	// Лок держит «соседний инстанс» — наш тик обязан уступить
	env.mr.Set(infra.RedisKeyLockSweep, "processing")
	env.sweeper.tick(context.Background())
	if overdue.Status != domain.StatusProposed {
		t.Fatalf("tick under foreign lock must be a no-op, got %s", overdue.Status)
	}

	env.mr.Del(infra.RedisKeyLockSweep)
	env.sweeper.tick(context.Background())
	if overdue.Status != domain.StatusExpired {
		t.Fatalf("after lock release the sweep should proceed, got %s", overdue.Status)
	}
}
