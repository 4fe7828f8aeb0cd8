package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/autonomy-engine/internal/audit"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra"
	"go.uber.org/zap"
)

// memExecRepo повторяет CAS-семантику боевого хранилища: клейм одной
// и той же строки удается ровно одному воркеру.
type memExecRepo struct {
	mu    sync.Mutex
	items map[string]*domain.Intervention
}

func newMemExecRepo() *memExecRepo {
	return &memExecRepo{items: make(map[string]*domain.Intervention)}
}

func (r *memExecRepo) ClaimNext(_ context.Context, workerID string) (*domain.Intervention, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *domain.Intervention
	for _, i := range r.items {
		if i.Status != domain.StatusApproved {
			continue
		}
		if oldest == nil || i.CreatedAt.Before(oldest.CreatedAt) {
			oldest = i
		}
	}
	if oldest == nil {
		return nil, domain.ErrNotFound
	}
	oldest.Status = domain.StatusExecuting
	oldest.ClaimedBy = &workerID
	cp := *oldest
	return &cp, nil
}

func (r *memExecRepo) MarkCompleted(_ context.Context, id string, executedAt time.Time, durationMs int64) error {
	return r.finish(id, domain.StatusCompleted, executedAt, durationMs, "")
}

func (r *memExecRepo) MarkFailed(_ context.Context, id string, executedAt time.Time, durationMs int64, dispatchErr string) error {
	return r.finish(id, domain.StatusFailed, executedAt, durationMs, dispatchErr)
}

func (r *memExecRepo) finish(id string, to domain.InterventionStatus, executedAt time.Time, durationMs int64, dispatchErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if i.Status != domain.StatusExecuting {
		return domain.ErrAlreadyProcessed
	}
	i.Status = to
	i.ExecutedAt = &executedAt
	i.DurationMs = durationMs
	i.Error = dispatchErr
	return nil
}

type memCounters struct {
	mu     sync.Mutex
	uses   map[string]int
	errors map[string]int
}

func newMemCounters() *memCounters {
	return &memCounters{uses: make(map[string]int), errors: make(map[string]int)}
}

func (c *memCounters) RegisterGrantUse(_ context.Context, grantID string, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uses[grantID]++
	return nil
}

func (c *memCounters) RegisterGrantError(_ context.Context, grantID string, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[grantID]++
	return nil
}

type stubDispatcher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (d *stubDispatcher) Dispatch(context.Context, *domain.Intervention) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return []byte(`{"ok":true}`), nil
}

type nopAuditor struct{}

func (nopAuditor) Log(audit.Event) {}

type execEnv struct {
	exec     *Executor
	repo     *memExecRepo
	counters *memCounters
	stub     *stubDispatcher
}

func newExecEnv(t *testing.T) *execEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	repo := newMemExecRepo()
	counters := newMemCounters()
	stub := &stubDispatcher{}

	registry := NewRegistry()
	registry.Register("send_sms:family", stub)

	e := New(repo, counters, registry, rdb,
		nopAuditor{}, infra.NewMetrics(prometheus.NewRegistry()), zap.NewNop(), 1, time.Second)

	return &execEnv{exec: e, repo: repo, counters: counters, stub: stub}
}

func approvedIntervention(id, approvedBy string) *domain.Intervention {
	by := approvedBy
	grantID := "g1"
	return &domain.Intervention{
		ID:               id,
		TenantID:         "t1",
		InterventionType: "send_sms:family",
		Status:           domain.StatusApproved,
		ApprovedBy:       &by,
		GrantID:          &grantID,
		CreatedAt:        time.Now(),
	}
}

func TestExecuteCompletes(t *testing.T) {
	env := newExecEnv(t)
	iv := approvedIntervention("iv1", "u1")
	env.repo.items[iv.ID] = iv
	ctx := context.Background()

	claimed, err := env.repo.ClaimNext(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if claimed.ClaimedBy == nil || *claimed.ClaimedBy != "w1" {
		t.Fatalf("claim must record the worker, got %v", claimed.ClaimedBy)
	}
	env.exec.execute(ctx, zap.NewNop(), claimed)

	if iv.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", iv.Status)
	}
	if env.counters.uses["g1"] != 1 {
		t.Fatalf("grant use must be registered once, got %d", env.counters.uses["g1"])
	}
}

func TestExecuteFailureRecorded(t *testing.T) {
	env := newExecEnv(t)
	env.stub.err = errors.New("integration down")
	iv := approvedIntervention("iv1", domain.ApprovedByAutoTimeout)
	env.repo.items[iv.ID] = iv
	ctx := context.Background()

	claimed, _ := env.repo.ClaimNext(ctx, "w1")
	env.exec.execute(ctx, zap.NewNop(), claimed)

	if iv.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", iv.Status)
	}
	if iv.Error == "" {
		t.Fatal("dispatch error must be recorded on the intervention")
	}
	if env.counters.errors["g1"] != 1 {
		t.Fatal("grant error counter must move on failure")
	}
	if env.counters.uses["g1"] != 0 {
		t.Fatal("failed dispatch must not count as a grant use")
	}
}

func TestExecuteUnknownTypeFails(t *testing.T) {
	env := newExecEnv(t)
	iv := approvedIntervention("iv1", "u1")
	iv.InterventionType = "teleport:home"
	env.repo.items[iv.ID] = iv
	ctx := context.Background()

	claimed, _ := env.repo.ClaimNext(ctx, "w1")
	env.exec.execute(ctx, zap.NewNop(), claimed)

	if iv.Status != domain.StatusFailed {
		t.Fatalf("unknown type must fail terminally, got %s", iv.Status)
	}
	if env.stub.calls != 0 {
		t.Fatal("registered dispatcher must not be called for a foreign type")
	}
}

func TestClaimIsExclusive(t *testing.T) {
	env := newExecEnv(t)
	iv := approvedIntervention("iv1", "u1")
	env.repo.items[iv.ID] = iv
	ctx := context.Background()

	// Два конкурентных воркера: строка достается ровно одному
	var wg sync.WaitGroup
	claims := make(chan *domain.Intervention, 2)
	for n := 0; n < 2; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := env.repo.ClaimNext(ctx, "w")
			if err == nil {
				claims <- c
			}
		}()
	}
	wg.Wait()
	close(claims)

	var got []*domain.Intervention
	for c := range claims {
		got = append(got, c)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", len(got))
	}

	env.exec.execute(ctx, zap.NewNop(), got[0])
	if env.stub.calls != 1 {
		t.Fatalf("dispatch must happen exactly once, got %d", env.stub.calls)
	}
}

func TestNotifyDispatcherQueuesDelivery(t *testing.T) {
	q := &captureQueue{}
	d := NewNotifyDispatcher(q)

	iv := &domain.Intervention{
		ID:               "iv1",
		TenantID:         "t1",
		InterventionType: "notify_user",
		ActionPayload:    []byte(`{"channel":"sms","reply_to":"+100","message":"hi"}`),
	}
	res, err := d.Dispatch(context.Background(), iv)
	if err != nil {
		t.Fatal(err)
	}

	var out map[string]string
	if err := json.Unmarshal(res, &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "queued" || out["task_id"] == "" {
		t.Fatalf("unexpected dispatch result: %v", out)
	}
	if q.last == nil || q.last.Channel != "sms" || q.last.ReplyTo != "+100" {
		t.Fatalf("delivery task not enqueued correctly: %+v", q.last)
	}
	if !q.bounded {
		t.Fatal("enqueue must run under a bounded context")
	}

	// Неполный payload — ошибка до постановки задачи
	iv.ActionPayload = []byte(`{"channel":"sms"}`)
	if _, err := d.Dispatch(context.Background(), iv); err == nil {
		t.Fatal("missing reply_to must be rejected")
	}
}

type captureQueue struct {
	last    *domain.AsyncTask
	bounded bool
}

func (q *captureQueue) Enqueue(ctx context.Context, tenantID, channel, replyTo, prompt string, metadata json.RawMessage) (*domain.AsyncTask, error) {
	_, q.bounded = ctx.Deadline()
	q.last = &domain.AsyncTask{
		ID: "task-1", TenantID: tenantID, Channel: channel, ReplyTo: replyTo,
		Prompt: prompt, Metadata: metadata,
	}
	return q.last, nil
}
