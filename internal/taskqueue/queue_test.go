package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xela07ax/autonomy-engine/internal/audit"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra"
	"go.uber.org/zap"
)

// memTaskStore — память с семантикой боевого хранилища: клейм инкрементит
// retry_count, терминальные апдейты условные.
type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.AsyncTask
	dead  map[string]*domain.DeadLetter

	failDeadLetters int // Сколько первых записей в dead letters провалить
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{
		tasks: make(map[string]*domain.AsyncTask),
		dead:  make(map[string]*domain.DeadLetter),
	}
}

func (s *memTaskStore) CreateTask(_ context.Context, t *domain.AsyncTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *memTaskStore) ClaimNextTask(_ context.Context, workerID string, lease time.Duration) (*domain.AsyncTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *domain.AsyncTask
	for _, t := range s.tasks {
		if t.Status != domain.TaskQueued {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, domain.ErrNotFound
	}
	oldest.Status = domain.TaskProcessing
	oldest.RetryCount++
	oldest.LockedBy = workerID
	until := time.Now().Add(lease)
	oldest.LockedUntil = &until
	cp := *oldest
	return &cp, nil
}

func (s *memTaskStore) CompleteTask(_ context.Context, id, result string) error {
	return s.finish(id, domain.TaskCompleted, result, "")
}

func (s *memTaskStore) RequeueTask(_ context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status != domain.TaskProcessing {
		return domain.ErrAlreadyProcessed
	}
	t.Status = domain.TaskQueued
	t.Error = errMsg
	t.LockedUntil = nil
	t.LockedBy = ""
	return nil
}

func (s *memTaskStore) FailTask(_ context.Context, id, errMsg string) error {
	return s.finish(id, domain.TaskFailed, "", errMsg)
}

func (s *memTaskStore) finish(id string, to domain.TaskStatus, result, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status != domain.TaskProcessing {
		return domain.ErrAlreadyProcessed
	}
	t.Status = to
	t.Result = result
	t.Error = errMsg
	return nil
}

func (s *memTaskStore) ReleaseExpiredLocks(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for _, t := range s.tasks {
		if t.Status == domain.TaskProcessing && t.LockedUntil != nil && t.LockedUntil.Before(now) {
			t.Status = domain.TaskQueued
			t.LockedUntil = nil
			t.LockedBy = ""
			released++
		}
	}
	return released, nil
}

func (s *memTaskStore) CountActiveTasks(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == domain.TaskQueued || t.Status == domain.TaskProcessing {
			n++
		}
	}
	return n, nil
}

func (s *memTaskStore) CreateDeadLetter(_ context.Context, d *domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDeadLetters > 0 {
		s.failDeadLetters--
		return errors.New("storage unavailable")
	}
	cp := *d
	s.dead[d.ID] = &cp
	return nil
}

func (s *memTaskStore) GetDeadLetter(_ context.Context, id string) (*domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dead[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *memTaskStore) ListUnreviewed(_ context.Context, _ int) ([]domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeadLetter
	for _, d := range s.dead {
		if d.ReviewedAt == nil {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *memTaskStore) MarkReviewed(_ context.Context, id string, res domain.DeadLetterResolution, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dead[id]
	if !ok {
		return domain.ErrNotFound
	}
	if d.ReviewedAt != nil {
		return domain.ErrAlreadyProcessed
	}
	d.ReviewedAt = &at
	d.Resolution = &res
	return nil
}

func (s *memTaskStore) DeadLetterStats(_ context.Context, since time.Time) (domain.DeadLetterStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st domain.DeadLetterStats
	for _, d := range s.dead {
		if d.ReviewedAt == nil {
			st.Unreviewed++
		}
		if d.CreatedAt.After(since) {
			st.CreatedLast++
		}
	}
	return st, nil
}

type nopAuditor struct{}

func (nopAuditor) Log(audit.Event) {}

func newTestQueue(store *memTaskStore, h Handler) *Queue {
	return New(store, store, h, nopAuditor{},
		infra.NewMetrics(prometheus.NewRegistry()), zap.NewNop(),
		Options{Workers: 1, MaxRetries: 2, PollInterval: 10 * time.Millisecond})
}

var echoHandler = HandlerFunc(func(_ context.Context, _ *domain.AsyncTask) (string, error) {
	return "done", nil
})

func TestProcessSuccess(t *testing.T) {
	store := newMemTaskStore()
	q := newTestQueue(store, echoHandler)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "t1", "sms", "+100", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}

	claimed, err := store.ClaimNextTask(ctx, "w1", q.opts.LockLease)
	if err != nil {
		t.Fatal(err)
	}
	q.process(ctx, zap.NewNop(), claimed)

	got := store.tasks[task.ID]
	if got.Status != domain.TaskCompleted || got.Result != "done" {
		t.Fatalf("expected completed task, got %+v", got)
	}
}

func TestProcessRetriesThenDeadLetters(t *testing.T) {
	store := newMemTaskStore()
	boom := errors.New("channel down")
	q := newTestQueue(store, HandlerFunc(func(context.Context, *domain.AsyncTask) (string, error) {
		return "", boom
	}))
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "t1", "sms", "+100", "hello", []byte(`{"k":"v"}`))
	if err != nil {
		t.Fatal(err)
	}

	// Попытка 1: провал ниже бюджета — задача возвращается в очередь
	claimed, _ := store.ClaimNextTask(ctx, "w1", q.opts.LockLease)
	q.process(ctx, zap.NewNop(), claimed)
	if store.tasks[task.ID].Status != domain.TaskQueued {
		t.Fatalf("attempt below budget must requeue, got %s", store.tasks[task.ID].Status)
	}

	// Попытка 2 (= MaxRetries): терминальный провал и снапшот в dead letters
	claimed, _ = store.ClaimNextTask(ctx, "w1", q.opts.LockLease)
	q.process(ctx, zap.NewNop(), claimed)
	if store.tasks[task.ID].Status != domain.TaskFailed {
		t.Fatalf("exhausted budget must fail terminally, got %s", store.tasks[task.ID].Status)
	}

	if len(store.dead) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(store.dead))
	}
	for _, d := range store.dead {
		// Снапшот полон: задачу можно пересоздать без исходной строки
		if d.OriginalTaskID != task.ID || d.Channel != "sms" || d.ReplyTo != "+100" ||
			d.Prompt != "hello" || string(d.Metadata) != `{"k":"v"}` {
			t.Fatalf("dead letter snapshot incomplete: %+v", d)
		}
		if d.FinalError != boom.Error() || d.RetryCount != 2 {
			t.Fatalf("dead letter provenance wrong: %+v", d)
		}
	}
}

func TestDeadLetterWriteRetried(t *testing.T) {
	store := newMemTaskStore()
	store.failDeadLetters = 2 // Первые две записи падают, третья проходит
	q := newTestQueue(store, HandlerFunc(func(context.Context, *domain.AsyncTask) (string, error) {
		return "", errors.New("boom")
	}))
	ctx := context.Background()

	task, _ := q.Enqueue(ctx, "t1", "sms", "+100", "x", nil)
	for i := 0; i < 2; i++ {
		claimed, _ := store.ClaimNextTask(ctx, "w1", q.opts.LockLease)
		q.process(ctx, zap.NewNop(), claimed)
	}

	if len(store.dead) != 1 {
		t.Fatalf("dead letter write must survive transient storage failures, got %d", len(store.dead))
	}
	if store.tasks[task.ID].Status != domain.TaskFailed {
		t.Fatalf("task must stay terminal, got %s", store.tasks[task.ID].Status)
	}
}

func TestJanitorReleasesExpiredLocks(t *testing.T) {
	store := newMemTaskStore()
	q := newTestQueue(store, echoHandler)
	ctx := context.Background()

	task, _ := q.Enqueue(ctx, "t1", "sms", "+100", "x", nil)
	if _, err := store.ClaimNextTask(ctx, "w-dead", time.Millisecond); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	released, err := store.ReleaseExpiredLocks(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if released != 1 {
		t.Fatalf("expected one released lock, got %d", released)
	}
	if store.tasks[task.ID].Status != domain.TaskQueued {
		t.Fatalf("released task must be claimable again, got %s", store.tasks[task.ID].Status)
	}
	// Попытка умершего воркера учтена: бюджет ретраев не резиновый
	if store.tasks[task.ID].RetryCount != 1 {
		t.Fatalf("claim attempt must stay counted, got %d", store.tasks[task.ID].RetryCount)
	}
}

func TestDeadLetterRetryCreatesNewTask(t *testing.T) {
	store := newMemTaskStore()
	q := newTestQueue(store, echoHandler)
	svc := NewDeadLetters(store, q, nopAuditor{}, zap.NewNop())
	ctx := context.Background()

	d := &domain.DeadLetter{
		ID: uuid.New().String(), OriginalTaskID: "old-task", TenantID: "t1",
		Channel: "sms", ReplyTo: "+100", Prompt: "hello", FinalError: "boom",
		RetryCount: 3, CreatedAt: time.Now(),
	}
	store.dead[d.ID] = d

	task, err := svc.Retry(ctx, d.ID, "op1")
	if err != nil {
		t.Fatal(err)
	}
	if task.ID == d.OriginalTaskID {
		t.Fatal("retry must create a new task, not resurrect the old one")
	}
	if task.Channel != "sms" || task.ReplyTo != "+100" || task.Prompt != "hello" {
		t.Fatalf("new task must carry the snapshot, got %+v", task)
	}
	if task.RetryCount != 0 {
		t.Fatal("new task starts with a fresh retry budget")
	}

	// Второй оператор не породит вторую задачу
	if _, err := svc.Retry(ctx, d.ID, "op2"); !errors.Is(err, domain.ErrAlreadyProcessed) {
		t.Fatalf("double retry expected ErrAlreadyProcessed, got %v", err)
	}
	if len(store.tasks) != 1 {
		t.Fatalf("expected exactly one new task, got %d", len(store.tasks))
	}
}

func TestDeadLetterDiscard(t *testing.T) {
	store := newMemTaskStore()
	q := newTestQueue(store, echoHandler)
	svc := NewDeadLetters(store, q, nopAuditor{}, zap.NewNop())
	ctx := context.Background()

	d := &domain.DeadLetter{ID: uuid.New().String(), TenantID: "t1", CreatedAt: time.Now()}
	store.dead[d.ID] = d

	if err := svc.Discard(ctx, d.ID, "op1"); err != nil {
		t.Fatal(err)
	}
	got := store.dead[d.ID]
	if got.ReviewedAt == nil || got.Resolution == nil || *got.Resolution != domain.ResolutionDiscarded {
		t.Fatalf("discard must mark the snapshot reviewed: %+v", got)
	}

	unreviewed, _ := svc.ListUnreviewed(ctx, 0)
	if len(unreviewed) != 0 {
		t.Fatalf("discarded snapshot must leave the review queue, got %d", len(unreviewed))
	}
}
