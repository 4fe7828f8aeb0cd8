package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/autonomy-engine/internal/audit"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra"
	"go.uber.org/zap"
)

// TaskRepository — требования очереди к хранилищу задач.
type TaskRepository interface {
	CreateTask(ctx context.Context, t *domain.AsyncTask) error
	// ClaimNextTask атомарно забирает самую старую queued-задачу
	// (queued → processing), взводит лизинг и инкрементит retry_count:
	// счетчик считает попытки, а не провалы. Пусто — domain.ErrNotFound.
	ClaimNextTask(ctx context.Context, workerID string, lease time.Duration) (*domain.AsyncTask, error)
	CompleteTask(ctx context.Context, id, result string) error
	// RequeueTask возвращает задачу в очередь на следующую попытку
	RequeueTask(ctx context.Context, id, errMsg string) error
	// FailTask — терминальный провал, ретраи исчерпаны
	FailTask(ctx context.Context, id, errMsg string) error
	// ReleaseExpiredLocks возвращает в очередь задачи умерших воркеров
	ReleaseExpiredLocks(ctx context.Context, now time.Time) (int, error)
	CountActiveTasks(ctx context.Context) (int, error)
}

// DeadLetterWriter пишет снапшот задачи, исчерпавшей ретраи.
type DeadLetterWriter interface {
	CreateDeadLetter(ctx context.Context, d *domain.DeadLetter) error
}

// Handler обрабатывает одну задачу (доставка сообщения в канал и т.п.).
type Handler interface {
	Handle(ctx context.Context, t *domain.AsyncTask) (result string, err error)
}

// HandlerFunc — адаптер для функций-обработчиков.
type HandlerFunc func(ctx context.Context, t *domain.AsyncTask) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, t *domain.AsyncTask) (string, error) {
	return f(ctx, t)
}

// Options — настройки пула воркеров очереди.
type Options struct {
	Workers       int
	MaxRetries    int
	LockLease     time.Duration
	HandleTimeout time.Duration
	PollInterval  time.Duration
}

func (o *Options) fill() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.LockLease <= 0 {
		o.LockLease = 55 * time.Second
	}
	if o.HandleTimeout <= 0 {
		o.HandleTimeout = 50 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
}

// Queue — общая асинхронная очередь платформы: fire-and-forget задачи
// с бюджетом ретраев и гарантией «провал не исчезает молча» (dead letters).
type Queue struct {
	repo    TaskRepository
	dead    DeadLetterWriter
	handler Handler
	auditor audit.Auditor
	metrics *infra.Metrics
	logger  *zap.Logger
	opts    Options

	wg sync.WaitGroup
}

func New(
	repo TaskRepository,
	dead DeadLetterWriter,
	handler Handler,
	auditor audit.Auditor,
	metrics *infra.Metrics,
	logger *zap.Logger,
	opts Options,
) *Queue {
	opts.fill()
	return &Queue{
		repo:    repo,
		dead:    dead,
		handler: handler,
		auditor: auditor,
		metrics: metrics,
		logger:  logger.Named("taskqueue"),
		opts:    opts,
	}
}

// Enqueue ставит задачу в очередь. Вызывающий получает управление сразу.
func (q *Queue) Enqueue(ctx context.Context, tenantID, channel, replyTo, prompt string, metadata json.RawMessage) (*domain.AsyncTask, error) {
	t := &domain.AsyncTask{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Channel:    channel,
		ReplyTo:    replyTo,
		Prompt:     prompt,
		Metadata:   metadata,
		Status:     domain.TaskQueued,
		MaxRetries: q.opts.MaxRetries,
		CreatedAt:  time.Now(),
	}
	if err := q.repo.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("taskqueue: enqueue: %w", err)
	}

	q.logger.Debug("task enqueued",
		zap.String("id", t.ID),
		zap.String("channel", channel))
	return t, nil
}

// Start поднимает воркеров и уборщика лизингов, блокируется до отмены контекста.
func (q *Queue) Start(ctx context.Context) {
	for n := 0; n < q.opts.Workers; n++ {
		q.wg.Add(1)
		workerID := fmt.Sprintf("queue-%d", n)
		go q.runWorker(ctx, workerID)
	}

	q.wg.Add(1)
	go q.runJanitor(ctx)

	q.logger.Info("task queue started", zap.Int("workers", q.opts.Workers))
	q.wg.Wait()
	q.logger.Info("task queue stopped")
}

func (q *Queue) runWorker(ctx context.Context, workerID string) {
	defer q.wg.Done()
	log := q.logger.With(zap.String("worker", workerID))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, err := q.repo.ClaimNextTask(ctx, workerID, q.opts.LockLease)
		if errors.Is(err, domain.ErrNotFound) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.opts.PollInterval):
			}
			continue
		}
		if err != nil {
			log.Error("task claim failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.opts.PollInterval):
			}
			continue
		}

		q.process(ctx, log, t)
	}
}

// process гоняет задачу через хендлер с жестким таймаутом.
// Таймаут короче лизинга: зависший хендлер не переживет свой лок.
func (q *Queue) process(ctx context.Context, log *zap.Logger, t *domain.AsyncTask) {
	hCtx, cancel := context.WithTimeout(ctx, q.opts.HandleTimeout)
	result, err := q.handler.Handle(hCtx, t)
	cancel()

	if err == nil {
		if cerr := q.repo.CompleteTask(ctx, t.ID, result); cerr != nil {
			log.Error("failed to complete task", zap.String("id", t.ID), zap.Error(cerr))
		}
		return
	}

	// Клейм инкрементит retry_count: текущая попытка уже учтена в t
	if t.RetryCount >= t.MaxRetries {
		q.deadLetter(ctx, log, t, err)
		return
	}

	if rerr := q.repo.RequeueTask(ctx, t.ID, err.Error()); rerr != nil {
		log.Error("failed to requeue task", zap.String("id", t.ID), zap.Error(rerr))
		return
	}
	q.metrics.TasksRequeued.Inc()
	log.Warn("task requeued",
		zap.String("id", t.ID),
		zap.Int("retry", t.RetryCount),
		zap.Error(err))
}

// deadLetter терминально закрывает задачу и кладет снапшот в dead letters.
// Снапшот обязан дойти до БД: запись обернута в ретраи, провал кричит в лог
// уровнем Error как минимум.
func (q *Queue) deadLetter(ctx context.Context, log *zap.Logger, t *domain.AsyncTask, taskErr error) {
	if ferr := q.repo.FailTask(ctx, t.ID, taskErr.Error()); ferr != nil {
		log.Error("failed to mark task failed", zap.String("id", t.ID), zap.Error(ferr))
	}

	d := &domain.DeadLetter{
		ID:             uuid.New().String(),
		OriginalTaskID: t.ID,
		TenantID:       t.TenantID,
		Channel:        t.Channel,
		ReplyTo:        t.ReplyTo,
		Prompt:         t.Prompt,
		Metadata:       t.Metadata,
		FinalError:     taskErr.Error(),
		RetryCount:     t.RetryCount,
		CreatedAt:      time.Now(),
	}

	r := retry.New(retry.Attempts(3))
	err := r.Do(func() error {
		return q.dead.CreateDeadLetter(context.WithoutCancel(ctx), d)
	})
	if err != nil {
		log.Error("DEAD LETTER WRITE FAILED, task lost",
			zap.String("task_id", t.ID),
			zap.String("final_error", taskErr.Error()),
			zap.Error(err))
		return
	}

	q.metrics.DeadLettersTotal.Inc()
	q.auditor.Log(audit.Event{
		TenantID:  t.TenantID,
		Kind:      audit.KindDeadLetter,
		SubjectID: t.ID,
		Actor:     "taskqueue",
		Status:    "FAILED",
		Error:     taskErr.Error(),
		Payload:   map[string]interface{}{"dead_letter_id": d.ID, "retries": t.RetryCount},
	})

	log.Error("task dead-lettered",
		zap.String("id", t.ID),
		zap.String("dead_letter_id", d.ID),
		zap.Error(taskErr))
}

// runJanitor возвращает в очередь задачи с протухшим лизингом и держит
// актуальной метрику глубины очереди.
func (q *Queue) runJanitor(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.opts.LockLease / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := q.repo.ReleaseExpiredLocks(ctx, time.Now())
			if err != nil {
				q.logger.Error("failed to release expired locks", zap.Error(err))
			} else if released > 0 {
				q.logger.Warn("released expired task locks", zap.Int("count", released))
			}

			if depth, err := q.repo.CountActiveTasks(ctx); err == nil {
				q.metrics.QueueDepth.Set(float64(depth))
			}
		}
	}
}
