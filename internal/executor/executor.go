package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/autonomy-engine/internal/audit"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra"
	"go.uber.org/zap"
)

// ExecutionRepository — требования исполнителя к хранилищу интервенций.
type ExecutionRepository interface {
	// ClaimNext атомарно забирает самую старую approved-интервенцию
	// (approved → executing). Пустая очередь — domain.ErrNotFound.
	ClaimNext(ctx context.Context, workerID string) (*domain.Intervention, error)
	MarkCompleted(ctx context.Context, id string, executedAt time.Time, durationMs int64) error
	MarkFailed(ctx context.Context, id string, executedAt time.Time, durationMs int64, dispatchErr string) error
}

// GrantCounters двигает счетчики использования грантов по факту исполнения.
// Журнал — атрибуция и история; суточные лимиты резервирует Redis еще при
// авторизации.
type GrantCounters interface {
	RegisterGrantUse(ctx context.Context, grantID string, at time.Time) error
	RegisterGrantError(ctx context.Context, grantID string, at time.Time) error
}

// Executor — пул воркеров, разгребающих approved-интервенции.
// Каждый воркер крутит цикл claim → dispatch → record; координация между
// инстансами целиком на условных UPDATE в Postgres.
type Executor struct {
	repo     ExecutionRepository
	grants   GrantCounters
	registry *Registry
	rdb      *redis.Client
	auditor  audit.Auditor
	metrics  *infra.Metrics
	logger   *zap.Logger

	workers       int
	claimInterval time.Duration

	wake chan struct{}
	wg   sync.WaitGroup
}

func New(
	repo ExecutionRepository,
	grants GrantCounters,
	registry *Registry,
	rdb *redis.Client,
	auditor audit.Auditor,
	metrics *infra.Metrics,
	logger *zap.Logger,
	workers int,
	claimInterval time.Duration,
) *Executor {
	if workers <= 0 {
		workers = 4
	}
	if claimInterval <= 0 {
		claimInterval = 2 * time.Second
	}
	return &Executor{
		repo:          repo,
		grants:        grants,
		registry:      registry,
		rdb:           rdb,
		auditor:       auditor,
		metrics:       metrics,
		logger:        logger.Named("executor"),
		workers:       workers,
		claimInterval: claimInterval,
		wake:          make(chan struct{}, 1),
	}
}

// Start поднимает воркеров и слушателя сигналов одобрения.
// Блокируется Wait'ом — запускать в отдельной горутине или через errgroup.
func (e *Executor) Start(ctx context.Context) {
	for n := 0; n < e.workers; n++ {
		e.wg.Add(1)
		workerID := fmt.Sprintf("executor-%d", n)
		go e.runWorker(ctx, workerID)
	}

	// Сигнал из Redis сокращает паузу между одобрением и исполнением:
	// без него воркеры все равно доберутся до строки на следующем poll-тике
	go e.listenDecisions(ctx)

	e.logger.Info("executor started", zap.Int("workers", e.workers))
	e.wg.Wait()
	e.logger.Info("executor stopped")
}

func (e *Executor) runWorker(ctx context.Context, workerID string) {
	defer e.wg.Done()
	log := e.logger.With(zap.String("worker", workerID))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		iv, err := e.repo.ClaimNext(ctx, workerID)
		if errors.Is(err, domain.ErrNotFound) {
			// Пусто: спим до тика или до сигнала одобрения
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.claimInterval):
			case <-e.wake:
			}
			continue
		}
		if err != nil {
			log.Error("claim failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.claimInterval):
			}
			continue
		}

		e.execute(ctx, log, iv)
	}
}

// execute проводит одну интервенцию из executing в терминальный статус.
// Клейм уже наш: что бы ни случилось дальше, строка обязана дойти до
// completed или failed.
func (e *Executor) execute(ctx context.Context, log *zap.Logger, iv *domain.Intervention) {
	start := time.Now()

	d, ok := e.registry.For(iv.InterventionType)
	if !ok {
		e.recordFailure(ctx, log, iv, start, fmt.Errorf("no dispatcher for type %q", iv.InterventionType))
		return
	}

	result, err := d.Dispatch(ctx, iv)
	if err != nil {
		e.recordFailure(ctx, log, iv, start, err)
		return
	}

	executedAt := time.Now()
	durationMs := executedAt.Sub(start).Milliseconds()

	if err := e.repo.MarkCompleted(ctx, iv.ID, executedAt, durationMs); err != nil {
		log.Error("failed to mark intervention completed", zap.String("id", iv.ID), zap.Error(err))
		return
	}

	if iv.GrantID != nil {
		if err := e.grants.RegisterGrantUse(ctx, *iv.GrantID, executedAt); err != nil {
			log.Error("failed to register grant use", zap.String("grant_id", *iv.GrantID), zap.Error(err))
		}
	}

	e.metrics.InterventionOutcomes.WithLabelValues(string(domain.StatusCompleted)).Inc()
	e.metrics.DispatchDuration.WithLabelValues(iv.InterventionType, "success").Observe(float64(durationMs) / 1000)

	e.auditor.Log(audit.Event{
		TenantID:   iv.TenantID,
		Kind:       audit.KindExecution,
		SubjectID:  iv.ID,
		Actor:      approver(iv),
		Status:     "SUCCESS",
		DurationMs: durationMs,
		Payload: map[string]interface{}{
			"type":   iv.InterventionType,
			"result": json.RawMessage(result),
		},
	})

	log.Info("intervention executed",
		zap.String("id", iv.ID),
		zap.String("type", iv.InterventionType),
		zap.Int64("duration_ms", durationMs))
}

func (e *Executor) recordFailure(ctx context.Context, log *zap.Logger, iv *domain.Intervention, start time.Time, dispatchErr error) {
	executedAt := time.Now()
	durationMs := executedAt.Sub(start).Milliseconds()

	if err := e.repo.MarkFailed(ctx, iv.ID, executedAt, durationMs, dispatchErr.Error()); err != nil {
		log.Error("failed to mark intervention failed", zap.String("id", iv.ID), zap.Error(err))
	}

	if iv.GrantID != nil {
		if err := e.grants.RegisterGrantError(ctx, *iv.GrantID, executedAt); err != nil {
			log.Error("failed to register grant error", zap.String("grant_id", *iv.GrantID), zap.Error(err))
		}
	}

	e.metrics.InterventionOutcomes.WithLabelValues(string(domain.StatusFailed)).Inc()
	e.metrics.DispatchDuration.WithLabelValues(iv.InterventionType, "failure").Observe(float64(durationMs) / 1000)

	e.auditor.Log(audit.Event{
		TenantID:   iv.TenantID,
		Kind:       audit.KindExecution,
		SubjectID:  iv.ID,
		Actor:      approver(iv),
		Status:     "FAILED",
		Error:      dispatchErr.Error(),
		DurationMs: durationMs,
		Payload:    map[string]interface{}{"type": iv.InterventionType},
	})

	log.Warn("intervention dispatch failed",
		zap.String("id", iv.ID),
		zap.String("type", iv.InterventionType),
		zap.Error(dispatchErr))
}

// listenDecisions — «живучая» подписка на канал одобрений.
func (e *Executor) listenDecisions(ctx context.Context) {
	for {
		pubsub := e.rdb.Subscribe(ctx, infra.RedisChanDecisions)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			e.logger.Error("failed to subscribe", zap.String("chan", infra.RedisChanDecisions), zap.Error(err))
			pubsub.Close()
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case _, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				// Неблокирующий толчок: одного сигнала достаточно
				select {
				case e.wake <- struct{}{}:
				default:
				}
			}
		}

		pubsub.Close()
		time.Sleep(time.Second)
	}
}

func approver(iv *domain.Intervention) string {
	if iv.ApprovedBy != nil {
		return *iv.ApprovedBy
	}
	return ""
}
