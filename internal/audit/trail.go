package audit

/*
Файл trail.go реализует Audit Trail движка автономии — неблокирующий сбор
и персистентность событий (решения авторизации, переходы леджера, исполнения).

Ключевые особенности архитектуры:
- Non-blocking Logging: события уходят в буферизованный канал, Hot Path
  авторизации не ждет запись в БД.
- Batching & Efficiency: накопление в памяти и пакетная запись (Bulk Insert)
  в PostgreSQL по таймеру или при достижении лимита.
- Drain Pattern & Graceful Shutdown: при остановке буфер вычитывается до конца,
  финальный flush гарантирует отсутствие потерь при перезагрузке.
- Reliability: flush обернут в ретраи с экспоненциальным бэкоффом, чтобы
  пережить кратковременный сбой БД без потери пачки.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/autonomy-engine/internal/infra"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

type Auditor interface {
	Log(event Event)
}

type Trail struct {
	ch      chan Event
	repo    StorageInterface
	logger  *zap.Logger
	metrics *infra.Metrics
	wg      sync.WaitGroup

	flushEvery time.Duration

	// Атомарный флаг (0 - открыт, 1 - закрыт): защита от Log после остановки
	isClosed int32
}

func NewTrail(repo StorageInterface, metrics *infra.Metrics, logger *zap.Logger, bufferSize int, flushEvery time.Duration) *Trail {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	if flushEvery <= 0 {
		flushEvery = 500 * time.Millisecond
	}
	return &Trail{
		ch:         make(chan Event, bufferSize),
		repo:       repo,
		logger:     logger.With(zap.String("mod", "audit-trail")),
		metrics:    metrics,
		flushEvery: flushEvery,
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	atomic.StoreInt32(&t.isClosed, 1)

	// Крошечная пауза, чтобы текущие Log успели проскочить
	time.Sleep(10 * time.Millisecond)

	t.logger.Info("stopping audit trail: closing channel and flushing buffer...")
	close(t.ch) // Новые события больше не принимаются
	t.wg.Wait() // Воркер вычитает остатки и сделает финальный flush
	t.logger.Info("audit trail stopped gracefully")
}

func (t *Trail) Log(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&t.isClosed) == 1 {
		t.logger.Warn("audit event dropped: trail is stopping", zap.String("id", event.ID))
		return
	}

	// Load Shedding: при переполнении буфера событие уходит хотя бы в лог
	select {
	case t.ch <- event:
		t.metrics.AuditBufferFill.Set(float64(len(t.ch)))
	default:
		t.logger.Error("audit_buffer_overflow",
			zap.String("tenant_id", event.TenantID),
			zap.String("kind", event.Kind),
			zap.String("subject_id", event.SubjectID),
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]Event, 0, 100)
	ticker := time.NewTicker(t.flushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст на shutdown уже может быть закрыт,
		// а финальная пачка обязана дойти до БД
		r := retry.New(retry.Attempts(3))
		err := r.Do(func() error {
			return t.repo.WriteBatch(context.Background(), batch)
		})
		if err != nil {
			t.logger.Error("audit flush failed", zap.Error(err), zap.Int("events", len(batch)))
		}
		batch = batch[:0]
		t.metrics.AuditBufferFill.Set(float64(len(t.ch)))
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитали всё, финальный сброс и выход
				flush()
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
