package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/autonomy-engine/internal/domain"
)

// Dispatcher исполняет одно действие одного типа интервенции.
// Движку результат опак: он уходит в аудит, интерпретирует его агент.
type Dispatcher interface {
	Dispatch(ctx context.Context, i *domain.Intervention) (json.RawMessage, error)
}

// Registry — таблица диспетчеров по типу интервенции.
// Регистрация идет при сборке процесса, в рантайме только чтение.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Dispatcher
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Dispatcher)}
}

func (r *Registry) Register(interventionType string, d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[interventionType] = d
}

func (r *Registry) For(interventionType string) (Dispatcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.m[interventionType]
	return d, ok
}

// TaskEnqueuer — постановка фоновой задачи (реализует taskqueue.Queue).
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, tenantID, channel, replyTo, prompt string, metadata json.RawMessage) (*domain.AsyncTask, error)
}

// notifyPayload — контракт action_payload для доставки сообщений
type notifyPayload struct {
	Channel string `json:"channel"`
	ReplyTo string `json:"reply_to"`
	Message string `json:"message"`
}

// notifyEnqueueTimeout ограничивает постановку задачи доставки: у каждого
// Dispatch-пути движка есть верхняя граница времени
const notifyEnqueueTimeout = 5 * time.Second

// NotifyDispatcher доставляет сообщение пользователю через асинхронную
// очередь: интервенция считается исполненной в момент постановки задачи,
// дальше надежность обеспечивают ретраи очереди и dead letters.
type NotifyDispatcher struct {
	queue   TaskEnqueuer
	timeout time.Duration
}

func NewNotifyDispatcher(queue TaskEnqueuer) *NotifyDispatcher {
	return &NotifyDispatcher{queue: queue, timeout: notifyEnqueueTimeout}
}

func (d *NotifyDispatcher) Dispatch(ctx context.Context, i *domain.Intervention) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var p notifyPayload
	if err := json.Unmarshal(i.ActionPayload, &p); err != nil {
		return nil, fmt.Errorf("notify: malformed payload: %w", err)
	}
	if p.Channel == "" || p.ReplyTo == "" {
		return nil, fmt.Errorf("notify: channel and reply_to are required")
	}

	task, err := d.queue.Enqueue(ctx, i.TenantID, p.Channel, p.ReplyTo, p.Message, i.ActionPayload)
	if err != nil {
		return nil, fmt.Errorf("notify: enqueue delivery: %w", err)
	}

	return json.Marshal(map[string]string{"status": "queued", "task_id": task.ID})
}
