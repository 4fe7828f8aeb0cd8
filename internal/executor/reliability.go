package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra"
	"golang.org/x/time/rate"
)

// ProtectedDispatcher оборачивает диспетчер предохранителем, лимитером
// и жестким таймаутом на вызов. Ретраев внутри нет намеренно: внешнее
// действие не обязано быть идемпотентным, повтор решает человек через
// новую интервенцию.
type ProtectedDispatcher struct {
	next    Dispatcher
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
}

// ReliabilityOptions — пороги защиты, приходят из EngineConfig.
type ReliabilityOptions struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration // Время, через которое CB попробует "закрыться"
	Rate        float64
	Burst       int
	CallTimeout time.Duration
}

func NewProtectedDispatcher(next Dispatcher, opts ReliabilityOptions, metrics *infra.Metrics) *ProtectedDispatcher {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: opts.MaxRequests,
		Interval:    opts.Interval,
		Timeout:     opts.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			v := 0.0
			if to == gobreaker.StateOpen {
				v = 1.0
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
		},
	})

	limiter := rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst)

	return &ProtectedDispatcher{
		next:    next,
		cb:      cb,
		limiter: limiter,
		timeout: opts.CallTimeout,
	}
}

func (w *ProtectedDispatcher) Dispatch(ctx context.Context, i *domain.Intervention) (json.RawMessage, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker + таймаут: зависший вызов эквивалентен провалу
	cbResult, err := w.cb.Execute(func() (interface{}, error) {
		tCtx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()

		return w.next.Dispatch(tCtx, i)
	})
	if err != nil {
		return nil, err
	}

	return cbResult.(json.RawMessage), nil
}
