package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2" // Используем v2 для Go 1.25
	"time"

	"github.com/xela07ax/autonomy-engine/internal/domain"
)

// MockDispatcher — заглушка внешних интеграций для дев-стенда.
type MockDispatcher struct{}

func (d *MockDispatcher) Dispatch(ctx context.Context, i *domain.Intervention) (json.RawMessage, error) {
	// Имитируем задержку интеграции 50-300мс
	latency := time.Duration(50+rand.IntN(250)) * time.Millisecond

	select {
	case <-time.After(latency):
		// Имитация работы
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	switch i.InterventionType {
	case "schedule_event":
		return []byte(`{"status": "created", "integration": "calendar", "event_id": "EV-101"}`), nil
	case "create_task":
		return []byte(`{"status": "created", "integration": "tasks", "task_id": "T-990"}`), nil
	case "log_health", "log_sleep", "log_expense":
		return []byte(`{"status": "logged"}`), nil

	case "unstable.action":
		return nil, fmt.Errorf("integration internal error")

	default:
		return nil, fmt.Errorf("intervention type %s not supported by mock", i.InterventionType)
	}
}
