package audit

import "time"

// Виды событий аудита движка автономии
const (
	KindAuthDecision = "auth_decision" // Исход авторизации кандидатного действия
	KindTransition   = "transition"    // Переход статуса интервенции
	KindExecution    = "execution"     // Факт диспетчеризации действия
	KindDeadLetter   = "dead_letter"   // Задача исчерпала ретраи
	KindOperator     = "operator"      // Ручное действие оператора (retry/discard)
)

type Event struct {
	ID        string `json:"id"`         // UUID события
	TenantID  string `json:"tenant_id"`  // Чей контур автономии
	Kind      string `json:"kind"`       // Вид события (см. константы)
	SubjectID string `json:"subject_id"` // ID интервенции, задачи или гранта
	Actor     string `json:"actor"`      // Кто инициировал: user id, auto_* маркер, имя агента

	Payload map[string]interface{} `json:"payload"` // Детали, специфичные для вида

	// Результат
	Status     string    `json:"status"` // "SUCCESS", "FAILED", "DENIED"
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}
