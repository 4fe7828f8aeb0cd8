package domain

import (
	"encoding/json"
	"time"
)

// Статусы задач общей асинхронной очереди
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed" // Терминальный: ретраи исчерпаны, снапшот ушел в dead letters
)

// AsyncTask — единица fire-and-forget работы с бюджетом ретраев.
// Не только интервенции: любая фоновая работа платформы идет через очередь.
type AsyncTask struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenant_id"`
	Channel  string          `json:"channel"`  // Канал доставки результата (sms, email, web_chat)
	ReplyTo  string          `json:"reply_to"` // Адресат результата
	Prompt   string          `json:"prompt"`   // Дескриптор работы
	Metadata json.RawMessage `json:"metadata,omitempty"`

	Status     TaskStatus `json:"status"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`

	// Лизинг воркера: защита от зависших обработчиков
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	LockedBy    string     `json:"locked_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type DeadLetterResolution string

const (
	ResolutionRetried   DeadLetterResolution = "retried"
	ResolutionDiscarded DeadLetterResolution = "discarded"
)

// DeadLetter — снапшот задачи на момент исчерпания ретраев.
// Задача и её dead letter взаимоисключающи: после дед-леттеринга исходная
// строка терминальна, Retry создает НОВУЮ задачу (чистый provenance).
type DeadLetter struct {
	ID             string          `json:"id"`
	OriginalTaskID string          `json:"original_task_id"`
	TenantID       string          `json:"tenant_id"`
	Channel        string          `json:"channel"`
	ReplyTo        string          `json:"reply_to"`
	Prompt         string          `json:"prompt"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	FinalError     string          `json:"final_error"`
	RetryCount     int             `json:"retry_count"`
	CreatedAt      time.Time       `json:"created_at"`

	ReviewedAt *time.Time            `json:"reviewed_at,omitempty"`
	Resolution *DeadLetterResolution `json:"resolution,omitempty"`
}

// DeadLetterStats — операторская сводка для мониторинга.
type DeadLetterStats struct {
	Unreviewed  int `json:"unreviewed"`
	CreatedLast int `json:"created_last_24h"`
}
