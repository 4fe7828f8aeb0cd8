package domain

import (
	"errors"
	"time"
)

var ErrAlreadyResolved = errors.New("value conflict already resolved")

// UserValue — декларированный приоритет пользователя ("family", "career").
// Area уникальна в рамках пользователя.
type UserValue struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Area          string    `json:"area"`
	Importance    float64   `json:"importance"` // [0,1]
	Description   string    `json:"description,omitempty"`
	Source        string    `json:"source,omitempty"` // Откуда выведена (беседа, настройки)
	DriftDetected bool      `json:"drift_detected"`   // Поведение разошлось с заявленной важностью
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ValueConflict — неразрешенное противоречие между двумя ценностями.
// Пара неупорядочена. Резолюция терминальна и монотонна: разрешенный
// конфликт не возвращается в unresolved, новое расхождение — новая запись.
type ValueConflict struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	ValueA      string     `json:"value_a"`
	ValueB      string     `json:"value_b"`
	Description string     `json:"description"`
	Resolved    bool       `json:"resolved"`
	Resolution  string     `json:"resolution,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Involves — входит ли ценностная область в пару конфликта.
func (c *ValueConflict) Involves(area string) bool {
	return c.ValueA == area || c.ValueB == area
}
