package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/autonomy-engine/internal/audit"
)

// WriteBatch — пакетная вставка событий аудита одним запросом.
// Вызывается воркером Trail, не Hot Path'ом.
func (r *Repo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице audit_events
	numFields := 9
	placeholderStr := ""
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9)

		payload, _ := json.Marshal(e.Payload)

		vals = append(vals,
			e.ID, e.TenantID, e.Kind, e.SubjectID, e.Actor,
			payload, e.Status, e.Error, e.Timestamp,
		)
	}

	// Убираем лишнюю запятую в конце
	query := fmt.Sprintf(
		"INSERT INTO audit_events (id, tenant_id, kind, subject_id, actor, payload, status, error, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.pool.Exec(ctx, query, vals...)
	return err
}

// ListAuditEvents — история действий для операторского экрана.
func (r *Repo) ListAuditEvents(ctx context.Context, tenantID string, limit int) ([]audit.Event, error) {
	query := `SELECT id, tenant_id, kind, subject_id, actor, payload, status, error, timestamp
	          FROM audit_events`

	var args []interface{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += fmt.Sprintf(` ORDER BY timestamp DESC LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit events: %w", err)
	}
	defer rows.Close()

	results := make([]audit.Event, 0)
	for rows.Next() {
		var e audit.Event
		var payload []byte
		var errMsg sql.NullString

		if err := rows.Scan(&e.ID, &e.TenantID, &e.Kind, &e.SubjectID, &e.Actor,
			&payload, &e.Status, &errMsg, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit event: %w", err)
		}

		e.Error = errMsg.String
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &e.Payload)
		}
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}
