package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/xela07ax/autonomy-engine/internal/audit"
)

type AuditReader interface {
	ListAuditEvents(ctx context.Context, tenantID string, limit int) ([]audit.Event, error)
}

type AuditHandler struct {
	reader AuditReader
}

func NewAuditHandler(r AuditReader) *AuditHandler {
	return &AuditHandler{reader: r}
}

// GetLogs — история действий движка. Оператор может сузить выборку
// до одного пользователя через ?tenant_id=.
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	events, err := h.reader.ListAuditEvents(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
