package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra/auth"
)

type ConflictService interface {
	RegisterConflict(ctx context.Context, tenantID, valueA, valueB, description string) (*domain.ValueConflict, error)
	Resolve(ctx context.Context, conflictID, tenantID, resolution string) error
	List(ctx context.Context, tenantID string, resolvedToo bool) ([]domain.ValueConflict, error)
}

type ConflictHandler struct {
	service ConflictService
}

func NewConflictHandler(s ConflictService) *ConflictHandler {
	return &ConflictHandler{service: s}
}

func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	// По умолчанию показываем только открытые: их ждет решение пользователя
	resolvedToo := r.URL.Query().Get("resolved") == "true"

	list, err := h.service.List(r.Context(), auth.TenantID(r.Context()), resolvedToo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type RegisterConflictRequest struct {
	ValueA      string `json:"value_a"`
	ValueB      string `json:"value_b"`
	Description string `json:"description"`
}

func (h *ConflictHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ValueA == "" || req.ValueB == "" || req.ValueA == req.ValueB {
		http.Error(w, "value_a and value_b must be two different areas", http.StatusBadRequest)
		return
	}

	c, err := h.service.RegisterConflict(r.Context(), auth.TenantID(r.Context()), req.ValueA, req.ValueB, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type ResolveConflictRequest struct {
	Resolution string `json:"resolution"`
}

func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Resolution == "" {
		http.Error(w, "resolution is required", http.StatusBadRequest)
		return
	}

	if err := h.service.Resolve(r.Context(), id, auth.TenantID(r.Context()), req.Resolution); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
