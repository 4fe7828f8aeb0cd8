package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra/auth"
	"github.com/xela07ax/autonomy-engine/internal/server/service"
)

type GrantManager interface {
	ListByCategory(ctx context.Context, tenantID string) (map[domain.PermissionCategory][]domain.PermissionGrant, error)
	Create(ctx context.Context, tenantID string, p service.CreateGrantParams) (*domain.PermissionGrant, error)
	Revoke(ctx context.Context, id, tenantID string) error
}

type GrantHandler struct {
	service GrantManager
}

func NewGrantHandler(s GrantManager) *GrantHandler {
	return &GrantHandler{service: s}
}

func (h *GrantHandler) List(w http.ResponseWriter, r *http.Request) {
	grouped, err := h.service.ListByCategory(r.Context(), auth.TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grouped)
}

func (h *GrantHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateGrantParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	g, err := h.service.Create(r.Context(), auth.TenantID(r.Context()), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *GrantHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.Revoke(r.Context(), id, auth.TenantID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
