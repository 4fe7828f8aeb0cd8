package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra/auth"
	"github.com/xela07ax/autonomy-engine/internal/ledger"
)

// InterventionService Описываем, что нам нужно от леджера
type InterventionService interface {
	Propose(ctx context.Context, p ledger.ProposeParams) (*domain.Intervention, error)
	Approve(ctx context.Context, id, userID string) error
	Reject(ctx context.Context, id, userID, reason string) error
	RecordFeedback(ctx context.Context, id string, fb domain.UserFeedback, notes string) error
	Get(ctx context.Context, id string) (*domain.Intervention, error)
	List(ctx context.Context, tenantID string, statuses []domain.InterventionStatus, limit int) ([]domain.Intervention, error)
}

type InterventionHandler struct {
	service InterventionService
}

func NewInterventionHandler(s InterventionService) *InterventionHandler {
	return &InterventionHandler{service: s}
}

func (h *InterventionHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.TenantID(r.Context())

	var statuses []domain.InterventionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, domain.InterventionStatus(strings.TrimSpace(s)))
		}
	}

	list, err := h.service.List(r.Context(), tenantID, statuses, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *InterventionHandler) Get(w http.ResponseWriter, r *http.Request) {
	iv, ok := h.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, iv)
}

type SubmitRequest struct {
	InterventionType string          `json:"intervention_type"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	ActionPayload    json.RawMessage `json:"action_payload"`
	SourceAgent      string          `json:"source_agent"`
	TriggerReason    string          `json:"trigger_reason"`
	Priority         string          `json:"priority"`
	UrgencyScore     float64         `json:"urgency_score"`
	ActionDomain     string          `json:"action_domain"`
	EstimatedCost    float64         `json:"estimated_cost"`
	UserRequested    bool            `json:"user_requested"`
	ExpiresInSeconds int64           `json:"expires_in_seconds"`
}

// Submit — точка входа агентов: кандидатное действие попадает в леджер
// (или получает жесткий отказ, не оставив следа).
func (h *InterventionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.InterventionType == "" || req.Title == "" {
		http.Error(w, "intervention_type and title are required", http.StatusBadRequest)
		return
	}

	iv, err := h.service.Propose(r.Context(), ledger.ProposeParams{
		TenantID:         auth.TenantID(r.Context()),
		InterventionType: req.InterventionType,
		Title:            req.Title,
		Description:      req.Description,
		ActionPayload:    req.ActionPayload,
		SourceAgent:      req.SourceAgent,
		TriggerReason:    req.TriggerReason,
		Priority:         domain.InterventionPriority(req.Priority),
		UrgencyScore:     req.UrgencyScore,
		ActionDomain:     req.ActionDomain,
		EstimatedCost:    req.EstimatedCost,
		UserRequested:    req.UserRequested,
		ExpiresIn:        time.Duration(req.ExpiresInSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, iv)
}

func (h *InterventionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	iv, ok := h.owned(w, r)
	if !ok {
		return
	}

	userID := auth.UserID(r.Context())
	if err := h.service.Approve(r.Context(), iv.ID, userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

func (h *InterventionHandler) Reject(w http.ResponseWriter, r *http.Request) {
	iv, ok := h.owned(w, r)
	if !ok {
		return
	}

	var req RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	userID := auth.UserID(r.Context())
	if err := h.service.Reject(r.Context(), iv.ID, userID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type FeedbackRequest struct {
	Feedback string `json:"feedback"` // helpful / neutral / unhelpful / harmful
	Notes    string `json:"notes"`
}

func (h *InterventionHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	iv, ok := h.owned(w, r)
	if !ok {
		return
	}

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	switch domain.UserFeedback(req.Feedback) {
	case domain.FeedbackHelpful, domain.FeedbackNeutral, domain.FeedbackUnhelpful, domain.FeedbackHarmful:
	default:
		http.Error(w, "unknown feedback value", http.StatusBadRequest)
		return
	}

	if err := h.service.RecordFeedback(r.Context(), iv.ID, domain.UserFeedback(req.Feedback), req.Notes); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// owned достает интервенцию и проверяет принадлежность пользователю.
// Чужой ID неотличим от несуществующего.
func (h *InterventionHandler) owned(w http.ResponseWriter, r *http.Request) (*domain.Intervention, bool) {
	id := chi.URLParam(r, "id")

	iv, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if iv.TenantID != auth.TenantID(r.Context()) {
		http.Error(w, "not found", http.StatusNotFound)
		return nil, false
	}
	return iv, true
}

// writeError мапит доменные ошибки в HTTP статусы.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrHardDeny):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrAlreadyProcessed),
		errors.Is(err, domain.ErrAlreadyResolved),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, ledger.ErrNotTerminal):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
