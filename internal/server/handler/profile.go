package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra/auth"
)

// ProfileStore — пороги Guardian и декларированные ценности пользователя.
type ProfileStore interface {
	GetGuardianConfig(ctx context.Context, tenantID string) (domain.GuardianConfig, error)
	UpsertGuardianConfig(ctx context.Context, g domain.GuardianConfig) error
	ListUserValues(ctx context.Context, tenantID string) ([]domain.UserValue, error)
	UpsertUserValue(ctx context.Context, v domain.UserValue) error
}

type ProfileHandler struct {
	store ProfileStore
}

func NewProfileHandler(s ProfileStore) *ProfileHandler {
	return &ProfileHandler{store: s}
}

func (h *ProfileHandler) GetGuardian(w http.ResponseWriter, r *http.Request) {
	g, err := h.store.GetGuardianConfig(r.Context(), auth.TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type GuardianUpdateRequest struct {
	MaxInterventionsPerDay int     `json:"max_interventions_per_day"`
	CooldownMinutes        int     `json:"cooldown_minutes"`
	MinBenefitScore        float64 `json:"min_benefit_score"`
}

func (h *ProfileHandler) UpdateGuardian(w http.ResponseWriter, r *http.Request) {
	var req GuardianUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MaxInterventionsPerDay < 0 || req.CooldownMinutes < 0 || req.MinBenefitScore < 0 {
		http.Error(w, "thresholds must be non-negative", http.StatusBadRequest)
		return
	}

	g := domain.GuardianConfig{
		TenantID:               auth.TenantID(r.Context()),
		MaxInterventionsPerDay: req.MaxInterventionsPerDay,
		CooldownMinutes:        req.CooldownMinutes,
		MinBenefitScore:        req.MinBenefitScore,
	}
	if err := h.store.UpsertGuardianConfig(r.Context(), g); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *ProfileHandler) ListValues(w http.ResponseWriter, r *http.Request) {
	values, err := h.store.ListUserValues(r.Context(), auth.TenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, values)
}

type ValueUpsertRequest struct {
	Area        string  `json:"area"`
	Importance  float64 `json:"importance"`
	Description string  `json:"description"`
	Source      string  `json:"source"`
}

func (h *ProfileHandler) UpsertValue(w http.ResponseWriter, r *http.Request) {
	var req ValueUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Area == "" || req.Importance < 0 || req.Importance > 1 {
		http.Error(w, "area is required, importance must be within [0,1]", http.StatusBadRequest)
		return
	}

	v := domain.UserValue{
		ID:          uuid.New().String(),
		TenantID:    auth.TenantID(r.Context()),
		Area:        req.Area,
		Importance:  req.Importance,
		Description: req.Description,
		Source:      req.Source,
	}
	if err := h.store.UpsertUserValue(r.Context(), v); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
