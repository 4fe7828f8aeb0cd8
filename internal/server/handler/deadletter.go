package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra/auth"
)

// DeadLetterService Описываем, что нам нужно от операторского сервиса
type DeadLetterService interface {
	ListUnreviewed(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	Retry(ctx context.Context, id, operatorID string) (*domain.AsyncTask, error)
	Discard(ctx context.Context, id, operatorID string) error
	Stats(ctx context.Context) (domain.DeadLetterStats, error)
}

type DeadLetterHandler struct {
	service DeadLetterService
}

func NewDeadLetterHandler(s DeadLetterService) *DeadLetterHandler {
	return &DeadLetterHandler{service: s}
}

func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := h.service.ListUnreviewed(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *DeadLetterHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := h.service.Retry(r.Context(), id, auth.UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *DeadLetterHandler) Discard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.Discard(r.Context(), id, auth.UserID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DeadLetterHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
