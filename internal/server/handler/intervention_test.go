package handler_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra/auth"
	"github.com/xela07ax/autonomy-engine/internal/ledger"
	"github.com/xela07ax/autonomy-engine/internal/server/handler"
	"go.uber.org/zap"
)

// tokenValidator мапит тестовый токен на claims напрямую, без JWT.
type tokenValidator struct{}

func (tokenValidator) VerifyToken(tokenStr string) (*domain.CustomClaims, error) {
	tenant := strings.TrimPrefix(tokenStr, "token-")
	if tenant == tokenStr {
		return nil, fmt.Errorf("bad token")
	}
	return &domain.CustomClaims{
		UserID:   "user-" + tenant,
		TenantID: tenant,
		Scopes:   map[string]bool{"consent": true},
	}, nil
}

type fakeInterventionService struct {
	items map[string]*domain.Intervention
}

func (f *fakeInterventionService) Propose(_ context.Context, p ledger.ProposeParams) (*domain.Intervention, error) {
	if p.InterventionType == "forbidden:action" {
		return nil, domain.ErrHardDeny
	}
	iv := &domain.Intervention{
		ID: "iv-new", TenantID: p.TenantID, InterventionType: p.InterventionType,
		Title: p.Title, Status: domain.StatusProposed,
	}
	f.items[iv.ID] = iv
	return iv, nil
}

func (f *fakeInterventionService) Approve(_ context.Context, id, userID string) error {
	iv, ok := f.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if iv.Status != domain.StatusProposed {
		return domain.ErrAlreadyProcessed
	}
	iv.Status = domain.StatusApproved
	iv.ApprovedBy = &userID
	return nil
}

func (f *fakeInterventionService) Reject(_ context.Context, id, _, reason string) error {
	iv, ok := f.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if iv.Status != domain.StatusProposed {
		return domain.ErrAlreadyProcessed
	}
	iv.Status = domain.StatusRejected
	iv.RejectionReason = &reason
	return nil
}

func (f *fakeInterventionService) RecordFeedback(_ context.Context, id string, fb domain.UserFeedback, notes string) error {
	iv, ok := f.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !iv.Terminal() {
		return ledger.ErrNotTerminal
	}
	iv.UserFeedback = &fb
	iv.FeedbackNotes = notes
	return nil
}

func (f *fakeInterventionService) Get(_ context.Context, id string) (*domain.Intervention, error) {
	iv, ok := f.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return iv, nil
}

func (f *fakeInterventionService) List(_ context.Context, tenantID string, _ []domain.InterventionStatus, _ int) ([]domain.Intervention, error) {
	var out []domain.Intervention
	for _, iv := range f.items {
		if iv.TenantID == tenantID {
			out = append(out, *iv)
		}
	}
	return out, nil
}

func newTestRouter(svc *fakeInterventionService) http.Handler {
	h := handler.NewInterventionHandler(svc)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(tokenValidator{}, zap.NewNop()))
		r.Route("/v1/interventions", func(r chi.Router) {
			r.Get("/", h.List)
			r.Post("/", h.Submit)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Get)
				r.Post("/approve", h.Approve)
				r.Post("/reject", h.Reject)
				r.Post("/feedback", h.Feedback)
			})
		})
	})
	return r
}

func do(t *testing.T, router http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestInterventionTenantIsolation(t *testing.T) {
	svc := &fakeInterventionService{items: map[string]*domain.Intervention{
		"iv1": {ID: "iv1", TenantID: "t1", Status: domain.StatusProposed},
	}}
	router := newTestRouter(svc)

	// Владелец видит интервенцию
	rec := do(t, router, http.MethodGet, "/v1/interventions/iv1", "token-t1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("owner expected 200, got %d", rec.Code)
	}

	// Чужой ID неотличим от несуществующего
	rec = do(t, router, http.MethodGet, "/v1/interventions/iv1", "token-t2", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign tenant expected 404, got %d", rec.Code)
	}

	// Чужой approve тоже 404, состояние не тронуто
	rec = do(t, router, http.MethodPost, "/v1/interventions/iv1/approve", "token-t2", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign approve expected 404, got %d", rec.Code)
	}
	if svc.items["iv1"].Status != domain.StatusProposed {
		t.Fatal("foreign approve must not change state")
	}

	// Без токена — 401
	rec = do(t, router, http.MethodGet, "/v1/interventions/iv1", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token expected 401, got %d", rec.Code)
	}
}

func TestInterventionErrorMapping(t *testing.T) {
	svc := &fakeInterventionService{items: map[string]*domain.Intervention{
		"iv-done": {ID: "iv-done", TenantID: "t1", Status: domain.StatusCompleted},
	}}
	router := newTestRouter(svc)

	// Hard deny на submit → 403
	rec := do(t, router, http.MethodPost, "/v1/interventions", "token-t1",
		`{"intervention_type":"forbidden:action","title":"x"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("hard deny expected 403, got %d", rec.Code)
	}

	// Повторное решение по завершенной → 409
	rec = do(t, router, http.MethodPost, "/v1/interventions/iv-done/approve", "token-t1", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("approve on terminal expected 409, got %d", rec.Code)
	}

	// Неизвестный фидбек → 400
	rec = do(t, router, http.MethodPost, "/v1/interventions/iv-done/feedback", "token-t1",
		`{"feedback":"amazing"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown feedback expected 400, got %d", rec.Code)
	}

	// Валидный фидбек по терминальной → 204
	rec = do(t, router, http.MethodPost, "/v1/interventions/iv-done/feedback", "token-t1",
		`{"feedback":"helpful","notes":"ok"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("feedback expected 204, got %d", rec.Code)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc := &fakeInterventionService{items: map[string]*domain.Intervention{}}
	router := newTestRouter(svc)

	rec := do(t, router, http.MethodPost, "/v1/interventions", "token-t1", `{"title":"no type"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing intervention_type expected 400, got %d", rec.Code)
	}

	rec = do(t, router, http.MethodPost, "/v1/interventions", "token-t1",
		`{"intervention_type":"send_sms:family","title":"hi"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("valid submit expected 201, got %d", rec.Code)
	}
}
