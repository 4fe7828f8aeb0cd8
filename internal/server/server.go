package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/autonomy-engine/internal/infra"
	"github.com/xela07ax/autonomy-engine/internal/infra/auth"
	"github.com/xela07ax/autonomy-engine/internal/server/handler"
	"go.uber.org/zap"
)

type Server struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	// Интерфейс для проверки токенов (RS256)
	// Реализуется через embedding BaseValidator в AuthService
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	authHandler         *handler.AuthHandler         // /auth/token
	interventionHandler *handler.InterventionHandler // /v1/interventions
	grantHandler        *handler.GrantHandler        // /v1/grants
	conflictHandler     *handler.ConflictHandler     // /v1/conflicts
	profileHandler      *handler.ProfileHandler      // /v1/guardian, /v1/values
	deadLetterHandler   *handler.DeadLetterHandler   // /v1/deadletters (операторский)
	auditHandler        *handler.AuditHandler        // /v1/audit (операторский)
}

// NewServer собирает HTTP-периметр движка со всеми зависимостями
func NewServer(
	cfg *infra.Config,
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	interventionH *handler.InterventionHandler,
	grantH *handler.GrantHandler,
	conflictH *handler.ConflictHandler,
	profileH *handler.ProfileHandler,
	deadLetterH *handler.DeadLetterHandler,
	auditH *handler.AuditHandler,
) *Server {
	s := &Server{
		router:              chi.NewRouter(),
		logger:              logger.Named("engine-api"),
		cfg:                 cfg,
		authValidator:       validator,
		authHandler:         authH,
		interventionHandler: interventionH,
		grantHandler:        grantH,
		conflictHandler:     conflictH,
		profileHandler:      profileH,
		deadLetterHandler:   deadLetterH,
		auditHandler:        auditH,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (Открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		// Подключаем универсальный Middleware только для этой группы
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Ledger: жизненный цикл вмешательств (Submit, Consent, Feedback)
		r.Route("/v1/interventions", func(r chi.Router) {
			r.Get("/", s.interventionHandler.List) // ?status=proposed,approved
			r.Post("/", s.interventionHandler.Submit)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.interventionHandler.Get)
				r.Post("/approve", s.interventionHandler.Approve)
				r.Post("/reject", s.interventionHandler.Reject)
				r.Post("/feedback", s.interventionHandler.Feedback)
			})
		})

		// Управление разрешениями (Permission Store)
		r.Route("/v1/grants", func(r chi.Router) {
			r.Get("/", s.grantHandler.List)
			r.Post("/", s.grantHandler.Create)
			r.Post("/{id}/revoke", s.grantHandler.Revoke)
		})

		// Арбитр конфликтов ценностей
		r.Route("/v1/conflicts", func(r chi.Router) {
			r.Get("/", s.conflictHandler.List) // ?resolved=true включает закрытые
			r.Post("/", s.conflictHandler.Register)
			r.Post("/{id}/resolve", s.conflictHandler.Resolve)
		})

		// Пороги Guardian и ценности пользователя
		r.Route("/v1/guardian", func(r chi.Router) {
			r.Get("/", s.profileHandler.GetGuardian)
			r.Put("/", s.profileHandler.UpdateGuardian)
		})
		r.Route("/v1/values", func(r chi.Router) {
			r.Get("/", s.profileHandler.ListValues)
			r.Put("/", s.profileHandler.UpsertValue)
		})

		// --- Операторский контур (скоуп operator) ---
		r.Group(func(r chi.Router) {
			r.Use(requireScope("operator"))

			r.Route("/v1/deadletters", func(r chi.Router) {
				r.Get("/", s.deadLetterHandler.List)
				r.Get("/stats", s.deadLetterHandler.Stats)
				r.Post("/{id}/retry", s.deadLetterHandler.Retry)
				r.Post("/{id}/discard", s.deadLetterHandler.Discard)
			})

			// Аудит и Логи (Observability)
			r.Get("/v1/audit", s.auditHandler.GetLogs)
		})
	})
}

// requireScope закрывает группу роутов конкретным скоупом токена.
func requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.HasScope(r.Context(), scope) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
