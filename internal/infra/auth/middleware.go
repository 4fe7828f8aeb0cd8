package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/autonomy-engine/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — интерфейс проверки токена для HTTP-периметра
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

// Типизированные ключи контекста (избегаем коллизий со сторонними пакетами)
type ctxKey string

const (
	ctxKeyUserID   ctxKey = "user_id"
	ctxKeyTenantID ctxKey = "tenant_id"
	ctxKeyScopes   ctxKey = "user_scopes"
)

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем данные в контекст
			ctx := context.WithValue(r.Context(), ctxKeyScopes, claims.Scopes)
			ctx = context.WithValue(ctx, ctxKeyUserID, claims.UserID)
			ctx = context.WithValue(ctx, ctxKeyTenantID, claims.TenantID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID достает ID авторизованного пользователя из контекста запроса.
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyUserID).(string); ok {
		return id
	}
	return ""
}

// TenantID достает контур автономии авторизованного пользователя.
func TenantID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyTenantID).(string); ok {
		return id
	}
	return ""
}

// HasScope проверяет наличие скоупа у авторизованного пользователя.
func HasScope(ctx context.Context, scope string) bool {
	scopes, ok := ctx.Value(ctxKeyScopes).(map[string]bool)
	return ok && scopes[scope]
}
