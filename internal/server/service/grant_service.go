package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/autonomy-engine/internal/audit"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"go.uber.org/zap"
)

type GrantStore interface {
	ListGrantsByTenant(ctx context.Context, tenantID string) ([]domain.PermissionGrant, error)
	CreateGrant(ctx context.Context, g *domain.PermissionGrant) error
	RevokeGrant(ctx context.Context, id, tenantID string) error
}

// CacheNotifier рассылает сигнал инвалидации RAM-кэша грантов.
type CacheNotifier interface {
	NotifyUpdate(ctx context.Context) error
}

// GrantService — управление разрешениями из Consent UI.
// Каждая мутация заканчивается широковещательной инвалидацией кэша:
// Evaluator на всех инстансах видит изменение на следующем запросе.
type GrantService struct {
	store   GrantStore
	cache   CacheNotifier
	auditor audit.Auditor
	logger  *zap.Logger
}

func NewGrantService(store GrantStore, cache CacheNotifier, auditor audit.Auditor, logger *zap.Logger) *GrantService {
	return &GrantService{
		store:   store,
		cache:   cache,
		auditor: auditor,
		logger:  logger.Named("grants"),
	}
}

// ListByCategory группирует гранты пользователя для Consent UI.
func (s *GrantService) ListByCategory(ctx context.Context, tenantID string) (map[domain.PermissionCategory][]domain.PermissionGrant, error) {
	grants, err := s.store.ListGrantsByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	grouped := make(map[domain.PermissionCategory][]domain.PermissionGrant)
	for _, g := range grants {
		grouped[g.Category] = append(grouped[g.Category], g)
	}
	return grouped, nil
}

type CreateGrantParams struct {
	ActionPattern        string     `json:"action_pattern"`
	Domain               string     `json:"domain"`
	Category             string     `json:"category"`
	DailyLimit           *int       `json:"daily_limit,omitempty"`
	SpendingLimit        *float64   `json:"spending_limit,omitempty"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
}

func (s *GrantService) Create(ctx context.Context, tenantID string, p CreateGrantParams) (*domain.PermissionGrant, error) {
	if p.ActionPattern == "" {
		return nil, errors.New("action_pattern is required")
	}
	if p.Domain == "" {
		p.Domain = "*"
	}

	category := domain.PermissionCategory(p.Category)
	if category == "" {
		// Пользователь не указал категорию — выводим из глагола действия
		category = domain.InferCategory(p.ActionPattern)
	}

	g := &domain.PermissionGrant{
		ID:                   uuid.New().String(),
		TenantID:             tenantID,
		ActionPattern:        p.ActionPattern,
		Domain:               p.Domain,
		Category:             category,
		DailyLimit:           p.DailyLimit,
		SpendingLimit:        p.SpendingLimit,
		RequiresConfirmation: p.RequiresConfirmation,
		ExpiresAt:            p.ExpiresAt,
		IsActive:             true,
		GrantedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}

	if err := s.store.CreateGrant(ctx, g); err != nil {
		return nil, fmt.Errorf("grants: create: %w", err)
	}
	s.invalidate(ctx)

	s.auditor.Log(audit.Event{
		TenantID:  tenantID,
		Kind:      audit.KindOperator,
		SubjectID: g.ID,
		Actor:     tenantID,
		Status:    "SUCCESS",
		Payload: map[string]interface{}{
			"action":  "grant_created",
			"pattern": g.ActionPattern,
		},
	})

	s.logger.Info("grant created",
		zap.String("tenant_id", tenantID),
		zap.String("pattern", g.ActionPattern))
	return g, nil
}

func (s *GrantService) Revoke(ctx context.Context, id, tenantID string) error {
	if err := s.store.RevokeGrant(ctx, id, tenantID); err != nil {
		return err
	}
	s.invalidate(ctx)

	s.auditor.Log(audit.Event{
		TenantID:  tenantID,
		Kind:      audit.KindOperator,
		SubjectID: id,
		Actor:     tenantID,
		Status:    "SUCCESS",
		Payload:   map[string]interface{}{"action": "grant_revoked"},
	})
	return nil
}

func (s *GrantService) invalidate(ctx context.Context) {
	// Инвалидация не критична для консистентности (Refresh подтянет все),
	// поэтому ошибка не валит запрос
	if err := s.cache.NotifyUpdate(ctx); err != nil {
		s.logger.Warn("grant cache invalidation failed", zap.Error(err))
	}
}
