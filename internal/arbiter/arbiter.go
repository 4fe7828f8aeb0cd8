package arbiter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"go.uber.org/zap"
)

// ConflictRepository — требования арбитра к хранилищу конфликтов.
type ConflictRepository interface {
	CreateConflict(ctx context.Context, c *domain.ValueConflict) error
	ListUnresolvedConflicts(ctx context.Context, tenantID string) ([]domain.ValueConflict, error)
	ListConflicts(ctx context.Context, tenantID string) ([]domain.ValueConflict, error)
	// ResolveConflict обновляет условно (WHERE resolved = false) и возвращает
	// domain.ErrAlreadyResolved, если решение уже было принято.
	// tenantID в условии: чужой конфликт неотличим от несуществующего.
	ResolveConflict(ctx context.Context, id, tenantID, resolution string, at time.Time) error
}

// Arbiter следит за противоречиями между декларированными ценностями
// пользователя и блокирует автономные интервенции затронутых категорий,
// пока пользователь не разрешит конфликт явно.
type Arbiter struct {
	repo   ConflictRepository
	logger *zap.Logger
}

func New(repo ConflictRepository, logger *zap.Logger) *Arbiter {
	return &Arbiter{repo: repo, logger: logger.Named("arbiter")}
}

// RegisterConflict фиксирует новое противоречие. Свежая коллизия — всегда
// новая запись, никогда не правка старой: история приоритетов пользователя
// должна сохраняться для аудита.
func (a *Arbiter) RegisterConflict(ctx context.Context, tenantID, valueA, valueB, description string) (*domain.ValueConflict, error) {
	c := &domain.ValueConflict{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		ValueA:      valueA,
		ValueB:      valueB,
		Description: description,
		CreatedAt:   time.Now(),
	}
	if err := a.repo.CreateConflict(ctx, c); err != nil {
		return nil, fmt.Errorf("arbiter: failed to register conflict: %w", err)
	}

	a.logger.Info("value conflict registered",
		zap.String("tenant_id", tenantID),
		zap.String("value_a", valueA),
		zap.String("value_b", valueB))
	return c, nil
}

// Resolve терминально закрывает конфликт. Повторное разрешение — no-op
// с domain.ErrAlreadyResolved (гоночная ошибка, не порча состояния).
func (a *Arbiter) Resolve(ctx context.Context, conflictID, tenantID, resolution string) error {
	if err := a.repo.ResolveConflict(ctx, conflictID, tenantID, resolution, time.Now()); err != nil {
		return err
	}
	a.logger.Info("value conflict resolved", zap.String("conflict_id", conflictID))
	return nil
}

// List отдает конфликты пользователя; resolvedToo=false — только открытые.
func (a *Arbiter) List(ctx context.Context, tenantID string, resolvedToo bool) ([]domain.ValueConflict, error) {
	if resolvedToo {
		return a.repo.ListConflicts(ctx, tenantID)
	}
	return a.repo.ListUnresolvedConflicts(ctx, tenantID)
}

// Blocking возвращает неразрешенный конфликт, блокирующий категорию
// интервенции, либо nil. Конфликт блокирует, когда ценностные области
// категории пересекают обе стороны пары.
func (a *Arbiter) Blocking(ctx context.Context, tenantID, category string) (*domain.ValueConflict, error) {
	conflicts, err := a.repo.ListUnresolvedConflicts(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("arbiter: failed to list conflicts: %w", err)
	}
	if len(conflicts) == 0 {
		return nil, nil
	}

	areas := CategoryAreas(category)
	for i := range conflicts {
		c := &conflicts[i]
		hitA, hitB := false, false
		for _, area := range areas {
			if strings.EqualFold(c.ValueA, area) {
				hitA = true
			}
			if strings.EqualFold(c.ValueB, area) {
				hitB = true
			}
		}
		if hitA && hitB {
			return c, nil
		}
	}
	return nil, nil
}

// CategoryAreas мапит категорию интервенции на затрагиваемые ценностные
// области. Категория вида "schedule:family_event" затрагивает и область
// своего глагола, и область суффикса.
func CategoryAreas(category string) []string {
	parts := strings.SplitN(strings.ToLower(category), ":", 2)

	seen := make(map[string]struct{})
	var areas []string
	add := func(area string) {
		if area == "" {
			return
		}
		if _, ok := seen[area]; ok {
			return
		}
		seen[area] = struct{}{}
		areas = append(areas, area)
	}

	add(verbArea(parts[0]))
	if len(parts) == 2 {
		// "family_event" → "family": область — первый сегмент суффикса
		add(strings.SplitN(parts[1], "_", 2)[0])
	}
	return areas
}

// verbArea — какие жизненные области затрагивает глагол действия.
func verbArea(verb string) string {
	m := map[string]string{
		"schedule":       "career",
		"schedule_event": "career",
		"create_task":    "career",
		"log_health":     "health",
		"log_sleep":      "sleep",
		"log_expense":    "finance",
		"transfer_money": "finance",
		"pay_bill":       "finance",
	}
	return m[verb]
}
