package authz

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra"
	"go.uber.org/zap"
)

// GrantProvider — требования кэша к хранилищу грантов. Используется только в Refresh().
type GrantProvider interface {
	ListGrants(ctx context.Context) ([]domain.PermissionGrant, error)
}

// GrantCache — потокобезопасный RAM-кэш грантов всех пользователей.
// В рантайме Evaluator обращается только к памяти (Hot Path); синхронизация
// с Postgres идет через Refresh() по сигналу из Redis Pub/Sub.
type GrantCache struct {
	mu sync.RWMutex
	// tenant_id -> гранты пользователя
	grants map[string][]domain.PermissionGrant

	repo   GrantProvider
	rdb    *redis.Client
	logger *zap.Logger
}

func NewGrantCache(repo GrantProvider, rdb *redis.Client, logger *zap.Logger) *GrantCache {
	return &GrantCache{
		grants: make(map[string][]domain.PermissionGrant),
		repo:   repo,
		rdb:    rdb,
		logger: logger.Named("grant-cache"),
	}
}

// TenantGrants отдает копию среза грантов пользователя.
// Фильтрацию по effective/match делает Evaluator — кэш только хранит.
func (c *GrantCache) TenantGrants(tenantID string) []domain.PermissionGrant {
	c.mu.RLock()
	defer c.mu.RUnlock()

	src := c.grants[tenantID]
	out := make([]domain.PermissionGrant, len(src))
	copy(out, src)
	return out
}

// Refresh выполняет «холодную загрузку» всех грантов из PostgreSQL в память.
// Вызывается при старте и на каждый сигнал инвалидации.
func (c *GrantCache) Refresh(ctx context.Context) error {
	all, err := c.repo.ListGrants(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string][]domain.PermissionGrant)
	for _, g := range all {
		fresh[g.TenantID] = append(fresh[g.TenantID], g)
	}

	c.mu.Lock()
	c.grants = fresh
	c.mu.Unlock()

	c.logger.Info("grant cache refreshed", zap.Int("grants", len(all)))
	return nil
}

// StartListener — «живучая» подписка на сигнал обновления грантов.
// Переподключается при обрывах, на каждый реконнект перечитывает БД.
func (c *GrantCache) StartListener(ctx context.Context) {
	for {
		pubsub := c.rdb.Subscribe(ctx, infra.RedisChanGrantUpdate)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			c.logger.Error("failed to subscribe", zap.String("chan", infra.RedisChanGrantUpdate), zap.Error(err))
			pubsub.Close()
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}

		// Синхронизация при каждом успешном коннекте
		if err := c.Refresh(ctx); err != nil {
			c.logger.Error("grant sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case _, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				// Сигнал может быть простым "refresh": перечитываем всю таблицу
				if err := c.Refresh(ctx); err != nil {
					c.logger.Error("grant refresh failed", zap.Error(err))
				}
			}
		}

		pubsub.Close()
		time.Sleep(time.Second)
	}
}

// NotifyUpdate шлет широковещательный сигнал: все инстансы перечитают гранты.
func (c *GrantCache) NotifyUpdate(ctx context.Context) error {
	return c.rdb.Publish(ctx, infra.RedisChanGrantUpdate, "refresh").Err()
}
