package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/autonomy-engine/internal/audit"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/infra"
	"go.uber.org/zap"
)

const sweepBatch = 100

// SweepRepository — требования свипа к хранилищу интервенций.
type SweepRepository interface {
	// ListAutoApprovable: proposed старше cutoff, без конфликта, с причиной,
	// допускающей «молчание — согласие», и не просроченные
	ListAutoApprovable(ctx context.Context, cutoff, now time.Time, limit int) ([]domain.Intervention, error)
	// ListOverdue: proposed/approved, чей дедлайн прошел
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]domain.Intervention, error)
	TransitionStatus(ctx context.Context, id string, from, to domain.InterventionStatus, patch StatusPatch) error
}

// Sweeper — периодический обходчик леджера. Два дела за тик:
// просроченные интервенции → expired, зависшие в proposed дольше окна
// согласия → approved с маркером auto_timeout (если Guardian пустит).
// В кластере за тик работает один инстанс (SetNX-лок в Redis).
type Sweeper struct {
	repo     SweepRepository
	guardian GuardianSource
	throttle *Throttle
	rdb      *redis.Client
	auditor  audit.Auditor
	metrics  *infra.Metrics
	logger   *zap.Logger

	interval       time.Duration
	consentTimeout time.Duration
	now            func() time.Time // Подменяется в тестах
}

func NewSweeper(
	repo SweepRepository,
	guardian GuardianSource,
	throttle *Throttle,
	rdb *redis.Client,
	auditor audit.Auditor,
	metrics *infra.Metrics,
	logger *zap.Logger,
	interval, consentTimeout time.Duration,
) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if consentTimeout <= 0 {
		consentTimeout = 2 * time.Hour
	}
	return &Sweeper{
		repo:           repo,
		guardian:       guardian,
		throttle:       throttle,
		rdb:            rdb,
		auditor:        auditor,
		metrics:        metrics,
		logger:         logger.Named("sweeper"),
		interval:       interval,
		consentTimeout: consentTimeout,
		now:            time.Now,
	}
}

// Run блокируется до отмены контекста.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	// Распределенная блокировка: лок живет чуть дольше интервала, чтобы
	// соседний инстанс не влез посреди прохода
	ok, err := s.rdb.SetNX(ctx, infra.RedisKeyLockSweep, "processing", s.interval+10*time.Second).Result()
	if err != nil {
		s.logger.Warn("sweep lock check failed, skipping tick", zap.Error(err))
		return
	}
	if !ok {
		return // Другой инстанс уже метет
	}
	defer s.rdb.Del(ctx, infra.RedisKeyLockSweep)

	s.expireOverdue(ctx)
	s.autoApprove(ctx)
}

// expireOverdue терминально закрывает интервенции, чей дедлайн прошел,
// а исполнение так и не началось.
func (s *Sweeper) expireOverdue(ctx context.Context) {
	nowT := s.now()
	overdue, err := s.repo.ListOverdue(ctx, nowT, sweepBatch)
	if err != nil {
		s.logger.Error("failed to list overdue interventions", zap.Error(err))
		return
	}

	for i := range overdue {
		iv := &overdue[i]
		err := s.repo.TransitionStatus(ctx, iv.ID, iv.Status, domain.StatusExpired, StatusPatch{})
		if errors.Is(err, domain.ErrAlreadyProcessed) {
			continue // Между SELECT и UPDATE кто-то успел решить судьбу строки
		}
		if err != nil {
			s.logger.Error("failed to expire intervention", zap.String("id", iv.ID), zap.Error(err))
			continue
		}

		s.metrics.SweepExpiredTotal.Inc()
		s.metrics.InterventionOutcomes.WithLabelValues(string(domain.StatusExpired)).Inc()
		s.auditor.Log(audit.Event{
			TenantID:  iv.TenantID,
			Kind:      audit.KindTransition,
			SubjectID: iv.ID,
			Actor:     "sweeper",
			Status:    "SUCCESS",
			Payload:   map[string]interface{}{"to": string(domain.StatusExpired)},
		})
	}

	if len(overdue) > 0 {
		s.logger.Info("expired overdue interventions", zap.Int("count", len(overdue)))
	}
}

// autoApprove реализует «молчание — согласие»: предложение провисело дольше
// окна согласия, пользователь не отреагировал, пороги Guardian пройдены —
// интервенция одобряется с маркером auto_timeout. Заблокированные конфликтом
// и отказанные по лимитам гранта кандидаты сюда не попадают (фильтр в SQL).
func (s *Sweeper) autoApprove(ctx context.Context) {
	nowT := s.now()
	candidates, err := s.repo.ListAutoApprovable(ctx, nowT.Add(-s.consentTimeout), nowT, sweepBatch)
	if err != nil {
		s.logger.Error("failed to list auto-approvable interventions", zap.Error(err))
		return
	}

	for i := range candidates {
		iv := &candidates[i]

		g, err := s.guardian.GetGuardianConfig(ctx, iv.TenantID)
		if err != nil {
			s.logger.Error("guardian config lookup failed", zap.String("tenant_id", iv.TenantID), zap.Error(err))
			continue
		}

		ok, why, err := guardianAdmits(ctx, s.throttle, g, iv.TenantID, iv.UrgencyScore)
		if err != nil {
			s.logger.Error("guardian check failed", zap.String("id", iv.ID), zap.Error(err))
			continue
		}
		if !ok {
			s.logger.Debug("auto-approve withheld",
				zap.String("id", iv.ID), zap.String("why", why))
			continue
		}

		approvedBy := domain.ApprovedByAutoTimeout
		err = s.repo.TransitionStatus(ctx, iv.ID, domain.StatusProposed, domain.StatusApproved, StatusPatch{
			ApprovedBy: &approvedBy,
			ApprovedAt: &nowT,
		})
		if errors.Is(err, domain.ErrAlreadyProcessed) {
			// Пользователь успел решить сам. Занятый слот и взведенный
			// cooldown не возвращаем: перекос в сторону осторожности приемлем
			continue
		}
		if err != nil {
			s.logger.Error("auto-approve transition failed", zap.String("id", iv.ID), zap.Error(err))
			continue
		}

		s.metrics.SweepAutoApproved.Inc()
		s.auditor.Log(audit.Event{
			TenantID:  iv.TenantID,
			Kind:      audit.KindTransition,
			SubjectID: iv.ID,
			Actor:     domain.ApprovedByAutoTimeout,
			Status:    "SUCCESS",
			Payload:   map[string]interface{}{"to": string(domain.StatusApproved)},
		})

		if err := s.rdb.Publish(ctx, infra.RedisChanDecisions, iv.ID).Err(); err != nil {
			s.logger.Warn("failed to publish decision signal", zap.Error(err))
		}

		s.logger.Info("intervention auto-approved after consent timeout",
			zap.String("id", iv.ID), zap.String("tenant_id", iv.TenantID))
	}
}
