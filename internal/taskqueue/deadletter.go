package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/autonomy-engine/internal/audit"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"go.uber.org/zap"
)

// DeadLetterRepository — требования операторского ревью к хранилищу.
type DeadLetterRepository interface {
	GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error)
	ListUnreviewed(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	// MarkReviewed — условный апдейт (WHERE reviewed_at IS NULL).
	// Повторное ревью — domain.ErrAlreadyProcessed.
	MarkReviewed(ctx context.Context, id string, res domain.DeadLetterResolution, at time.Time) error
	DeadLetterStats(ctx context.Context, since time.Time) (domain.DeadLetterStats, error)
}

// DeadLetters — операторский сервис ревью похороненных задач.
type DeadLetters struct {
	repo    DeadLetterRepository
	queue   *Queue
	auditor audit.Auditor
	logger  *zap.Logger
}

func NewDeadLetters(repo DeadLetterRepository, queue *Queue, auditor audit.Auditor, logger *zap.Logger) *DeadLetters {
	return &DeadLetters{
		repo:    repo,
		queue:   queue,
		auditor: auditor,
		logger:  logger.Named("deadletters"),
	}
}

func (s *DeadLetters) ListUnreviewed(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListUnreviewed(ctx, limit)
}

// Retry создает НОВУЮ задачу из снапшота. Исходная задача остается
// терминальной: у каждой попытки свой id и своя история.
func (s *DeadLetters) Retry(ctx context.Context, id, operatorID string) (*domain.AsyncTask, error) {
	d, err := s.repo.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}

	// Сначала метка ревью (CAS): два оператора не породят две задачи
	if err := s.repo.MarkReviewed(ctx, id, domain.ResolutionRetried, time.Now()); err != nil {
		return nil, err
	}

	t, err := s.queue.Enqueue(ctx, d.TenantID, d.Channel, d.ReplyTo, d.Prompt, d.Metadata)
	if err != nil {
		// Метка уже стоит, задача не создана: кричим, оператор увидит в логах
		s.logger.Error("dead letter marked retried but enqueue failed",
			zap.String("dead_letter_id", id), zap.Error(err))
		return nil, fmt.Errorf("taskqueue: retry enqueue: %w", err)
	}

	s.auditor.Log(audit.Event{
		TenantID:  d.TenantID,
		Kind:      audit.KindOperator,
		SubjectID: id,
		Actor:     operatorID,
		Status:    "SUCCESS",
		Payload:   map[string]interface{}{"action": "retry", "new_task_id": t.ID},
	})

	s.logger.Info("dead letter retried",
		zap.String("dead_letter_id", id),
		zap.String("new_task_id", t.ID))
	return t, nil
}

// Discard закрывает снапшот без повторной попытки.
func (s *DeadLetters) Discard(ctx context.Context, id, operatorID string) error {
	d, err := s.repo.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.MarkReviewed(ctx, id, domain.ResolutionDiscarded, time.Now()); err != nil {
		return err
	}

	s.auditor.Log(audit.Event{
		TenantID:  d.TenantID,
		Kind:      audit.KindOperator,
		SubjectID: id,
		Actor:     operatorID,
		Status:    "SUCCESS",
		Payload:   map[string]interface{}{"action": "discard"},
	})
	return nil
}

// Stats — сводка для операторского дашборда.
func (s *DeadLetters) Stats(ctx context.Context) (domain.DeadLetterStats, error) {
	return s.repo.DeadLetterStats(ctx, time.Now().Add(-24*time.Hour))
}
