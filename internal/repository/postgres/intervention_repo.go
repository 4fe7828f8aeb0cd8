package postgres

/*
Файл intervention_repo.go — хранилище конечного автомата интервенций.
Все переходы статусов идут условным UPDATE (WHERE status = ...), чтобы
гонки между свипом, пользователем и исполнителем решала база, а не код.
*/

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/autonomy-engine/internal/authz"
	"github.com/xela07ax/autonomy-engine/internal/domain"
	"github.com/xela07ax/autonomy-engine/internal/ledger"
)

const interventionColumns = `id, tenant_id, intervention_type, title, description, action_payload,
	source_agent, trigger_reason, priority, urgency_score, status, requires_approval,
	decision_reason, approved_by, approved_at, rejection_reason, conflict_id, grant_id,
	expires_at, claimed_by, executed_at, duration_ms, error, user_feedback, feedback_notes,
	created_at, updated_at`

func (r *Repo) CreateIntervention(ctx context.Context, i *domain.Intervention) error {
	query := `
		INSERT INTO interventions
			(id, tenant_id, intervention_type, title, description, action_payload,
			 source_agent, trigger_reason, priority, urgency_score, status, requires_approval,
			 decision_reason, approved_by, approved_at, conflict_id, grant_id, expires_at,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err := r.pool.Exec(ctx, query,
		i.ID, i.TenantID, i.InterventionType, i.Title, i.Description, i.ActionPayload,
		i.SourceAgent, i.TriggerReason, i.Priority, i.UrgencyScore, i.Status, i.RequiresApproval,
		i.DecisionReason, i.ApprovedBy, i.ApprovedAt, i.ConflictID, i.GrantID, i.ExpiresAt,
		i.CreatedAt, i.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to create intervention: %w", err)
	}
	return nil
}

func (r *Repo) GetIntervention(ctx context.Context, id string) (*domain.Intervention, error) {
	query := `SELECT ` + interventionColumns + ` FROM interventions WHERE id = $1`

	i, err := scanIntervention(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get intervention: %w", err)
	}
	return i, nil
}

func (r *Repo) ListInterventions(ctx context.Context, tenantID string, statuses []domain.InterventionStatus, limit int) ([]domain.Intervention, error) {
	query := `SELECT ` + interventionColumns + ` FROM interventions WHERE tenant_id = $1`

	args := []interface{}{tenantID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		ss := make([]string, len(statuses))
		for n, s := range statuses {
			ss[n] = string(s)
		}
		args = append(args, ss)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query interventions: %w", err)
	}
	defer rows.Close()

	return scanInterventions(rows)
}

// TransitionStatus — единственный способ сменить статус интервенции.
// Валидность пары from→to проверяется по таблице переходов домена,
// атомарность обеспечивает WHERE status = from: ноль затронутых строк
// означает, что кто-то успел раньше.
func (r *Repo) TransitionStatus(ctx context.Context, id string, from, to domain.InterventionStatus, patch ledger.StatusPatch) error {
	probe := domain.Intervention{Status: from}
	if err := probe.CanTransitionTo(to); err != nil {
		return err
	}

	query := `
		UPDATE interventions
		SET status = $1,
		    approved_by = COALESCE($2, approved_by),
		    approved_at = COALESCE($3, approved_at),
		    rejection_reason = COALESCE($4, rejection_reason),
		    executed_at = COALESCE($5, executed_at),
		    duration_ms = CASE WHEN $6::bigint > 0 THEN $6 ELSE duration_ms END,
		    error = CASE WHEN $7::text <> '' THEN $7 ELSE error END,
		    updated_at = NOW()
		WHERE id = $8 AND status = $9`

	tag, err := r.pool.Exec(ctx, query,
		to, patch.ApprovedBy, patch.ApprovedAt, patch.RejectionReason,
		patch.ExecutedAt, patch.DurationMs, patch.Error, id, from,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to transition intervention: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Либо ID неверный, либо (что чаще) решение уже принято другим путем
		return domain.ErrAlreadyProcessed
	}
	return nil
}

// ClaimNext атомарно забирает самую старую approved-интервенцию и
// записывает воркера на строку. FOR UPDATE SKIP LOCKED: конкурентные
// воркеры не встают в очередь за одной строкой и никогда не забирают
// одну и ту же.
func (r *Repo) ClaimNext(ctx context.Context, workerID string) (*domain.Intervention, error) {
	query := `
		UPDATE interventions
		SET status = 'executing', claimed_by = $1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM interventions
			WHERE status = 'approved'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + interventionColumns

	i, err := scanIntervention(r.pool.QueryRow(ctx, query, workerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to claim intervention: %w", err)
	}
	return i, nil
}

func (r *Repo) MarkCompleted(ctx context.Context, id string, executedAt time.Time, durationMs int64) error {
	return r.TransitionStatus(ctx, id, domain.StatusExecuting, domain.StatusCompleted, ledger.StatusPatch{
		ExecutedAt: &executedAt,
		DurationMs: durationMs,
	})
}

func (r *Repo) MarkFailed(ctx context.Context, id string, executedAt time.Time, durationMs int64, dispatchErr string) error {
	return r.TransitionStatus(ctx, id, domain.StatusExecuting, domain.StatusFailed, ledger.StatusPatch{
		ExecutedAt: &executedAt,
		DurationMs: durationMs,
		Error:      dispatchErr,
	})
}

func (r *Repo) SetFeedback(ctx context.Context, id string, fb domain.UserFeedback, notes string) error {
	query := `UPDATE interventions SET user_feedback = $1, feedback_notes = $2, updated_at = NOW() WHERE id = $3`

	tag, err := r.pool.Exec(ctx, query, fb, notes, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to set feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListAutoApprovable — кандидаты на «молчание — согласие»: провисели в
// proposed дольше окна согласия, не заблокированы конфликтом, не были
// отказаны по лимитам и еще не просрочены.
func (r *Repo) ListAutoApprovable(ctx context.Context, cutoff, now time.Time, limit int) ([]domain.Intervention, error) {
	query := `SELECT ` + interventionColumns + ` FROM interventions
		WHERE status = 'proposed'
		  AND created_at <= $1
		  AND (expires_at IS NULL OR expires_at > $2)
		  AND conflict_id IS NULL
		  AND decision_reason IN ($3, $4)
		ORDER BY created_at
		LIMIT $5`

	rows, err := r.pool.Query(ctx, query, cutoff, now,
		authz.ReasonConfirmRequired, ledger.ReasonGuardianThrottled, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query auto-approvable: %w", err)
	}
	defer rows.Close()

	return scanInterventions(rows)
}

// ListOverdue — интервенции с прошедшим дедлайном, так и не дошедшие до исполнения.
func (r *Repo) ListOverdue(ctx context.Context, now time.Time, limit int) ([]domain.Intervention, error) {
	query := `SELECT ` + interventionColumns + ` FROM interventions
		WHERE status IN ('proposed', 'approved')
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query overdue: %w", err)
	}
	defer rows.Close()

	return scanInterventions(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIntervention(row rowScanner) (*domain.Intervention, error) {
	var i domain.Intervention
	var description, sourceAgent, triggerReason, decisionReason sql.NullString
	var approvedBy, rejectionReason, conflictID, grantID, claimedBy sql.NullString
	var approvedAt, expiresAt, executedAt sql.NullTime
	var durationMs sql.NullInt64
	var errMsg, feedback, feedbackNotes sql.NullString

	err := row.Scan(
		&i.ID, &i.TenantID, &i.InterventionType, &i.Title, &description, &i.ActionPayload,
		&sourceAgent, &triggerReason, &i.Priority, &i.UrgencyScore, &i.Status, &i.RequiresApproval,
		&decisionReason, &approvedBy, &approvedAt, &rejectionReason, &conflictID, &grantID,
		&expiresAt, &claimedBy, &executedAt, &durationMs, &errMsg, &feedback, &feedbackNotes,
		&i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	i.Description = description.String
	i.SourceAgent = sourceAgent.String
	i.TriggerReason = triggerReason.String
	i.DecisionReason = decisionReason.String
	i.Error = errMsg.String
	i.FeedbackNotes = feedbackNotes.String
	i.DurationMs = durationMs.Int64

	if approvedBy.Valid {
		val := approvedBy.String
		i.ApprovedBy = &val
	}
	if rejectionReason.Valid {
		val := rejectionReason.String
		i.RejectionReason = &val
	}
	if conflictID.Valid {
		val := conflictID.String
		i.ConflictID = &val
	}
	if grantID.Valid {
		val := grantID.String
		i.GrantID = &val
	}
	if claimedBy.Valid {
		val := claimedBy.String
		i.ClaimedBy = &val
	}
	if approvedAt.Valid {
		val := approvedAt.Time
		i.ApprovedAt = &val
	}
	if expiresAt.Valid {
		val := expiresAt.Time
		i.ExpiresAt = &val
	}
	if executedAt.Valid {
		val := executedAt.Time
		i.ExecutedAt = &val
	}
	if feedback.Valid {
		val := domain.UserFeedback(feedback.String)
		i.UserFeedback = &val
	}

	return &i, nil
}

func scanInterventions(rows pgx.Rows) ([]domain.Intervention, error) {
	results := make([]domain.Intervention, 0)
	for rows.Next() {
		i, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan intervention: %w", err)
		}
		results = append(results, *i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}
