package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/repository"
)

// CallAttemptRepository implements repository.CallAttemptRepository using PostgreSQL.
type CallAttemptRepository struct {
	db *sqlx.DB
}

// NewCallAttemptRepository constructs a new repository.
func NewCallAttemptRepository(db *sqlx.DB) *CallAttemptRepository {
	return &CallAttemptRepository{db: db}
}

const attemptColumns = `id, organization_id, lead_id, campaign_id, call_log_id, call_sid, attempt_number, channel,
	outcome, duration, will_retry, next_retry_at, retry_reason, attempted_at`

// Create inserts an attempt. A zero AttemptNumber is assigned the next number for
// the (lead, campaign) pair under a transaction-scoped advisory lock.
func (r *CallAttemptRepository) Create(ctx context.Context, attempt *domain.CallAttempt) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if attempt.AttemptNumber == 0 {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
				attempt.LeadID.String()+":"+attempt.CampaignID.String()); err != nil {
				return fmt.Errorf("call attempt repo: lock: %w", err)
			}
			var count int
			if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM call_attempts WHERE lead_id = $1 AND campaign_id = $2`,
				attempt.LeadID, attempt.CampaignID); err != nil {
				return fmt.Errorf("call attempt repo: count: %w", err)
			}
			attempt.AttemptNumber = count + 1
		}

		q := `INSERT INTO call_attempts (
			id, organization_id, lead_id, campaign_id, call_log_id, call_sid, attempt_number, channel,
			outcome, duration, will_retry, next_retry_at, retry_reason, attempted_at
		) VALUES (
			:id, :organization_id, :lead_id, :campaign_id, :call_log_id, :call_sid, :attempt_number, :channel,
			:outcome, :duration, :will_retry, :next_retry_at, :retry_reason, :attempted_at
		)`
		params := map[string]any{
			"id":              attempt.ID,
			"organization_id": nullUUID(attempt.OrganizationID),
			"lead_id":         attempt.LeadID,
			"campaign_id":     attempt.CampaignID,
			"call_log_id":     attempt.CallLogID,
			"call_sid":        nullString(attempt.CallSID),
			"attempt_number":  attempt.AttemptNumber,
			"channel":         attempt.Channel,
			"outcome":         attempt.Outcome,
			"duration":        attempt.DurationSec,
			"will_retry":      attempt.WillRetry,
			"next_retry_at":   attempt.NextRetryAt,
			"retry_reason":    nullString(attempt.RetryReason),
			"attempted_at":    attempt.AttemptedAt,
		}
		if _, err := tx.NamedExecContext(ctx, q, params); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("call attempt repo: call sid %s: %w", attempt.CallSID, repository.ErrConflict)
			}
			return fmt.Errorf("call attempt repo: insert: %w", err)
		}
		return nil
	})
}

// FindByCallSID locates the attempt created for a carrier call.
func (r *CallAttemptRepository) FindByCallSID(ctx context.Context, callSID string) (*domain.CallAttempt, error) {
	var record attemptRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+attemptColumns+` FROM call_attempts WHERE call_sid = $1`, callSID).StructScan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call attempt repo: find by call sid: %w", err)
	}
	attempt := record.toDomain()
	return &attempt, nil
}

// AttachCallLog links an attempt to the log of its bridged call.
func (r *CallAttemptRepository) AttachCallLog(ctx context.Context, id, callLogID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE call_attempts SET call_log_id = $1 WHERE id = $2`, callLogID, id)
	if err != nil {
		return fmt.Errorf("call attempt repo: attach call log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call attempt repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Conclude records the outcome while it is still in progress.
func (r *CallAttemptRepository) Conclude(ctx context.Context, id uuid.UUID, c domain.AttemptConclusion) error {
	res, err := r.db.ExecContext(ctx, `UPDATE call_attempts
		SET outcome = $1, duration = $2, will_retry = $3, next_retry_at = $4, retry_reason = $5
		WHERE id = $6 AND outcome = $7`,
		c.Outcome, c.DurationSec, c.WillRetry, c.NextRetryAt, nullString(c.RetryReason), id, domain.AttemptOutcomeInProgress)
	if err != nil {
		return fmt.Errorf("call attempt repo: conclude: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call attempt repo: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("call attempt repo: conclude %s: %w", id, repository.ErrAlreadyRecorded)
	}
	return nil
}

// ListDueRetries returns attempts whose retry is due.
func (r *CallAttemptRepository) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.CallAttempt, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT `+attemptColumns+`
		FROM call_attempts
		WHERE will_retry AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("call attempt repo: list due retries: %w", err)
	}
	defer rows.Close()

	var attempts []*domain.CallAttempt
	for rows.Next() {
		var record attemptRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("call attempt repo: scan: %w", err)
		}
		attempt := record.toDomain()
		attempts = append(attempts, &attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call attempt repo: rows err: %w", err)
	}
	return attempts, nil
}

// ClearRetry drops the retry flag of a processed attempt.
func (r *CallAttemptRepository) ClearRetry(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE call_attempts SET will_retry = FALSE WHERE id = $1 AND will_retry`, id)
	if err != nil {
		return fmt.Errorf("call attempt repo: clear retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call attempt repo: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("call attempt repo: clear retry %s: %w", id, repository.ErrConflict)
	}
	return nil
}

type attemptRecord struct {
	ID             uuid.UUID      `db:"id"`
	OrganizationID *uuid.UUID     `db:"organization_id"`
	LeadID         uuid.UUID      `db:"lead_id"`
	CampaignID     uuid.UUID      `db:"campaign_id"`
	CallLogID      *uuid.UUID     `db:"call_log_id"`
	CallSID        sql.NullString `db:"call_sid"`
	AttemptNumber  int            `db:"attempt_number"`
	Channel        string         `db:"channel"`
	Outcome        string         `db:"outcome"`
	Duration       int            `db:"duration"`
	WillRetry      bool           `db:"will_retry"`
	NextRetryAt    *time.Time     `db:"next_retry_at"`
	RetryReason    sql.NullString `db:"retry_reason"`
	AttemptedAt    time.Time      `db:"attempted_at"`
}

func (r attemptRecord) toDomain() domain.CallAttempt {
	attempt := domain.CallAttempt{
		ID:            r.ID,
		LeadID:        r.LeadID,
		CampaignID:    r.CampaignID,
		CallLogID:     r.CallLogID,
		CallSID:       r.CallSID.String,
		AttemptNumber: r.AttemptNumber,
		Channel:       domain.Channel(r.Channel),
		Outcome:       domain.AttemptOutcome(r.Outcome),
		DurationSec:   r.Duration,
		WillRetry:     r.WillRetry,
		NextRetryAt:   r.NextRetryAt,
		RetryReason:   r.RetryReason.String,
		AttemptedAt:   r.AttemptedAt,
	}
	if r.OrganizationID != nil {
		attempt.OrganizationID = *r.OrganizationID
	}
	return attempt
}
