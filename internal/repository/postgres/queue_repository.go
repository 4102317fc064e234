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

// QueueRepository implements repository.QueueRepository over the call_queue table.
type QueueRepository struct {
	db *sqlx.DB
}

// NewQueueRepository constructs a new repository.
func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

const queueColumns = `id, lead_id, campaign_id, organization_id, status, attempt_count, next_retry_at,
	last_error, call_sid, created_at, updated_at`

// Enqueue inserts a new queue item.
func (r *QueueRepository) Enqueue(ctx context.Context, item *domain.QueueItem) error {
	q := `INSERT INTO call_queue (
		id, lead_id, campaign_id, organization_id, status, attempt_count, next_retry_at, created_at, updated_at
	) VALUES (
		:id, :lead_id, :campaign_id, :organization_id, :status, :attempt_count, :next_retry_at, :created_at, :updated_at
	)`

	params := map[string]any{
		"id":              item.ID,
		"lead_id":         item.LeadID,
		"campaign_id":     item.CampaignID,
		"organization_id": nullUUID(item.OrganizationID),
		"status":          item.Status,
		"attempt_count":   item.AttemptCount,
		"next_retry_at":   item.NextRetryAt,
		"created_at":      item.CreatedAt,
		"updated_at":      item.UpdatedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("queue repo: insert: %w", err)
	}
	return nil
}

// Get fetches a queue item by id.
func (r *QueueRepository) Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	var record queueRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+queueColumns+` FROM call_queue WHERE id = $1`, id).StructScan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("queue repo: get: %w", err)
	}
	item := record.toDomain()
	return &item, nil
}

// ListDue returns due items in next_retry_at order.
func (r *QueueRepository) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*domain.QueueItem, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT `+queueColumns+`
		FROM call_queue
		WHERE status IN ($1, $2) AND next_retry_at <= $3 AND attempt_count < $4
		ORDER BY next_retry_at ASC
		LIMIT $5`,
		domain.QueueStatusQueued, domain.QueueStatusFailed, now, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("queue repo: list due: %w", err)
	}
	defer rows.Close()

	var items []*domain.QueueItem
	for rows.Next() {
		var record queueRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("queue repo: scan: %w", err)
		}
		item := record.toDomain()
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue repo: rows err: %w", err)
	}
	return items, nil
}

// MarkProcessing claims an item for the current pass.
func (r *QueueRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, "mark processing", `UPDATE call_queue SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)`,
		domain.QueueStatusProcessing, id, domain.QueueStatusQueued, domain.QueueStatusFailed)
}

// MarkCompleted records a successful origination.
func (r *QueueRepository) MarkCompleted(ctx context.Context, id uuid.UUID, callSID string) error {
	return r.transition(ctx, "mark completed", `UPDATE call_queue SET status = $1, call_sid = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		domain.QueueStatusCompleted, callSID, id, domain.QueueStatusProcessing)
}

// MarkFailed records a failed origination and schedules the next pass.
func (r *QueueRepository) MarkFailed(ctx context.Context, id uuid.UUID, attemptCount int, nextRetryAt time.Time, lastError string) error {
	return r.transition(ctx, "mark failed", `UPDATE call_queue SET status = $1, attempt_count = $2, next_retry_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6 AND attempt_count <= $2`,
		domain.QueueStatusFailed, attemptCount, nextRetryAt, lastError, id, domain.QueueStatusProcessing)
}

func (r *QueueRepository) transition(ctx context.Context, op, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("queue repo: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue repo: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("queue repo: %s: %w", op, repository.ErrConflict)
	}
	return nil
}

type queueRecord struct {
	ID             uuid.UUID      `db:"id"`
	LeadID         uuid.UUID      `db:"lead_id"`
	CampaignID     uuid.UUID      `db:"campaign_id"`
	OrganizationID *uuid.UUID     `db:"organization_id"`
	Status         string         `db:"status"`
	AttemptCount   int            `db:"attempt_count"`
	NextRetryAt    time.Time      `db:"next_retry_at"`
	LastError      sql.NullString `db:"last_error"`
	CallSID        sql.NullString `db:"call_sid"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r queueRecord) toDomain() domain.QueueItem {
	item := domain.QueueItem{
		ID:           r.ID,
		LeadID:       r.LeadID,
		CampaignID:   r.CampaignID,
		Status:       domain.QueueStatus(r.Status),
		AttemptCount: r.AttemptCount,
		NextRetryAt:  r.NextRetryAt,
		LastError:    r.LastError.String,
		CallSID:      r.CallSID.String,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.OrganizationID != nil {
		item.OrganizationID = *r.OrganizationID
	}
	return item
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
