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

// CallLogRepository implements repository.CallLogRepository using PostgreSQL.
type CallLogRepository struct {
	db *sqlx.DB
}

// NewCallLogRepository constructs a new repository.
func NewCallLogRepository(db *sqlx.DB) *CallLogRepository {
	return &CallLogRepository{db: db}
}

// Create inserts the log for a freshly bridged call.
func (r *CallLogRepository) Create(ctx context.Context, log *domain.CallLog) error {
	q := `INSERT INTO call_logs (id, organization_id, call_sid, lead_id, campaign_id, call_status, started_at)
		VALUES (:id, :organization_id, :call_sid, :lead_id, :campaign_id, :call_status, :started_at)`

	params := map[string]any{
		"id":              log.ID,
		"organization_id": nullUUID(log.OrganizationID),
		"call_sid":        log.CallSID,
		"lead_id":         log.LeadID,
		"campaign_id":     log.CampaignID,
		"call_status":     log.CallStatus,
		"started_at":      log.StartedAt,
	}
	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("call log repo: call sid %s: %w", log.CallSID, repository.ErrConflict)
		}
		return fmt.Errorf("call log repo: insert: %w", err)
	}
	return nil
}

// Get fetches a call log by id.
func (r *CallLogRepository) Get(ctx context.Context, id uuid.UUID) (*domain.CallLog, error) {
	q := `SELECT id, organization_id, call_sid, lead_id, campaign_id, call_status, transcript, duration,
	       transferred, transferred_at, transfer_reason, transfer_department, disconnect_reason, notes,
	       started_at, ended_at
	  FROM call_logs WHERE id = $1`

	var record callLogRecord
	if err := r.db.QueryRowxContext(ctx, q, id).StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call log repo: get: %w", err)
	}
	log := record.toDomain()
	return &log, nil
}

// Update patches a log that has not ended yet.
func (r *CallLogRepository) Update(ctx context.Context, id uuid.UUID, patch domain.CallLogPatch) error {
	var set setClause
	if patch.CallStatus != nil {
		set.add("call_status", string(*patch.CallStatus))
	}
	if patch.Transferred != nil {
		set.add("transferred", *patch.Transferred)
	}
	if patch.TransferredAt != nil {
		set.add("transferred_at", *patch.TransferredAt)
	}
	if patch.TransferReason != nil {
		set.add("transfer_reason", *patch.TransferReason)
	}
	if patch.TransferDepartment != nil {
		set.add("transfer_department", *patch.TransferDepartment)
	}
	if patch.DisconnectReason != nil {
		set.add("disconnect_reason", *patch.DisconnectReason)
	}
	if patch.Notes != nil {
		set.add("notes", *patch.Notes)
	}
	if set.empty() {
		return nil
	}

	q, args := set.build("call_logs", id)
	res, err := r.db.ExecContext(ctx, q+" AND ended_at IS NULL", args...)
	if err != nil {
		return fmt.Errorf("call log repo: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call log repo: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM call_logs WHERE id = $1)`, id); err != nil {
		return fmt.Errorf("call log repo: update lookup: %w", err)
	}
	if exists {
		return fmt.Errorf("call log repo: update %s: %w", id, repository.ErrAlreadyRecorded)
	}
	return repository.ErrNotFound
}

// Finalize writes the terminal state once; ended logs are immutable.
func (r *CallLogRepository) Finalize(ctx context.Context, id uuid.UUID, final domain.CallLogFinal) error {
	res, err := r.db.ExecContext(ctx, `UPDATE call_logs
		SET call_status = $1, transcript = $2, duration = $3, ended_at = $4
		WHERE id = $5 AND ended_at IS NULL`,
		final.CallStatus, final.Transcript, final.DurationSec, final.EndedAt, id)
	if err != nil {
		return fmt.Errorf("call log repo: finalize: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("call log repo: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("call log repo: finalize %s: %w", id, repository.ErrAlreadyRecorded)
	}
	return nil
}

type callLogRecord struct {
	ID                  uuid.UUID       `db:"id"`
	OrganizationID      *uuid.UUID      `db:"organization_id"`
	CallSID             string          `db:"call_sid"`
	LeadID              uuid.UUID       `db:"lead_id"`
	CampaignID          uuid.UUID       `db:"campaign_id"`
	CallStatus          string          `db:"call_status"`
	Transcript          sql.NullString  `db:"transcript"`
	Duration            int             `db:"duration"`
	Transferred         bool            `db:"transferred"`
	TransferredAt       *time.Time      `db:"transferred_at"`
	TransferReason      sql.NullString  `db:"transfer_reason"`
	TransferDepartment  sql.NullString  `db:"transfer_department"`
	DisconnectReason    sql.NullString  `db:"disconnect_reason"`
	Notes               sql.NullString  `db:"notes"`
	StartedAt           time.Time       `db:"started_at"`
	EndedAt             *time.Time      `db:"ended_at"`
}

func (r callLogRecord) toDomain() domain.CallLog {
	log := domain.CallLog{
		ID:                  r.ID,
		CallSID:             r.CallSID,
		LeadID:              r.LeadID,
		CampaignID:          r.CampaignID,
		CallStatus:          domain.CallStatus(r.CallStatus),
		Transcript:          r.Transcript.String,
		DurationSec:         r.Duration,
		Transferred:         r.Transferred,
		TransferredAt:       r.TransferredAt,
		TransferReason:      r.TransferReason.String,
		TransferDepartment:  r.TransferDepartment.String,
		DisconnectReason:    r.DisconnectReason.String,
		Notes:               r.Notes.String,
		StartedAt:           r.StartedAt,
		EndedAt:             r.EndedAt,
	}
	if r.OrganizationID != nil {
		log.OrganizationID = *r.OrganizationID
	}
	return log
}
