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

// LeadRepository implements repository.LeadRepository using PostgreSQL.
type LeadRepository struct {
	db *sqlx.DB
}

// NewLeadRepository constructs a new repository.
func NewLeadRepository(db *sqlx.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

// Get fetches a lead and the pipeline its stage belongs to.
func (r *LeadRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	q := `SELECT l.id, l.organization_id, l.name, l.phone, l.email, l.stage_id, ps.pipeline_id,
	       l.call_status, l.notes, l.rejection_reason, l.transferred_to_human, l.abuse_flag, l.abuse_details,
	       l.waiting_status, l.callback_time, l.interest_level, l.purchase_readiness, l.budget_range,
	       l.last_sentiment_score, l.priority_score, l.total_calls, l.last_contacted_at, l.created_at, l.updated_at
	  FROM leads l
	  LEFT JOIN pipeline_stages ps ON ps.id = l.stage_id
	 WHERE l.id = $1`

	var record leadRecord
	if err := r.db.QueryRowxContext(ctx, q, id).StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("lead repo: get: %w", err)
	}
	lead := record.toDomain()
	return &lead, nil
}

// Update applies the patch in a single statement.
func (r *LeadRepository) Update(ctx context.Context, id uuid.UUID, patch domain.LeadPatch) error {
	if patch.Empty() {
		return nil
	}

	var set setClause
	if patch.StageID != nil {
		set.add("stage_id", *patch.StageID)
	}
	if patch.CallStatus != nil {
		set.add("call_status", string(*patch.CallStatus))
	}
	if patch.Notes != nil {
		set.add("notes", *patch.Notes)
	}
	if patch.RejectionReason != nil {
		set.add("rejection_reason", *patch.RejectionReason)
	}
	if patch.TransferredToHuman != nil {
		set.add("transferred_to_human", *patch.TransferredToHuman)
	}
	if patch.AbuseFlag != nil {
		set.add("abuse_flag", *patch.AbuseFlag)
	}
	if patch.AbuseDetails != nil {
		set.add("abuse_details", *patch.AbuseDetails)
	}
	if patch.WaitingStatus != nil {
		set.add("waiting_status", *patch.WaitingStatus)
	}
	if patch.CallbackTime != nil {
		set.add("callback_time", *patch.CallbackTime)
	}
	if patch.InterestLevel != nil {
		set.add("interest_level", *patch.InterestLevel)
	}
	if patch.PurchaseReadiness != nil {
		set.add("purchase_readiness", *patch.PurchaseReadiness)
	}
	if patch.BudgetRange != nil {
		set.add("budget_range", *patch.BudgetRange)
	}
	if patch.LastSentimentScore != nil {
		set.add("last_sentiment_score", *patch.LastSentimentScore)
	}
	if patch.PriorityScore != nil {
		set.add("priority_score", *patch.PriorityScore)
	}
	if patch.IncrementCalls {
		set.raw("total_calls = total_calls + 1")
	}
	if patch.LastContactedAt != nil {
		set.add("last_contacted_at", *patch.LastContactedAt)
	}
	set.raw("updated_at = NOW()")

	q, args := set.build("leads", id)
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("lead repo: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lead repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type leadRecord struct {
	ID                 uuid.UUID       `db:"id"`
	OrganizationID     uuid.UUID       `db:"organization_id"`
	Name               string          `db:"name"`
	Phone              sql.NullString  `db:"phone"`
	Email              sql.NullString  `db:"email"`
	StageID            *uuid.UUID      `db:"stage_id"`
	PipelineID         *uuid.UUID      `db:"pipeline_id"`
	CallStatus         string          `db:"call_status"`
	Notes              sql.NullString  `db:"notes"`
	RejectionReason    sql.NullString  `db:"rejection_reason"`
	TransferredToHuman bool            `db:"transferred_to_human"`
	AbuseFlag          bool            `db:"abuse_flag"`
	AbuseDetails       sql.NullString  `db:"abuse_details"`
	WaitingStatus      sql.NullString  `db:"waiting_status"`
	CallbackTime       *time.Time      `db:"callback_time"`
	InterestLevel      sql.NullString  `db:"interest_level"`
	PurchaseReadiness  sql.NullString  `db:"purchase_readiness"`
	BudgetRange        sql.NullString  `db:"budget_range"`
	LastSentimentScore sql.NullFloat64 `db:"last_sentiment_score"`
	PriorityScore      sql.NullInt32   `db:"priority_score"`
	TotalCalls         int             `db:"total_calls"`
	LastContactedAt    *time.Time      `db:"last_contacted_at"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

func (r leadRecord) toDomain() domain.Lead {
	lead := domain.Lead{
		ID:                 r.ID,
		OrganizationID:     r.OrganizationID,
		Name:               r.Name,
		Phone:              r.Phone.String,
		Email:              r.Email.String,
		StageID:            r.StageID,
		PipelineID:         r.PipelineID,
		CallStatus:         domain.LeadCallStatus(r.CallStatus),
		Notes:              r.Notes.String,
		RejectionReason:    r.RejectionReason.String,
		TransferredToHuman: r.TransferredToHuman,
		AbuseFlag:          r.AbuseFlag,
		AbuseDetails:       r.AbuseDetails.String,
		WaitingStatus:      r.WaitingStatus.String,
		CallbackTime:       r.CallbackTime,
		InterestLevel:      r.InterestLevel.String,
		PurchaseReadiness:  r.PurchaseReadiness.String,
		BudgetRange:        r.BudgetRange.String,
		TotalCalls:         r.TotalCalls,
		LastContactedAt:    r.LastContactedAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.LastSentimentScore.Valid {
		lead.LastSentimentScore = &r.LastSentimentScore.Float64
	}
	if r.PriorityScore.Valid {
		score := int(r.PriorityScore.Int32)
		lead.PriorityScore = &score
	}
	return lead
}
