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

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `c.id, c.organization_id, c.name, c.description, c.location, c.ai_script, c.ai_voice,
	       c.voice_profile, c.max_concurrent_calls, c.total_calls, c.status, c.created_at, c.updated_at,
	       o.name AS organization_name, o.caller_id AS organization_caller_id`

// Get fetches a campaign with its organization.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	q := `SELECT ` + campaignColumns + `
	  FROM campaigns c
	  JOIN organizations o ON o.id = c.organization_id
	 WHERE c.id = $1`

	var record campaignRecord
	if err := r.db.QueryRowxContext(ctx, q, id).StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// IncrementTotalCalls bumps the campaign's dial counter.
func (r *CampaignRepository) IncrementTotalCalls(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET total_calls = total_calls + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("campaign repo: increment total calls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListActiveByOrganization returns the organization's other active campaigns.
func (r *CampaignRepository) ListActiveByOrganization(ctx context.Context, organizationID, excludeID uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns c
		JOIN organizations o ON o.id = c.organization_id
		WHERE c.organization_id = $1 AND c.id <> $2 AND c.status = $3
		ORDER BY c.updated_at DESC LIMIT $4`, organizationID, excludeID, domain.CampaignStatusActive, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list active: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}

	return results, nil
}

type campaignRecord struct {
	ID                   uuid.UUID      `db:"id"`
	OrganizationID       uuid.UUID      `db:"organization_id"`
	Name                 string         `db:"name"`
	Description          sql.NullString `db:"description"`
	Location             sql.NullString `db:"location"`
	Script               sql.NullString `db:"ai_script"`
	Voice                sql.NullString `db:"ai_voice"`
	Profile              sql.NullString `db:"voice_profile"`
	MaxConcurrentCalls   int            `db:"max_concurrent_calls"`
	TotalCalls           int            `db:"total_calls"`
	Status               string         `db:"status"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
	OrganizationName     string         `db:"organization_name"`
	OrganizationCallerID sql.NullString `db:"organization_caller_id"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	return domain.Campaign{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		Organization: domain.Organization{
			ID:       r.OrganizationID,
			Name:     r.OrganizationName,
			CallerID: r.OrganizationCallerID.String,
		},
		Name:               r.Name,
		Description:        r.Description.String,
		Location:           r.Location.String,
		Script:             r.Script.String,
		Voice:              r.Voice.String,
		Profile:            r.Profile.String,
		MaxConcurrentCalls: r.MaxConcurrentCalls,
		TotalCalls:         r.TotalCalls,
		Status:             domain.CampaignStatus(r.Status),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}
