package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-voice-bridge/internal/repository"
)

// CampaignStatisticsRepository implements repository.CampaignStatisticsRepository.
type CampaignStatisticsRepository struct {
	db *sqlx.DB
}

// NewCampaignStatisticsRepository builds the repository.
func NewCampaignStatisticsRepository(db *sqlx.DB) *CampaignStatisticsRepository {
	return &CampaignStatisticsRepository{db: db}
}

// Ensure ensures a row exists for the campaign.
func (r *CampaignStatisticsRepository) Ensure(ctx context.Context, campaignID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO campaign_statistics (campaign_id)
		VALUES ($1) ON CONFLICT (campaign_id) DO NOTHING`, campaignID)
	if err != nil {
		return fmt.Errorf("campaign stats: ensure: %w", err)
	}
	return nil
}

// Get retrieves statistics.
func (r *CampaignStatisticsRepository) Get(ctx context.Context, campaignID uuid.UUID) (*repository.CampaignStats, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT total_calls, failed_dials, answered_calls, transferred_calls,
		disconnected_calls, completed_calls, unanswered_calls, sms_sent, retries_scheduled
		FROM campaign_statistics WHERE campaign_id = $1`, campaignID)

	var stats repository.CampaignStats
	if err := row.StructScan(&stats); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign stats: get: %w", err)
	}
	return &stats, nil
}

// ApplyDelta applies counter deltas atomically, creating the row on first use.
func (r *CampaignStatisticsRepository) ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta repository.StatsDelta) error {
	if delta.IsZero() {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO campaign_statistics AS s (
		campaign_id, total_calls, failed_dials, answered_calls, transferred_calls,
		disconnected_calls, completed_calls, unanswered_calls, sms_sent, retries_scheduled
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (campaign_id) DO UPDATE SET
		total_calls = s.total_calls + EXCLUDED.total_calls,
		failed_dials = s.failed_dials + EXCLUDED.failed_dials,
		answered_calls = s.answered_calls + EXCLUDED.answered_calls,
		transferred_calls = s.transferred_calls + EXCLUDED.transferred_calls,
		disconnected_calls = s.disconnected_calls + EXCLUDED.disconnected_calls,
		completed_calls = s.completed_calls + EXCLUDED.completed_calls,
		unanswered_calls = s.unanswered_calls + EXCLUDED.unanswered_calls,
		sms_sent = s.sms_sent + EXCLUDED.sms_sent,
		retries_scheduled = s.retries_scheduled + EXCLUDED.retries_scheduled,
		updated_at = NOW()`,
		campaignID,
		delta.TotalCallsDelta,
		delta.FailedDialsDelta,
		delta.AnsweredDelta,
		delta.TransferredDelta,
		delta.DisconnectedDelta,
		delta.CompletedDelta,
		delta.UnansweredDelta,
		delta.SMSSentDelta,
		delta.RetriesDelta,
	)
	if err != nil {
		return fmt.Errorf("campaign stats: apply delta: %w", err)
	}
	return nil
}
