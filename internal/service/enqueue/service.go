package enqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/repository"
	apperrors "github.com/acme/outbound-voice-bridge/pkg/errors"
)

// Service places leads on the dial queue.
type Service struct {
	queue     repository.QueueRepository
	leads     repository.LeadRepository
	campaigns repository.CampaignRepository
	stats     repository.CampaignStatisticsRepository
	now       func() time.Time
}

// NewService constructs an enqueue service.
func NewService(store *repository.Store) *Service {
	return &Service{
		queue:     store.Queue,
		leads:     store.Leads,
		campaigns: store.Campaigns,
		stats:     store.Stats,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Input captures an enqueue request.
type Input struct {
	LeadID     uuid.UUID
	CampaignID uuid.UUID
	// NextRetryAt delays the first dial; nil dials on the next scheduler pass.
	NextRetryAt *time.Time
}

// Enqueue validates the lead and campaign and creates a queued item.
func (s *Service) Enqueue(ctx context.Context, input Input) (*domain.QueueItem, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	campaign, err := s.campaigns.Get(ctx, input.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("enqueue service: get campaign: %w", err)
	}
	if campaign.Status != domain.CampaignStatusActive {
		return nil, fmt.Errorf("%w: campaign %s is %s", apperrors.ErrConflict, campaign.ID, campaign.Status)
	}

	lead, err := s.leads.Get(ctx, input.LeadID)
	if err != nil {
		return nil, fmt.Errorf("enqueue service: get lead: %w", err)
	}
	if lead.Phone == "" {
		return nil, fmt.Errorf("%w: lead %s has no phone number", apperrors.ErrValidation, lead.ID)
	}

	now := s.now()
	due := now
	if input.NextRetryAt != nil {
		due = input.NextRetryAt.UTC()
	}
	item := &domain.QueueItem{
		ID:             uuid.New(),
		LeadID:         lead.ID,
		CampaignID:     campaign.ID,
		OrganizationID: campaign.OrganizationID,
		Status:         domain.QueueStatusQueued,
		NextRetryAt:    due,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue service: enqueue: %w", err)
	}

	if err := s.stats.Ensure(ctx, campaign.ID); err != nil {
		return nil, fmt.Errorf("enqueue service: ensure stats: %w", err)
	}
	return item, nil
}

// Get returns a queue item.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	item, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("enqueue service: get item: %w", err)
	}
	return item, nil
}

// Stats returns the campaign's aggregate counters.
func (s *Service) Stats(ctx context.Context, campaignID uuid.UUID) (*repository.CampaignStats, error) {
	stats, err := s.stats.Get(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("enqueue service: get stats: %w", err)
	}
	return stats, nil
}

func validateInput(input Input) error {
	var errs []error
	if input.LeadID == uuid.Nil {
		errs = append(errs, errors.New("lead_id is required"))
	}
	if input.CampaignID == uuid.Nil {
		errs = append(errs, errors.New("campaign_id is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", apperrors.ErrValidation, errors.Join(errs...))
	}
	return nil
}
