// Package scheduler turns due dial queue items into live calls at a bounded rate.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-bridge/internal/app"
	"github.com/acme/outbound-voice-bridge/internal/config"
	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/queue"
	"github.com/acme/outbound-voice-bridge/internal/repository"
	"github.com/acme/outbound-voice-bridge/internal/service/attempt"
	"github.com/acme/outbound-voice-bridge/internal/telephony"
	"github.com/acme/outbound-voice-bridge/pkg/logger"
)

// SlotLimiter caps active calls per campaign.
type SlotLimiter interface {
	Acquire(ctx context.Context, campaignID uuid.UUID, limit int) (bool, error)
	Release(ctx context.Context, campaignID uuid.UUID) error
}

// Deps are the collaborators of a scheduler.
type Deps struct {
	Store     *repository.Store
	Recorder  *attempt.Recorder
	Gateway   telephony.Gateway
	Routes    *telephony.Routes
	Slots     SlotLimiter
	Publisher queue.Publisher
	Logger    *logger.Logger
}

// Scheduler polls the dial queue and originates calls one at a time.
type Scheduler struct {
	cfg       config.SchedulerConfig
	telephony config.TelephonyConfig
	deps      Deps
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// New constructs a scheduler from the container.
func New(c *app.Container) *Scheduler {
	return newScheduler(c.Config.Scheduler, c.Config.Telephony, Deps{
		Store:     c.Store(),
		Recorder:  c.Recorder(),
		Gateway:   c.Gateway(),
		Routes:    c.Routes(),
		Slots:     c.Limiter(),
		Publisher: c.Publisher(),
		Logger:    c.Logger.Named("scheduler"),
	})
}

func newScheduler(cfg config.SchedulerConfig, tel config.TelephonyConfig, deps Deps) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.CallsPerSecond <= 0 {
		cfg.CallsPerSecond = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = 5 * time.Minute
	}
	if deps.Publisher == nil {
		deps.Publisher = queue.NopPublisher{}
	}
	return &Scheduler{
		cfg:       cfg,
		telephony: tel,
		deps:      deps,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepContext,
	}
}

// Run executes the polling loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.tick(ctx); err != nil && ctx.Err() == nil {
			s.deps.Logger.Error("scheduler tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// spacing is the pause between two originations.
func (s *Scheduler) spacing() time.Duration {
	return time.Duration(float64(time.Second) / s.cfg.CallsPerSecond)
}

func (s *Scheduler) tick(ctx context.Context) error {
	tracer := otel.Tracer("outbound.scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	items, err := s.deps.Store.Queue.ListDue(ctx, s.now(), s.cfg.MaxAttempts, s.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("scheduler: list due: %w", err)
	}
	span.SetAttributes(attribute.Int("queue.due", len(items)))
	if len(items) == 0 {
		return nil
	}
	s.deps.Logger.Info("scheduler: processing batch", zap.Int("count", len(items)))

	campaigns := map[uuid.UUID]*domain.Campaign{}
	for i, item := range items {
		if i > 0 {
			if err := s.sleep(ctx, s.spacing()); err != nil {
				return err
			}
		}
		ictx, ispan := tracer.Start(ctx, "scheduler.item", trace.WithAttributes(
			attribute.String("queue.id", item.ID.String()),
			attribute.String("lead.id", item.LeadID.String()),
			attribute.Int("attempt_count", item.AttemptCount),
		))
		s.process(ictx, item, campaigns)
		ispan.End()
	}
	return nil
}

func (s *Scheduler) process(ctx context.Context, item *domain.QueueItem, campaigns map[uuid.UUID]*domain.Campaign) {
	lg := s.deps.Logger.With(zap.String("queue_id", item.ID.String()), zap.String("lead_id", item.LeadID.String()))

	campaign, campaignErr := s.campaign(ctx, campaigns, item.CampaignID)
	acquired := false
	if campaignErr == nil && s.deps.Slots != nil {
		ok, err := s.deps.Slots.Acquire(ctx, campaign.ID, campaign.MaxConcurrentCalls)
		switch {
		case err != nil:
			lg.Warn("scheduler: slot limiter unavailable", zap.Error(err))
		case !ok:
			lg.Info("scheduler: campaign at capacity, leaving item queued", zap.String("campaign_id", campaign.ID.String()))
			return
		default:
			acquired = true
		}
	}
	releaseSlot := func() {
		if acquired {
			if err := s.deps.Slots.Release(ctx, campaign.ID); err != nil {
				lg.Warn("scheduler: release slot", zap.Error(err))
			}
		}
	}

	if err := s.deps.Store.Queue.MarkProcessing(ctx, item.ID); err != nil {
		releaseSlot()
		if errors.Is(err, repository.ErrConflict) {
			lg.Debug("scheduler: item claimed elsewhere")
			return
		}
		lg.Error("scheduler: mark processing", zap.Error(err))
		return
	}

	callSID, err := s.originate(ctx, item, campaign, campaignErr)
	if err != nil {
		releaseSlot()
		s.fail(ctx, lg, item, err)
		return
	}

	if err := s.deps.Store.Queue.MarkCompleted(ctx, item.ID, callSID); err != nil {
		lg.Error("scheduler: mark completed", zap.Error(err), zap.String("call_sid", callSID))
	}
	if err := s.deps.Store.Campaigns.IncrementTotalCalls(ctx, campaign.ID); err != nil {
		lg.Warn("scheduler: bump campaign total calls", zap.Error(err))
	}
	if err := s.deps.Store.Leads.Update(ctx, item.LeadID, domain.LeadPatch{
		CallStatus: domain.Ptr(domain.LeadCallStatusCalling),
	}); err != nil {
		lg.Warn("scheduler: set lead calling", zap.Error(err))
	}

	a, err := s.deps.Recorder.Open(ctx, attempt.Target{
		OrganizationID: campaign.OrganizationID,
		LeadID:         item.LeadID,
		CampaignID:     campaign.ID,
		CallSID:        callSID,
	})
	attemptNumber := 0
	if err != nil {
		lg.Warn("scheduler: open attempt", zap.Error(err))
	} else {
		attemptNumber = a.AttemptNumber
	}

	s.publish(ctx, queue.CallEvent{
		Type:          queue.EventDialSucceeded,
		CallSID:       callSID,
		LeadID:        item.LeadID,
		CampaignID:    item.CampaignID,
		QueueItemID:   item.ID,
		AttemptNumber: attemptNumber,
	})
	lg.Info("scheduler: call originated", zap.String("call_sid", callSID))
}

func (s *Scheduler) originate(ctx context.Context, item *domain.QueueItem, campaign *domain.Campaign, campaignErr error) (string, error) {
	lead, err := s.deps.Store.Leads.Get(ctx, item.LeadID)
	if err != nil {
		return "", fmt.Errorf("lead lookup: %w", err)
	}
	if lead.Phone == "" {
		return "", errors.New("lead has no phone number")
	}
	if campaignErr != nil {
		return "", fmt.Errorf("campaign lookup: %w", campaignErr)
	}

	callSID, err := s.deps.Gateway.Originate(ctx, telephony.OriginateRequest{
		To:                lead.Phone,
		From:              campaign.CallerID(s.telephony.DefaultCallerID),
		AnswerURL:         s.deps.Routes.AnswerURL(lead.ID, campaign.ID),
		StatusCallbackURL: s.deps.Routes.StatusURL(),
		TimeLimit:         s.telephony.TimeLimit,
	})
	if err != nil {
		return "", fmt.Errorf("originate: %w", err)
	}
	return callSID, nil
}

func (s *Scheduler) fail(ctx context.Context, lg *zap.Logger, item *domain.QueueItem, cause error) {
	attemptCount := item.AttemptCount + 1
	next := s.now().Add(domain.DialBackoff(s.cfg.BackoffStep, attemptCount))
	if err := s.deps.Store.Queue.MarkFailed(ctx, item.ID, attemptCount, next, cause.Error()); err != nil {
		lg.Error("scheduler: mark failed", zap.Error(err))
	}
	lg.Warn("scheduler: origination failed",
		zap.Error(cause),
		zap.Int("attempt_count", attemptCount),
		zap.Time("next_retry_at", next))
	s.publish(ctx, queue.CallEvent{
		Type:          queue.EventDialFailed,
		LeadID:        item.LeadID,
		CampaignID:    item.CampaignID,
		QueueItemID:   item.ID,
		AttemptNumber: attemptCount,
		Error:         cause.Error(),
	})
}

func (s *Scheduler) campaign(ctx context.Context, cache map[uuid.UUID]*domain.Campaign, id uuid.UUID) (*domain.Campaign, error) {
	if c, ok := cache[id]; ok {
		return c, nil
	}
	c, err := s.deps.Store.Campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = c
	return c, nil
}

func (s *Scheduler) publish(ctx context.Context, event queue.CallEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if err := s.deps.Publisher.Publish(ctx, event); err != nil {
		s.deps.Logger.Warn("scheduler: publish event", zap.Error(err), zap.String("type", string(event.Type)))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
