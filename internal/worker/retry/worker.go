// Package retry escalates concluded call attempts: due voice retries go back
// on the dial queue and the final one becomes a text message.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

// Deps are the collaborators of a retry worker.
type Deps struct {
	Store     *repository.Store
	Recorder  *attempt.Recorder
	Gateway   telephony.Gateway
	Publisher queue.Publisher
	Logger    *logger.Logger
}

// Worker scans attempts flagged for retry on its own interval.
type Worker struct {
	cfg             config.RetryConfig
	defaultCallerID string
	deps            Deps
	now             func() time.Time
}

// New creates a retry worker from the container.
func New(c *app.Container) *Worker {
	return newWorker(c.Config.Retry, c.Config.Telephony.DefaultCallerID, Deps{
		Store:     c.Store(),
		Recorder:  c.Recorder(),
		Gateway:   c.Gateway(),
		Publisher: c.Publisher(),
		Logger:    c.Logger.Named("retry"),
	})
}

func newWorker(cfg config.RetryConfig, defaultCallerID string, deps Deps) *Worker {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 20
	}
	if cfg.SMSThreshold <= 0 {
		cfg.SMSThreshold = 3
	}
	if deps.Publisher == nil {
		deps.Publisher = queue.NopPublisher{}
	}
	return &Worker{
		cfg:             cfg,
		defaultCallerID: defaultCallerID,
		deps:            deps,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Run scans for due retries until cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		if err := w.pass(ctx); err != nil && ctx.Err() == nil {
			w.deps.Logger.Error("retry pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) pass(ctx context.Context) error {
	tracer := otel.Tracer("outbound.retry")
	ctx, span := tracer.Start(ctx, "retry.pass")
	defer span.End()

	due, err := w.deps.Store.Attempts.ListDueRetries(ctx, w.now(), w.cfg.BatchLimit)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("retry: list due: %w", err)
	}
	span.SetAttributes(attribute.Int("attempts.due", len(due)))

	for _, a := range due {
		actx, aspan := tracer.Start(ctx, "retry.attempt", trace.WithAttributes(
			attribute.String("attempt.id", a.ID.String()),
			attribute.Int("attempt.number", a.AttemptNumber),
		))
		if err := w.escalate(actx, a); err != nil {
			aspan.RecordError(err)
			w.deps.Logger.Error("retry: escalation failed",
				zap.Error(err),
				zap.String("attempt_id", a.ID.String()),
				zap.String("lead_id", a.LeadID.String()))
		}
		aspan.End()
	}
	return nil
}

func (w *Worker) escalate(ctx context.Context, a *domain.CallAttempt) error {
	switch {
	case a.Channel == domain.ChannelVoice && a.AttemptNumber < w.cfg.SMSThreshold:
		return w.requeue(ctx, a)
	case a.Channel == domain.ChannelVoice && a.AttemptNumber == w.cfg.SMSThreshold:
		return w.sendSMS(ctx, a)
	default:
		return w.clear(ctx, a)
	}
}

// requeue enqueues before clearing the flag; a crash in between yields at
// worst a duplicate call.
func (w *Worker) requeue(ctx context.Context, a *domain.CallAttempt) error {
	now := w.now()
	item := &domain.QueueItem{
		ID:             uuid.New(),
		LeadID:         a.LeadID,
		CampaignID:     a.CampaignID,
		OrganizationID: a.OrganizationID,
		Status:         domain.QueueStatusQueued,
		NextRetryAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := w.deps.Store.Queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue voice retry: %w", err)
	}
	if err := w.clear(ctx, a); err != nil {
		return err
	}

	w.publish(ctx, queue.CallEvent{
		Type:          queue.EventRetryQueued,
		LeadID:        a.LeadID,
		CampaignID:    a.CampaignID,
		QueueItemID:   item.ID,
		AttemptNumber: a.AttemptNumber,
		Outcome:       string(a.Outcome),
	})
	w.deps.Logger.Info("retry: voice retry queued",
		zap.String("lead_id", a.LeadID.String()),
		zap.Int("after_attempt", a.AttemptNumber),
		zap.String("queue_id", item.ID.String()))
	return nil
}

// sendSMS claims the attempt before texting so a message is never sent twice.
// A carrier rejection is still recorded, as a failed sms attempt, so the
// lead's history shows the fallback was tried.
func (w *Worker) sendSMS(ctx context.Context, a *domain.CallAttempt) error {
	lead, err := w.deps.Store.Leads.Get(ctx, a.LeadID)
	if err != nil {
		return fmt.Errorf("lead lookup: %w", err)
	}
	if lead.Phone == "" {
		return w.clear(ctx, a)
	}
	from := w.defaultCallerID
	if campaign, err := w.deps.Store.Campaigns.Get(ctx, a.CampaignID); err == nil {
		from = campaign.CallerID(w.defaultCallerID)
	} else {
		w.deps.Logger.Warn("retry: campaign lookup failed, using default caller id", zap.Error(err))
	}

	if err := w.clear(ctx, a); err != nil {
		return err
	}

	body := RenderSMS(w.cfg.SMSTemplate, lead.Name, from)
	if _, sendErr := w.deps.Gateway.SendSMS(ctx, lead.Phone, from, body); sendErr != nil {
		sms, err := w.deps.Recorder.RecordSMS(ctx, a, domain.AttemptOutcomeFailed)
		if err != nil {
			return errors.Join(fmt.Errorf("send sms: %w", sendErr), err)
		}
		w.publish(ctx, queue.CallEvent{
			Type:          queue.EventSMSFailed,
			LeadID:        a.LeadID,
			CampaignID:    a.CampaignID,
			AttemptNumber: sms.AttemptNumber,
			Outcome:       string(sms.Outcome),
			Error:         sendErr.Error(),
		})
		return fmt.Errorf("send sms: %w", sendErr)
	}
	sms, err := w.deps.Recorder.RecordSMS(ctx, a, domain.AttemptOutcomeSent)
	if err != nil {
		return err
	}

	w.publish(ctx, queue.CallEvent{
		Type:          queue.EventSMSSent,
		LeadID:        a.LeadID,
		CampaignID:    a.CampaignID,
		AttemptNumber: sms.AttemptNumber,
		Outcome:       string(sms.Outcome),
	})
	w.deps.Logger.Info("retry: sms fallback sent",
		zap.String("lead_id", a.LeadID.String()),
		zap.Int("attempt_number", sms.AttemptNumber))
	return nil
}

func (w *Worker) clear(ctx context.Context, a *domain.CallAttempt) error {
	if err := w.deps.Store.Attempts.ClearRetry(ctx, a.ID); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("attempt %s already escalated: %w", a.ID, err)
		}
		return fmt.Errorf("clear retry: %w", err)
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, event queue.CallEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = w.now()
	}
	if err := w.deps.Publisher.Publish(ctx, event); err != nil {
		w.deps.Logger.Warn("retry: publish event", zap.Error(err), zap.String("type", string(event.Type)))
	}
}

// RenderSMS fills the {{name}} and {{number}} placeholders.
func RenderSMS(template, name, number string) string {
	if strings.TrimSpace(name) == "" {
		name = "there"
	}
	return strings.NewReplacer("{{name}}", name, "{{number}}", number).Replace(template)
}
