package status

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-bridge/internal/app"
	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/queue"
	"github.com/acme/outbound-voice-bridge/internal/repository"
	"github.com/acme/outbound-voice-bridge/pkg/logger"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Worker folds call events into campaign statistics.
type Worker struct {
	reader messageReader
	stats  repository.CampaignStatisticsRepository
	logger *logger.Logger
}

// New creates a new status worker reading the event topic.
func New(container *app.Container) *Worker {
	return &Worker{
		reader: container.Events.Subscribe("stats"),
		stats:  container.Store().Stats,
		logger: container.Logger,
	}
}

// Run processes events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	tracer := otel.Tracer("outbound.statusworker")
	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("status worker: fetch", zap.Error(err))
			continue
		}

		var event queue.CallEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			w.logger.Error("status worker: unmarshal", zap.Error(err))
			_ = w.reader.CommitMessages(ctx, msg)
			continue
		}

		sctx, span := tracer.Start(ctx, "call.event", trace.WithAttributes(
			attribute.String("event.type", string(event.Type)),
			attribute.String("call.sid", event.CallSID),
			attribute.String("campaign.id", event.CampaignID.String()),
		))
		if err := w.apply(sctx, event); err != nil {
			span.RecordError(err)
			w.logger.Error("status worker: apply stats", zap.Error(err), zap.String("type", string(event.Type)))
		}
		if err := w.reader.CommitMessages(sctx, msg); err != nil {
			span.RecordError(err)
			w.logger.Error("status worker: commit", zap.Error(err))
		}
		span.End()
	}
}

func (w *Worker) apply(ctx context.Context, event queue.CallEvent) error {
	if event.CampaignID == uuid.Nil {
		return nil
	}
	delta := deltaFor(event)
	if delta.IsZero() {
		return nil
	}
	return w.stats.ApplyDelta(ctx, event.CampaignID, delta)
}

func deltaFor(event queue.CallEvent) repository.StatsDelta {
	var delta repository.StatsDelta
	switch event.Type {
	case queue.EventDialSucceeded:
		delta.TotalCallsDelta++
	case queue.EventDialFailed:
		delta.FailedDialsDelta++
	case queue.EventSMSSent:
		delta.SMSSentDelta++
	case queue.EventRetryQueued:
		delta.RetriesDelta++
	case queue.EventCallEnded:
		switch domain.CallStatus(event.Status) {
		case domain.CallStatusTransferred:
			delta.TransferredDelta++
		case domain.CallStatusDisconnected:
			delta.DisconnectedDelta++
		case domain.CallStatusCompleted:
			delta.CompletedDelta++
		}
		outcome := domain.AttemptOutcome(event.Outcome)
		switch {
		case outcome == domain.AttemptOutcomeAnswered:
			delta.AnsweredDelta++
		case outcome.Retryable():
			delta.UnansweredDelta++
		}
	}
	return delta
}
