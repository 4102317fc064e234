package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/repository"
	"github.com/acme/outbound-voice-bridge/pkg/logger"
)

// Request identifies the call being analysed.
type Request struct {
	OrganizationID uuid.UUID
	LeadID         uuid.UUID
	CallLogID      uuid.UUID
	Transcript     string
}

// Service scores a finished call and fans the result out to the insight and
// lead records. The call log has ended by then and is left as written.
type Service struct {
	scorer   Scorer
	insights repository.InsightRepository
	leads    repository.LeadRepository
	logger   *logger.Logger
	now      func() time.Time
}

// NewService constructs a scoring service.
func NewService(scorer Scorer, store *repository.Store, lg *logger.Logger) *Service {
	return &Service{
		scorer:   scorer,
		insights: store.Insights,
		leads:    store.Leads,
		logger:   lg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Analyze scores the transcript and persists the insight. The insight insert
// gates the follow-up updates; those are logged and skipped on failure.
func (s *Service) Analyze(ctx context.Context, req Request) (*domain.Insight, error) {
	ctx, span := otel.Tracer("outbound.scoring").Start(ctx, "scoring.analyze")
	defer span.End()
	span.SetAttributes(attribute.String("lead.id", req.LeadID.String()))

	analysis, err := s.scorer.Score(ctx, req.Transcript)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	insight := &domain.Insight{
		ID:             uuid.New(),
		OrganizationID: req.OrganizationID,
		CallLogID:      req.CallLogID,
		LeadID:         req.LeadID,
		Analysis:       analysis,
		PriorityScore:  analysis.PriorityScore(),
		CreatedAt:      s.now(),
	}
	if err := s.insights.Create(ctx, insight); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scoring: save insight: %w", err)
	}

	lg := s.logger.WithContext(ctx)

	patch := domain.LeadPatch{
		InterestLevel:      domain.Ptr(analysis.InterestLevel),
		PurchaseReadiness:  domain.Ptr(analysis.PurchaseReadiness),
		LastSentimentScore: domain.Ptr(analysis.SentimentScore),
		PriorityScore:      domain.Ptr(insight.PriorityScore),
		IncrementCalls:     true,
	}
	if analysis.BudgetRange != nil {
		patch.BudgetRange = analysis.BudgetRange
	}
	if err := s.leads.Update(ctx, req.LeadID, patch); err != nil {
		lg.Warn("scoring: update lead", zap.Error(err), zap.String("lead_id", req.LeadID.String()))
	}

	lg.Info("scoring: insight saved",
		zap.String("lead_id", req.LeadID.String()),
		zap.String("sentiment", analysis.SentimentLabel),
		zap.Int("priority", insight.PriorityScore))
	return insight, nil
}
