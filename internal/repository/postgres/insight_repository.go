package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-voice-bridge/internal/domain"
)

// InsightRepository writes conversation_insights rows.
type InsightRepository struct {
	db *sqlx.DB
}

// NewInsightRepository constructs a new repository.
func NewInsightRepository(db *sqlx.DB) *InsightRepository {
	return &InsightRepository{db: db}
}

// Create persists an analysis.
func (r *InsightRepository) Create(ctx context.Context, insight *domain.Insight) error {
	a := insight.Analysis
	objections, err := json.Marshal(nonNil(a.Objections))
	if err != nil {
		return fmt.Errorf("insight repo: marshal objections: %w", err)
	}
	phrases, err := json.Marshal(nonNil(a.KeyPhrases))
	if err != nil {
		return fmt.Errorf("insight repo: marshal key phrases: %w", err)
	}

	q := `INSERT INTO conversation_insights (
		id, organization_id, call_log_id, lead_id, overall_sentiment, sentiment_label, primary_emotion, intent,
		interest_level, purchase_readiness, objections, budget_mentioned, budget_range, timeline_mentioned,
		timeline, key_phrases, recommended_action, priority_score, created_at
	) VALUES (
		:id, :organization_id, :call_log_id, :lead_id, :overall_sentiment, :sentiment_label, :primary_emotion, :intent,
		:interest_level, :purchase_readiness, :objections, :budget_mentioned, :budget_range, :timeline_mentioned,
		:timeline, :key_phrases, :recommended_action, :priority_score, :created_at
	)`
	params := map[string]any{
		"id":                 insight.ID,
		"organization_id":    nullUUID(insight.OrganizationID),
		"call_log_id":        insight.CallLogID,
		"lead_id":            insight.LeadID,
		"overall_sentiment":  a.SentimentScore,
		"sentiment_label":    a.SentimentLabel,
		"primary_emotion":    a.PrimaryEmotion,
		"intent":             a.Intent,
		"interest_level":     a.InterestLevel,
		"purchase_readiness": a.PurchaseReadiness,
		"objections":         string(objections),
		"budget_mentioned":   a.BudgetMentioned,
		"budget_range":       a.BudgetRange,
		"timeline_mentioned": a.TimelineMentioned,
		"timeline":           a.Timeline,
		"key_phrases":        string(phrases),
		"recommended_action": a.RecommendedAction,
		"priority_score":     insight.PriorityScore,
		"created_at":         insight.CreatedAt,
	}
	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("insight repo: insert: %w", err)
	}
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
