package domain

import (
	"time"

	"github.com/google/uuid"
)

// Analysis is the structured sentiment read of a transcript.
type Analysis struct {
	SentimentScore    float64  `json:"sentiment_score"`
	SentimentLabel    string   `json:"sentiment_label"`
	PrimaryEmotion    string   `json:"primary_emotion"`
	Intent            string   `json:"intent"`
	InterestLevel     string   `json:"interest_level"`
	PurchaseReadiness string   `json:"purchase_readiness"`
	Objections        []string `json:"objections"`
	BudgetMentioned   bool     `json:"budget_mentioned"`
	BudgetRange       *string  `json:"budget_range"`
	TimelineMentioned bool     `json:"timeline_mentioned"`
	Timeline          *string  `json:"timeline"`
	KeyPhrases        []string `json:"key_phrases"`
	RecommendedAction string   `json:"recommended_action"`
}

// PriorityScore ranks a lead 0..100 from an analysis.
func (a Analysis) PriorityScore() int {
	score := 50

	switch {
	case a.SentimentScore > 0.7:
		score += 20
	case a.SentimentScore > 0.3:
		score += 10
	case a.SentimentScore < -0.3:
		score -= 10
	}

	switch a.InterestLevel {
	case "high":
		score += 30
	case "medium":
		score += 15
	case "low":
		score -= 10
	}

	switch a.PurchaseReadiness {
	case "immediate":
		score += 30
	case "short_term":
		score += 20
	case "long_term":
		score += 10
	}

	if a.BudgetMentioned {
		score += 10
	}
	if a.TimelineMentioned {
		score += 10
	}
	if len(a.Objections) > 2 {
		score -= 10
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Insight is a persisted analysis tied to a call.
type Insight struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	CallLogID      uuid.UUID
	LeadID         uuid.UUID
	Analysis       Analysis
	PriorityScore  int
	CreatedAt      time.Time
}
