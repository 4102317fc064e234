package domain

import (
	"strings"

	"github.com/google/uuid"
)

// LeadOutcome is the coarse sales outcome a call can push a lead towards.
type LeadOutcome string

const (
	LeadOutcomeContacted LeadOutcome = "contacted"
	LeadOutcomeQualified LeadOutcome = "qualified"
	LeadOutcomeLost      LeadOutcome = "lost"
	LeadOutcomeConverted LeadOutcome = "converted"
)

// ParseLeadOutcome maps free-form status text to an outcome, defaulting to contacted.
func ParseLeadOutcome(status string) LeadOutcome {
	switch LeadOutcome(strings.ToLower(strings.TrimSpace(status))) {
	case LeadOutcomeQualified:
		return LeadOutcomeQualified
	case LeadOutcomeLost:
		return LeadOutcomeLost
	case LeadOutcomeConverted:
		return LeadOutcomeConverted
	default:
		return LeadOutcomeContacted
	}
}

// PipelineStage is one column of an organization's sales pipeline.
type PipelineStage struct {
	ID         uuid.UUID
	PipelineID uuid.UUID
	Name       string
	Position   int
}

var stagePatterns = map[LeadOutcome][]string{
	LeadOutcomeQualified: {"qualified", "interested", "hot"},
	LeadOutcomeContacted: {"contacted", "in contact", "follow"},
	LeadOutcomeLost:      {"lost", "closed lost", "disqualified", "dead"},
	LeadOutcomeConverted: {"won", "converted", "closed won", "success"},
}

// StageForOutcome picks the first stage whose name matches the outcome's patterns,
// in pattern order. It returns nil when nothing matches.
func StageForOutcome(stages []PipelineStage, outcome LeadOutcome) *PipelineStage {
	patterns, ok := stagePatterns[outcome]
	if !ok {
		patterns = stagePatterns[LeadOutcomeContacted]
	}
	for _, pattern := range patterns {
		for i := range stages {
			if strings.Contains(strings.ToLower(stages[i].Name), pattern) {
				return &stages[i]
			}
		}
	}
	return nil
}
