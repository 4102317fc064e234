package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/repository/memory"
	"github.com/acme/outbound-voice-bridge/pkg/logger"
)

type stubScorer struct {
	analysis domain.Analysis
	err      error
}

func (s stubScorer) Score(context.Context, string) (domain.Analysis, error) {
	return s.analysis, s.err
}

func TestParseAnalysis(t *testing.T) {
	a, err := ParseAnalysis("```json\n{\"sentiment_score\":0.8,\"interest_level\":\"high\",\"budget_range\":null}\n```")
	require.NoError(t, err)
	assert.Equal(t, 0.8, a.SentimentScore)
	assert.Equal(t, "high", a.InterestLevel)
	assert.Nil(t, a.BudgetRange)

	_, err = ParseAnalysis(`{"sentiment_score":4}`)
	assert.Error(t, err)

	_, err = ParseAnalysis("not json")
	assert.Error(t, err)
}

func TestAnalyzePersistsEverywhere(t *testing.T) {
	store, data := memory.NewStore()
	leadID := uuid.New()
	data.PutLead(domain.Lead{ID: leadID, TotalCalls: 2})

	log := &domain.CallLog{ID: uuid.New(), CallSID: "CA1", LeadID: leadID, CallStatus: domain.CallStatusInProgress, StartedAt: time.Now()}
	require.NoError(t, store.CallLogs.Create(context.Background(), log))
	final := domain.CallLogFinal{CallStatus: domain.CallStatusCompleted, Transcript: "AI: hi\n", DurationSec: 40, EndedAt: time.Now()}
	require.NoError(t, store.CallLogs.Finalize(context.Background(), log.ID, final))

	budget := "50L - 70L"
	analysis := domain.Analysis{
		SentimentScore:    0.8,
		SentimentLabel:    "positive",
		InterestLevel:     "high",
		PurchaseReadiness: "immediate",
		BudgetMentioned:   true,
		BudgetRange:       &budget,
		RecommendedAction: "Schedule a site visit",
	}
	svc := NewService(stubScorer{analysis: analysis}, store, logger.NewNop())

	insight, err := svc.Analyze(context.Background(), Request{LeadID: leadID, CallLogID: log.ID, Transcript: "..."})
	require.NoError(t, err)
	assert.Equal(t, 100, insight.PriorityScore)
	require.Len(t, data.Insights(), 1)

	lead := data.Lead(leadID)
	assert.Equal(t, "high", lead.InterestLevel)
	assert.Equal(t, budget, lead.BudgetRange)
	assert.Equal(t, 3, lead.TotalCalls)
	require.NotNil(t, lead.PriorityScore)
	assert.Equal(t, 100, *lead.PriorityScore)

	insights := data.Insights()
	assert.Equal(t, log.ID, insights[0].CallLogID)
	assert.Equal(t, 0.8, insights[0].Analysis.SentimentScore)
	assert.Equal(t, "Schedule a site visit", insights[0].Analysis.RecommendedAction)

	got, err := store.CallLogs.Get(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCompleted, got.CallStatus)
	assert.Equal(t, "AI: hi\n", got.Transcript)
}

func TestAnalyzeScorerFailure(t *testing.T) {
	store, data := memory.NewStore()
	svc := NewService(stubScorer{err: errors.New("quota")}, store, logger.NewNop())

	_, err := svc.Analyze(context.Background(), Request{LeadID: uuid.New(), CallLogID: uuid.New()})
	assert.Error(t, err)
	assert.Empty(t, data.Insights())
}
