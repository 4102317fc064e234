// Package scoring runs post-call sentiment analysis and persists the result.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/acme/outbound-voice-bridge/internal/config"
	"github.com/acme/outbound-voice-bridge/internal/domain"
)

// Scorer reads a transcript and returns a structured analysis.
type Scorer interface {
	Score(ctx context.Context, transcript string) (domain.Analysis, error)
}

const systemPrompt = `You are analyzing a sales phone conversation. It may mix languages.
Return ONLY a JSON object with these fields:
{
  "sentiment_score": number between -1 and 1,
  "sentiment_label": "very_positive" | "positive" | "neutral" | "negative" | "very_negative",
  "primary_emotion": "excited" | "interested" | "hesitant" | "frustrated" | "confused" | "angry" | "neutral",
  "intent": "wants_callback" | "ready_to_buy" | "just_browsing" | "not_interested" | "needs_info",
  "interest_level": "high" | "medium" | "low" | "none",
  "purchase_readiness": "immediate" | "short_term" | "long_term" | "not_ready",
  "objections": array of short snake_case strings,
  "budget_mentioned": boolean,
  "budget_range": string or null,
  "timeline_mentioned": boolean,
  "timeline": string or null,
  "key_phrases": array of important phrases,
  "recommended_action": string describing the next best action
}
Budget talk may be indirect and decisions may involve family members.`

// GeminiScorer scores transcripts with a Gemini model in JSON mode.
type GeminiScorer struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGeminiScorer creates a scorer from config.
func NewGeminiScorer(ctx context.Context, cfg config.ScoringConfig) (*GeminiScorer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("scoring: new client: %w", err)
	}
	return &GeminiScorer{client: client, model: cfg.Model, temperature: cfg.Temperature}, nil
}

// Score asks the model for an analysis of transcript.
func (s *GeminiScorer) Score(ctx context.Context, transcript string) (domain.Analysis, error) {
	resp, err := s.client.Models.GenerateContent(ctx, s.model,
		genai.Text("Analyze this conversation:\n\n"+transcript),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
			ResponseMIMEType:  "application/json",
			Temperature:       genai.Ptr(s.temperature),
		})
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("scoring: generate: %w", err)
	}
	return ParseAnalysis(resp.Text())
}

// ParseAnalysis decodes a model reply, tolerating a fenced code block.
func ParseAnalysis(text string) (domain.Analysis, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	var a domain.Analysis
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		return domain.Analysis{}, fmt.Errorf("scoring: decode analysis: %w", err)
	}
	if a.SentimentScore < -1 || a.SentimentScore > 1 {
		return domain.Analysis{}, fmt.Errorf("scoring: sentiment score %.2f out of range", a.SentimentScore)
	}
	return a, nil
}
