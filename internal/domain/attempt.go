package domain

import (
	"time"

	"github.com/google/uuid"
)

// Channel is the medium of a contact attempt.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelSMS   Channel = "sms"
)

// AttemptOutcome enumerates call attempt results.
type AttemptOutcome string

const (
	AttemptOutcomeInProgress AttemptOutcome = "in_progress"
	AttemptOutcomeAnswered   AttemptOutcome = "answered"
	AttemptOutcomeNoAnswer   AttemptOutcome = "no_answer"
	AttemptOutcomeBusy       AttemptOutcome = "busy"
	AttemptOutcomeFailed     AttemptOutcome = "failed"
	AttemptOutcomeSent       AttemptOutcome = "sent"
)

// Retryable reports whether the outcome warrants another try.
func (o AttemptOutcome) Retryable() bool {
	switch o {
	case AttemptOutcomeNoAnswer, AttemptOutcomeBusy, AttemptOutcomeFailed:
		return true
	}
	return false
}

// CallAttempt is one dial or SMS towards a lead.
type CallAttempt struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	LeadID         uuid.UUID
	CampaignID     uuid.UUID
	CallLogID      *uuid.UUID
	CallSID        string
	AttemptNumber  int
	Channel        Channel
	Outcome        AttemptOutcome
	DurationSec    int
	WillRetry      bool
	NextRetryAt    *time.Time
	RetryReason    string
	AttemptedAt    time.Time
}

// AttemptConclusion is written once when an attempt ends.
type AttemptConclusion struct {
	Outcome     AttemptOutcome
	DurationSec int
	WillRetry   bool
	NextRetryAt *time.Time
	RetryReason string
}

// RetryPolicy is the escalation delay table keyed by attempt number (1-based).
type RetryPolicy struct {
	Delays []time.Duration
}

// DefaultRetryPolicy waits 2h, 24h and 48h after attempts 1, 2 and 3.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delays: []time.Duration{2 * time.Hour, 24 * time.Hour, 48 * time.Hour}}
}

// Delay returns the wait after the given attempt and whether a retry exists.
func (p RetryPolicy) Delay(attemptNumber int) (time.Duration, bool) {
	if attemptNumber < 1 || attemptNumber > len(p.Delays) {
		return 0, false
	}
	d := p.Delays[attemptNumber-1]
	return d, d > 0
}

// Conclude builds the attempt conclusion for an outcome observed at now.
func (p RetryPolicy) Conclude(attemptNumber int, outcome AttemptOutcome, duration time.Duration, now time.Time) AttemptConclusion {
	c := AttemptConclusion{Outcome: outcome, DurationSec: int(duration / time.Second)}
	if !outcome.Retryable() {
		return c
	}
	c.RetryReason = string(outcome)
	if d, ok := p.Delay(attemptNumber); ok {
		next := now.Add(d)
		c.WillRetry = true
		c.NextRetryAt = &next
	}
	return c
}
