// Package attempt keeps the call attempt ledger: one row per dial or text
// message, concluded exactly once.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/repository"
)

// Recorder creates and concludes attempts.
type Recorder struct {
	attempts repository.CallAttemptRepository
	policy   domain.RetryPolicy
	now      func() time.Time
}

// NewRecorder constructs a recorder using the escalation delay table.
func NewRecorder(attempts repository.CallAttemptRepository, policy domain.RetryPolicy) *Recorder {
	return &Recorder{
		attempts: attempts,
		policy:   policy,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Target identifies the lead a voice attempt dials.
type Target struct {
	OrganizationID uuid.UUID
	LeadID         uuid.UUID
	CampaignID     uuid.UUID
	CallSID        string
}

// Open records a voice attempt for a freshly originated call.
func (r *Recorder) Open(ctx context.Context, t Target) (*domain.CallAttempt, error) {
	a := &domain.CallAttempt{
		ID:             uuid.New(),
		OrganizationID: t.OrganizationID,
		LeadID:         t.LeadID,
		CampaignID:     t.CampaignID,
		CallSID:        t.CallSID,
		Channel:        domain.ChannelVoice,
		Outcome:        domain.AttemptOutcomeInProgress,
		AttemptedAt:    r.now(),
	}
	if err := r.attempts.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("attempt: open: %w", err)
	}
	return a, nil
}

// ForCall returns the attempt of a call, opening one when the call was placed
// outside the dial scheduler.
func (r *Recorder) ForCall(ctx context.Context, t Target) (*domain.CallAttempt, error) {
	a, err := r.attempts.FindByCallSID(ctx, t.CallSID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("attempt: find: %w", err)
	}
	a, err = r.Open(ctx, t)
	if errors.Is(err, repository.ErrConflict) {
		return r.attempts.FindByCallSID(ctx, t.CallSID)
	}
	return a, err
}

// Conclude writes the outcome and schedules the escalation retry. A second
// conclusion of the same attempt returns repository.ErrAlreadyRecorded.
func (r *Recorder) Conclude(ctx context.Context, a *domain.CallAttempt, outcome domain.AttemptOutcome, duration time.Duration) (domain.AttemptConclusion, error) {
	c := r.policy.Conclude(a.AttemptNumber, outcome, duration, r.now())
	if err := r.attempts.Conclude(ctx, a.ID, c); err != nil {
		return c, fmt.Errorf("attempt: conclude: %w", err)
	}
	return c, nil
}

// RecordSMS records the text message tried in place of a call after prev.
// outcome is sent, or failed when the carrier rejected it.
func (r *Recorder) RecordSMS(ctx context.Context, prev *domain.CallAttempt, outcome domain.AttemptOutcome) (*domain.CallAttempt, error) {
	a := &domain.CallAttempt{
		ID:             uuid.New(),
		OrganizationID: prev.OrganizationID,
		LeadID:         prev.LeadID,
		CampaignID:     prev.CampaignID,
		AttemptNumber:  prev.AttemptNumber + 1,
		Channel:        domain.ChannelSMS,
		Outcome:        outcome,
		RetryReason:    prev.RetryReason,
		AttemptedAt:    r.now(),
	}
	if err := r.attempts.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("attempt: record sms: %w", err)
	}
	return a, nil
}

// OutcomeForTranscript classifies a bridged call: a transcript longer than
// minChars means the lead answered and spoke.
func OutcomeForTranscript(transcript string, minChars int) domain.AttemptOutcome {
	if len(transcript) > minChars {
		return domain.AttemptOutcomeAnswered
	}
	return domain.AttemptOutcomeNoAnswer
}
