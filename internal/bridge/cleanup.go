package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/queue"
	"github.com/acme/outbound-voice-bridge/internal/repository"
	"github.com/acme/outbound-voice-bridge/internal/scoring"
	"github.com/acme/outbound-voice-bridge/internal/service/attempt"
)

var errNoCallLog = errors.New("bridge: call log never created")

// cleanup closes both legs and writes the final records. It runs once per
// call however many paths reach it.
func (c *call) cleanup() {
	c.once.Do(func() {
		close(c.done)
		status := c.terminalStatus()
		c.state = StateClosed

		if c.ai != nil {
			_ = c.ai.Close()
		}
		if !c.legClosed {
			c.legClosed = true
			closeLeg(c.leg, websocket.CloseNormalClosure, "call ended")
		}
		c.stopTools(c.m.cfg.CleanupTimeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.m.cfg.CleanupTimeout)
		defer cancel()
		c.finish(ctx, status)
	})
}

func (c *call) finish(ctx context.Context, status domain.CallStatus) {
	m := c.m
	ended := m.now()
	duration := ended.Sub(c.startedAt)
	transcript := domain.RenderTranscript(c.lines)

	logID, logErr := uuid.Nil, errNoCallLog
	if c.callLog != nil {
		logID, logErr = c.callLog.Await(ctx)
	}
	if logErr == nil {
		err := m.deps.Store.CallLogs.Finalize(ctx, logID, domain.CallLogFinal{
			CallStatus:  status,
			Transcript:  transcript,
			DurationSec: int(duration / time.Second),
			EndedAt:     ended,
		})
		if err != nil && !errors.Is(err, repository.ErrAlreadyRecorded) {
			c.lg.Error("bridge: finalize call log", zap.Error(err))
		}
	}

	if m.deps.Transcripts != nil && len(c.lines) > 0 {
		if err := m.deps.Transcripts.Append(ctx, c.callSID, c.lines); err != nil {
			c.lg.Warn("bridge: archive transcript", zap.Error(err))
		}
	}

	if c.lead != nil {
		patch := domain.LeadPatch{LastContactedAt: &ended}
		if !c.transferred {
			patch.CallStatus = domain.Ptr(domain.LeadCallStatusCalled)
		}
		if err := m.deps.Store.Leads.Update(ctx, c.leadID, patch); err != nil {
			c.lg.Warn("bridge: update lead", zap.Error(err))
		}
	}

	outcome := attempt.OutcomeForTranscript(transcript, m.cfg.AnsweredMinChars)
	switch {
	case c.transferred:
		outcome = domain.AttemptOutcomeAnswered
	case c.failed && outcome != domain.AttemptOutcomeAnswered:
		outcome = domain.AttemptOutcomeFailed
	}
	event := queue.CallEvent{
		Type:        queue.EventCallEnded,
		CallSID:     c.callSID,
		LeadID:      c.leadID,
		CampaignID:  c.campaignID,
		Status:      string(status),
		Outcome:     string(outcome),
		DurationSec: int(duration / time.Second),
		OccurredAt:  ended,
	}
	if a, conclusion, ok := c.concludeAttempt(ctx, logID, logErr == nil, outcome, duration); ok {
		event.AttemptNumber = a.AttemptNumber
		event.WillRetry = conclusion.WillRetry
	}

	if m.deps.Slots != nil {
		if err := m.deps.Slots.Release(ctx, c.campaignID); err != nil {
			c.lg.Warn("bridge: release campaign slot", zap.Error(err))
		}
	}
	if c.claimed {
		if err := m.deps.Claims.Unclaim(ctx, c.callSID); err != nil {
			c.lg.Warn("bridge: release session claim", zap.Error(err))
		}
	}
	if err := m.deps.Publisher.Publish(ctx, event); err != nil {
		c.lg.Warn("bridge: publish call ended", zap.Error(err))
	}

	c.lg.Info("bridge: call closed",
		zap.String("status", string(status)),
		zap.String("outcome", string(outcome)),
		zap.Duration("duration", duration),
		zap.Int("transcript_lines", len(c.lines)),
	)

	if m.deps.Scoring == nil || logErr != nil || len(transcript) <= m.cfg.AnalysisMinChars {
		return
	}
	if _, err := m.deps.Scoring.Analyze(ctx, scoring.Request{
		OrganizationID: c.campaign.OrganizationID,
		LeadID:         c.leadID,
		CallLogID:      logID,
		Transcript:     transcript,
	}); err != nil {
		c.lg.Warn("bridge: conversation scoring failed", zap.Error(err))
	}
}

// concludeAttempt writes the outcome of the call's voice attempt once.
func (c *call) concludeAttempt(ctx context.Context, logID uuid.UUID, haveLog bool, outcome domain.AttemptOutcome, duration time.Duration) (*domain.CallAttempt, domain.AttemptConclusion, bool) {
	m := c.m
	if m.deps.Recorder == nil {
		return nil, domain.AttemptConclusion{}, false
	}
	target := attempt.Target{LeadID: c.leadID, CampaignID: c.campaignID, CallSID: c.callSID}
	if c.campaign != nil {
		target.OrganizationID = c.campaign.OrganizationID
	}
	a, err := m.deps.Recorder.ForCall(ctx, target)
	if err != nil {
		c.lg.Warn("bridge: resolve call attempt", zap.Error(err))
		return nil, domain.AttemptConclusion{}, false
	}
	if haveLog && a.CallLogID == nil {
		if err := m.deps.Store.Attempts.AttachCallLog(ctx, a.ID, logID); err != nil {
			c.lg.Warn("bridge: attach call log to attempt", zap.Error(err))
		}
	}
	conclusion, err := m.deps.Recorder.Conclude(ctx, a, outcome, duration)
	if errors.Is(err, repository.ErrAlreadyRecorded) {
		return a, conclusion, false
	}
	if err != nil {
		c.lg.Warn("bridge: conclude call attempt", zap.Error(err))
		return a, conclusion, false
	}
	return a, conclusion, true
}
