package queue

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates call lifecycle events.
type EventType string

const (
	EventDialSucceeded EventType = "dial_succeeded"
	EventDialFailed    EventType = "dial_failed"
	EventCallEnded     EventType = "call_ended"
	EventSMSSent       EventType = "sms_sent"
	EventSMSFailed     EventType = "sms_failed"
	EventRetryQueued   EventType = "retry_queued"
)

// CallEvent is published whenever a dial, call or escalation step completes.
type CallEvent struct {
	Type          EventType `json:"type"`
	CallSID       string    `json:"call_sid,omitempty"`
	LeadID        uuid.UUID `json:"lead_id"`
	CampaignID    uuid.UUID `json:"campaign_id"`
	QueueItemID   uuid.UUID `json:"queue_item_id,omitempty"`
	AttemptNumber int       `json:"attempt_number,omitempty"`
	// Status is the final call log status of a bridged call.
	Status string `json:"status,omitempty"`
	// Outcome is the attempt outcome.
	Outcome     string    `json:"outcome,omitempty"`
	WillRetry   bool      `json:"will_retry,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationSec int       `json:"duration_sec,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Key partitions events so a lead's events stay ordered.
func (e CallEvent) Key() []byte {
	return e.LeadID[:]
}
