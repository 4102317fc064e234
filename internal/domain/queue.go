package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueueStatus enumerates dial queue item states.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueItem is one pending dial for a lead within a campaign.
type QueueItem struct {
	ID             uuid.UUID
	LeadID         uuid.UUID
	CampaignID     uuid.UUID
	OrganizationID uuid.UUID
	Status         QueueStatus
	AttemptCount   int
	NextRetryAt    time.Time
	LastError      string
	CallSID        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Dialable reports whether the item is eligible for a scheduler pass.
func (q *QueueItem) Dialable(now time.Time, maxAttempts int) bool {
	if q.Status != QueueStatusQueued && q.Status != QueueStatusFailed {
		return false
	}
	return !q.NextRetryAt.After(now) && q.AttemptCount < maxAttempts
}

// DialBackoff is the scheduler's linear backoff after a failed origination.
func DialBackoff(step time.Duration, attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	return step * time.Duration(attemptCount)
}
