package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CallStatus enumerates call log states.
type CallStatus string

const (
	CallStatusInProgress   CallStatus = "in_progress"
	CallStatusTransferred  CallStatus = "transferred"
	CallStatusDisconnected CallStatus = "disconnected"
	CallStatusCompleted    CallStatus = "completed"
)

// CallLog is the durable record of one bridged call.
type CallLog struct {
	ID                  uuid.UUID
	OrganizationID      uuid.UUID
	CallSID             string
	LeadID              uuid.UUID
	CampaignID          uuid.UUID
	CallStatus          CallStatus
	Transcript          string
	DurationSec         int
	Transferred         bool
	TransferredAt       *time.Time
	TransferReason      string
	TransferDepartment  string
	DisconnectReason    string
	Notes               string
	StartedAt           time.Time
	EndedAt             *time.Time
}

// CallLogPatch is a partial update applied while the call is live.
type CallLogPatch struct {
	CallStatus          *CallStatus
	Transferred         *bool
	TransferredAt       *time.Time
	TransferReason      *string
	TransferDepartment  *string
	DisconnectReason    *string
	Notes               *string
}

// CallLogFinal is written once when the call ends.
type CallLogFinal struct {
	CallStatus  CallStatus
	Transcript  string
	DurationSec int
	EndedAt     time.Time
}

// Speaker tags a transcript line.
type Speaker string

const (
	SpeakerUser Speaker = "User"
	SpeakerAI   Speaker = "AI"
)

// TranscriptLine is one utterance in a call.
type TranscriptLine struct {
	Seq     int
	Speaker Speaker
	Text    string
	At      time.Time
}

// RenderTranscript joins lines as "Speaker: text" rows.
func RenderTranscript(lines []TranscriptLine) string {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(string(line.Speaker))
		b.WriteString(": ")
		b.WriteString(line.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
