package domain

import (
	"time"

	"github.com/google/uuid"
)

// LeadCallStatus tracks where a lead is in the dialing flow.
type LeadCallStatus string

const (
	LeadCallStatusNotCalled LeadCallStatus = "not_called"
	LeadCallStatusCalling   LeadCallStatus = "calling"
	LeadCallStatusCalled    LeadCallStatus = "called"
)

// WaitingStatusCallbackScheduled marks a lead that asked to be called back.
const WaitingStatusCallbackScheduled = "callback_scheduled"

// Lead is a prospective customer. It is owned by the CRM; calls only patch it.
type Lead struct {
	ID                 uuid.UUID
	OrganizationID     uuid.UUID
	Name               string
	Phone              string
	Email              string
	StageID            *uuid.UUID
	PipelineID         *uuid.UUID
	CallStatus         LeadCallStatus
	Notes              string
	RejectionReason    string
	TransferredToHuman bool
	AbuseFlag          bool
	AbuseDetails       string
	WaitingStatus      string
	CallbackTime       *time.Time
	InterestLevel      string
	PurchaseReadiness  string
	BudgetRange        string
	LastSentimentScore *float64
	PriorityScore      *int
	TotalCalls         int
	LastContactedAt    *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// LeadPatch is a partial update applied atomically to one lead. Nil fields are left untouched.
type LeadPatch struct {
	StageID            *uuid.UUID
	CallStatus         *LeadCallStatus
	Notes              *string
	RejectionReason    *string
	TransferredToHuman *bool
	AbuseFlag          *bool
	AbuseDetails       *string
	WaitingStatus      *string
	CallbackTime       *time.Time
	InterestLevel      *string
	PurchaseReadiness  *string
	BudgetRange        *string
	LastSentimentScore *float64
	PriorityScore      *int
	IncrementCalls     bool
	LastContactedAt    *time.Time
}

// Empty reports whether the patch changes nothing.
func (p LeadPatch) Empty() bool {
	return p == LeadPatch{}
}

// Apply merges the patch into the lead.
func (p LeadPatch) Apply(l *Lead) {
	if p.StageID != nil {
		id := *p.StageID
		l.StageID = &id
	}
	if p.CallStatus != nil {
		l.CallStatus = *p.CallStatus
	}
	if p.Notes != nil {
		l.Notes = *p.Notes
	}
	if p.RejectionReason != nil {
		l.RejectionReason = *p.RejectionReason
	}
	if p.TransferredToHuman != nil {
		l.TransferredToHuman = *p.TransferredToHuman
	}
	if p.AbuseFlag != nil {
		l.AbuseFlag = *p.AbuseFlag
	}
	if p.AbuseDetails != nil {
		l.AbuseDetails = *p.AbuseDetails
	}
	if p.WaitingStatus != nil {
		l.WaitingStatus = *p.WaitingStatus
	}
	if p.CallbackTime != nil {
		t := *p.CallbackTime
		l.CallbackTime = &t
	}
	if p.InterestLevel != nil {
		l.InterestLevel = *p.InterestLevel
	}
	if p.PurchaseReadiness != nil {
		l.PurchaseReadiness = *p.PurchaseReadiness
	}
	if p.BudgetRange != nil {
		l.BudgetRange = *p.BudgetRange
	}
	if p.LastSentimentScore != nil {
		s := *p.LastSentimentScore
		l.LastSentimentScore = &s
	}
	if p.PriorityScore != nil {
		s := *p.PriorityScore
		l.PriorityScore = &s
	}
	if p.IncrementCalls {
		l.TotalCalls++
	}
	if p.LastContactedAt != nil {
		t := *p.LastContactedAt
		l.LastContactedAt = &t
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
