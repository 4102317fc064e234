package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
)

// Organization owns campaigns, leads and personnel.
type Organization struct {
	ID   uuid.UUID
	Name string
	// CallerID is the number presented to leads; empty means use the system default.
	CallerID string
}

// Campaign models an outbound call campaign definition.
type Campaign struct {
	ID                 uuid.UUID
	OrganizationID     uuid.UUID
	Organization       Organization
	Name               string
	Description        string
	Location           string
	Script             string
	Voice              string
	Profile            string
	MaxConcurrentCalls int
	TotalCalls         int
	Status             CampaignStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CallerID resolves the presented number, falling back to the system default.
func (c *Campaign) CallerID(systemDefault string) string {
	if c != nil && c.Organization.CallerID != "" {
		return c.Organization.CallerID
	}
	return systemDefault
}
