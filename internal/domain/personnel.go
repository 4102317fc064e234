package domain

import (
	"time"

	"github.com/google/uuid"
)

// RoleEmployee is the front-line agent role eligible for transfers.
const RoleEmployee = "employee"

// Agent is a member of an organization's personnel.
type Agent struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	FullName       string
	Phone          string
	Role           string
}

// AgentCallStatusPendingAcceptance marks a transfer the agent has not picked up yet.
const AgentCallStatusPendingAcceptance = "pending_acceptance"

// AgentCall records a transfer handed to a human.
type AgentCall struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	CallLogID      *uuid.UUID
	LeadID         uuid.UUID
	AgentID        *uuid.UUID
	PhoneNumber    string
	Reason         string
	Department     string
	Outcome        string
	CreatedAt      time.Time
}
