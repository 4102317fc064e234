package telephony

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-voice-bridge/internal/domain"
)

// OriginateRequest describes an outbound call.
type OriginateRequest struct {
	To                string
	From              string
	AnswerURL         string
	StatusCallbackURL string
	TimeLimit         time.Duration
}

// Gateway abstracts the telephony carrier.
type Gateway interface {
	// Originate places a call and returns the carrier call id.
	Originate(ctx context.Context, req OriginateRequest) (string, error)
	// Transfer redirects a live call to a new call-control document.
	Transfer(ctx context.Context, callSID, targetURL string) error
	// Hangup terminates a live call.
	Hangup(ctx context.Context, callSID string) error
	// SendSMS sends a text message and returns the carrier message id.
	SendSMS(ctx context.Context, to, from, body string) (string, error)
}

// Carrier call statuses reported to the status callback.
const (
	StatusQueued     = "queued"
	StatusInitiated  = "initiated"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusNoAnswer   = "no-answer"
	StatusCanceled   = "canceled"
	StatusFailed     = "failed"
)

// UnansweredOutcome maps a terminal carrier status of a call that never reached
// the relay to an attempt outcome. Answered calls are concluded by the bridge.
func UnansweredOutcome(status string) (domain.AttemptOutcome, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusNoAnswer, StatusCanceled:
		return domain.AttemptOutcomeNoAnswer, true
	case StatusBusy:
		return domain.AttemptOutcomeBusy, true
	case StatusFailed:
		return domain.AttemptOutcomeFailed, true
	}
	return "", false
}

// Routes builds the public callback URLs served by the API.
type Routes struct {
	base *url.URL
}

// NewRoutes parses the public base URL (e.g. https://bridge.example.com).
func NewRoutes(publicBaseURL string) (*Routes, error) {
	u, err := url.Parse(strings.TrimRight(publicBaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("telephony: parse public base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("telephony: public base url %q must be absolute", publicBaseURL)
	}
	return &Routes{base: u}, nil
}

func (r *Routes) build(path string, scheme string, query url.Values) string {
	u := *r.base
	if scheme != "" {
		u.Scheme = scheme
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// AnswerURL is fetched by the carrier once the lead picks up.
func (r *Routes) AnswerURL(leadID, campaignID uuid.UUID) string {
	return r.build("/answer", "", url.Values{
		"lead_id":     {leadID.String()},
		"campaign_id": {campaignID.String()},
	})
}

// StatusURL receives carrier call status callbacks.
func (r *Routes) StatusURL() string {
	return r.build("/status", "", nil)
}

// TransferURL returns the dial document location for an agent number.
func (r *Routes) TransferURL(number string) string {
	return r.build("/transfer", "", url.Values{"to": {number}})
}

// StreamURL is the relay endpoint the carrier opens its media stream against.
func (r *Routes) StreamURL(ids StreamIDs) string {
	scheme := "wss"
	if r.base.Scheme == "http" {
		scheme = "ws"
	}
	return r.build("/voice/stream", scheme, ids.Values())
}

// StreamIDs identify the call a media stream belongs to.
type StreamIDs struct {
	LeadID     string
	CampaignID string
	CallSID    string
}

// Values encodes the identifiers as query parameters.
func (ids StreamIDs) Values() url.Values {
	v := url.Values{}
	if ids.LeadID != "" {
		v.Set("lead_id", ids.LeadID)
	}
	if ids.CampaignID != "" {
		v.Set("campaign_id", ids.CampaignID)
	}
	if ids.CallSID != "" {
		v.Set("call_sid", ids.CallSID)
	}
	return v
}

// Merge fills missing identifiers from other.
func (ids StreamIDs) Merge(other StreamIDs) StreamIDs {
	if ids.LeadID == "" {
		ids.LeadID = other.LeadID
	}
	if ids.CampaignID == "" {
		ids.CampaignID = other.CampaignID
	}
	if ids.CallSID == "" {
		ids.CallSID = other.CallSID
	}
	return ids
}

// Complete reports whether all identifiers are present.
func (ids StreamIDs) Complete() bool {
	return ids.LeadID != "" && ids.CampaignID != "" && ids.CallSID != ""
}

// Parse validates the identifiers.
func (ids StreamIDs) Parse() (leadID, campaignID uuid.UUID, err error) {
	if leadID, err = uuid.Parse(ids.LeadID); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("lead_id: %w", err)
	}
	if campaignID, err = uuid.Parse(ids.CampaignID); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("campaign_id: %w", err)
	}
	return leadID, campaignID, nil
}
