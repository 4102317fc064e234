// Package mock provides an in-process telephony gateway that records every
// request. Local runs and tests use it in place of a carrier.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/acme/outbound-voice-bridge/internal/telephony"
)

// SMS is a recorded text message.
type SMS struct {
	To, From, Body string
}

// Gateway simulates carrier behaviour.
type Gateway struct {
	mu        sync.Mutex
	seq       atomic.Int64
	originate []telephony.OriginateRequest
	transfers map[string]string
	hangups   []string
	sms       []SMS

	// OriginateErr, when set, fails every origination.
	OriginateErr error
	// SMSErr, when set, fails every text message.
	SMSErr error
}

// NewGateway constructs an empty gateway.
func NewGateway() *Gateway {
	return &Gateway{transfers: map[string]string{}}
}

// Originate records the request and returns a synthetic call id.
func (g *Gateway) Originate(ctx context.Context, req telephony.OriginateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.originate = append(g.originate, req)
	if g.OriginateErr != nil {
		return "", g.OriginateErr
	}
	return fmt.Sprintf("CA%032d", g.seq.Add(1)), nil
}

// Transfer records the redirect.
func (g *Gateway) Transfer(_ context.Context, callSID, targetURL string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers[callSID] = targetURL
	return nil
}

// Hangup records the hangup.
func (g *Gateway) Hangup(_ context.Context, callSID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hangups = append(g.hangups, callSID)
	return nil
}

// SendSMS records the message.
func (g *Gateway) SendSMS(_ context.Context, to, from, body string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.SMSErr != nil {
		return "", g.SMSErr
	}
	g.sms = append(g.sms, SMS{To: to, From: from, Body: body})
	return fmt.Sprintf("SM%032d", g.seq.Add(1)), nil
}

// Originations returns recorded originations.
func (g *Gateway) Originations() []telephony.OriginateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]telephony.OriginateRequest(nil), g.originate...)
}

// TransferTarget returns the redirect recorded for a call.
func (g *Gateway) TransferTarget(callSID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	target, ok := g.transfers[callSID]
	return target, ok
}

// Hangups returns hung-up call ids.
func (g *Gateway) Hangups() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.hangups...)
}

// Messages returns recorded text messages.
func (g *Gateway) Messages() []SMS {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]SMS(nil), g.sms...)
}
