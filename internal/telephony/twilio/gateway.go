// Package twilio implements the telephony gateway on the Twilio REST API.
package twilio

import (
	"context"
	"fmt"
	"time"

	twiliogo "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/acme/outbound-voice-bridge/internal/config"
	"github.com/acme/outbound-voice-bridge/internal/telephony"
)

// api is the subset of the Twilio v2010 API the gateway uses.
type api interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// Gateway places and controls calls through Twilio.
type Gateway struct {
	api api
}

// New creates a gateway from telephony credentials.
func New(cfg config.TelephonyConfig) *Gateway {
	client := twiliogo.NewRestClientWithParams(twiliogo.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Gateway{api: client.Api}
}

// Originate places an outbound call whose answer document is fetched from req.AnswerURL.
func (g *Gateway) Originate(ctx context.Context, req telephony.OriginateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetUrl(req.AnswerURL)
	params.SetMethod("POST")
	if req.StatusCallbackURL != "" {
		params.SetStatusCallback(req.StatusCallbackURL)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent([]string{"completed"})
	}
	if req.TimeLimit > 0 {
		params.SetTimeLimit(int(req.TimeLimit / time.Second))
	}

	call, err := g.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio: create call to %s: %w", req.To, err)
	}
	if call.Sid == nil || *call.Sid == "" {
		return "", fmt.Errorf("twilio: create call to %s: empty sid", req.To)
	}
	return *call.Sid, nil
}

// Transfer redirects the live call to the document at targetURL.
func (g *Gateway) Transfer(ctx context.Context, callSID, targetURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.UpdateCallParams{}
	params.SetUrl(targetURL)
	params.SetMethod("POST")
	if _, err := g.api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("twilio: transfer %s: %w", callSID, err)
	}
	return nil
}

// Hangup completes the live call.
func (g *Gateway) Hangup(ctx context.Context, callSID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := g.api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("twilio: hangup %s: %w", callSID, err)
	}
	return nil
}

// SendSMS sends a text message.
func (g *Gateway) SendSMS(ctx context.Context, to, from, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(body)

	msg, err := g.api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("twilio: send sms to %s: %w", to, err)
	}
	if msg.Sid == nil {
		return "", nil
	}
	return *msg.Sid, nil
}
