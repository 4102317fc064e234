package twilio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/acme/outbound-voice-bridge/internal/telephony"
)

type fakeAPI struct {
	created  *openapi.CreateCallParams
	updates  map[string]*openapi.UpdateCallParams
	message  *openapi.CreateMessageParams
	failNext error
}

func (f *fakeAPI) CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error) {
	if f.failNext != nil {
		return nil, f.failNext
	}
	f.created = params
	sid := "CA123"
	return &openapi.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeAPI) UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error) {
	if f.updates == nil {
		f.updates = map[string]*openapi.UpdateCallParams{}
	}
	f.updates[sid] = params
	return &openapi.ApiV2010Call{Sid: &sid}, nil
}

func (f *fakeAPI) CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error) {
	f.message = params
	sid := "SM1"
	return &openapi.ApiV2010Message{Sid: &sid}, nil
}

func TestOriginate(t *testing.T) {
	api := &fakeAPI{}
	g := &Gateway{api: api}

	sid, err := g.Originate(context.Background(), telephony.OriginateRequest{
		To:                "+15550001111",
		From:              "+15559990000",
		AnswerURL:         "https://bridge.example.com/answer?lead_id=1",
		StatusCallbackURL: "https://bridge.example.com/status",
		TimeLimit:         30 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "CA123", sid)
	require.NotNil(t, api.created)
	assert.Equal(t, "+15550001111", *api.created.To)
	assert.Equal(t, "+15559990000", *api.created.From)
	assert.Equal(t, 1800, *api.created.TimeLimit)
	assert.Equal(t, "https://bridge.example.com/status", *api.created.StatusCallback)
}

func TestOriginateWrapsCarrierError(t *testing.T) {
	carrier := errors.New("invalid number")
	g := &Gateway{api: &fakeAPI{failNext: carrier}}

	_, err := g.Originate(context.Background(), telephony.OriginateRequest{To: "bad"})
	assert.ErrorIs(t, err, carrier)
}

func TestTransferAndHangup(t *testing.T) {
	api := &fakeAPI{}
	g := &Gateway{api: api}

	require.NoError(t, g.Transfer(context.Background(), "CA1", "https://bridge.example.com/transfer?to=%2B1555"))
	require.NoError(t, g.Hangup(context.Background(), "CA2"))

	assert.Equal(t, "https://bridge.example.com/transfer?to=%2B1555", *api.updates["CA1"].Url)
	assert.Equal(t, "completed", *api.updates["CA2"].Status)
}

func TestSendSMS(t *testing.T) {
	api := &fakeAPI{}
	g := &Gateway{api: api}

	sid, err := g.SendSMS(context.Background(), "+1555", "+1666", "hello")
	require.NoError(t, err)
	assert.Equal(t, "SM1", sid)
	assert.Equal(t, "hello", *api.message.Body)
}
