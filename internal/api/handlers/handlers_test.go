package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-voice-bridge/internal/config"
	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/queue"
	"github.com/acme/outbound-voice-bridge/internal/repository/memory"
	"github.com/acme/outbound-voice-bridge/internal/service/attempt"
	"github.com/acme/outbound-voice-bridge/internal/service/enqueue"
	"github.com/acme/outbound-voice-bridge/internal/telephony"
)

type releasedSlots struct {
	mu        sync.Mutex
	campaigns []uuid.UUID
}

func (r *releasedSlots) Release(_ context.Context, campaignID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns = append(r.campaigns, campaignID)
	return nil
}

type harness struct {
	app       *fiber.App
	data      *memory.Data
	recorder  *attempt.Recorder
	slots     *releasedSlots
	publisher *queue.RecordingPublisher
	checks    map[string]func(context.Context) error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, data := memory.NewStore()
	routes, err := telephony.NewRoutes("https://relay.example.com")
	require.NoError(t, err)

	h := &harness{
		data:      data,
		recorder:  attempt.NewRecorder(store.Attempts, domain.DefaultRetryPolicy()),
		slots:     &releasedSlots{},
		publisher: &queue.RecordingPublisher{},
		checks:    map[string]func(context.Context) error{},
	}
	set := New(Deps{
		Enqueue:   enqueue.NewService(store),
		Attempts:  store.Attempts,
		Recorder:  h.recorder,
		Slots:     h.slots,
		Publisher: h.publisher,
		Routes:    routes,
		Telephony: config.TelephonyConfig{
			DefaultCallerID:       "+15550000000",
			DefaultTransferNumber: "+15559990000",
		},
		Checks: h.checks,
	})
	h.app = fiber.New(fiber.Config{ErrorHandler: set.ErrorHandler})
	set.Register(h.app)
	return h
}

func (h *harness) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func form(target string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
	return req
}

func jsonRequest(method, target string, body any) *http.Request {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(method, target, bytes.NewReader(raw))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return req
}

func TestAnswerConnectsMediaStream(t *testing.T) {
	h := newHarness(t)
	leadID, campaignID := uuid.New(), uuid.New()

	resp, body := h.do(t, form("/answer?lead_id="+leadID.String()+"&campaign_id="+campaignID.String(),
		url.Values{"CallSid": {"CA123"}}))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, contentTypeXML, resp.Header.Get(fiber.HeaderContentType))
	assert.Contains(t, body, "<Connect>")
	assert.Contains(t, body, "wss://relay.example.com/voice/stream?")
	for _, want := range []string{`name="lead_id"`, `value="` + leadID.String() + `"`, `name="call_sid"`, `value="CA123"`} {
		assert.Contains(t, body, want)
	}
}

func TestAnswerWithoutIdentifiersHangsUp(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, form("/answer", url.Values{"CallSid": {"CA123"}}))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "<Hangup")
	assert.NotContains(t, body, "<Stream")
}

func TestTransferDialsAgentWithCampaignLine(t *testing.T) {
	h := newHarness(t)

	_, body := h.do(t, form("/transfer?to=%2B15551234567", url.Values{"From": {"+15557654321"}}))
	assert.Contains(t, body, "+15551234567</Number>")
	assert.Contains(t, body, `callerId="+15557654321"`)

	_, body = h.do(t, form("/transfer", url.Values{}))
	assert.Contains(t, body, "+15559990000</Number>")
	assert.Contains(t, body, `callerId="+15550000000"`)
}

func TestStatusConcludesUnansweredCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	target := attempt.Target{OrganizationID: uuid.New(), LeadID: uuid.New(), CampaignID: uuid.New(), CallSID: "CA-busy"}
	_, err := h.recorder.Open(ctx, target)
	require.NoError(t, err)

	resp, _ := h.do(t, form("/status", url.Values{"CallSid": {"CA-busy"}, "CallStatus": {"busy"}, "CallDuration": {"0"}}))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	attempts := h.data.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptOutcomeBusy, attempts[0].Outcome)
	assert.True(t, attempts[0].WillRetry)
	assert.Equal(t, []uuid.UUID{target.CampaignID}, h.slots.campaigns)

	events := h.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, queue.EventCallEnded, events[0].Type)
	assert.Equal(t, string(domain.AttemptOutcomeBusy), events[0].Outcome)

	// A repeated callback changes nothing.
	resp, _ = h.do(t, form("/status", url.Values{"CallSid": {"CA-busy"}, "CallStatus": {"busy"}}))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Len(t, h.slots.campaigns, 1)
	assert.Len(t, h.publisher.Events(), 1)
}

func TestStatusIgnoresAnsweredAndUnknownCalls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.recorder.Open(ctx, attempt.Target{LeadID: uuid.New(), CampaignID: uuid.New(), CallSID: "CA-done"})
	require.NoError(t, err)

	resp, _ := h.do(t, form("/status", url.Values{"CallSid": {"CA-done"}, "CallStatus": {"completed"}}))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = h.do(t, form("/status", url.Values{"CallSid": {"CA-unknown"}, "CallStatus": {"no-answer"}}))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Empty(t, h.data.Attempts()[0].Outcome)
	assert.Empty(t, h.slots.campaigns)
	assert.Empty(t, h.publisher.Events())
}

func TestEnqueueLead(t *testing.T) {
	h := newHarness(t)
	campaign := domain.Campaign{ID: uuid.New(), OrganizationID: uuid.New(), Status: domain.CampaignStatusActive}
	lead := domain.Lead{ID: uuid.New(), Phone: "+15550001111"}
	h.data.PutCampaign(campaign)
	h.data.PutLead(lead)

	resp, body := h.do(t, jsonRequest(http.MethodPost, "/api/v1/queue", fiber.Map{
		"lead_id":     lead.ID,
		"campaign_id": campaign.ID,
	}))
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	var created queueItemResponse
	require.NoError(t, json.Unmarshal([]byte(body), &created))
	assert.Equal(t, lead.ID, created.LeadID)
	assert.Equal(t, string(domain.QueueStatusQueued), created.Status)

	resp, body = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/queue/"+created.ID.String(), nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, created.ID.String())

	resp, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/"+campaign.ID.String()+"/stats", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEnqueueLeadErrors(t *testing.T) {
	h := newHarness(t)
	paused := domain.Campaign{ID: uuid.New(), Status: domain.CampaignStatusPaused}
	lead := domain.Lead{ID: uuid.New(), Phone: "+15550001111"}
	h.data.PutCampaign(paused)
	h.data.PutLead(lead)

	resp, _ := h.do(t, jsonRequest(http.MethodPost, "/api/v1/queue", fiber.Map{"lead_id": "nope"}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, jsonRequest(http.MethodPost, "/api/v1/queue", fiber.Map{
		"lead_id":     lead.ID,
		"campaign_id": paused.ID,
	}))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/queue/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthReportsFailingDependency(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h.checks["redis"] = func(context.Context) error { return errors.New("connection refused") }
	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "connection refused")
}

func TestStreamRequiresUpgrade(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, httptest.NewRequest(http.MethodGet, "/voice/stream", nil))
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
