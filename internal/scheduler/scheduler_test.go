package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-voice-bridge/internal/config"
	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/queue"
	"github.com/acme/outbound-voice-bridge/internal/repository/memory"
	"github.com/acme/outbound-voice-bridge/internal/service/attempt"
	"github.com/acme/outbound-voice-bridge/internal/telephony"
	"github.com/acme/outbound-voice-bridge/internal/telephony/mock"
	"github.com/acme/outbound-voice-bridge/pkg/logger"
)

const defaultCallerID = "+15550000000"

type fullSlots struct{}

func (fullSlots) Acquire(context.Context, uuid.UUID, int) (bool, error) { return false, nil }
func (fullSlots) Release(context.Context, uuid.UUID) error              { return nil }

type harness struct {
	scheduler *Scheduler
	data      *memory.Data
	gateway   *mock.Gateway
	events    *queue.RecordingPublisher
	sleeps    []time.Duration
	now       time.Time
	campaign  domain.Campaign
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, data := memory.NewStore()
	routes, err := telephony.NewRoutes("https://bridge.example.com")
	if err != nil {
		t.Fatalf("routes: %v", err)
	}

	h := &harness{
		data:     data,
		gateway:  mock.NewGateway(),
		events:   &queue.RecordingPublisher{},
		now:      time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC),
		campaign: domain.Campaign{ID: uuid.New(), OrganizationID: uuid.New(), Status: domain.CampaignStatusActive},
	}
	data.PutCampaign(h.campaign)

	recorder := attempt.NewRecorder(store.Attempts, domain.DefaultRetryPolicy())
	h.scheduler = newScheduler(
		config.SchedulerConfig{BatchSize: 10, CallsPerSecond: 2, MaxAttempts: 3, BackoffStep: 5 * time.Minute},
		config.TelephonyConfig{DefaultCallerID: defaultCallerID, TimeLimit: 1800 * time.Second},
		Deps{
			Store:     store,
			Recorder:  recorder,
			Gateway:   h.gateway,
			Routes:    routes,
			Publisher: h.events,
			Logger:    logger.NewNop(),
		},
	)
	h.scheduler.now = func() time.Time { return h.now }
	h.scheduler.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *harness) enqueue(t *testing.T, leadPhone string, due time.Time, attempts int) (domain.Lead, domain.QueueItem) {
	t.Helper()
	lead := domain.Lead{ID: uuid.New(), Phone: leadPhone, CallStatus: domain.LeadCallStatusNotCalled}
	h.data.PutLead(lead)
	item := domain.QueueItem{
		ID:           uuid.New(),
		LeadID:       lead.ID,
		CampaignID:   h.campaign.ID,
		Status:       domain.QueueStatusQueued,
		AttemptCount: attempts,
		NextRetryAt:  due,
	}
	if err := h.scheduler.deps.Store.Queue.Enqueue(context.Background(), &item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return lead, item
}

func (h *harness) item(t *testing.T, id uuid.UUID) domain.QueueItem {
	t.Helper()
	got, err := h.scheduler.deps.Store.Queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	return *got
}

func TestTickCompletesDueItemWithDefaultCallerID(t *testing.T) {
	h := newHarness(t)
	lead, item := h.enqueue(t, "+15551234567", h.now.Add(-time.Minute), 0)

	if err := h.scheduler.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if got := h.item(t, item.ID); got.Status != domain.QueueStatusCompleted || got.CallSID == "" {
		t.Fatalf("expected completed item with call sid, got %+v", got)
	}
	if got := h.data.Lead(lead.ID); got.CallStatus != domain.LeadCallStatusCalling {
		t.Fatalf("expected lead calling, got %s", got.CallStatus)
	}
	if got := h.data.Campaign(h.campaign.ID); got.TotalCalls != 1 {
		t.Fatalf("expected campaign total_calls 1, got %d", got.TotalCalls)
	}

	origs := h.gateway.Originations()
	if len(origs) != 1 {
		t.Fatalf("expected one origination, got %d", len(origs))
	}
	if origs[0].From != defaultCallerID || origs[0].To != "+15551234567" {
		t.Fatalf("unexpected origination %+v", origs[0])
	}
	if origs[0].TimeLimit != 1800*time.Second || origs[0].StatusCallbackURL == "" {
		t.Fatalf("expected time limit and status callback, got %+v", origs[0])
	}

	attempts := h.data.Attempts()
	if len(attempts) != 1 || attempts[0].AttemptNumber != 1 || attempts[0].Outcome != domain.AttemptOutcomeInProgress {
		t.Fatalf("expected one in-progress attempt, got %+v", attempts)
	}
	if events := h.events.Events(); len(events) != 1 || events[0].Type != queue.EventDialSucceeded {
		t.Fatalf("expected dial_succeeded event, got %+v", events)
	}
}

func TestTickUsesOrganizationCallerID(t *testing.T) {
	h := newHarness(t)
	h.campaign.Organization.CallerID = "+15557778888"
	h.data.PutCampaign(h.campaign)
	h.enqueue(t, "+15551234567", h.now, 0)

	if err := h.scheduler.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if origs := h.gateway.Originations(); len(origs) != 1 || origs[0].From != "+15557778888" {
		t.Fatalf("expected organization caller id, got %+v", origs)
	}
}

func TestTickFailsItemWhenLeadLookupFails(t *testing.T) {
	h := newHarness(t)
	_, item := h.enqueue(t, "+15551234567", h.now.Add(-time.Minute), 0)
	h.data.FailOn("leads.get", errors.New("connection reset"))

	if err := h.scheduler.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := h.item(t, item.ID)
	if got.Status != domain.QueueStatusFailed || got.AttemptCount != 1 {
		t.Fatalf("expected failed item with attempt 1, got %+v", got)
	}
	if !got.NextRetryAt.Equal(h.now.Add(5 * time.Minute)) {
		t.Fatalf("expected retry in 5m, got %v", got.NextRetryAt)
	}
	if got.LastError == "" {
		t.Fatalf("expected last error to be recorded")
	}
	if len(h.gateway.Originations()) != 0 {
		t.Fatalf("expected no origination")
	}
	if events := h.events.Events(); len(events) != 1 || events[0].Type != queue.EventDialFailed {
		t.Fatalf("expected dial_failed event, got %+v", events)
	}
}

func TestTickBacksOffLinearly(t *testing.T) {
	h := newHarness(t)
	h.gateway.OriginateErr = errors.New("carrier rejected")
	_, item := h.enqueue(t, "+15551234567", h.now, 1)

	if err := h.scheduler.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got := h.item(t, item.ID)
	if got.AttemptCount != 2 || !got.NextRetryAt.Equal(h.now.Add(10*time.Minute)) {
		t.Fatalf("expected attempt 2 due in 10m, got %+v", got)
	}
}

func TestTickFailsLeadWithoutPhone(t *testing.T) {
	h := newHarness(t)
	_, item := h.enqueue(t, "", h.now, 0)

	if err := h.scheduler.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := h.item(t, item.ID); got.Status != domain.QueueStatusFailed {
		t.Fatalf("expected failed item, got %+v", got)
	}
}

func TestTickOriginatesSequentiallyAtRateCeiling(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "+15550000003", h.now.Add(-time.Minute), 0)
	h.enqueue(t, "+15550000001", h.now.Add(-3*time.Minute), 0)
	h.enqueue(t, "+15550000002", h.now.Add(-2*time.Minute), 0)
	h.enqueue(t, "+15550000009", h.now.Add(time.Hour), 0)

	if err := h.scheduler.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	origs := h.gateway.Originations()
	if len(origs) != 3 {
		t.Fatalf("expected 3 originations, got %d", len(origs))
	}
	for i, want := range []string{"+15550000001", "+15550000002", "+15550000003"} {
		if origs[i].To != want {
			t.Fatalf("origination %d: expected %s, got %s", i, want, origs[i].To)
		}
	}
	if len(h.sleeps) != 2 {
		t.Fatalf("expected a pause between each origination, got %v", h.sleeps)
	}
	for _, d := range h.sleeps {
		if d != 500*time.Millisecond {
			t.Fatalf("expected 500ms spacing for 2 calls/sec, got %v", d)
		}
	}
}

func TestTickLeavesItemQueuedWhenCampaignAtCapacity(t *testing.T) {
	h := newHarness(t)
	h.scheduler.deps.Slots = fullSlots{}
	_, item := h.enqueue(t, "+15551234567", h.now, 0)

	if err := h.scheduler.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := h.item(t, item.ID); got.Status != domain.QueueStatusQueued || got.AttemptCount != 0 {
		t.Fatalf("expected untouched item, got %+v", got)
	}
	if len(h.gateway.Originations()) != 0 {
		t.Fatalf("expected no origination")
	}
}
