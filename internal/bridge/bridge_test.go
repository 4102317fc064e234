package bridge

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/acme/outbound-voice-bridge/internal/config"
	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/queue"
	"github.com/acme/outbound-voice-bridge/internal/realtime"
	"github.com/acme/outbound-voice-bridge/internal/repository"
	"github.com/acme/outbound-voice-bridge/internal/repository/memory"
	"github.com/acme/outbound-voice-bridge/internal/service/attempt"
	"github.com/acme/outbound-voice-bridge/internal/telephony"
	"github.com/acme/outbound-voice-bridge/internal/telephony/mock"
	"github.com/acme/outbound-voice-bridge/internal/tools"
	apperrors "github.com/acme/outbound-voice-bridge/pkg/errors"
	"github.com/acme/outbound-voice-bridge/pkg/logger"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type written struct {
	kind int
	data []byte
}

type fakeLeg struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []written
}

func newFakeLeg() *fakeLeg {
	return &fakeLeg{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (l *fakeLeg) ReadMessage() (int, []byte, error) {
	select {
	case b := <-l.in:
		return websocket.TextMessage, b, nil
	case <-l.closed:
		return 0, nil, net.ErrClosed
	}
}

func (l *fakeLeg) WriteMessage(kind int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, written{kind: kind, data: append([]byte(nil), data...)})
	return nil
}

func (l *fakeLeg) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLeg) push(t *testing.T, frame map[string]any) {
	t.Helper()
	b, err := json.Marshal(frame)
	require.NoError(t, err)
	l.in <- b
}

type outFrame struct {
	Event string `json:"event"`
	Media struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// frames returns the text frames written to the carrier.
func (l *fakeLeg) frames(t *testing.T) []outFrame {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []outFrame
	for _, w := range l.writes {
		if w.kind != websocket.TextMessage {
			continue
		}
		var f outFrame
		require.NoError(t, json.Unmarshal(w.data, &f))
		out = append(out, f)
	}
	return out
}

// closeCode returns the status code of the close frame, or 0.
func (l *fakeLeg) closeCode() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.writes {
		if w.kind == websocket.CloseMessage && len(w.data) >= 2 {
			return int(binary.BigEndian.Uint16(w.data[:2]))
		}
	}
	return 0
}

func mediaPayloads(frames []outFrame) []string {
	var out []string
	for _, f := range frames {
		if f.Event == "media" {
			out = append(out, f.Media.Payload)
		}
	}
	return out
}

type fakeSession struct {
	events chan realtime.ServerEvent
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []realtime.ClientEvent
	err  error
}

func newFakeSession() *fakeSession {
	// Unbuffered: once emit returns, the loop has finished the previous event.
	return &fakeSession{events: make(chan realtime.ServerEvent), closed: make(chan struct{})}
}

func (s *fakeSession) Events() <-chan realtime.ServerEvent { return s.events }

func (s *fakeSession) Send(ev realtime.ClientEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ev)
	return nil
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// drop ends the event stream the way a failed read does.
func (s *fakeSession) drop(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
}

func (s *fakeSession) emit(t *testing.T, evs ...realtime.ServerEvent) {
	t.Helper()
	for _, ev := range evs {
		select {
		case s.events <- ev:
		case <-s.closed:
			t.Fatalf("session closed before %T was delivered", ev)
		case <-time.After(waitFor):
			t.Fatalf("loop did not accept %T", ev)
		}
	}
}

func (s *fakeSession) sentEvents() []realtime.ClientEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.ClientEvent(nil), s.sent...)
}

func (s *fakeSession) count(match func(realtime.ClientEvent) bool) int {
	n := 0
	for _, ev := range s.sentEvents() {
		if match(ev) {
			n++
		}
	}
	return n
}

func isType[T realtime.ClientEvent](ev realtime.ClientEvent) bool {
	_, ok := ev.(T)
	return ok
}

type recordingSlots struct {
	mu       sync.Mutex
	released []uuid.UUID
}

func (s *recordingSlots) Release(_ context.Context, campaignID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, campaignID)
	return nil
}

func (s *recordingSlots) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.released)
}

type harness struct {
	t         *testing.T
	store     *repository.Store
	data      *memory.Data
	archive   *memory.TranscriptArchive
	gateway   *mock.Gateway
	publisher *queue.RecordingPublisher
	recorder  *attempt.Recorder
	slots     *recordingSlots
	manager   *Manager
	ai        *fakeSession
	dials     int
	closeCh   chan time.Time
	routes    *telephony.Routes
	lead      domain.Lead
	campaign  domain.Campaign
}

func newHarness(t *testing.T, tune ...func(*config.RealtimeConfig)) *harness {
	t.Helper()
	store, data := memory.NewStore()
	gateway := mock.NewGateway()
	routes, err := telephony.NewRoutes("https://bridge.example.com")
	require.NoError(t, err)

	rt := config.RealtimeConfig{
		Voice:           "alloy",
		Temperature:     0.8,
		TurnDetection:   realtime.TurnDetectionServer,
		VADThreshold:    0.5,
		PrefixPadding:   300 * time.Millisecond,
		SilenceDuration: 800 * time.Millisecond,
	}
	for _, fn := range tune {
		fn(&rt)
	}
	profiles, err := realtime.LoadProfiles(rt)
	require.NoError(t, err)

	orgID := uuid.New()
	lead := domain.Lead{ID: uuid.New(), OrganizationID: orgID, Name: "Asha", Phone: "+15550001111", CallStatus: domain.LeadCallStatusCalling}
	campaign := domain.Campaign{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Organization:   domain.Organization{ID: orgID, Name: "Acme Homes"},
		Name:           "Green Acres",
		Script:         "You are calling about Green Acres villas.",
		Status:         domain.CampaignStatusActive,
	}
	data.PutLead(lead)
	data.PutCampaign(campaign)

	h := &harness{
		t:         t,
		store:     store,
		data:      data,
		archive:   memory.NewTranscriptArchive(data),
		gateway:   gateway,
		publisher: &queue.RecordingPublisher{},
		recorder:  attempt.NewRecorder(store.Attempts, domain.DefaultRetryPolicy()),
		slots:     &recordingSlots{},
		ai:        newFakeSession(),
		closeCh:   make(chan time.Time),
		routes:    routes,
		lead:      lead,
		campaign:  campaign,
	}
	dispatcher := tools.NewDispatcher(store, gateway, routes, tools.Options{
		DefaultTransferNumber: "+15559990000",
		TransferDelay:         500 * time.Millisecond,
		HangupDelay:           4 * time.Second,
	})
	h.manager = NewManager(config.BridgeConfig{}, Deps{
		Store:       store,
		Transcripts: h.archive,
		Recorder:    h.recorder,
		Tools:       dispatcher,
		Gateway:     gateway,
		Dial: func(context.Context) (AISession, error) {
			h.dials++
			return h.ai, nil
		},
		Profiles:  profiles,
		Slots:     h.slots,
		Publisher: h.publisher,
		Logger:    logger.NewNop(),
	})
	h.manager.after = func(time.Duration) <-chan time.Time { return h.closeCh }
	return h
}

// openAttempt records the attempt the scheduler opens when it dials.
func (h *harness) openAttempt(callSID string) {
	h.t.Helper()
	_, err := h.recorder.Open(context.Background(), attempt.Target{
		OrganizationID: h.campaign.OrganizationID,
		LeadID:         h.lead.ID,
		CampaignID:     h.campaign.ID,
		CallSID:        callSID,
	})
	require.NoError(h.t, err)
}

func (h *harness) startFrame(callSID string) map[string]any {
	return map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid": "MZ1",
			"callSid":   callSID,
			"customParameters": map[string]string{
				"lead_id":     h.lead.ID.String(),
				"campaign_id": h.campaign.ID.String(),
			},
		},
	}
}

// serve runs a call on leg and returns a channel carrying Serve's result.
func (h *harness) serve(leg *fakeLeg, query telephony.StreamIDs) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- h.manager.Serve(context.Background(), leg, query) }()
	return errc
}

// connect starts a call and waits for the greeting.
func (h *harness) connect(callSID string) (*fakeLeg, <-chan error) {
	h.t.Helper()
	leg := newFakeLeg()
	errc := h.serve(leg, telephony.StreamIDs{})
	leg.push(h.t, h.startFrame(callSID))
	require.Eventually(h.t, func() bool {
		return h.ai.count(isType[realtime.CreateResponse]) >= 1
	}, waitFor, tick)
	return leg, errc
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(waitFor):
		t.Fatal("call did not end")
		return nil
	}
}

func stop(t *testing.T, leg *fakeLeg) {
	leg.push(t, map[string]any{"event": "stop", "stop": map[string]string{"callSid": "CA1"}})
}

func TestServeGreetsWithToolsAndFinalizes(t *testing.T) {
	h := newHarness(t)
	h.openAttempt("CA1")
	leg, errc := h.connect("CA1")

	sent := h.ai.sentEvents()
	require.GreaterOrEqual(t, len(sent), 2)
	update, ok := sent[0].(realtime.SessionUpdate)
	require.True(t, ok, "first engine frame is the session update")
	assert.Contains(t, update.Session.Instructions, "Green Acres villas")
	assert.Len(t, update.Session.Tools, 4)
	assert.NotNil(t, update.Session.TurnDetection)
	assert.IsType(t, realtime.CreateResponse{}, sent[1])

	require.Eventually(t, func() bool {
		return h.ai.count(isType[realtime.InstructionsUpdate]) == 1
	}, waitFor, tick)

	h.ai.emit(t,
		realtime.OutputTranscript{ResponseID: "r1", Transcript: "Hello Asha, this is Acme Homes calling about Green Acres."},
		realtime.InputTranscript{Transcript: "Hi, yes I have a minute, tell me more about the villas please."},
		realtime.SpeechStopped{},
	)
	stop(t, leg)
	require.NoError(t, wait(t, errc))

	logs := h.data.CallLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, domain.CallStatusCompleted, logs[0].CallStatus)
	assert.Contains(t, logs[0].Transcript, "AI: Hello Asha")
	assert.Contains(t, logs[0].Transcript, "User: Hi, yes")
	require.NotNil(t, logs[0].EndedAt)

	attempts := h.data.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptOutcomeAnswered, attempts[0].Outcome)
	assert.False(t, attempts[0].WillRetry)
	require.NotNil(t, attempts[0].CallLogID)
	assert.Equal(t, logs[0].ID, *attempts[0].CallLogID)

	lead := h.data.Lead(h.lead.ID)
	assert.Equal(t, domain.LeadCallStatusCalled, lead.CallStatus)
	assert.NotNil(t, lead.LastContactedAt)

	lines, err := h.archive.List(context.Background(), "CA1")
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	assert.Equal(t, 1, h.slots.count())
	events := h.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, queue.EventCallEnded, events[0].Type)
	assert.Equal(t, string(domain.AttemptOutcomeAnswered), events[0].Outcome)
	assert.Equal(t, 0, h.manager.Active())
}

func TestBargeInClearsBeforeFurtherAudio(t *testing.T) {
	h := newHarness(t)
	leg, errc := h.connect("CA1")

	h.ai.emit(t,
		realtime.ResponseCreated{ResponseID: "r1"},
		realtime.AudioDelta{ResponseID: "r1", Delta: "Zmlyc3Q="},
		realtime.SpeechStarted{},
		realtime.AudioDelta{ResponseID: "r1", Delta: "bGF0ZQ=="},
		realtime.ResponseCreated{ResponseID: "r2"},
		realtime.AudioDelta{ResponseID: "r2", Delta: "c2Vjb25k"},
		realtime.SpeechStopped{},
	)

	frames := leg.frames(t)
	var events []string
	for _, f := range frames {
		events = append(events, f.Event)
	}
	assert.Equal(t, []string{"media", "mark", "clear", "media", "mark"}, events)
	assert.Equal(t, []string{"Zmlyc3Q=", "c2Vjb25k"}, mediaPayloads(frames))
	assert.Equal(t, 1, h.ai.count(isType[realtime.CancelResponse]))

	stop(t, leg)
	require.NoError(t, wait(t, errc))
}

func TestServeRejectsMissingIdentifiers(t *testing.T) {
	h := newHarness(t)
	leg := newFakeLeg()
	errc := h.serve(leg, telephony.StreamIDs{LeadID: h.lead.ID.String()})
	leg.push(t, map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"})
	leg.push(t, map[string]any{"event": "start", "start": map[string]any{"streamSid": "MZ1"}})

	err := wait(t, errc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrMissingParameters))
	assert.Equal(t, websocket.ClosePolicyViolation, leg.closeCode())
	assert.Zero(t, h.dials)
	assert.Empty(t, h.data.CallLogs())
}

func TestServeMergesQueryAndStartParameters(t *testing.T) {
	h := newHarness(t)
	leg := newFakeLeg()
	errc := h.serve(leg, telephony.StreamIDs{LeadID: h.lead.ID.String(), CampaignID: h.campaign.ID.String()})
	leg.push(t, map[string]any{"event": "start", "start": map[string]any{"streamSid": "MZ1", "callSid": "CA7"}})

	require.Eventually(t, func() bool {
		return h.ai.count(isType[realtime.CreateResponse]) >= 1
	}, waitFor, tick)
	stop(t, leg)
	require.NoError(t, wait(t, errc))

	logs := h.data.CallLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "CA7", logs[0].CallSID)
}

func TestServeRejectsSecondSessionForCall(t *testing.T) {
	h := newHarness(t)
	leg, errc := h.connect("CA1")

	dup := newFakeLeg()
	dupErr := h.serve(dup, telephony.StreamIDs{})
	dup.push(t, h.startFrame("CA1"))

	err := wait(t, dupErr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	assert.Equal(t, websocket.ClosePolicyViolation, dup.closeCode())
	assert.Equal(t, 1, h.dials)

	stop(t, leg)
	require.NoError(t, wait(t, errc))
	assert.Len(t, h.data.CallLogs(), 1)
}

func TestInitializationFailureClosesWithInternalError(t *testing.T) {
	h := newHarness(t)
	h.openAttempt("CA1")
	h.data.FailOn("leads.get", errors.New("db down"))

	leg := newFakeLeg()
	errc := h.serve(leg, telephony.StreamIDs{})
	leg.push(t, h.startFrame("CA1"))

	require.Error(t, wait(t, errc))
	assert.Equal(t, websocket.CloseInternalServerErr, leg.closeCode())
	assert.Empty(t, h.data.CallLogs())
	assert.Equal(t, 1, h.slots.count())

	attempts := h.data.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptOutcomeFailed, attempts[0].Outcome)
	assert.True(t, attempts[0].WillRetry)
	select {
	case <-h.ai.closed:
	default:
		t.Fatal("engine session left open")
	}
}

func TestDisconnectStopsAudioAfterGoodbye(t *testing.T) {
	h := newHarness(t)
	h.openAttempt("CA1")
	leg, errc := h.connect("CA1")

	h.ai.emit(t,
		realtime.InputTranscript{Transcript: "Stop calling me, you are useless and I will find you."},
		realtime.FunctionCall{ResponseID: "r1", CallID: "fc1", Name: tools.NameDisconnectCall, Arguments: `{"reason":"abusive","notes":"threats"}`},
	)
	require.Eventually(t, func() bool {
		return h.ai.count(isType[realtime.CreateResponse]) == 2
	}, waitFor, tick)

	h.ai.emit(t,
		realtime.ResponseCreated{ResponseID: "bye"},
		realtime.AudioDelta{ResponseID: "bye", Delta: "Z29vZGJ5ZQ=="},
		realtime.ResponseDone{ResponseID: "bye"},
		realtime.ResponseCreated{ResponseID: "r9"},
		realtime.AudioDelta{ResponseID: "r9", Delta: "bW9yZQ=="},
		realtime.SpeechStopped{},
	)

	sent := h.ai.sentEvents()
	var resultAt, speakAt int
	for i, ev := range sent {
		switch ev.(type) {
		case realtime.FunctionResult:
			resultAt = i
		case realtime.CreateResponse:
			speakAt = i
		}
	}
	assert.Greater(t, speakAt, resultAt, "goodbye requested after the tool result")

	h.closeCh <- time.Now()
	require.NoError(t, wait(t, errc))

	assert.Equal(t, []string{"Z29vZGJ5ZQ=="}, mediaPayloads(leg.frames(t)))
	assert.Equal(t, []string{"CA1"}, h.gateway.Hangups())

	logs := h.data.CallLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, domain.CallStatusDisconnected, logs[0].CallStatus)
	assert.Equal(t, "abusive", logs[0].DisconnectReason)

	lead := h.data.Lead(h.lead.ID)
	assert.True(t, lead.AbuseFlag)
	assert.Equal(t, domain.LeadCallStatusCalled, lead.CallStatus)
}

func TestTransferFallsBackToDefaultNumber(t *testing.T) {
	h := newHarness(t)
	h.openAttempt("CA1")
	leg, errc := h.connect("CA1")

	h.ai.emit(t,
		realtime.ResponseCreated{ResponseID: "r1"},
		realtime.AudioDelta{ResponseID: "r1", Delta: "b2s="},
		realtime.FunctionCall{ResponseID: "r1", CallID: "fc1", Name: tools.NameTransferCall, Arguments: `{"reason":"wants a site visit","department":"sales"}`},
	)
	require.Eventually(t, func() bool {
		frames := leg.frames(t)
		return len(frames) > 0 && frames[len(frames)-1].Event == "clear"
	}, waitFor, tick)

	h.ai.emit(t,
		realtime.AudioDelta{ResponseID: "r2", Delta: "bGF0ZXI="},
		realtime.SpeechStopped{},
	)

	target, ok := h.gateway.TransferTarget("CA1")
	require.True(t, ok)
	assert.True(t, strings.Contains(target, "15559990000"), target)

	h.closeCh <- time.Now()
	require.NoError(t, wait(t, errc))

	frames := leg.frames(t)
	assert.Equal(t, []string{"b2s="}, mediaPayloads(frames))
	assert.Equal(t, "clear", frames[len(frames)-1].Event)
	assert.Empty(t, h.gateway.Hangups())

	logs := h.data.CallLogs()
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Transferred)
	assert.Equal(t, domain.CallStatusTransferred, logs[0].CallStatus)

	lead := h.data.Lead(h.lead.ID)
	assert.True(t, lead.TransferredToHuman)
	assert.Equal(t, domain.LeadCallStatusCalling, lead.CallStatus)

	attempts := h.data.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptOutcomeAnswered, attempts[0].Outcome)
}

func TestCleanupRunsOnce(t *testing.T) {
	h := newHarness(t)
	h.openAttempt("CA1")

	c := newCall(h.manager, newFakeLeg(), "MZ1", "CA1", h.lead.ID, h.campaign.ID, logger.NewNop())
	c.lead, c.campaign = &h.lead, &h.campaign
	c.callLog = goFuture(func() (uuid.UUID, error) { return c.createCallLog(context.Background()) })
	c.state = StateActive
	c.appendLine(domain.SpeakerAI, "Hello Asha, calling from Acme Homes about Green Acres.")
	c.appendLine(domain.SpeakerUser, "Sure, I am looking for a three bedroom villa near the lake.")

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.cleanup()
		}()
	}
	wg.Wait()
	c.cleanup()

	lines, err := h.archive.List(context.Background(), "CA1")
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	logs := h.data.CallLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, domain.CallStatusCompleted, logs[0].CallStatus)

	attempts := h.data.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptOutcomeAnswered, attempts[0].Outcome)

	assert.Equal(t, 1, h.slots.count())
	assert.Len(t, h.publisher.Events(), 1)
}

func TestShortCallSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	h.openAttempt("CA1")
	leg, errc := h.connect("CA1")

	h.ai.emit(t, realtime.InputTranscript{Transcript: "Hello?"}, realtime.SpeechStopped{})
	stop(t, leg)
	require.NoError(t, wait(t, errc))

	attempts := h.data.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.AttemptOutcomeNoAnswer, attempts[0].Outcome)
	assert.True(t, attempts[0].WillRetry)
	require.NotNil(t, attempts[0].NextRetryAt)

	events := h.publisher.Events()
	require.Len(t, events, 1)
	assert.True(t, events[0].WillRetry)
	assert.Equal(t, 1, events[0].AttemptNumber)
}

func TestEngineDropEndsCallWithCause(t *testing.T) {
	h := newHarness(t)
	core, logs := observer.New(zap.InfoLevel)
	h.manager.deps.Logger = &logger.Logger{Logger: zap.New(core)}
	h.openAttempt("CA1")
	_, errc := h.connect("CA1")

	h.ai.drop(errors.New("realtime: read: connection reset by peer"))
	wait(t, errc)

	dropped := logs.FilterMessage("bridge: engine session dropped").All()
	require.Len(t, dropped, 1)
	assert.Equal(t, "realtime: read: connection reset by peer", dropped[0].ContextMap()["error"])
	assert.Zero(t, logs.FilterMessage("bridge: engine session closed").Len())

	logsDone := h.data.CallLogs()
	require.Len(t, logsDone, 1)
	assert.NotNil(t, logsDone[0].EndedAt)
}

func TestLocalTurnDetectionCommitsTurns(t *testing.T) {
	h := newHarness(t, func(rt *config.RealtimeConfig) {
		rt.TurnDetection = realtime.TurnDetectionLocal
		rt.LocalEnergyCutoff = 0.02
		rt.SilenceDuration = 40 * time.Millisecond
	})
	leg, errc := h.connect("CA1")

	update, ok := h.ai.sentEvents()[0].(realtime.SessionUpdate)
	require.True(t, ok)
	assert.Nil(t, update.Session.TurnDetection)

	loud := base64.StdEncoding.EncodeToString(make([]byte, 160))
	quiet := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("\xff", 160)))
	for _, payload := range []string{loud, loud, quiet, quiet} {
		leg.push(t, map[string]any{"event": "media", "streamSid": "MZ1", "media": map[string]string{"payload": payload}})
	}

	require.Eventually(t, func() bool {
		return h.ai.count(isType[realtime.CommitAudio]) == 1
	}, waitFor, tick)
	assert.Equal(t, 4, h.ai.count(isType[realtime.AppendAudio]))

	sent := h.ai.sentEvents()
	last := sent[len(sent)-1]
	if _, isUpdate := last.(realtime.InstructionsUpdate); isUpdate {
		last = sent[len(sent)-2]
	}
	assert.IsType(t, realtime.CreateResponse{}, last)

	stop(t, leg)
	require.NoError(t, wait(t, errc))
}

// gatedGateway holds transfers until released.
type gatedGateway struct {
	*mock.Gateway
	entered chan struct{}
	release chan struct{}
}

func (g *gatedGateway) Transfer(ctx context.Context, callSID, targetURL string) error {
	close(g.entered)
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Gateway.Transfer(ctx, callSID, targetURL)
}

func TestRelayKeepsFlowingWhileToolRuns(t *testing.T) {
	h := newHarness(t)
	gateway := &gatedGateway{Gateway: h.gateway, entered: make(chan struct{}), release: make(chan struct{})}
	h.manager.deps.Tools = tools.NewDispatcher(h.store, gateway, h.routes, tools.Options{DefaultTransferNumber: "+15559990000"})
	h.openAttempt("CA1")
	leg, errc := h.connect("CA1")

	h.ai.emit(t,
		realtime.ResponseCreated{ResponseID: "r1"},
		realtime.AudioDelta{ResponseID: "r1", Delta: "b2s="},
		realtime.FunctionCall{ResponseID: "r1", CallID: "fc1", Name: tools.NameTransferCall, Arguments: `{"reason":"pricing"}`},
	)
	select {
	case <-gateway.entered:
	case <-time.After(waitFor):
		t.Fatal("transfer never reached the carrier")
	}

	// The carrier request is still in flight.
	h.ai.emit(t, realtime.SpeechStarted{})
	leg.push(t, map[string]any{"event": "media", "streamSid": "MZ1", "media": map[string]string{"payload": "AAAA"}})
	require.Eventually(t, func() bool {
		return h.ai.count(isType[realtime.AppendAudio]) == 1
	}, waitFor, tick)

	frames := leg.frames(t)
	assert.Equal(t, "clear", frames[len(frames)-1].Event)
	assert.Equal(t, 1, h.ai.count(isType[realtime.CancelResponse]))
	assert.Zero(t, h.ai.count(isType[realtime.FunctionResult]))

	close(gateway.release)
	require.Eventually(t, func() bool {
		return h.ai.count(isType[realtime.FunctionResult]) == 1
	}, waitFor, tick)

	h.closeCh <- time.Now()
	require.NoError(t, wait(t, errc))

	_, ok := h.gateway.TransferTarget("CA1")
	assert.True(t, ok)
	logs := h.data.CallLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, domain.CallStatusTransferred, logs[0].CallStatus)
}
