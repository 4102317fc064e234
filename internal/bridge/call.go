package bridge

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/realtime"
	"github.com/acme/outbound-voice-bridge/internal/telephony/mediastream"
	"github.com/acme/outbound-voice-bridge/internal/tools"
	"github.com/acme/outbound-voice-bridge/internal/vad"
	"github.com/acme/outbound-voice-bridge/pkg/logger"
)

// State is the lifecycle position of a bridged call.
type State int

const (
	StateInitializing State = iota
	StateActive
	StateTransferring
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateTransferring:
		return "transferring"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// call is one bridged call. Every field below the channels is owned by the
// goroutine running Serve; the event loop never hands them to another
// goroutine.
type call struct {
	m          *Manager
	leg        Leg
	ai         AISession
	lg         *logger.Logger
	streamSID  string
	callSID    string
	leadID     uuid.UUID
	campaignID uuid.UUID
	startedAt  time.Time

	frames    chan mediastream.Frame
	projects  chan []realtime.ProjectLine
	effects   chan func()
	toolCalls chan realtime.FunctionCall
	toolsDone chan struct{}
	done      chan struct{}
	once      sync.Once

	lead         *domain.Lead
	campaign     *domain.Campaign
	callLog      *future[uuid.UUID]
	toolCall     *tools.Call
	instructions string
	turns        turnDetector
	claimed      bool

	state       State
	transferred bool
	failed      bool
	legClosed   bool
	lines       []domain.TranscriptLine

	responseID      string
	responding      bool
	cancelledID     string
	awaitingGoodbye bool
	goodbyeID       string
	muted           bool
	pendingMarks    int
	markSeq         int

	closeAt <-chan time.Time
	hangup  bool
}

func newCall(m *Manager, leg Leg, streamSID, callSID string, leadID, campaignID uuid.UUID, lg *logger.Logger) *call {
	c := &call{
		m:          m,
		leg:        leg,
		lg:         lg,
		streamSID:  streamSID,
		callSID:    callSID,
		leadID:     leadID,
		campaignID: campaignID,
		startedAt:  m.now(),
		frames:     make(chan mediastream.Frame, 256),
		projects:   make(chan []realtime.ProjectLine, 1),
		effects:    make(chan func(), 32),
		done:       make(chan struct{}),
		turns:      serverTurns{},
	}
	go c.readFrames()
	return c
}

func (c *call) readFrames() {
	defer close(c.frames)
	for {
		_, data, err := c.leg.ReadMessage()
		if err != nil {
			return
		}
		frame, err := mediastream.Decode(data)
		if err != nil {
			c.lg.Debug("bridge: undecodable carrier frame", zap.Error(err))
			continue
		}
		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}

// run is the single event loop of the call. It returns when either leg ends
// or a scheduled close fires.
func (c *call) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.frames:
			if !ok {
				c.lg.Info("bridge: carrier leg closed")
				return
			}
			if !c.onFrame(frame) {
				return
			}
		case ev, ok := <-c.ai.Events():
			if !ok {
				if err := c.ai.Err(); err != nil {
					c.lg.Warn("bridge: engine session dropped", zap.Error(err))
				} else {
					c.lg.Info("bridge: engine session closed")
				}
				return
			}
			c.onEvent(ev)
		case apply := <-c.effects:
			apply()
		case lines := <-c.projects:
			c.send(realtime.InstructionsUpdate{Instructions: realtime.WithProjects(c.instructions, lines)})
		case <-c.closeAt:
			c.closeNow(ctx)
			return
		}
	}
}

func (c *call) onFrame(frame mediastream.Frame) bool {
	switch f := frame.(type) {
	case mediastream.Media:
		if c.state != StateActive {
			return true
		}
		c.send(realtime.AppendAudio{Audio: f.Payload})
		switch c.turns.observe(f) {
		case vad.SpeechStarted:
			c.bargeIn()
		case vad.TurnEnded:
			c.send(realtime.CommitAudio{})
			c.send(realtime.CreateResponse{})
		}
	case mediastream.Mark:
		if c.pendingMarks > 0 {
			c.pendingMarks--
		}
	case mediastream.Stop:
		c.lg.Info("bridge: carrier stream stopped")
		return false
	}
	return true
}

func (c *call) onEvent(ev realtime.ServerEvent) {
	switch ev := ev.(type) {
	case realtime.SessionUpdated:
		c.lg.Debug("bridge: session configured")
	case realtime.ResponseCreated:
		c.responseID = ev.ResponseID
		c.responding = true
		if c.awaitingGoodbye {
			c.goodbyeID = ev.ResponseID
			c.awaitingGoodbye = false
		}
	case realtime.AudioDelta:
		c.play(ev)
	case realtime.InputTranscript:
		c.appendLine(domain.SpeakerUser, ev.Transcript)
	case realtime.OutputTranscript:
		c.appendLine(domain.SpeakerAI, ev.Transcript)
	case realtime.TranscriptionFailed:
		c.lg.Warn("bridge: caller transcription failed", zap.String("message", ev.Message))
	case realtime.SpeechStarted:
		c.bargeIn()
	case realtime.FunctionCall:
		c.queueTool(ev)
	case realtime.ResponseDone:
		if ev.ResponseID == c.responseID {
			c.responding = false
		}
		if c.goodbyeID != "" && ev.ResponseID == c.goodbyeID {
			c.muted = true
		}
	case realtime.Error:
		if ev.Benign() {
			c.lg.Debug("bridge: benign engine error", zap.String("code", ev.Code))
			return
		}
		c.lg.Warn("bridge: engine error", zap.Error(ev))
	}
}

// play forwards one chunk of response audio followed by a mark, so playback
// progress is known when the caller interrupts.
func (c *call) play(ev realtime.AudioDelta) {
	if c.muted || (ev.ResponseID != "" && ev.ResponseID == c.cancelledID) {
		return
	}
	media, err := mediastream.EncodeMedia(c.streamSID, ev.Delta)
	if err != nil {
		c.lg.Warn("bridge: encode media", zap.Error(err))
		return
	}
	c.write(media)

	c.markSeq++
	mark, err := mediastream.EncodeMark(c.streamSID, "chunk-"+strconv.Itoa(c.markSeq))
	if err != nil {
		return
	}
	c.write(mark)
	c.pendingMarks++
}

// bargeIn stops playback the moment the caller speaks: buffered audio is
// cleared before anything else is written and the response is cancelled.
func (c *call) bargeIn() {
	if c.pendingMarks > 0 {
		c.clearPlayback()
	}
	if c.responding {
		c.send(realtime.CancelResponse{})
		c.cancelledID = c.responseID
		c.responding = false
	}
}

func (c *call) clearPlayback() {
	frame, err := mediastream.EncodeClear(c.streamSID)
	if err != nil {
		return
	}
	c.write(frame)
	c.pendingMarks = 0
}

func (c *call) appendLine(speaker domain.Speaker, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.lines = append(c.lines, domain.TranscriptLine{
		Seq:     len(c.lines) + 1,
		Speaker: speaker,
		Text:    text,
		At:      c.m.now(),
	})
}

func (c *call) closeNow(ctx context.Context) {
	if !c.hangup {
		return
	}
	if err := c.m.deps.Gateway.Hangup(ctx, c.callSID); err != nil {
		c.lg.Warn("bridge: hangup failed", zap.Error(err))
	}
}

// fail closes the carrier leg with a coded reason.
func (c *call) fail(code int, reason string) {
	c.failed = true
	if c.legClosed {
		return
	}
	c.legClosed = true
	closeLeg(c.leg, code, reason)
}

func (c *call) write(frame []byte) {
	if c.legClosed {
		return
	}
	if err := c.leg.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.lg.Debug("bridge: carrier write failed", zap.Error(err))
	}
}

func (c *call) send(ev realtime.ClientEvent) {
	if c.ai == nil {
		return
	}
	if err := c.ai.Send(ev); err != nil {
		c.lg.Debug("bridge: engine send failed", zap.Error(err))
	}
}

// Respond sends a function result to the engine.
func (c *call) Respond(callID string, result tools.Result) {
	c.send(realtime.FunctionResult{CallID: callID, Output: result})
}

// Speak asks the engine for a new response.
func (c *call) Speak() {
	if c.muted {
		return
	}
	c.send(realtime.CreateResponse{})
}

// Silence drops buffered playback and cancels the current response.
func (c *call) Silence() {
	c.clearPlayback()
	c.send(realtime.CancelResponse{})
	if c.responding {
		c.cancelledID = c.responseID
		c.responding = false
	}
}

// BeginTransfer mutes the engine; it gets no further audio path once the
// carrier leg is redirected.
func (c *call) BeginTransfer() {
	c.transferred = true
	c.muted = true
	if c.state == StateActive {
		c.state = StateTransferring
	}
}

// BeginDisconnect makes the next response the goodbye; audio stops once it
// completes.
func (c *call) BeginDisconnect() {
	if c.state != StateActive {
		return
	}
	c.state = StateDisconnecting
	c.awaitingGoodbye = true
}

// CloseAfter schedules the close of both legs. The first schedule wins.
func (c *call) CloseAfter(d time.Duration, hangup bool) {
	if c.closeAt != nil {
		return
	}
	c.closeAt = c.m.after(d)
	c.hangup = hangup
}

func (c *call) terminalStatus() domain.CallStatus {
	switch {
	case c.transferred:
		return domain.CallStatusTransferred
	case c.state == StateDisconnecting:
		return domain.CallStatusDisconnected
	}
	return domain.CallStatusCompleted
}

// turnDetector reports caller speech transitions seen in carrier audio.
type turnDetector interface {
	observe(m mediastream.Media) vad.Transition
}

type serverTurns struct{}

func (serverTurns) observe(mediastream.Media) vad.Transition { return vad.None }

type localTurns struct {
	detector *vad.Detector
}

func (t localTurns) observe(m mediastream.Media) vad.Transition {
	audio, err := m.Audio()
	if err != nil {
		return vad.None
	}
	return t.detector.Feed(audio)
}

func newTurns(p realtime.Profile) turnDetector {
	if p.LocalTurns() {
		return localTurns{detector: vad.NewDetector(p.TurnDetection.Threshold, p.SilenceDuration())}
	}
	return serverTurns{}
}
