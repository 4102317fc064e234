package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-voice-bridge/internal/config"
)

func TestDecodeServerEvent(t *testing.T) {
	cases := []struct {
		raw  string
		want ServerEvent
	}{
		{`{"type":"session.updated"}`, SessionUpdated{}},
		{`{"type":"response.created","response":{"id":"r1"}}`, ResponseCreated{ResponseID: "r1"}},
		{`{"type":"response.audio.delta","response_id":"r1","item_id":"i1","delta":"AAA="}`, AudioDelta{ResponseID: "r1", ItemID: "i1", Delta: "AAA="}},
		{`{"type":"conversation.item.input_audio_transcription.completed","item_id":"i2","transcript":"hello"}`, InputTranscript{ItemID: "i2", Transcript: "hello"}},
		{`{"type":"response.audio_transcript.done","response_id":"r1","transcript":"hi there"}`, OutputTranscript{ResponseID: "r1", Transcript: "hi there"}},
		{`{"type":"input_audio_buffer.speech_started","audio_start_ms":120}`, SpeechStarted{AudioStartMs: 120}},
		{`{"type":"input_audio_buffer.speech_stopped"}`, SpeechStopped{}},
		{`{"type":"response.function_call_arguments.done","response_id":"r2","call_id":"c1","name":"transfer_call","arguments":"{\"reason\":\"pricing\"}"}`,
			FunctionCall{ResponseID: "r2", CallID: "c1", Name: "transfer_call", Arguments: `{"reason":"pricing"}`}},
		{`{"type":"response.done","response":{"id":"r2","status":"completed"}}`, ResponseDone{ResponseID: "r2", Status: "completed"}},
		{`{"type":"error","error":{"type":"invalid_request_error","code":"response_cancel_not_active","message":"no active response"}}`,
			Error{Type: "invalid_request_error", Code: CodeCancelNotActive, Message: "no active response"}},
		{`{"type":"rate_limits.updated"}`, Unhandled{Type: "rate_limits.updated"}},
	}

	for _, tc := range cases {
		got, err := DecodeServerEvent([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}

	_, err := DecodeServerEvent([]byte("{"))
	assert.Error(t, err)
}

func TestErrorBenign(t *testing.T) {
	assert.True(t, Error{Code: CodeCancelNotActive}.Benign())
	assert.False(t, Error{Code: "server_error"}.Benign())
}

func TestEncodeClientEvents(t *testing.T) {
	b, err := Encode(FunctionResult{CallID: "c1", Output: map[string]any{"success": true}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"conversation.item.create","item":{"type":"function_call_output","call_id":"c1","output":"{\"success\":true}"}}`, string(b))

	b, err = Encode(AppendAudio{Audio: "AAA="})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"input_audio_buffer.append","audio":"AAA="}`, string(b))

	b, err = Encode(InstructionsUpdate{Instructions: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"session.update","session":{"instructions":"x"}}`, string(b))

	b, err = Encode(SessionUpdate{Session: SessionConfig{Voice: "echo", Temperature: 0.9}})
	require.NoError(t, err)
	var decoded struct {
		Session map[string]any `json:"session"`
	}
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, AudioFormat, decoded.Session["input_audio_format"])
	assert.Nil(t, decoded.Session["turn_detection"])
	assert.Contains(t, decoded.Session, "turn_detection")
}

const profilesYAML = `
profiles:
  - name: default
    voice: echo
    temperature: 0.9
    turn_detection:
      mode: server
      threshold: 0.7
      prefix_padding_ms: 300
      silence_duration_ms: 800
    instructions: "Calling for {{.Organization}}. Speak with {{.LeadName}} about {{.Campaign}}."
  - name: quiet
    turn_detection:
      mode: local
`

func testProfiles(t *testing.T) *Profiles {
	t.Helper()
	p := &Profiles{byName: map[string]Profile{}, fallback: "default", defaults: config.RealtimeConfig{
		Voice: "alloy", Temperature: 0.8, TurnDetection: "server", VADThreshold: 0.5,
		PrefixPadding: 200 * time.Millisecond, SilenceDuration: 600 * time.Millisecond, LocalEnergyCutoff: 0.02,
	}}
	require.NoError(t, p.parse([]byte(profilesYAML)))
	return p
}

func TestProfilesSession(t *testing.T) {
	profiles := testProfiles(t)

	prof := profiles.Get("missing")
	assert.Equal(t, "default", prof.Name)

	cfg, err := prof.Session(PromptVars{Organization: "Acme", LeadName: "Ravi", Campaign: "Towers"}, "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "Calling for Acme. Speak with Ravi about Towers.", cfg.Instructions)
	assert.Equal(t, "echo", cfg.Voice)
	require.NotNil(t, cfg.TurnDetection)
	assert.Equal(t, 0.7, cfg.TurnDetection.Threshold)
	assert.Equal(t, 800, cfg.TurnDetection.SilenceDurationMs)

	cfg, err = prof.Session(PromptVars{}, "Custom script", "sage", nil)
	require.NoError(t, err)
	assert.Equal(t, "Custom script", cfg.Instructions)
	assert.Equal(t, "sage", cfg.Voice)

	quiet := profiles.Get("quiet")
	assert.True(t, quiet.LocalTurns())
	assert.Equal(t, "alloy", quiet.Voice)
	assert.Equal(t, 0.02, quiet.TurnDetection.Threshold)
	assert.Equal(t, 600*time.Millisecond, quiet.SilenceDuration())
	cfg, err = quiet.Session(PromptVars{}, "s", "", nil)
	require.NoError(t, err)
	assert.Nil(t, cfg.TurnDetection)
}

func TestProfilesRejectUnknownMode(t *testing.T) {
	p := &Profiles{byName: map[string]Profile{}}
	err := p.parse([]byte("profiles:\n  - name: x\n    turn_detection:\n      mode: psychic\n"))
	assert.Error(t, err)
}

func TestWithProjects(t *testing.T) {
	got := WithProjects("base", []ProjectLine{{Name: "Towers", Location: "Pune"}})
	assert.True(t, strings.HasPrefix(got, "base"))
	assert.Contains(t, got, "- Towers: No description available (Pune)")

	assert.Contains(t, WithProjects("base", nil), "No other active projects.")
}

func TestSessionRoundTrip(t *testing.T) {
	received := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, "test-model", r.URL.Query().Get("model"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.updated"}`))
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- string(data)
		}
	}))
	defer srv.Close()

	dialer := NewDialer(config.RealtimeConfig{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey: "key",
		Model:  "test-model",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := dialer.Dial(ctx)
	require.NoError(t, err)
	defer session.Close()

	select {
	case ev := <-session.Events():
		assert.Equal(t, SessionUpdated{}, ev)
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	require.NoError(t, session.Send(CreateResponse{}))
	select {
	case msg := <-received:
		assert.JSONEq(t, `{"type":"response.create"}`, msg)
	case <-ctx.Done():
		t.Fatal("server did not receive frame")
	}
}
