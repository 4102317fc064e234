package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// ClientEvent is one frame sent to the AI engine.
type ClientEvent interface {
	wire() any
}

// Encode marshals a client event to its wire form.
func Encode(ev ClientEvent) ([]byte, error) {
	b, err := json.Marshal(ev.wire())
	if err != nil {
		return nil, fmt.Errorf("realtime: encode event: %w", err)
	}
	return b, nil
}

// Tool is a function the model may call.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// ServerVAD builds a server_vad turn detection block.
func ServerVAD(threshold float64, prefixPadding, silence time.Duration) *TurnDetection {
	return &TurnDetection{
		Type:              "server_vad",
		Threshold:         threshold,
		PrefixPaddingMs:   int(prefixPadding / time.Millisecond),
		SilenceDurationMs: int(silence / time.Millisecond),
	}
}

// SessionConfig is the full session configuration. A nil TurnDetection
// disables server VAD; turns are then committed by the client.
type SessionConfig struct {
	Instructions  string
	Voice         string
	Temperature   float64
	TurnDetection *TurnDetection
	Tools         []Tool
}

// AudioFormat is the telephony codec used in both directions.
const AudioFormat = "g711_ulaw"

// TranscriptionModel transcribes caller audio.
const TranscriptionModel = "whisper-1"

type (
	// SessionUpdate configures the session.
	SessionUpdate struct {
		Session SessionConfig
	}

	// InstructionsUpdate replaces only the session instructions.
	InstructionsUpdate struct {
		Instructions string
	}

	// AppendAudio forwards base64 mu-law caller audio.
	AppendAudio struct {
		Audio string
	}

	// CommitAudio closes the caller turn when the client detects turns.
	CommitAudio struct{}

	// CreateResponse asks the model to respond.
	CreateResponse struct{}

	// CancelResponse stops the in-flight response.
	CancelResponse struct{}

	// FunctionResult returns a tool result to the model.
	FunctionResult struct {
		CallID string
		Output any
	}
)

func (e SessionUpdate) wire() any {
	s := e.Session
	session := map[string]any{
		"modalities":                []string{"text", "audio"},
		"instructions":              s.Instructions,
		"voice":                     s.Voice,
		"temperature":               s.Temperature,
		"input_audio_format":        AudioFormat,
		"output_audio_format":       AudioFormat,
		"input_audio_transcription": map[string]string{"model": TranscriptionModel},
		"turn_detection":            s.TurnDetection,
		"tool_choice":               "auto",
	}
	if len(s.Tools) > 0 {
		session["tools"] = s.Tools
	}
	return map[string]any{"type": "session.update", "session": session}
}

func (e InstructionsUpdate) wire() any {
	return map[string]any{"type": "session.update", "session": map[string]any{"instructions": e.Instructions}}
}

func (e AppendAudio) wire() any {
	return map[string]any{"type": "input_audio_buffer.append", "audio": e.Audio}
}

func (CommitAudio) wire() any {
	return map[string]any{"type": "input_audio_buffer.commit"}
}

func (CreateResponse) wire() any {
	return map[string]any{"type": "response.create"}
}

func (CancelResponse) wire() any {
	return map[string]any{"type": "response.cancel"}
}

func (e FunctionResult) wire() any {
	output, ok := e.Output.(string)
	if !ok {
		b, err := json.Marshal(e.Output)
		if err != nil {
			b = []byte(`{"success":false,"error":"unencodable result"}`)
		}
		output = string(b)
	}
	return map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": e.CallID,
			"output":  output,
		},
	}
}
