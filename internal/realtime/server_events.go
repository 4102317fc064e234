package realtime

import (
	"encoding/json"
	"fmt"
)

// ServerEvent is one decoded frame from the AI engine. The concrete types
// below are the complete set the bridge reacts to; anything else decodes to
// Unhandled.
type ServerEvent interface {
	serverEvent()
}

type (
	// SessionUpdated acknowledges a session configuration.
	SessionUpdated struct{}

	// ResponseCreated marks the start of a model response.
	ResponseCreated struct {
		ResponseID string
	}

	// AudioDelta is a chunk of base64 mu-law response audio.
	AudioDelta struct {
		ResponseID string
		ItemID     string
		Delta      string
	}

	// InputTranscript is the completed transcription of a caller utterance.
	InputTranscript struct {
		ItemID     string
		Transcript string
	}

	// OutputTranscript is the full transcript of a spoken response.
	OutputTranscript struct {
		ResponseID string
		Transcript string
	}

	// TranscriptionFailed reports a caller utterance that could not be transcribed.
	TranscriptionFailed struct {
		ItemID  string
		Message string
	}

	// SpeechStarted fires when the engine detects caller speech.
	SpeechStarted struct {
		AudioStartMs int
	}

	// SpeechStopped fires when the engine detects the end of caller speech.
	SpeechStopped struct{}

	// FunctionCall is a completed tool invocation.
	FunctionCall struct {
		ResponseID string
		CallID     string
		Name       string
		Arguments  string
	}

	// ResponseDone marks the end of a model response.
	ResponseDone struct {
		ResponseID string
		Status     string
	}

	// Error is an engine-reported error.
	Error struct {
		Type    string
		Code    string
		Message string
	}

	// Unhandled is any other frame type.
	Unhandled struct {
		Type string
	}
)

func (SessionUpdated) serverEvent()      {}
func (ResponseCreated) serverEvent()     {}
func (AudioDelta) serverEvent()          {}
func (InputTranscript) serverEvent()     {}
func (OutputTranscript) serverEvent()    {}
func (TranscriptionFailed) serverEvent() {}
func (SpeechStarted) serverEvent()       {}
func (SpeechStopped) serverEvent()       {}
func (FunctionCall) serverEvent()        {}
func (ResponseDone) serverEvent()        {}
func (Error) serverEvent()               {}
func (Unhandled) serverEvent()           {}

// CodeCancelNotActive is returned when a cancel races the end of a response.
const CodeCancelNotActive = "response_cancel_not_active"

// Benign reports whether the error can be ignored.
func (e Error) Benign() bool {
	return e.Code == CodeCancelNotActive
}

func (e Error) Error() string {
	return fmt.Sprintf("realtime: %s (%s): %s", e.Type, e.Code, e.Message)
}

type serverEnvelope struct {
	Type         string `json:"type"`
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	Delta        string `json:"delta"`
	Transcript   string `json:"transcript"`
	CallID       string `json:"call_id"`
	Name         string `json:"name"`
	Arguments    string `json:"arguments"`
	AudioStartMs int    `json:"audio_start_ms"`
	Response     *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeServerEvent parses one engine frame.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("realtime: decode event: %w", err)
	}

	responseID := func() string {
		if env.Response != nil {
			return env.Response.ID
		}
		return env.ResponseID
	}

	switch env.Type {
	case "session.updated", "session.created":
		return SessionUpdated{}, nil
	case "response.created":
		return ResponseCreated{ResponseID: responseID()}, nil
	case "response.audio.delta", "response.output_audio.delta":
		return AudioDelta{ResponseID: env.ResponseID, ItemID: env.ItemID, Delta: env.Delta}, nil
	case "conversation.item.input_audio_transcription.completed":
		return InputTranscript{ItemID: env.ItemID, Transcript: env.Transcript}, nil
	case "conversation.item.input_audio_transcription.failed":
		ev := TranscriptionFailed{ItemID: env.ItemID}
		if env.Error != nil {
			ev.Message = env.Error.Message
		}
		return ev, nil
	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return OutputTranscript{ResponseID: env.ResponseID, Transcript: env.Transcript}, nil
	case "input_audio_buffer.speech_started":
		return SpeechStarted{AudioStartMs: env.AudioStartMs}, nil
	case "input_audio_buffer.speech_stopped":
		return SpeechStopped{}, nil
	case "response.function_call_arguments.done":
		return FunctionCall{ResponseID: env.ResponseID, CallID: env.CallID, Name: env.Name, Arguments: env.Arguments}, nil
	case "response.done":
		ev := ResponseDone{ResponseID: responseID()}
		if env.Response != nil {
			ev.Status = env.Response.Status
		}
		return ev, nil
	case "error":
		ev := Error{}
		if env.Error != nil {
			ev.Type, ev.Code, ev.Message = env.Error.Type, env.Error.Code, env.Error.Message
		}
		return ev, nil
	default:
		return Unhandled{Type: env.Type}, nil
	}
}
