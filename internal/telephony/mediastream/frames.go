// Package mediastream encodes and decodes the carrier's bidirectional media
// stream protocol (JSON text frames carrying base64 8 kHz mu-law audio).
package mediastream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Frame is one decoded inbound message. The concrete types are Connected,
// Start, Media, Mark, Stop and Unknown.
type Frame interface {
	frame()
}

// Connected is the first message on a stream.
type Connected struct {
	Protocol string
	Version  string
}

// Start carries the call identity and custom parameters of the stream.
type Start struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	Tracks           []string
	CustomParameters map[string]string
	Encoding         string
	SampleRate       int
}

// Media carries one chunk of caller audio.
type Media struct {
	StreamSID string
	Track     string
	Chunk     string
	Timestamp string
	// Payload is the base64 mu-law audio as received.
	Payload string
}

// Audio decodes the payload.
func (m Media) Audio() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("mediastream: decode payload: %w", err)
	}
	return b, nil
}

// Mark acknowledges that playback reached a mark we sent.
type Mark struct {
	StreamSID string
	Name      string
}

// Stop ends the stream.
type Stop struct {
	StreamSID string
	CallSID   string
}

// Unknown is any event this package does not model (e.g. dtmf).
type Unknown struct {
	Event string
}

func (Connected) frame() {}
func (Start) frame()     {}
func (Media) frame()     {}
func (Mark) frame()      {}
func (Stop) frame()      {}
func (Unknown) frame()   {}

type envelope struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Protocol  string `json:"protocol"`
	Version   string `json:"version"`
	Start     *struct {
		StreamSID        string            `json:"streamSid"`
		AccountSID       string            `json:"accountSid"`
		CallSID          string            `json:"callSid"`
		Tracks           []string          `json:"tracks"`
		CustomParameters map[string]string `json:"customParameters"`
		MediaFormat      struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sampleRate"`
		} `json:"mediaFormat"`
	} `json:"start,omitempty"`
	Media *struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
	Stop *struct {
		CallSID string `json:"callSid"`
	} `json:"stop,omitempty"`
}

// Decode parses one inbound text frame.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("mediastream: decode frame: %w", err)
	}

	switch env.Event {
	case "connected":
		return Connected{Protocol: env.Protocol, Version: env.Version}, nil
	case "start":
		if env.Start == nil {
			return nil, fmt.Errorf("mediastream: start frame without body")
		}
		s := Start{
			StreamSID:        env.Start.StreamSID,
			CallSID:          env.Start.CallSID,
			AccountSID:       env.Start.AccountSID,
			Tracks:           env.Start.Tracks,
			CustomParameters: env.Start.CustomParameters,
			Encoding:         env.Start.MediaFormat.Encoding,
			SampleRate:       env.Start.MediaFormat.SampleRate,
		}
		if s.StreamSID == "" {
			s.StreamSID = env.StreamSID
		}
		return s, nil
	case "media":
		if env.Media == nil {
			return nil, fmt.Errorf("mediastream: media frame without body")
		}
		return Media{
			StreamSID: env.StreamSID,
			Track:     env.Media.Track,
			Chunk:     env.Media.Chunk,
			Timestamp: env.Media.Timestamp,
			Payload:   env.Media.Payload,
		}, nil
	case "mark":
		m := Mark{StreamSID: env.StreamSID}
		if env.Mark != nil {
			m.Name = env.Mark.Name
		}
		return m, nil
	case "stop":
		s := Stop{StreamSID: env.StreamSID}
		if env.Stop != nil {
			s.CallSID = env.Stop.CallSID
		}
		return s, nil
	default:
		return Unknown{Event: env.Event}, nil
	}
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundMark struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// EncodeMedia builds a playback frame from base64 mu-law audio.
func EncodeMedia(streamSID, payload string) ([]byte, error) {
	msg := outboundMedia{Event: "media", StreamSID: streamSID}
	msg.Media.Payload = payload
	return json.Marshal(msg)
}

// EncodeMark builds a mark frame echoed back once playback reaches it.
func EncodeMark(streamSID, name string) ([]byte, error) {
	msg := outboundMark{Event: "mark", StreamSID: streamSID}
	msg.Mark.Name = name
	return json.Marshal(msg)
}

// EncodeClear builds a frame discarding all buffered playback.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(outboundClear{Event: "clear", StreamSID: streamSID})
}
