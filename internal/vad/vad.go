// Package vad is an energy-based voice activity detector for 8 kHz mu-law
// telephony audio. It backs the local turn detection strategy.
package vad

import (
	"math"
	"time"
)

// SampleRate of telephony audio.
const SampleRate = 8000

// Transition is the detector output for one chunk.
type Transition int

const (
	None Transition = iota
	SpeechStarted
	TurnEnded
)

func (t Transition) String() string {
	switch t {
	case SpeechStarted:
		return "speech_started"
	case TurnEnded:
		return "turn_ended"
	default:
		return "none"
	}
}

var ulawTable [256]int16

func init() {
	for i := range ulawTable {
		ulawTable[i] = decodeULaw(byte(i))
	}
}

func decodeULaw(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := ((int32(mantissa) << 3) + 0x84) << exponent
	sample -= 0x84
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// DecodeULaw converts mu-law bytes to linear PCM samples.
func DecodeULaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = ulawTable[b]
	}
	return out
}

// Energy is the RMS level of a mu-law chunk, normalised to 0..1.
func Energy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, b := range data {
		s := float64(ulawTable[b]) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(data)))
}

// Detector tracks speech and silence across chunks. It is not safe for
// concurrent use; the bridge event loop owns it.
type Detector struct {
	threshold float64
	silence   time.Duration

	speaking  bool
	silentFor time.Duration
}

// NewDetector creates a detector. Chunks at or above threshold energy count
// as speech; a turn ends after silence of at least the given duration.
func NewDetector(threshold float64, silence time.Duration) *Detector {
	return &Detector{threshold: threshold, silence: silence}
}

// Speaking reports whether the caller is mid-turn.
func (d *Detector) Speaking() bool {
	return d.speaking
}

// Feed consumes one chunk. Elapsed time is derived from the sample count.
func (d *Detector) Feed(chunk []byte) Transition {
	if Energy(chunk) >= d.threshold {
		d.silentFor = 0
		if !d.speaking {
			d.speaking = true
			return SpeechStarted
		}
		return None
	}

	if !d.speaking {
		return None
	}
	d.silentFor += time.Duration(len(chunk)) * time.Second / SampleRate
	if d.silentFor >= d.silence {
		d.speaking = false
		d.silentFor = 0
		return TurnEnded
	}
	return None
}

// Reset forgets any turn in progress.
func (d *Detector) Reset() {
	d.speaking = false
	d.silentFor = 0
}
