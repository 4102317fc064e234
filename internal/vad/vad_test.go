package vad

import (
	"testing"
	"time"
)

// 20 ms frames at 8 kHz.
const frame = 160

func silence() []byte {
	b := make([]byte, frame)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

func loud() []byte {
	b := make([]byte, frame)
	for i := range b {
		if i%2 == 0 {
			b[i] = 0x00
		} else {
			b[i] = 0x80
		}
	}
	return b
}

func TestDecodeULaw(t *testing.T) {
	if got := DecodeULaw([]byte{0xFF})[0]; got != 0 {
		t.Fatalf("0xFF should decode to silence, got %d", got)
	}
	pcm := DecodeULaw([]byte{0x00, 0x80})
	if pcm[0] >= 0 || pcm[1] <= 0 {
		t.Fatalf("expected negative then positive full-scale samples, got %v", pcm)
	}
	if pcm[0] != -pcm[1] {
		t.Fatalf("expected symmetric samples, got %v", pcm)
	}
}

func TestEnergy(t *testing.T) {
	if e := Energy(silence()); e != 0 {
		t.Fatalf("expected zero energy for silence, got %f", e)
	}
	if e := Energy(loud()); e < 0.5 {
		t.Fatalf("expected high energy for full-scale audio, got %f", e)
	}
	if e := Energy(nil); e != 0 {
		t.Fatalf("expected zero energy for empty chunk, got %f", e)
	}
}

func TestDetectorTurn(t *testing.T) {
	d := NewDetector(0.1, 100*time.Millisecond)

	if tr := d.Feed(silence()); tr != None {
		t.Fatalf("silence before speech: got %v", tr)
	}
	if tr := d.Feed(loud()); tr != SpeechStarted {
		t.Fatalf("first speech frame: got %v", tr)
	}
	if tr := d.Feed(loud()); tr != None {
		t.Fatalf("continued speech: got %v", tr)
	}

	// 100 ms of silence is five 20 ms frames; the fifth ends the turn.
	for i := 0; i < 4; i++ {
		if tr := d.Feed(silence()); tr != None {
			t.Fatalf("silence frame %d: got %v", i, tr)
		}
	}
	if tr := d.Feed(silence()); tr != TurnEnded {
		t.Fatalf("expected turn end, got %v", tr)
	}
	if d.Speaking() {
		t.Fatal("detector should be idle after turn end")
	}
}

func TestDetectorSpeechResetsSilence(t *testing.T) {
	d := NewDetector(0.1, 60*time.Millisecond)
	d.Feed(loud())
	d.Feed(silence())
	d.Feed(silence())
	if tr := d.Feed(loud()); tr != None {
		t.Fatalf("speech resuming mid-turn should not restart the turn, got %v", tr)
	}
	d.Feed(silence())
	d.Feed(silence())
	if tr := d.Feed(silence()); tr != TurnEnded {
		t.Fatalf("expected turn end after a full silence window, got %v", tr)
	}
}
