package concurrency

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestKeysAreScoped(t *testing.T) {
	id := uuid.MustParse("6f1c1f9e-6c2b-4a53-9f64-2d1b8f1e0a10")
	if got := SlotKey(id); got != "bridge:campaign:6f1c1f9e-6c2b-4a53-9f64-2d1b8f1e0a10:active" {
		t.Fatalf("unexpected slot key %q", got)
	}
	if got := ClaimKey("CA123"); got != "bridge:session:CA123" {
		t.Fatalf("unexpected claim key %q", got)
	}
}

func TestUncappedCampaignsSkipRedis(t *testing.T) {
	l := NewLimiter(nil, 0, 0, 0, "test")

	ok, err := l.Acquire(context.Background(), uuid.New(), 0)
	if err != nil || !ok {
		t.Fatalf("expected uncapped acquire to succeed without redis, got %v %v", ok, err)
	}
	if err := l.Release(context.Background(), uuid.Nil); err != nil {
		t.Fatalf("expected nil campaign release to be a no-op, got %v", err)
	}
}
