// Package concurrency coordinates call slots and session ownership across
// process instances through Redis.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 0 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// releaseClaimScript deletes the claim only when the caller still owns it.
var releaseClaimScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Limiter caps active calls per campaign and records which instance owns
// the bridge session of each call.
type Limiter struct {
	client       *redis.Client
	defaultLimit int
	slotTTL      time.Duration
	claimTTL     time.Duration
	owner        string
}

// NewLimiter constructs a limiter. owner identifies this process in session claims.
func NewLimiter(client *redis.Client, defaultLimit int, slotTTL, claimTTL time.Duration, owner string) *Limiter {
	if slotTTL <= 0 {
		slotTTL = 45 * time.Minute
	}
	if claimTTL <= 0 {
		claimTTL = slotTTL
	}
	if owner == "" {
		owner = uuid.NewString()
	}
	return &Limiter{client: client, defaultLimit: defaultLimit, slotTTL: slotTTL, claimTTL: claimTTL, owner: owner}
}

// Acquire attempts to reserve an active-call slot for the campaign. A limit
// of zero uses the configured default; a non-positive default disables the cap.
func (l *Limiter) Acquire(ctx context.Context, campaignID uuid.UUID, limit int) (bool, error) {
	if campaignID == uuid.Nil {
		return true, nil
	}
	if limit <= 0 {
		limit = l.defaultLimit
	}
	if limit <= 0 {
		return true, nil
	}

	res, err := acquireScript.Run(ctx, l.client, []string{SlotKey(campaignID)}, limit, l.slotTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot.
func (l *Limiter) Release(ctx context.Context, campaignID uuid.UUID) error {
	if campaignID == uuid.Nil {
		return nil
	}
	if _, err := releaseScript.Run(ctx, l.client, []string{SlotKey(campaignID)}).Int(); err != nil {
		return fmt.Errorf("concurrency release: %w", err)
	}
	return nil
}

// Claim marks this instance as the owner of the call's bridge session. It
// reports false when another session already holds the call.
func (l *Limiter) Claim(ctx context.Context, callSID string) (bool, error) {
	claimed, err := l.client.SetNX(ctx, ClaimKey(callSID), l.owner, l.claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("concurrency claim: %w", err)
	}
	return claimed, nil
}

// Unclaim drops the session claim if this instance still owns it.
func (l *Limiter) Unclaim(ctx context.Context, callSID string) error {
	if err := releaseClaimScript.Run(ctx, l.client, []string{ClaimKey(callSID)}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("concurrency unclaim: %w", err)
	}
	return nil
}

// SlotKey is the counter of active calls for a campaign.
func SlotKey(campaignID uuid.UUID) string {
	return fmt.Sprintf("bridge:campaign:%s:active", campaignID.String())
}

// ClaimKey is the ownership key of a call's bridge session.
func ClaimKey(callSID string) string {
	return "bridge:session:" + callSID
}
