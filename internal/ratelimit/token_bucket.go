package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket enforces a per-minute posting budget shared across every
// dispatcher instance. State lives in a Redis hash so the budget holds even
// with several workers draining the same category.
type TokenBucket struct {
	client    *redis.Client
	perMinute int
	ttl       time.Duration
}

// NewTokenBucket builds a bucket granting perMinute tokens per minute. Burst
// is capped at one minute's budget; the key expires after ttl of inactivity.
func NewTokenBucket(client *redis.Client, perMinute int, ttl time.Duration) *TokenBucket {
	return &TokenBucket{client: client, perMinute: perMinute, ttl: ttl}
}

// Allow takes one token from the budget if one is available. Returns whether
// the take was granted and the tokens remaining afterwards.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	nowMS := time.Now().UnixMilli()
	res, err := budgetScript.Run(ctx, b.client, []string{key}, b.perMinute, nowMS, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("budget take %s: %w", key, err)
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return false, 0, fmt.Errorf("budget take %s: unexpected reply %v", key, res)
	}
	granted := reply[0].(int64) == 1
	remaining, err := strconv.ParseFloat(reply[1].(string), 64)
	if err != nil {
		return false, 0, fmt.Errorf("budget take %s: parse remaining: %w", key, err)
	}
	return granted, remaining, nil
}

// budgetScript refills continuously at perMinute/60000 tokens per millisecond
// and takes one token when at least one whole token is banked. Refill and
// take run as one atomic unit.
var budgetScript = redis.NewScript(`
local key = KEYS[1]
local budget = tonumber(ARGV[1])
local now_ms = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'stamp_ms')
local tokens = tonumber(state[1])
local stamp = tonumber(state[2])
if tokens == nil then tokens = budget end
if stamp == nil then stamp = now_ms end

local elapsed = math.max(0, now_ms - stamp)
tokens = math.min(budget, tokens + elapsed * budget / 60000)

local granted = 0
if tokens >= 1 then
  granted = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'stamp_ms', now_ms)
if ttl_ms > 0 then redis.call('PEXPIRE', key, ttl_ms) end
return {granted, tostring(tokens)}
`)
