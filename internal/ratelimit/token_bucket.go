// Package ratelimit bounds how often clients may poll, using token buckets
// held in Redis so every API replica shares one budget per key.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// TokenBucket is a Redis-backed token bucket.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket holding capacity tokens that refills at
// refillPerSecond. Idle buckets expire after ttl.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Take consumes one token from key's bucket when one is available.
func (b *TokenBucket) Take(ctx context.Context, key string) (Decision, error) {
	res, err := takeScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, time.Now().UnixMilli(), b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("take %s: unexpected reply of %d values", key, len(res))
	}
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// Replies are {allowed, whole tokens left, ms until the next token}. With no
// refill the wait is reported as the bucket ttl.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) / 1000 * refill)
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif refill > 0 then
  wait = math.ceil((1 - tokens) / refill * 1000)
else
  wait = ttl
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', now)
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {allowed, math.floor(tokens), wait}
`)
