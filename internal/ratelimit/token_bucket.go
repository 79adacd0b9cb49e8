// Package ratelimit meters job submissions with a token bucket shared by all
// API replicas through redis.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "roiflow:ratelimit"

// Decision is the outcome of one Allow call. RetryAfter is zero when the
// request was allowed.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// The bucket is a hash {tokens, ts}. Returns {allowed, remaining, retry_ms}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
tokens = math.min(capacity, tokens + math.max(0, now - ts) * rate)

if tokens < cost then
  redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
  redis.call("PEXPIRE", KEYS[1], ARGV[5])
  return {0, math.floor(tokens), math.ceil((cost - tokens) / rate)}
end

tokens = tokens - cost
redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {1, math.floor(tokens), 0}
`)

// RedisTokenBucket refills capacity tokens per window. A request draws a
// caller-chosen number of tokens; the API charges more for longer pipelines.
type RedisTokenBucket struct {
	client      redis.UniversalClient
	capacity    int64
	refillPerMS float64
	ttl         time.Duration
	keyPrefix   string
	now         func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if capacity <= 0 {
		return nil, errors.New("capacity must be positive")
	}
	if window <= 0 {
		return nil, errors.New("window must be positive")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultKeyPrefix
	}

	return &RedisTokenBucket{
		client:      client,
		capacity:    int64(capacity),
		refillPerMS: float64(capacity) / float64(max(window.Milliseconds(), 1)),
		ttl:         2 * window,
		keyPrefix:   keyPrefix,
		now:         time.Now,
	}, nil
}

// Allow draws cost tokens from subject's bucket. Costs below one are charged
// as one and costs above the capacity as the full capacity, so every request
// can eventually pass.
func (l *RedisTokenBucket) Allow(ctx context.Context, subject string, cost int64) (Decision, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	vals, err := takeScript.Run(ctx, l.client,
		[]string{l.key(subject)},
		l.capacity,
		l.refillPerMS,
		l.now().UTC().UnixMilli(),
		l.clampCost(cost),
		l.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, errors.Wrapf(err, "take tokens for %s", subject)
	}
	return l.decision(vals)
}

func (l *RedisTokenBucket) key(subject string) string {
	return l.keyPrefix + ":" + subject
}

func (l *RedisTokenBucket) clampCost(cost int64) int64 {
	return min(max(cost, 1), l.capacity)
}

func (l *RedisTokenBucket) decision(vals []int64) (Decision, error) {
	if len(vals) != 3 {
		return Decision{}, errors.Errorf("token bucket returned %d values, want 3", len(vals))
	}
	return Decision{
		Allowed:    vals[0] == 1,
		Limit:      l.capacity,
		Remaining:  vals[1],
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}
