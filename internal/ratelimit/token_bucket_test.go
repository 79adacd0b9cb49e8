package ratelimit

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, window time.Duration) *RedisTokenBucket {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	t.Cleanup(func() { _ = client.Close() })

	bucket, err := NewRedisTokenBucket(client, capacity, window, " ")
	require.NoError(t, err)
	return bucket
}

func TestNewRedisTokenBucketValidates(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	_, err := NewRedisTokenBucket(nil, 10, time.Minute, "")
	assert.Error(t, err)
	_, err = NewRedisTokenBucket(client, 0, time.Minute, "")
	assert.Error(t, err)
	_, err = NewRedisTokenBucket(client, 10, 0, "")
	assert.Error(t, err)

	bucket := newBucket(t, 60, time.Minute)
	assert.Equal(t, "roiflow:ratelimit:user-1", bucket.key("user-1"))
	assert.InDelta(t, 0.001, bucket.refillPerMS, 1e-9)
	assert.Equal(t, 2*time.Minute, bucket.ttl)
}

func TestClampCost(t *testing.T) {
	bucket := newBucket(t, 10, time.Second)

	assert.Equal(t, int64(1), bucket.clampCost(0))
	assert.Equal(t, int64(1), bucket.clampCost(-4))
	assert.Equal(t, int64(6), bucket.clampCost(6))
	assert.Equal(t, int64(10), bucket.clampCost(40))
}

func TestDecision(t *testing.T) {
	bucket := newBucket(t, 10, time.Second)

	d, err := bucket.decision([]int64{1, 7, 0})
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Limit: 10, Remaining: 7}, d)

	d, err = bucket.decision([]int64{0, 2, 350})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 350*time.Millisecond, d.RetryAfter)

	_, err = bucket.decision([]int64{1})
	assert.Error(t, err)
}
