package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/foreman/pkg/errors"
)

func TestTokenBucket_Consume(t *testing.T) {
	bucket := NewTokenBucket(3, 1.0)

	assert.True(t, bucket.Consume(1))
	assert.True(t, bucket.Consume(1))
	assert.True(t, bucket.Consume(1))
	assert.False(t, bucket.Consume(1), "bucket should be empty after capacity consumes")

	tokens, capacity := bucket.Status()
	assert.GreaterOrEqual(t, tokens, 0.0)
	assert.LessOrEqual(t, tokens, capacity)
}

func TestTokenBucket_Refill(t *testing.T) {
	bucket := NewTokenBucket(2, 100.0) // 100 tokens/sec for a fast test

	require.True(t, bucket.Consume(2))
	require.False(t, bucket.Consume(1))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, bucket.Consume(1), "tokens should refill over time")

	// Refill never exceeds capacity.
	time.Sleep(100 * time.Millisecond)
	tokens, capacity := bucket.Status()
	assert.LessOrEqual(t, tokens, capacity)
}

func TestTokenBucket_BoundsInvariant(t *testing.T) {
	bucket := NewTokenBucket(5, 10.0)
	for i := 0; i < 50; i++ {
		bucket.Consume(1)
		tokens, capacity := bucket.Status()
		assert.GreaterOrEqual(t, tokens, 0.0)
		assert.LessOrEqual(t, tokens, capacity)
	}
}

func TestSlidingWindow_AdmitsUpToLimit(t *testing.T) {
	window := NewSlidingWindowRateLimiter(time.Minute, 3)

	for i := 0; i < 3; i++ {
		ok, count := window.IsAllowed("user1")
		assert.True(t, ok)
		assert.Equal(t, i+1, count)
	}

	ok, count := window.IsAllowed("user1")
	assert.False(t, ok)
	assert.Equal(t, 3, count)

	// Other users are unaffected.
	ok, _ = window.IsAllowed("user2")
	assert.True(t, ok)
}

func TestSlidingWindow_PrunesExpired(t *testing.T) {
	window := NewSlidingWindowRateLimiter(50*time.Millisecond, 2)

	ok, _ := window.IsAllowed("user1")
	require.True(t, ok)
	ok, _ = window.IsAllowed("user1")
	require.True(t, ok)
	ok, _ = window.IsAllowed("user1")
	require.False(t, ok)

	time.Sleep(60 * time.Millisecond)
	ok, count := window.IsAllowed("user1")
	assert.True(t, ok, "expired entries should be pruned")
	assert.Equal(t, 1, count)
}

func TestRateLimiter_BurstRejection(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: 10,
		BurstSize:         3,
		WindowSeconds:     60,
		Enabled:           true,
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Check("user1"), "request %d should be admitted", i+1)
	}

	err := limiter.Check("user1")
	require.Error(t, err)
	var rateErr *errors.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, "user1", rateErr.UserID)
	assert.GreaterOrEqual(t, rateErr.RetryAfter, time.Second)
	assert.NotEmpty(t, rateErr.Limits)
}

func TestRateLimiter_WindowRejection(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: 2,
		BurstSize:         10,
		WindowSeconds:     60,
		Enabled:           true,
	})

	require.NoError(t, limiter.Check("user1"))
	require.NoError(t, limiter.Check("user1"))

	err := limiter.Check("user1")
	var rateErr *errors.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.GreaterOrEqual(t, rateErr.RetryAfter, time.Second)
}

func TestRateLimiter_Disabled(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: 1,
		BurstSize:         1,
		WindowSeconds:     60,
		Enabled:           false,
	})
	for i := 0; i < 20; i++ {
		assert.NoError(t, limiter.Check("user1"))
	}
}

func TestRateLimiter_UsersAreIndependent(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         1,
		WindowSeconds:     60,
		Enabled:           true,
	})

	require.NoError(t, limiter.Check("alice"))
	require.Error(t, limiter.Check("alice"))
	assert.NoError(t, limiter.Check("bob"), "bob has his own bucket")
}

func TestRateLimiter_UpdateConfigRebuildsBuckets(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         1,
		WindowSeconds:     60,
		Enabled:           true,
	})
	require.NoError(t, limiter.Check("user1"))
	require.Error(t, limiter.Check("user1"))

	limiter.UpdateConfig(RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         5,
		WindowSeconds:     60,
		Enabled:           true,
	})

	// Buckets are rebuilt lazily with the new burst size.
	assert.NoError(t, limiter.Check("user1"))

	status := limiter.Status("user1")
	assert.Equal(t, 5, status.BurstSize)
	assert.Equal(t, 60, status.RequestsPerMinute)
}
