package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuslabs/pluvio/pkg/config"
)

func newTestLimiter(t *testing.T, perMinute, burst int) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l := New(client, "test:", config.API{
		RateLimitPerMinute: perMinute,
		RateLimitBurst:     burst,
	})
	return l, mr
}

// pin the clock to a window start so tests are deterministic
func pinClock(l *Limiter, at time.Time) {
	l.now = func() time.Time { return at }
}

func windowStart() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestAllowUnderLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 5, 0)
	pinClock(l, windowStart())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Allow(ctx, "198.51.100.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i+1)
	}

	d, err := l.Allow(ctx, "198.51.100.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.False(t, d.Blocked)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, window)
}

func TestBurstExtendsLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 2, 3)
	pinClock(l, windowStart())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Allow(ctx, "198.51.100.2")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should fit in limit+burst", i+1)
	}

	d, err := l.Allow(ctx, "198.51.100.2")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestClientsHaveIndependentBudgets(t *testing.T) {
	l, _ := newTestLimiter(t, 2, 0)
	pinClock(l, windowStart())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "198.51.100.3")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Allow(ctx, "198.51.100.3")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = l.Allow(ctx, "198.51.100.4")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "another client keeps its own budget")
}

func TestWindowSlidesInsteadOfResetting(t *testing.T) {
	l, _ := newTestLimiter(t, 4, 0)
	ctx := context.Background()
	start := windowStart()

	pinClock(l, start)
	for i := 0; i < 4; i++ {
		d, err := l.Allow(ctx, "198.51.100.5")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	// Halfway into the next window, half the previous window still
	// counts: 0 current + 4*0.5 = 2 used, so 2 of 4 are free.
	pinClock(l, start.Add(90*time.Second))

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "198.51.100.5")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should fit the decayed budget", i+1)
	}
	d, err := l.Allow(ctx, "198.51.100.5")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "decayed budget must still be enforced")
}

func TestRepeatedViolationsEscalateToBlock(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 0)
	pinClock(l, windowStart())
	ctx := context.Background()

	d, err := l.Allow(ctx, "198.51.100.6")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Three denials inside the strike window trip the block.
	for i := 0; i < 3; i++ {
		d, err = l.Allow(ctx, "198.51.100.6")
		require.NoError(t, err)
		require.False(t, d.Allowed)
	}
	assert.Equal(t, blockTTL, d.RetryAfter, "third strike reports the block duration")

	d, err = l.Allow(ctx, "198.51.100.6")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.Blocked, "blocked client is refused before touching the window")
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, blockTTL)
}

func TestBlockExpires(t *testing.T) {
	l, mr := newTestLimiter(t, 1, 0)
	pinClock(l, windowStart())
	ctx := context.Background()

	d, err := l.Allow(ctx, "198.51.100.7")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	for i := 0; i < 3; i++ {
		_, err = l.Allow(ctx, "198.51.100.7")
		require.NoError(t, err)
	}

	d, err = l.Allow(ctx, "198.51.100.7")
	require.NoError(t, err)
	require.True(t, d.Blocked)

	// Past the block TTL the client is back to normal window checks.
	mr.FastForward(blockTTL + time.Second)
	pinClock(l, windowStart().Add(10*time.Minute))

	d, err = l.Allow(ctx, "198.51.100.7")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Blocked)
}

func TestFailsOpenWhenRedisUnavailable(t *testing.T) {
	l, mr := newTestLimiter(t, 5, 0)
	mr.Close()

	d, err := l.Allow(context.Background(), "198.51.100.8")
	require.Error(t, err)
	assert.True(t, d.Allowed, "enforcement degrades open, not closed")
}

func TestRawIdentityNeverReachesRedis(t *testing.T) {
	l, mr := newTestLimiter(t, 1, 0)
	pinClock(l, windowStart())
	ctx := context.Background()

	const id = "203.0.113.7"
	for i := 0; i < 5; i++ {
		_, err := l.Allow(ctx, id)
		require.NoError(t, err)
	}

	for _, key := range mr.Keys() {
		assert.False(t, strings.Contains(key, id),
			"key %q must not embed the raw client identity", key)
	}
}
