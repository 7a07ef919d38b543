package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuslabs/pluvio/pkg/config"
)

func newTestCache(t *testing.T, enabled bool, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := New(client, "test:", config.Cache{Enabled: enabled, TTL: ttl})
	return c, mr
}

func countingProducer(payload string, calls *atomic.Int64) Producer {
	return func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte(payload), nil
	}
}

func TestMissThenHit(t *testing.T) {
	c, _ := newTestCache(t, true, time.Minute)
	ctx := context.Background()

	var calls atomic.Int64
	p := countingProducer(`{"total":1}`, &calls)

	val, hit, err := c.Cached(ctx, "stats:overview:24h", p)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, `{"total":1}`, string(val))
	assert.Equal(t, int64(1), calls.Load())

	val, hit, err = c.Cached(ctx, "stats:overview:24h", p)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, `{"total":1}`, string(val))
	assert.Equal(t, int64(1), calls.Load(), "second read must come from the cache")
}

func TestKeysAreIndependent(t *testing.T) {
	c, _ := newTestCache(t, true, time.Minute)
	ctx := context.Background()

	var calls atomic.Int64
	_, _, err := c.Cached(ctx, "stats:overview:24h", countingProducer("a", &calls))
	require.NoError(t, err)
	_, _, err = c.Cached(ctx, "stats:overview:7d", countingProducer("b", &calls))
	require.NoError(t, err)

	assert.Equal(t, int64(2), calls.Load())
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c, mr := newTestCache(t, true, 30*time.Second)
	ctx := context.Background()

	var calls atomic.Int64
	p := countingProducer("v", &calls)

	_, _, err := c.Cached(ctx, "k", p)
	require.NoError(t, err)

	mr.FastForward(31 * time.Second)

	_, hit, err := c.Cached(ctx, "k", p)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int64(2), calls.Load(), "expired entry must be recomputed")
}

func TestConcurrentMissesCollapse(t *testing.T) {
	c, _ := newTestCache(t, true, time.Minute)
	ctx := context.Background()

	var calls atomic.Int64
	release := make(chan struct{})
	slow := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("shared"), nil
	}

	const readers = 8
	var wg sync.WaitGroup
	results := make([]string, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			val, _, err := c.Cached(ctx, "hot", slow)
			require.NoError(t, err)
			results[n] = string(val)
		}(i)
	}

	// Let every reader reach the miss path before the producer
	// finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "identical misses must share one producer run")
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
}

func TestDisabledCacheBypasses(t *testing.T) {
	c, mr := newTestCache(t, false, time.Minute)
	ctx := context.Background()

	var calls atomic.Int64
	p := countingProducer("v", &calls)

	for i := 0; i < 3; i++ {
		val, hit, err := c.Cached(ctx, "k", p)
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Equal(t, "v", string(val))
	}
	assert.Equal(t, int64(3), calls.Load())
	assert.Empty(t, mr.Keys(), "disabled cache must not write to Redis")
}

func TestProducerErrorIsNotCached(t *testing.T) {
	c, _ := newTestCache(t, true, time.Minute)
	ctx := context.Background()

	boom := errors.New("db down")
	var calls atomic.Int64

	_, _, err := c.Cached(ctx, "k", func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	val, hit, err := c.Cached(ctx, "k", countingProducer("ok", &calls))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "ok", string(val))
	assert.Equal(t, int64(2), calls.Load(), "failure must not poison the key")
}

func TestRedisOutageDegradesToSource(t *testing.T) {
	c, mr := newTestCache(t, true, time.Minute)
	mr.Close()

	var calls atomic.Int64
	val, hit, err := c.Cached(context.Background(), "k", countingProducer("live", &calls))
	require.NoError(t, err, "a cache outage must not fail the read")
	assert.False(t, hit)
	assert.Equal(t, "live", string(val))
	assert.Equal(t, int64(1), calls.Load())
}
