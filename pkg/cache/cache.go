package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/nimbuslabs/pluvio/pkg/config"
	"github.com/nimbuslabs/pluvio/pkg/log"
	"github.com/nimbuslabs/pluvio/pkg/metrics"
)

// Producer computes the value for a key on a cache miss.
type Producer func(ctx context.Context) ([]byte, error)

// Cache is a read-through cache for rendered stats responses. Entries
// expire by TTL only; writes never invalidate, so a response may lag
// the database by at most the TTL.
type Cache struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	enabled bool
	group   singleflight.Group
	logger  zerolog.Logger
}

// New builds the cache on a shared Redis client. When disabled it
// degrades to calling producers directly.
func New(client *redis.Client, keyPrefix string, cfg config.Cache) *Cache {
	return &Cache{
		client:  client,
		prefix:  keyPrefix + "cache:",
		ttl:     cfg.TTL,
		enabled: cfg.Enabled,
		logger:  log.WithComponent("cache"),
	}
}

// Cached returns the stored payload for key, or runs producer and
// stores the result for the configured TTL. Concurrent misses on the
// same key are collapsed into a single producer call. The boolean
// reports whether the payload came from the cache. Redis failures are
// logged and treated as misses; the producer result still flows back
// to the caller.
func (c *Cache) Cached(ctx context.Context, key string, producer Producer) ([]byte, bool, error) {
	if !c.enabled {
		metrics.CacheOperations.WithLabelValues(metrics.CacheBypass).Inc()
		val, err := producer(ctx)
		return val, false, err
	}

	full := c.prefix + key

	val, err := c.client.Get(ctx, full).Bytes()
	switch {
	case err == nil:
		metrics.CacheOperations.WithLabelValues(metrics.CacheHit).Inc()
		return val, true, nil
	case errors.Is(err, redis.Nil):
		metrics.CacheOperations.WithLabelValues(metrics.CacheMiss).Inc()
	default:
		metrics.CacheOperations.WithLabelValues(metrics.CacheError).Inc()
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed, serving from source")
	}

	// Collapse a stampede of identical misses into one producer run.
	// Piggybacked callers share the produced bytes.
	res, err, _ := c.group.Do(full, func() (interface{}, error) {
		val, err := producer(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, full, val, c.ttl).Err(); err != nil {
			metrics.CacheOperations.WithLabelValues(metrics.CacheError).Inc()
			c.logger.Warn().Err(err).Str("key", key).Msg("Cache write failed")
		} else {
			metrics.CacheOperations.WithLabelValues(metrics.CacheSet).Inc()
		}
		return val, nil
	})
	if err != nil {
		return nil, false, err
	}
	return res.([]byte), false, nil
}

// Enabled reports whether the cache is active.
func (c *Cache) Enabled() bool {
	return c.enabled
}
