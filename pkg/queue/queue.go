package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nimbuslabs/pluvio/pkg/config"
	"github.com/nimbuslabs/pluvio/pkg/log"
	"github.com/nimbuslabs/pluvio/pkg/metrics"
)

// ErrQueueFull is returned by PushBatch when admitting the batch would
// take the queue past its configured capacity. The batch is rejected as
// a whole; callers translate this into a 503 queue_full response.
var ErrQueueFull = errors.New("queue is full")

const (
	// maxRetries bounds transient-error retries per operation.
	maxRetries = 3

	// retryBase is multiplied by the attempt number for backoff.
	retryBase = 50 * time.Millisecond

	// retryCap bounds a single backoff sleep.
	retryCap = 2 * time.Second
)

// pushScript admits a batch only if the whole batch fits under capacity.
// Depth check and push happen server-side in one atomic step, so
// concurrent producers cannot interleave between check and append.
// KEYS[1] = queue key, ARGV[1] = max size, ARGV[2..] = entries.
// Returns the new depth, or -1 when the batch was rejected.
var pushScript = redis.NewScript(`
local max = tonumber(ARGV[1])
local n = #ARGV - 1
if redis.call('LLEN', KEYS[1]) + n > max then
	return -1
end
for i = 2, #ARGV do
	redis.call('RPUSH', KEYS[1], ARGV[i])
end
return redis.call('LLEN', KEYS[1])
`)

// Queue is a bounded FIFO of serialized events backed by a Redis list.
// Producers append at the tail (RPUSH), the worker drains from the head
// (LPOP), so arrival order is preserved end to end.
type Queue struct {
	client  *redis.Client
	key     string
	maxSize int
	logger  zerolog.Logger
}

// NewClient builds the shared Redis client from configuration. The same
// client backs the queue, the rate limiter, and the stats cache; they
// are separated by key prefix, not by connection.
func NewClient(cfg config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// New creates a queue on top of an existing Redis client.
func New(client *redis.Client, cfg config.Queue) *Queue {
	return &Queue{
		client:  client,
		key:     cfg.Key,
		maxSize: cfg.MaxSize,
		logger:  log.WithComponent("queue"),
	}
}

// PushBatch appends entries to the queue tail. Admission is
// all-or-nothing: either every entry is enqueued or none is and
// ErrQueueFull is returned. Transient Redis errors are retried with
// backoff before giving up.
func (q *Queue) PushBatch(ctx context.Context, entries [][]byte) error {
	if len(entries) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(entries)+1)
	args = append(args, q.maxSize)
	for _, e := range entries {
		args = append(args, e)
	}

	err := q.withRetry(ctx, "push", func() error {
		depth, err := pushScript.Run(ctx, q.client, []string{q.key}, args...).Int64()
		if err != nil {
			return err
		}
		if depth < 0 {
			return ErrQueueFull
		}
		metrics.QueueDepth.Set(float64(depth))
		return nil
	})

	switch {
	case errors.Is(err, ErrQueueFull):
		metrics.QueueOperations.WithLabelValues(metrics.OpReject).Inc()
		q.logger.Warn().Int("batch_size", len(entries)).Int("max_size", q.maxSize).
			Msg("Queue full, batch rejected")
		return ErrQueueFull
	case err != nil:
		return fmt.Errorf("queue push: %w", err)
	}

	metrics.QueueOperations.WithLabelValues(metrics.OpPush).Inc()
	return nil
}

// PopBatch removes and returns up to n entries from the queue head.
// An empty queue yields a nil slice and no error.
func (q *Queue) PopBatch(ctx context.Context, n int) ([][]byte, error) {
	if n < 1 {
		return nil, nil
	}

	var raw []string
	err := q.withRetry(ctx, "pop", func() error {
		var err error
		raw, err = q.client.LPopCount(ctx, q.key, n).Result()
		if errors.Is(err, redis.Nil) {
			raw = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("queue pop: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	metrics.QueueOperations.WithLabelValues(metrics.OpPop).Inc()
	entries := make([][]byte, len(raw))
	for i, s := range raw {
		entries[i] = []byte(s)
	}
	return entries, nil
}

// Requeue puts already-admitted entries back at the queue head so the
// next pop sees them first. Used by the worker when an insert fails or
// a shutdown lands between dequeue and persist. Capacity is not
// re-checked: these entries were admitted once and returning them must
// not lose data, even if producers filled the queue in the meantime.
func (q *Queue) Requeue(ctx context.Context, entries [][]byte) error {
	if len(entries) == 0 {
		return nil
	}

	// LPUSH prepends, so feed entries in reverse to restore their
	// original relative order at the head.
	args := make([]interface{}, len(entries))
	for i, e := range entries {
		args[len(entries)-1-i] = e
	}

	err := q.withRetry(ctx, "requeue", func() error {
		return q.client.LPush(ctx, q.key, args...).Err()
	})
	if err != nil {
		return fmt.Errorf("queue requeue: %w", err)
	}

	metrics.QueueOperations.WithLabelValues(metrics.OpRequeue).Inc()
	q.logger.Debug().Int("count", len(entries)).Msg("Entries returned to queue head")
	return nil
}

// Depth returns the current number of queued entries.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	metrics.QueueDepth.Set(float64(depth))
	return depth, nil
}

// Clear empties the queue and returns the number of entries discarded.
// Destructive; only reachable through the operator CLI.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue clear: %w", err)
	}
	if err := q.client.Del(ctx, q.key).Err(); err != nil {
		return 0, fmt.Errorf("queue clear: %w", err)
	}
	metrics.QueueOperations.WithLabelValues(metrics.OpClear).Inc()
	metrics.QueueDepth.Set(0)
	q.logger.Info().Int64("discarded", depth).Msg("Queue cleared")
	return depth, nil
}

// Ping verifies the Redis connection is alive.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the underlying client connection pool.
func (q *Queue) Close() error {
	return q.client.Close()
}

// withRetry runs op up to maxRetries+1 times, sleeping retryBase times
// the attempt number (capped at retryCap) between tries. ErrQueueFull
// and context cancellation are terminal, not transient.
func (q *Queue) withRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || errors.Is(err, ErrQueueFull) {
			return err
		}
		if attempt >= maxRetries || ctx.Err() != nil {
			break
		}

		backoff := time.Duration(attempt+1) * retryBase
		if backoff > retryCap {
			backoff = retryCap
		}
		q.logger.Warn().Err(err).Str("op", name).Int("attempt", attempt+1).
			Dur("backoff", backoff).Msg("Redis operation failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
