package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nimbuslabs/pluvio/pkg/config"
	"github.com/nimbuslabs/pluvio/pkg/log"
)

const (
	// window is the sliding-window span the per-minute budget covers.
	window = time.Minute

	// blockThreshold is the number of violations inside the strike
	// window that triggers a temporary block.
	blockThreshold = 3

	// strikeTTL is how long violations count toward a block.
	strikeTTL = 10 * time.Minute

	// blockTTL is how long a blocked client stays blocked.
	blockTTL = 5 * time.Minute
)

// allowScript implements a sliding-window counter over two adjacent
// fixed windows. The previous window's count is weighted by how much of
// it still overlaps the sliding window, so the budget decays smoothly
// instead of resetting on the minute boundary. Read, decide, and
// increment happen in one atomic script; clustered API instances share
// the same budget.
// KEYS[1] = current slot counter, KEYS[2] = previous slot counter.
// ARGV[1] = fraction of current slot elapsed, ARGV[2] = limit,
// ARGV[3] = counter TTL millis.
// Returns {allowed 0|1, weighted count after the decision}.
var allowScript = redis.NewScript(`
local curr = tonumber(redis.call('GET', KEYS[1]) or '0')
local prev = tonumber(redis.call('GET', KEYS[2]) or '0')
local frac = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local weighted = curr + math.floor(prev * (1 - frac) + 0.5)
if weighted >= limit then
	return {0, weighted}
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[3]))
return {1, weighted + 1}
`)

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Remaining is the budget left in the sliding window after this
	// decision. Zero when denied.
	Remaining int

	// RetryAfter is how long the client should wait before retrying.
	// Zero when allowed.
	RetryAfter time.Duration

	// Blocked reports whether the denial came from a violation block
	// rather than the window itself.
	Blocked bool
}

// Limiter enforces a per-client sliding-window rate limit with a burst
// allowance, backed by Redis so every API instance sees one budget.
// Client identities are hashed before they become key material; raw
// addresses never reach Redis.
type Limiter struct {
	client *redis.Client
	prefix string
	limit  int
	logger zerolog.Logger

	// now is replaceable in tests
	now func() time.Time
}

// New builds a limiter from the API configuration. The effective
// per-window limit is rateLimitPerMinute plus the burst allowance.
func New(client *redis.Client, keyPrefix string, cfg config.API) *Limiter {
	return &Limiter{
		client: client,
		prefix: keyPrefix + "ratelimit:",
		limit:  cfg.RateLimitPerMinute + cfg.RateLimitBurst,
		logger: log.WithComponent("ratelimit"),
		now:    time.Now,
	}
}

// Allow decides whether a request from the given client identity may
// proceed. Denials are recorded as strikes; blockThreshold strikes
// within strikeTTL escalate to a temporary block. A Redis failure
// returns the error alongside an allowing decision so the caller can
// fail open; ingestion availability wins over precise enforcement.
func (l *Limiter) Allow(ctx context.Context, id string) (Decision, error) {
	hashed := hashID(id)

	blocked, ttl, err := l.blockState(ctx, hashed)
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("rate limit block check: %w", err)
	}
	if blocked {
		return Decision{Blocked: true, RetryAfter: ttl}, nil
	}

	now := l.now()
	slot := now.UnixMilli() / window.Milliseconds()
	frac := float64(now.UnixMilli()%window.Milliseconds()) / float64(window.Milliseconds())

	currKey := fmt.Sprintf("%s%s:%d", l.prefix, hashed, slot)
	prevKey := fmt.Sprintf("%s%s:%d", l.prefix, hashed, slot-1)

	res, err := allowScript.Run(ctx, l.client, []string{currKey, prevKey},
		frac, l.limit, 2*window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) != 2 {
		return Decision{Allowed: true}, fmt.Errorf("rate limit check: unexpected script result %v", res)
	}

	if res[0] == 1 {
		remaining := l.limit - int(res[1])
		if remaining < 0 {
			remaining = 0
		}
		return Decision{Allowed: true, Remaining: remaining}, nil
	}

	retryAfter := l.recordStrike(ctx, hashed, now)
	return Decision{RetryAfter: retryAfter}, nil
}

// blockState reports whether the client is currently blocked and for
// how much longer.
func (l *Limiter) blockState(ctx context.Context, hashed string) (bool, time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, l.prefix+"block:"+hashed).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl > 0 {
		return true, ttl, nil
	}
	return false, 0, nil
}

// recordStrike counts a violation and escalates repeat offenders to a
// temporary block. Returns the Retry-After to report: the remainder of
// the current window, or the block TTL once the threshold is crossed.
// Strike bookkeeping failures only lose escalation, never admission
// decisions, so they are logged and swallowed.
func (l *Limiter) recordStrike(ctx context.Context, hashed string, now time.Time) time.Duration {
	retryAfter := window - time.Duration(now.UnixMilli()%window.Milliseconds())*time.Millisecond
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	strikesKey := l.prefix + "strikes:" + hashed
	strikes, err := l.client.Incr(ctx, strikesKey).Result()
	if err != nil {
		l.logger.Warn().Err(err).Msg("Rate limit strike tracking failed")
		return retryAfter
	}
	if strikes == 1 {
		if err := l.client.Expire(ctx, strikesKey, strikeTTL).Err(); err != nil {
			l.logger.Warn().Err(err).Msg("Rate limit strike expiry failed")
		}
	}

	if strikes >= blockThreshold {
		pipe := l.client.TxPipeline()
		pipe.Set(ctx, l.prefix+"block:"+hashed, "1", blockTTL)
		pipe.Del(ctx, strikesKey)
		if _, err := pipe.Exec(ctx); err != nil {
			l.logger.Warn().Err(err).Msg("Rate limit block escalation failed")
			return retryAfter
		}
		l.logger.Warn().Int64("strikes", strikes).Dur("block", blockTTL).
			Msg("Client temporarily blocked for repeated rate limit violations")
		return blockTTL
	}
	return retryAfter
}

// hashID turns a client identity into fixed-width key material. Raw
// addresses are never written to Redis.
func hashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:16])
}
