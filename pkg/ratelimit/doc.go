/*
Package ratelimit enforces the per-client request budget on the
ingestion endpoint.

The limiter is a sliding-window counter in Redis. Sharing state through
Redis rather than process memory means every API replica draws from the
same budget, so adding instances never multiplies a client's allowance.

# Architecture

	┌──────────────── ADMISSION CHECK ────────────────┐
	│                                                  │
	│  blocked? ──► PTTL block:<h>  > 0 → refuse       │
	│      │                                           │
	│      ▼                                           │
	│  window check (Lua, atomic)                      │
	│    weighted = curr + prev·(1-elapsed)            │
	│    weighted < limit → INCR curr, allow           │
	│    otherwise        → deny                       │
	│      │                                           │
	│      ▼ (on deny)                                 │
	│  strike bookkeeping                              │
	│    INCR strikes:<h>, 3 inside 10m → block 5m     │
	│                                                  │
	└──────────────────────────────────────────────────┘

The window math uses two adjacent one-minute counters. The previous
minute's count is weighted by how much of it still overlaps the sliding
window, so a client that exhausted its budget at 12:00:59 does not get a
fresh one at 12:01:00; the allowance decays linearly instead.

The effective limit is rateLimitPerMinute plus rateLimitBurst, which
lets well-behaved clients flush a short backlog in one burst without
raising the sustained rate.

# Violations

Every denial counts as a strike. Three strikes within ten minutes
escalate to a five-minute block, during which requests are refused
before the window is even consulted. Retry-After reports the remainder
of the window for ordinary denials and the block TTL for blocked
clients.

# Privacy

Client identities (remote addresses) are hashed with SHA-256 before
becoming key material. Redis holds counters under opaque hashes with
TTLs of at most ten minutes; raw addresses are never written anywhere.

# Failure Mode

If Redis cannot be reached the limiter allows the request and returns
the error. Ingestion availability outranks precise enforcement, and a
Redis outage already degrades the queue push right behind this check.

# Usage

	limiter := ratelimit.New(client, cfg.Redis.KeyPrefix, cfg.API)

	d, err := limiter.Allow(ctx, clientID)
	if err != nil {
		// fail open, log the limiter outage
	}
	if !d.Allowed {
		// 429 rate_limit_exceeded, Retry-After: d.RetryAfter
	}

# Integration Points

This package integrates with:

  - pkg/api: consulted by the POST /v1/events handler before
    validation; denials become 429 responses with Retry-After
  - pkg/queue: shares the same Redis client and key prefix
*/
package ratelimit
