/*
Package cache is the read-through cache in front of the stats queries.

Stats endpoints are aggregation-heavy reads over append-mostly tables;
identical dashboard queries arrive in bursts. The cache stores rendered
response bytes in Redis under a key derived from the endpoint and its
normalized parameters, so a burst costs one database round trip instead
of one per request.

# Architecture

	request ──► GET key
	              │ hit  ──────────────► cached bytes
	              │ miss
	              ▼
	        singleflight.Do(key)
	              │ one caller runs the producer,
	              │ the rest piggyback on its result
	              ▼
	        producer → SET key EX ttl → bytes

Concurrent misses on the same key collapse into a single producer run.
Without that, every cache expiry would let a stampede of identical
queries through to Postgres at once.

# Semantics

Entries expire by TTL only (default 300s); the worker never invalidates
on write. A stats response may therefore lag ingested data by at most
the TTL, which is the documented freshness bound for dashboards.

Redis failures degrade to source: a failed GET is treated as a miss, a
failed SET is logged and dropped, and the caller still gets the
producer's result. The cache can be disabled outright (test mode does
this), turning Cached into a plain passthrough.

# Integration Points

This package integrates with:

  - pkg/stats: wraps every stats query; the key is built from the
    endpoint name and the normalized period
  - pkg/metrics: cache_operations_total by result
    (hit/miss/set/error/bypass)
  - pkg/queue: shares the same Redis client, separated by key prefix
*/
package cache
