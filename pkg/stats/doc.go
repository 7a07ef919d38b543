/*
Package stats serves the read side: five aggregate endpoints under
/v1/stats, answered from the rollup tables through a Redis response
cache.

# Architecture

	GET /v1/stats/{endpoint}?period=P
	        │
	        ▼
	  ParsePeriod ──── 400 invalid_period (before any query planning)
	        │
	        ▼
	  cache key "endpoint|params"
	        │
	   hit ─┤─────────────────────────────► rendered bytes
	        │ miss (singleflight-collapsed)
	        ▼
	  pick rollup table ── period ≤ hourly retention → hourly
	        │              otherwise                 → daily
	        ▼
	  store reads → format → cache set (TTL) → respond

# Period Grammar

Periods match ^\d+[hd]$ with hours bounded to [1, 720] and days to
[1, 365]. The bound is enforced before anything touches the database; an
unbounded window would let one request scan the whole history. Missing
period means 24h.

# Formatting Contract

Rates and percentages are rounded to four decimal places; rates are
fractions in [0, 1], percentage fields are shares of 100. Millisecond
metrics are whole integers. Any rate whose denominator is zero is null,
never 0, so "no data" and "0%" stay distinguishable. Empty windows
return zero-state bodies with empty arrays; no stats endpoint 404s.

The tool detail endpoint short-circuits names outside the tool enum to
the zero state without touching Redis or Postgres, which keeps cache
keys and query load bounded by the enum.

# Staleness

Responses are cached for the configured TTL (default 300s) and never
invalidated on write, so a reading may lag ingestion by at most the TTL
plus one worker poll. That is the documented freshness contract of the
read API.

# Integration Points

This package integrates with:

  - pkg/store: the Read* rollup queries
  - pkg/cache: read-through response caching with stampede collapse
  - pkg/api: Routes() is mounted on the API router by cmd/pluvio
  - pkg/types: response body shapes shared with pkg/client
*/
package stats
