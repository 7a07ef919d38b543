/*
Package store is the gateway to the Postgres schema: raw event inserts,
aggregate merges, the read queries behind the stats API, and retention.

All SQL in the service lives here. Every statement is parameterized,
runs under a context deadline derived from the configured statement
timeout, and is observed through the database metrics.

# Architecture

	┌────────────────────── STORE ──────────────────────┐
	│                                                    │
	│  worker ──► InsertEvents ─────► events             │
	│         ──► UpsertHourly ─────► hourly_aggregations│
	│         ──► UpsertDaily ──────► daily_aggregations │
	│         ──► UpsertErrorSummaries ► error_summary   │
	│                                                    │
	│  stats  ──► ReadOverview / ReadToolStats /         │
	│             ReadTimeline / ReadErrorStats /        │
	│             ReadPerformance ◄── rollup tables      │
	│                                                    │
	│  sweeper ─► batched DELETE past retention          │
	│             (stands down under TimescaleDB)        │
	└────────────────────────────────────────────────────┘

# Raw Inserts

InsertEvents writes a whole batch inside one transaction with a
prepared statement. Any failure rolls the entire batch back, so the
worker can requeue it without creating partial duplicates; the raw
events table stays the authoritative record that aggregates can be
rebuilt from.

# Merge Rules

The upserts are ON CONFLICT merges designed so that applying batches in
any order yields the same stored state:

  - counts (calls, cache counters, per-service counters, retries) add
  - averages merge weighted by the batch sample count, which travels
    as extra parameters alongside the row
  - percentiles do not merge; the latest batch value replaces, with
    COALESCE keeping the old one when the batch carried none
  - min/max use LEAST and GREATEST, first/last seen likewise
  - affected_versions is a sorted set union, the batch side arriving
    as a JSON array and unnested server-side

Aggregate rows arrive from pkg/aggregate already sorted by their full
key, so concurrent workers take row locks in one global order and
cannot deadlock each other.

# Reads

Read queries recombine stored averages weighted by total_calls, with
FILTER clauses keeping denominators aligned to rows that actually carry
the metric. Zero activity reads as NULL metrics and zero counts, never
as an error. P95 across buckets is reported as the bucket maximum;
performance reads always use the daily table, the only rollup carrying
the full percentile set.

The daily table is keyed by a DATE column, so daily predicates compare
against date literals rather than timestamps. That keeps the window
independent of the session time zone.

# Retention

The Sweeper deletes rows past their configured horizon once an hour,
in ctid-addressed batches so a large backlog cannot hold locks or bloat
WAL in one statement. When the TimescaleDB extension is present the
migrations register native retention policies and the sweeper detects
this and stands down.

# Integration Points

This package integrates with:

  - pkg/worker: InsertEvents and the three upserts on the drain loop
  - pkg/stats: the Read* queries behind every stats endpoint
  - pkg/api: Ping for health checks, EventsSince and LastEventAt for
    the status endpoint
  - pkg/metrics: query counters and duration histograms, pool gauges
    through PoolStats
  - pkg/config: DSN, pool sizing, statement timeout, retention windows
*/
package store
