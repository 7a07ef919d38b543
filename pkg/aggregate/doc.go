/*
Package aggregate turns batches of validated events into the rollup rows
the store upserts.

Everything here is pure: no I/O, no clock reads, no shared state. The
worker hands in a decoded batch and a processing timestamp; Build hands
back hourly, daily, and error-summary rows ready for the store's
ON CONFLICT merges. Keeping the math out of SQL keeps it testable, and
keeping the package pure means a panic or bug here can never corrupt
what is already persisted.

# Groupings

	hourly   (hour, tool, version)
	daily    (date, tool, version, country)   country "" when unknown
	errors   (hour, tool, error_type)         typed error events only

# Derived Metrics

Counts partition by status, so success_calls + error_calls always equals
total_calls. Response-time metrics cover only events that carried
response_time_ms; a group of minimal events has nil averages and
percentiles rather than zeros. Percentiles (p95 hourly; p50/p95/p99
daily) use linear interpolation between the two nearest ranks of the
sorted batch samples.

Cache hit rate is hits/(hits+misses) over events that carried cache_hit,
nil when none did. Per-service call counts are primary counters, never
reconstructed from rates. Retries accumulate as a total; the average is
total retries over total calls so it stays derivable from stored columns
after any number of merges.

# Merge Inputs

Rows carry their raw sums (ResponseSum, ResponseCount, cache counts)
alongside the computed metrics. A stored average cannot be merged with a
batch average without knowing the sample counts behind them, so the
store's weighted-average UPSERT consumes the sums directly. Percentiles
are not mergeable at all; the store replaces them with the latest batch
recomputation, which is the documented approximation.

Aggregation is not idempotent under duplicate delivery. If a batch is
processed twice the counts double; the rebuild path is a recount from
raw events, which stay authoritative.

# Ordering

Rows come back sorted by their full key. Concurrent workers therefore
upsert rows in one global order and cannot deadlock each other on
crossing lock acquisition.

# Integration Points

This package integrates with:

  - pkg/worker: calls Build after a successful raw insert
  - pkg/store: UpsertHourly/UpsertDaily/UpsertErrorSummaries consume the
    row types and their merge inputs
  - pkg/types: event shape and enums
*/
package aggregate
