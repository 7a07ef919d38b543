/*
Package types defines the core data structures used throughout Pluvio.

This package contains all fundamental types that represent Pluvio's domain
model: anonymous usage events at their three analytics levels, the rolled-up
aggregate rows, and the request/response bodies of the HTTP surface. These
types are shared by the validator, queue, store, worker, aggregator, stats
reader, and client packages.

# Architecture

The types package is the foundation of Pluvio's data model. It defines:

  - Event schema (minimal, standard, detailed analytics levels)
  - Closed enums (tools, statuses, upstream services, levels)
  - The PII key set shared by validation and log scrubbing
  - Aggregate rows (hourly, daily, error summary)
  - HTTP envelope types (accepted/error/health/status/stats bodies)
  - Stable client-facing error codes

All types are designed to be:
  - Serializable (JSON over the wire and into queue entries)
  - Self-describing (absent optional fields are nil pointers, not zeroes)
  - Validated (enum constants, limit constants, validate struct tags)

# Core Types

Event Model:
  - Event: one anonymous usage record, tagged by AnalyticsLevel
  - AnalyticsLevel: minimal (bare), standard (+performance), detailed (+context)
  - EventStatus: success or error
  - UpstreamService: noaa or openmeteo
  - EventBatch: the POST /v1/events request body
  - StoredEvent: Event plus storage identity (id, received_at)

Aggregates:
  - HourlyAggregate: per (hour, tool, version) counts and response stats
  - DailyAggregate: per (date, tool, version, country) counts, percentiles,
    cache counters, per-service call counts, retry totals
  - ErrorSummary: per (hour, tool, error_type) count, first/last seen,
    affected version set

Privacy:
  - PIIKeys / IsPIIKey: the closed set of forbidden field names
  - Tools / KnownTool: the closed set of instrumented tool identifiers

HTTP Surface:
  - AcceptedResponse, ErrorResponse (with stable ErrCode* tokens)
  - HealthResponse, StatusResponse
  - OverviewResponse, ToolsResponse, ToolDetailResponse, ErrorsResponse,
    PerformanceResponse and their element types

# Analytics Levels

Minimal events carry only the base fields:

	{
	  "analytics_level": "minimal",
	  "version": "1.0.0",
	  "tool": "get_forecast",
	  "status": "success",
	  "timestamp_hour": "2025-11-11T14:00:00Z"
	}

Standard events add performance fields:

	{
	  ...base fields...,
	  "analytics_level": "standard",
	  "response_time_ms": 245,
	  "service": "noaa",
	  "cache_hit": false,
	  "retry_count": 0,
	  "country": "US"
	}

Detailed events add anonymous session context:

	{
	  ...standard fields...,
	  "analytics_level": "detailed",
	  "parameters": {"forecast_days": 7},
	  "session_id": "a1b2c3d4e5f60718",
	  "sequence_number": 3
	}

Error events at standard or detailed level must carry error_type.

# Usage

Building an event:

	rt := 245
	svc := types.ServiceNOAA
	hit := false
	retries := 0
	ev := types.Event{
		AnalyticsLevel: types.LevelStandard,
		Version:        "1.2.0",
		Tool:           "get_forecast",
		Status:         types.StatusSuccess,
		TimestampHour:  time.Date(2025, 11, 11, 14, 0, 0, 0, time.UTC),
		ResponseTimeMs: &rt,
		Service:        &svc,
		CacheHit:       &hit,
		RetryCount:     &retries,
	}

Checking capabilities:

	if ev.HasPerformance() {
		// response_time_ms, cache_hit, retry_count are meaningful
	}

Checking privacy keys (used by pkg/validate and pkg/log):

	types.IsPIIKey("latitude") // true
	types.IsPIIKey("tool")     // false

Error responses:

	body := types.ErrorResponse{
		Error:   types.ErrCodeValidationFailed,
		Details: []string{"Event 0: contains PII (rejected for privacy)"},
	}

# Design Patterns

Tagged Variant Pattern:

	One Event struct serves all three analytics levels; AnalyticsLevel is
	the discriminant and level-specific fields are pointers. Absent and
	zero-valued fields stay distinguishable, and the validator enforces
	which fields each level requires.

Enumeration Pattern:

	All enums use typed string constants:
	  type EventStatus string
	  const (
	      StatusSuccess EventStatus = "success"
	      StatusError   EventStatus = "error"
	  )

Nullable Metric Pattern:

	Aggregate metrics derived from optional event fields are pointers
	(*float64, *int). They are nil until at least one contributing event
	carried the underlying field, and render as JSON null rather than a
	misleading zero.

# Integration Points

This package integrates with:

  - pkg/validate: enforces the schema and the PII sweep
  - pkg/queue: serializes Event values into queue entries
  - pkg/store: persists StoredEvent rows and aggregate rows
  - pkg/aggregate: folds Event batches into aggregate rows
  - pkg/stats: shapes aggregate rows into stats responses
  - pkg/api: decodes EventBatch, encodes response bodies
  - pkg/client: shares the request/response types with callers
  - pkg/log: scrubs PIIKeys from dynamic log fields

# Validation

Key rules (enforced by pkg/validate, constants defined here):

Events:
  - version non-empty, ≤20 chars
  - tool in the Tools enum, ≤50 chars
  - timestamp_hour exactly on the hour (minute/second/nanosecond zero)
  - response_time_ms in [0, 120000]; retry_count in [0, 10]
  - country exactly 2 uppercase letters
  - error_type non-empty when status=error at standard/detailed level
  - session_id exactly 16 chars; sequence_number ≥ 0
  - no key from PIIKeys anywhere, to nesting depth 10

Batches:
  - events non-empty, ≤ MaxBatchEvents (100)

# Thread Safety

All types in this package are plain data:
  - Read-safe: can be read concurrently from multiple goroutines
  - Write-unsafe: mutations must be synchronized by callers
  - The package-level enum sets are built once at init and never mutated

# See Also

  - pkg/validate for schema enforcement
  - pkg/aggregate for how events fold into aggregate rows
  - pkg/store for persisted layouts
*/
package types
