/*
Package validate enforces the event schema and the privacy rules at the
ingestion boundary.

Every submitted batch passes through here before anything touches the
queue or the database. Validation is pure and deterministic: no I/O, no
shared mutable state, allocation bounded by the batch cap and the nesting
depth cap. A batch either comes back as normalized typed events or as a
list of error strings naming the offending element index and rule.

# Architecture

Per-event checks run in a fixed order; the privacy sweep always runs
before any schema work so a rejected payload is never partially decoded
into domain types:

	┌──────────────── VALIDATION PIPELINE ───────────────┐
	│                                                     │
	│  Batch envelope                                     │
	│    - events present, non-empty, ≤ max batch size    │
	│              │                                      │
	│  PII sweep   ▼   (per event, raw JSON)              │
	│    - recursive walk, depth cap 10                   │
	│    - any key in the forbidden set → reject          │
	│    - deeper nesting than the cap → reject           │
	│              │                                      │
	│  Decode      ▼                                      │
	│    - into types.Event (tagged variant)              │
	│              │                                      │
	│  Schema      ▼   (go-playground/validator)          │
	│    - enums, lengths, ranges, hour alignment         │
	│              │                                      │
	│  Level rules ▼                                      │
	│    - optional fields only at the levels that        │
	│      declare them                                   │
	│    - error_type required for error events           │
	│              │                                      │
	│  Normalize   ▼                                      │
	│    - timestamps to UTC                              │
	└─────────────────────────────────────────────────────┘

# Rules

Batch envelope:
  - events must be a non-empty array of at most the configured cap (≤100)

Privacy (before schema):
  - no key from types.PIIKeys at any depth ≤10, including inside
    parameters and array elements
  - objects nested deeper than 10 levels are rejected outright, so the
    depth cap cannot be used to smuggle keys below the sweep horizon
  - the error message never echoes the offending value

Schema (all levels):
  - analytics_level, version (≤20), tool (known enum, ≤50),
    status (success|error), timestamp_hour (present)
  - timestamp_hour must be exactly on the hour in UTC; the message is
    "timestamp_hour must be rounded to the hour"

Level rules:
  - minimal: no optional fields allowed
  - standard: may carry response_time_ms (0..120000), service
    (noaa|openmeteo), cache_hit, retry_count (0..10), country
    (2 uppercase letters), error_type (≤100); detailed-only fields
    forbidden
  - detailed: standard fields plus parameters, session_id (exactly
    16 chars), sequence_number (≥0)
  - error_type is required whenever status=error at standard or
    detailed level; no other optional field is ever required

# Usage

	v := validate.New(cfg.API.MaxBatchSize)

	events, errs := v.Batch(body)
	if errs != nil {
		// 400 {error: "validation_failed", details: errs}
		return
	}
	// events are typed, hour-aligned, UTC-normalized

Error strings are client-facing:

	Event 0: contains PII (rejected for privacy)
	Event 2: timestamp_hour must be rounded to the hour
	Event 3: retry_count must be at most 10

# Integration Points

This package integrates with:

  - pkg/api: called by the POST /v1/events handler; errors become the
    details array of the validation_failed response
  - pkg/types: the Event schema, enums, limits, and PII key set
  - pkg/worker: entries that fail decoding on the worker side are
    dropped, not re-validated; validation happens once at the boundary

# Design Notes

The sweep operates on the raw decoded JSON, not the typed struct, so it
sees keys the schema would silently drop. A payload with "latitude"
alongside otherwise valid fields is rejected even though the typed event
has no such field.

Unknown non-PII keys are tolerated. Clients ship ahead of the server
sometimes; data minimization is enforced by the sweep and the level
rules, not by rejecting every unrecognized field name.

The validator never logs. Callers decide what is safe to record, and the
returned messages are already scrubbed of payload values.
*/
package validate
