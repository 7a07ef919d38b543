/*
Package log provides structured logging for Pluvio using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and a privacy
scrubber for dynamic fields. All logs include timestamps and support
filtering by severity level. Because Pluvio handles anonymous analytics, the
logging layer is part of the privacy boundary: request bodies, client
addresses, and forwarded headers are never logged, and dynamic maps pass
through SafeFields before they reach a log line.

# Architecture

Pluvio's logging system provides structured JSON logging with minimal
overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: trace/debug/info/warn/error/fatal │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("worker")                  │          │
	│  │  - WithRequestID("9f3c...")                 │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Privacy Scrubber                    │          │
	│  │  - SafeFields(map) strips PII keys          │          │
	│  │  - Recursive, shares the validator key set  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                             │          │
	│  │  JSON Format:                               │          │
	│  │  {                                          │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "worker",                   │          │
	│  │    "time": "2025-11-11T14:00:00Z",          │          │
	│  │    "message": "batch persisted"             │          │
	│  │  }                                          │          │
	│  │                                             │          │
	│  │  Console Format:                            │          │
	│  │  14:00:00 INF batch persisted component=worker │       │
	│  └────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all Pluvio packages
  - Thread-safe concurrent writes

Log Levels:
  - Trace: request-by-request diagnostics
  - Debug: detailed debugging information
  - Info: general informational messages
  - Warn: warning messages (potential issues)
  - Error: error messages (operation failed)
  - Fatal: critical errors (process exits)

Configuration:
  - Level: filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: add component name to all logs
  - WithRequestID: add the request correlation ID

Privacy Scrubber:
  - SafeFields: strips every key in types.PIIKeys from a map, recursing
    into nested maps to the same depth bound the validator sweeps

# Privacy Rules

The ingestion path handles payloads that failed validation precisely
because they contained forbidden fields. Logging such a payload would
defeat the rejection. The rules are:

  - Never log request bodies, raw queue entries, or decoded event maps
    without passing them through SafeFields
  - Never log RemoteAddr, X-Forwarded-For, or any client address; rate
    limit logs carry only a hashed identifier count
  - Never log secrets (DB password, queue password) or DSNs containing
    them
  - Validation failures log the rule and event index, never the value

# Usage

Initializing the logger:

	import "github.com/nimbuslabs/pluvio/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("queue connected")
	log.Warn("queue depth above 80% capacity")
	log.Error("failed to persist batch")
	log.Fatal("cannot start without database")  // exits process

Structured logging:

	log.Logger.Info().
		Int("batch_size", 50).
		Int64("total_processed", 12500).
		Msg("batch persisted")

	log.Logger.Error().
		Err(err).
		Int("attempt", 3).
		Msg("queue pop failed")

Component loggers:

	workerLog := log.WithComponent("worker")
	workerLog.Info().Msg("starting poll loop")
	workerLog.Debug().Int("popped", 50).Msg("processing batch")

Scrubbed dynamic fields:

	fields := log.SafeFields(decodedEvent)
	log.Logger.Debug().Fields(fields).Msg("event rejected")

# Integration Points

This package integrates with:

  - pkg/api: request logging middleware (route, status, duration, req_id)
  - pkg/worker: batch lifecycle and periodic stats reporting
  - pkg/store: slow-query warnings and retention sweeps
  - pkg/queue: connection retries and capacity rejections
  - pkg/ratelimit: breach counts (identifier never logged)
  - cmd/pluvio: startup configuration summary and fatal init errors

# Log Output Examples

JSON format (production):

	{"level":"info","component":"api","req_id":"9f3c6a","route":"/v1/events","status":202,"time":"2025-11-11T14:00:00Z","message":"request"}
	{"level":"info","component":"worker","batch_size":50,"time":"2025-11-11T14:00:01Z","message":"batch persisted"}
	{"level":"error","component":"store","error":"connection refused","time":"2025-11-11T14:00:02Z","message":"insert failed, batch re-queued"}

Console format (development):

	14:00:00 INF request component=api req_id=9f3c6a route=/v1/events status=202
	14:00:01 INF batch persisted component=worker batch_size=50
	14:00:02 ERR insert failed, batch re-queued component=store error="connection refused"

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields
  - Pass context loggers to long-lived loops
  - Automatically includes context in all logs

Structured Logging Pattern:
  - Use typed fields (.Str, .Int, .Err)
  - Enables log aggregation and querying
  - Parseable by log analysis tools

Scrub-Before-Log Pattern:
  - Dynamic maps go through SafeFields first
  - The PII key set lives in pkg/types, shared with the validator, so
    the two layers cannot drift apart

# Performance Characteristics

Logging Overhead:
  - Disabled level: 0ns (compile-time optimization)
  - JSON encode: ~500ns per log line
  - Console format: ~1µs per log line
  - SafeFields: one map copy per call, proportional to field count

Log Level Impact:
  - Trace/Debug: high volume, development only
  - Info: moderate volume, suitable for production
  - Warn/Error: low volume, minimal impact

# Troubleshooting

No Log Output:
  - Symptom: no logs appearing
  - Check: log.Init() called before logging
  - Check: log level threshold (trace < debug < info < warn < error)
  - Solution: initialize logger in main() before any logging

Excessive Log Volume:
  - Symptom: disk fills quickly
  - Cause: debug level in production, or per-event logging in the worker
  - Solution: info level in production; the worker logs per batch, not
    per event

Missing Context Fields:
  - Symptom: logs missing component or req_id
  - Cause: using global Logger instead of a context logger
  - Solution: use WithComponent() / WithRequestID()

Sensitive Value in Logs:
  - Symptom: a field from a client payload appears in a log line
  - Cause: a dynamic map logged without SafeFields
  - Solution: route every dynamic map through SafeFields; fixed-schema
    fields are safe to log directly

# Best Practices

Do:
  - Use info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers for long-lived loops
  - Log errors with .Err() for consistent error formatting
  - Scrub dynamic maps with SafeFields

Don't:
  - Log bodies, addresses, or forwarded headers
  - Log secrets or DSNs
  - Log in per-event hot paths (log per batch)
  - Concatenate user input into messages (use typed fields)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - pkg/types for the shared PII key set
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
