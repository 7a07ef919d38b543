/*
Package api implements the public HTTP surface: event ingestion plus the
health and status endpoints.

The server is deliberately thin. Ingestion validates, serializes, and
enqueues; it never touches Postgres. The heavier read endpoints under
/v1/stats live in pkg/stats and are mounted onto this server's router by
the command layer, so the two halves share one listener, one middleware
chain, and one shutdown path.

# Architecture

	                 ┌───────────────── API SERVER ─────────────────┐
	                 │                                              │
	  POST /v1/events│  body cap → rate limit → validate → queue    │──► Redis
	                 │                  │                           │
	                 │                  ├── 202 accepted            │
	                 │                  ├── 400 validation_failed   │
	                 │                  ├── 413 payload_too_large   │
	                 │                  ├── 429 rate_limit_exceeded │
	                 │                  └── 503 queue_full          │
	                 │                                              │
	  GET /v1/health │  parallel pings: database, queue             │
	  GET /v1/status │  queue depth, 24h count, last event, uptime  │
	                 │                                              │
	  mounted        │  /v1/stats/* (pkg/stats), /metrics (dev)     │
	                 └──────────────────────────────────────────────┘

# Middleware

Every request passes through, in order: request-ID assignment, metrics
recording, structured logging, panic recovery, a request timeout, and
CORS. The logger never records remote addresses, forwarded-for chains,
or request bodies; the only client-derived value that leaves the handler
is the hashed identity inside pkg/ratelimit.

Metrics are labeled with the chi route pattern, not the raw path, so
/v1/stats/tool/get_forecast and /v1/stats/tool/get_alerts share one
series and label cardinality stays flat.

# Ingestion Pipeline

acceptEvents applies checks in strict order so each rejection is cheap
relative to the next stage: the body cap costs nothing, the rate limiter
is one Redis round trip, validation is CPU-only, and the queue push is
the last step. Rate limiting happens before the body is read so blocked
clients cannot make the server buffer payloads. A batch is accepted
atomically or not at all; a 202 means every event in it is durably
queued.

The rate limiter fails open: if Redis cannot answer, the request
proceeds and the error is logged. Availability of ingestion wins over
precision of limiting, and the queue's bounded depth still protects the
database behind it.

# Lifecycle

	srv := api.New(cfg, q, st, limiter)
	srv.Mount("/v1/stats", statsRoutes)   // optional, cmd wires this
	go srv.Start()
	...
	srv.Shutdown(ctx)

Start blocks in ListenAndServe. Shutdown stops accepting connections and
waits for in-flight handlers, bounded by the caller's context; the
command layer drains the server before stopping the worker so accepted
events always reach the queue.

# Integration Points

This package integrates with:

  - pkg/validate: batch envelope and per-event rules behind POST /v1/events
  - pkg/queue: PushBatch on ingestion, Depth and Ping for status/health
  - pkg/store: EventsSince, LastEventAt and Ping for status/health
  - pkg/ratelimit: per-client admission ahead of body parsing
  - pkg/stats: mounted read-side routes
  - pkg/metrics: HTTP series via middleware, /metrics in development
*/
package api
