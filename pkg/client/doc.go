/*
Package client provides a typed Go client for the pluvio HTTP API.

It wraps the ingestion, health, status, and stats endpoints with one
method per operation, decoding responses into the shared pkg/types
bodies and non-2xx replies into *APIError. The CLI commands and the
end-to-end tests both talk to the service exclusively through this
package, so the wire format has exactly one Go decoding.

# Architecture

	┌──────────────── CALLER (CLI, tests) ────────────────┐
	│                                                     │
	│  c := client.New("http://localhost:8080")           │
	│  resp, err := c.SubmitEvents(events)                │
	│  var apiErr *client.APIError                        │
	│  if errors.As(err, &apiErr) { ... apiErr.Code ... } │
	│                                                     │
	└──────────────────────────┬──────────────────────────┘
	                           │ JSON over HTTP, 10s timeout
	                           ▼
	            POST /v1/events      GET /v1/health
	            GET  /v1/status      GET /v1/stats/*

# Error Handling

Every non-2xx response becomes an *APIError carrying the status code,
the machine-readable error token (validation_failed, queue_full,
rate_limit_exceeded, invalid_period, ...), the detail payload, and the
retry hint when the server sent one. Transport failures surface as the
underlying net/http error. Health is the one exception: a 503 from
/v1/health is a working endpoint reporting an unhealthy dependency, so
it decodes into the HealthResponse instead of an error.

# Usage

	c := client.New("http://localhost:8080")

	accepted, err := c.SubmitEvents([]types.Event{ev})
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Code == "queue_full" {
			time.Sleep(time.Duration(apiErr.RetryAfter) * time.Second)
		}
	}

	overview, err := c.Overview("7d")

# Integration Points

This package integrates with:

  - pkg/types: request and response body shapes
  - cmd/pluvio: the status, stats, and submit commands
  - test/e2e: scenario drivers exercising the full pipeline
*/
package client
