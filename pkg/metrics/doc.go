/*
Package metrics provides Prometheus instrumentation for the event
pipeline: ingestion, queueing, persistence, and the stats read path.

# Architecture

	┌─────────────────────────────────────────────────────────┐
	│                   Metrics Architecture                   │
	│                                                          │
	│  ┌──────────────┐      ┌─────────────────────────────┐  │
	│  │  Prometheus  │─────▶│  /metrics endpoint          │  │
	│  │  (scraper)   │      │  - Dedicated loopback port  │  │
	│  └──────────────┘      │    in production            │  │
	│                        │  - Main router in dev       │  │
	│                        │  - Automatic Go runtime     │  │
	│                        │    metrics                  │  │
	│                        └─────────────────────────────┘  │
	│                                      ▲                  │
	│         ┌────────────────┬───────────┴────────┐         │
	│         │                │                    │         │
	│  ┌──────┴──────┐  ┌──────┴──────┐  ┌──────────┴──────┐  │
	│  │  API        │  │  Worker     │  │  Collector      │  │
	│  │  middleware │  │  drain loop │  │  (15s ticker)   │  │
	│  │  (inline)   │  │  (inline)   │  │  pool + depth   │  │
	│  └─────────────┘  └─────────────┘  └─────────────────┘  │
	└─────────────────────────────────────────────────────────┘

Most series are updated inline where the work happens: the API
middleware observes requests, the queue counts its operations, the
store times its statements, the worker sizes its batches. Two gauges
cannot be observed inline because no code path owns them: connection
pool occupancy and queue depth. The Collector polls those on a fixed
ticker.

# Metrics Catalog

HTTP:

http_requests_total{route, method, status_code}:
  - Type: Counter
  - Description: Requests by chi route pattern, method, and status
  - Example: http_requests_total{route="/v1/events",method="POST",status_code="202"} 4102

http_request_duration_seconds{route, method, status_code}:
  - Type: Histogram
  - Description: Request latency, default buckets
  - Usage: p95 via histogram_quantile over the _bucket series

Ingestion:

events_received_total{analytics_level, tool}:
  - Type: Counter
  - Description: Events accepted for queueing. Labels stay bounded
    because tool is a closed enum and level has three values.
  - Example: events_received_total{analytics_level="standard",tool="get_forecast"} 1993

events_processed_total{status}:
  - Type: Counter
  - Description: Worker outcomes: success, error (requeued), dropped
    (malformed entries that cannot be decoded)

Queue:

queue_depth:
  - Type: Gauge
  - Description: Entries currently queued, polled by the Collector

queue_operations_total{op}:
  - Type: Counter
  - Description: push, reject (over capacity), pop, requeue, clear

Database:

database_queries_total{operation, table}:
  - Type: Counter
  - Description: Statements by operation (insert, upsert, select,
    delete) and table

database_query_duration_seconds{operation, table}:
  - Type: Histogram
  - Description: Statement latency, default buckets

database_connection_pool{state}:
  - Type: Gauge
  - Description: Pool occupancy: total, idle, waiting. Waiting is the
    wait-count delta since the previous poll.

Worker:

worker_batch_size:
  - Type: Histogram
  - Description: Events per processed batch, buckets 1..100

worker_errors_total{type}:
  - Type: Counter
  - Description: database_insert, aggregate_update, dequeue

Cache:

cache_operations_total{result}:
  - Type: Counter
  - Description: Stats response cache outcomes: hit, miss, set, error,
    bypass (cache disabled)

# Usage

Instrumenting code:

	import "github.com/nimbuslabs/pluvio/pkg/metrics"

	metrics.EventsReceived.WithLabelValues(string(ev.AnalyticsLevel), ev.Tool).Inc()
	metrics.QueueOperations.WithLabelValues(metrics.OpPush).Inc()

Label values are declared alongside the metrics so producers and
dashboards cannot drift apart; never pass ad-hoc strings.

Running the collector for the polled gauges:

	collector := metrics.NewCollector(store, queue)
	collector.Start()
	defer collector.Stop()

Serving the endpoint on a dedicated listener, with the kubelet-style
probes alongside:

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/live", metrics.LivenessHandler())
	mux.Handle("/ready", metrics.ReadinessHandler(checkers...))

LivenessHandler answers from the process alone so a stuck dependency
never gets the process restarted; ReadinessHandler pings the wired
dependencies through pkg/health and returns 503 until all pass.

# Integration Points

Producers:
  - pkg/api: request counters and latency via middleware, labeled with
    the matched route pattern so path parameters never become labels
  - pkg/queue: operation counters
  - pkg/store: statement counters, latency, pool gauge values
  - pkg/worker: batch sizes, processing outcomes, error types
  - pkg/cache: hit/miss/set/error/bypass counters

Consumers:
  - cmd/pluvio: starts the Collector and the exposition listener

Registration happens in this package's init; importing any producer
package is enough to expose its series.

# Monitoring

Ingestion health:
  - Accept rate: rate(events_received_total[5m])
  - Reject pressure: rate(queue_operations_total{op="reject"}[5m])
  - End-to-end lag proxy: queue_depth

Worker health:
  - Throughput: rate(events_processed_total{status="success"}[5m])
  - Failure rate: rate(worker_errors_total[5m])
  - Batch utilization: worker_batch_size histogram vs configured size

Read path:
  - Cache effectiveness: rate(cache_operations_total{result="hit"}[5m])
    / rate(cache_operations_total{result=~"hit|miss"}[5m])
  - Query latency: histogram_quantile(0.95,
    database_query_duration_seconds_bucket{operation="select"})

# Alerting Rules

Queue saturation:
  - Alert: queue_depth near the configured maximum for 10m
  - Action: scale workers or investigate database write latency

Worker stalled:
  - Alert: rate(events_processed_total[10m]) == 0 and queue_depth > 0
  - Action: check worker logs and database availability

Sustained insert failures:
  - Alert: rate(worker_errors_total{type="database_insert"}[5m]) > 0
  - Action: events are requeueing, not lost; fix the database before
    the queue fills

# See Also

  - pkg/api: middleware that feeds the HTTP series
  - pkg/worker: the drain loop that feeds the processing series
  - cmd/pluvio: exposition wiring
*/
package metrics
