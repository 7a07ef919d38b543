package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by route, method and status code",
		},
		[]string{"route", "method", "status_code"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status_code"},
	)

	// Ingestion metrics
	EventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_received_total",
			Help: "Total number of events accepted for queueing by level and tool",
		},
		[]string{"analytics_level", "tool"},
	)

	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_processed_total",
			Help: "Total number of events handled by the worker by outcome",
		},
		[]string{"status"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of entries in the event queue",
		},
	)

	QueueOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_operations_total",
			Help: "Total number of queue operations by kind",
		},
		[]string{"op"},
	)

	// Database metrics
	DatabaseQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database statements by operation and table",
		},
		[]string{"operation", "table"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_seconds",
			Help:    "Database statement duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DatabasePool = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "database_connection_pool",
			Help: "Connection pool occupancy by state",
		},
		[]string{"state"},
	)

	// Worker metrics
	WorkerBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_batch_size",
			Help:    "Number of events per processed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		},
	)

	WorkerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_errors_total",
			Help: "Total number of worker failures by type",
		},
		[]string{"type"},
	)

	// Cache metrics
	CacheOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_operations_total",
			Help: "Total number of stats cache operations by result",
		},
		[]string{"result"},
	)
)

// Label values used across packages. Keeping them here avoids drift
// between producers and dashboards.
const (
	ProcessedOK      = "success"
	ProcessedFailed  = "error"
	ProcessedDropped = "dropped"

	OpPush    = "push"
	OpReject  = "reject"
	OpPop     = "pop"
	OpRequeue = "requeue"
	OpClear   = "clear"

	PoolTotal   = "total"
	PoolIdle    = "idle"
	PoolWaiting = "waiting"

	WorkerErrInsert    = "database_insert"
	WorkerErrAggregate = "aggregate_update"
	WorkerErrDequeue   = "dequeue"

	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheSet    = "set"
	CacheError  = "error"
	CacheBypass = "bypass"
)

func init() {
	// Register all metrics
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(EventsReceived)
	prometheus.MustRegister(EventsProcessed)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueOperations)
	prometheus.MustRegister(DatabaseQueries)
	prometheus.MustRegister(DatabaseQueryDuration)
	prometheus.MustRegister(DatabasePool)
	prometheus.MustRegister(WorkerBatchSize)
	prometheus.MustRegister(WorkerErrors)
	prometheus.MustRegister(CacheOperations)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
