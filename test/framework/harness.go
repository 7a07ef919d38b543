// Package framework wires the full pluvio pipeline in one process for
// end-to-end tests: the production API router served by httptest, a
// real queue over miniredis, the production worker, and a MemStore in
// place of Postgres. Tests drive it through the typed client like any
// external caller would.
package framework

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nimbuslabs/pluvio/pkg/api"
	"github.com/nimbuslabs/pluvio/pkg/cache"
	"github.com/nimbuslabs/pluvio/pkg/client"
	"github.com/nimbuslabs/pluvio/pkg/config"
	"github.com/nimbuslabs/pluvio/pkg/queue"
	"github.com/nimbuslabs/pluvio/pkg/ratelimit"
	"github.com/nimbuslabs/pluvio/pkg/stats"
	"github.com/nimbuslabs/pluvio/pkg/worker"
)

// Harness is one wired pipeline instance. Every component except the
// store is the production implementation.
type Harness struct {
	Cfg    *config.Config
	Redis  *miniredis.Miniredis
	Queue  *queue.Queue
	Store  *MemStore
	Client *client.Client

	httpSrv *httptest.Server
	worker  *worker.Worker
	started bool
	stopped bool
}

// Option adjusts the harness configuration before wiring.
type Option func(*config.Config)

// WithQueueMax caps the queue at n entries.
func WithQueueMax(n int) Option {
	return func(cfg *config.Config) { cfg.Queue.MaxSize = n }
}

// WithRateLimit sets the per-client admission budget.
func WithRateLimit(perMinute, burst int) Option {
	return func(cfg *config.Config) {
		cfg.API.RateLimitPerMinute = perMinute
		cfg.API.RateLimitBurst = burst
	}
}

// WithCache enables the response cache with the given TTL.
func WithCache(ttl time.Duration) Option {
	return func(cfg *config.Config) {
		cfg.Cache.Enabled = true
		cfg.Cache.TTL = ttl
	}
}

// NewHarness builds the pipeline and starts the API surface. The worker
// is not started; call StartWorker once the test has queued what it
// needs, so tests can observe queue state before it drains.
func NewHarness(t *testing.T, opts ...Option) *Harness {
	t.Helper()

	cfg := testConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := queue.New(rdb, cfg.Queue)
	ms := NewMemStore()
	limiter := ratelimit.New(rdb, cfg.Redis.KeyPrefix, cfg.API)
	respCache := cache.New(rdb, cfg.Redis.KeyPrefix, cfg.Cache)

	srv := api.New(cfg, q, ms, limiter)
	srv.Mount("/v1/stats", stats.New(ms, respCache, cfg.Retention).Routes())

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	h := &Harness{
		Cfg:     cfg,
		Redis:   mr,
		Queue:   q,
		Store:   ms,
		Client:  client.New(httpSrv.URL),
		httpSrv: httpSrv,
	}
	h.worker = worker.New(q, ms, cfg.Worker, cfg.ShutdownGrace)
	t.Cleanup(h.StopWorker)
	return h
}

// StartWorker launches the drain loop. At most once per harness.
func (h *Harness) StartWorker() {
	if h.started {
		return
	}
	h.started = true
	h.worker.Start()
}

// StopWorker drains the in-flight batch and stops the loop. Safe to
// call on a never-started or already-stopped worker.
func (h *Harness) StopWorker() {
	if !h.started || h.stopped {
		return
	}
	h.stopped = true
	h.worker.Stop()
}

// WorkerStats returns the drain loop's counters.
func (h *Harness) WorkerStats() worker.Snapshot {
	return h.worker.Stats()
}

// BaseURL returns the API listener's address.
func (h *Harness) BaseURL() string {
	return h.httpSrv.URL
}

// CloseAPI shuts the HTTP listener down, the first phase of a graceful
// shutdown.
func (h *Harness) CloseAPI() {
	h.httpSrv.Close()
}

// Depth returns the current queue depth.
func (h *Harness) Depth(t *testing.T) int64 {
	t.Helper()
	d, err := h.Queue.Depth(context.Background())
	require.NoError(t, err)
	return d
}

// testConfig returns the harness baseline: tight worker timings so
// drains complete in milliseconds, admission generous enough that only
// rate-limit tests hit it.
func testConfig() *config.Config {
	return &config.Config{
		Mode:     config.ModeTest,
		Host:     "127.0.0.1",
		LogLevel: "error",
		Redis: config.Redis{
			KeyPrefix: "pluvio:",
		},
		Queue: config.Queue{
			Key:     "pluvio:events:queue",
			MaxSize: 1000,
		},
		Worker: config.Worker{
			PollInterval:  10 * time.Millisecond,
			BatchSize:     50,
			InsertBackoff: 25 * time.Millisecond,
		},
		API: config.API{
			BodyLimitKB:        100,
			RateLimitPerMinute: 10000,
			MaxBatchSize:       100,
			CORSOrigins:        []string{"*"},
		},
		Cache: config.Cache{Enabled: false},
		Retention: config.Retention{
			RawEvents:    90 * 24 * time.Hour,
			Hourly:       30 * 24 * time.Hour,
			Daily:        730 * 24 * time.Hour,
			ErrorSummary: 90 * 24 * time.Hour,
		},
		Metrics:       config.Metrics{Enabled: false},
		ShutdownGrace: 2 * time.Second,
	}
}
