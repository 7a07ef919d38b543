package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/nimbuslabs/pluvio/pkg/config"
	"github.com/nimbuslabs/pluvio/pkg/log"
	"github.com/nimbuslabs/pluvio/pkg/metrics"
	"github.com/nimbuslabs/pluvio/pkg/ratelimit"
	"github.com/nimbuslabs/pluvio/pkg/validate"
)

// requestTimeout bounds handler work per request.
const requestTimeout = 5 * time.Second

// EventSink is the producer side of the durable queue.
type EventSink interface {
	PushBatch(ctx context.Context, entries [][]byte) error
	Depth(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// StatusStore is the slice of the store the API reads for health and
// status. Handlers never run queries beyond these.
type StatusStore interface {
	Ping(ctx context.Context) error
	EventsSince(ctx context.Context, since time.Time) (int64, error)
	LastEventAt(ctx context.Context) (time.Time, error)
}

// RateLimiter decides whether a client identity may submit.
type RateLimiter interface {
	Allow(ctx context.Context, id string) (ratelimit.Decision, error)
}

// Server is the ingestion HTTP server: event submission, health, and
// status, plus whatever read surfaces are mounted onto it.
type Server struct {
	cfg       *config.Config
	router    *chi.Mux
	http      *http.Server
	queue     EventSink
	store     StatusStore
	limiter   RateLimiter
	validator *validate.Validator
	logger    zerolog.Logger
	started   time.Time
}

// New assembles the router and middleware chain. Mount read surfaces
// with Mount before calling Start.
func New(cfg *config.Config, queue EventSink, store StatusStore, limiter RateLimiter) *Server {
	s := &Server{
		cfg:       cfg,
		queue:     queue,
		store:     store,
		limiter:   limiter,
		validator: validate.New(cfg.API.MaxBatchSize),
		logger:    log.WithComponent("api"),
		started:   time.Now(),
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Metrics)
	r.Use(Logger(s.logger))
	r.Use(Recoverer(s.logger))
	r.Use(Timeout(requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.API.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", s.acceptEvents)
		r.Get("/health", s.health)
		r.Get("/status", s.status)
	})

	// In development /metrics rides the main router. Production serves
	// it from a dedicated loopback listener instead, so scrapes never
	// share a port with the public surface.
	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	s.router = r
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Mount attaches a read surface (the stats routes) under pattern.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.router.Mount(pattern, h)
}

// Handler exposes the router for tests and embedded serving.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("API listening")
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight
// requests up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("API shutting down")
	return s.http.Shutdown(ctx)
}
