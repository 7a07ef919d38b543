package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nimbuslabs/pluvio/pkg/api"
	"github.com/nimbuslabs/pluvio/pkg/cache"
	"github.com/nimbuslabs/pluvio/pkg/config"
	"github.com/nimbuslabs/pluvio/pkg/health"
	"github.com/nimbuslabs/pluvio/pkg/log"
	"github.com/nimbuslabs/pluvio/pkg/metrics"
	"github.com/nimbuslabs/pluvio/pkg/queue"
	"github.com/nimbuslabs/pluvio/pkg/ratelimit"
	"github.com/nimbuslabs/pluvio/pkg/stats"
	"github.com/nimbuslabs/pluvio/pkg/store"
	"github.com/nimbuslabs/pluvio/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pluvio",
	Short: "Pluvio - privacy-first anonymous usage analytics",
	Long: `Pluvio collects anonymous tool-usage analytics: an ingestion API that
validates and queues event batches, a worker that drains the queue into
Postgres raw and aggregate tables, and a read API serving pre-aggregated
statistics.

Events never carry user identifiers, file paths, or prompt content; the
validator rejects any batch that tries.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Pluvio version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queueCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collection API, worker, and retention sweeper",
	Long: `Run the full pipeline in one process: the ingestion and stats HTTP API,
the aggregation worker draining the Redis queue into Postgres, the
retention sweeper, and the Prometheus collectors.

Configuration comes from the environment (and PLUVIO_CONFIG, if set).
The process runs until SIGINT or SIGTERM, then drains: the API stops
accepting first so every accepted batch reaches the queue, then the
worker finishes its in-flight batch within SHUTDOWN_GRACE_MS.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return runService(cfg, true)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the aggregation worker without the API",
	Long: `Run only the drain side of the pipeline: the aggregation worker, the
retention sweeper, and the Prometheus collectors. Use this to scale
queue draining independently of the ingest tier.

Metrics exposition in this mode requires METRICS_PORT, since there is
no API router to mount /metrics on.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return runService(cfg, false)
	},
}

// runService wires the pipeline and blocks until a signal arrives.
// withAPI false runs the drain side only.
func runService(cfg *config.Config, withAPI bool) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.IsProduction(),
	})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", Version).
		Str("mode", string(cfg.Mode)).
		Bool("api", withAPI).
		Msg("Starting pluvio")

	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	rdb := queue.NewClient(cfg.Redis)
	defer rdb.Close()
	q := queue.New(rdb, cfg.Queue)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = q.Ping(pingCtx)
	cancelPing()
	if err != nil {
		return fmt.Errorf("failed to reach queue: %w", err)
	}

	w := worker.New(q, st, cfg.Worker, cfg.ShutdownGrace)
	w.Start()

	sweeper := store.NewSweeper(st, cfg.Retention)
	sweeper.Start()

	collector := metrics.NewCollector(st, q)
	collector.Start()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Port > 0 {
		metricsSrv = serveMetrics(cfg.Metrics.Port, logger,
			health.NewPingChecker("database", st),
			health.NewPingChecker("queue", q),
		)
	}

	var apiServer *api.Server
	errCh := make(chan error, 1)
	if withAPI {
		limiter := ratelimit.New(rdb, cfg.Redis.KeyPrefix, cfg.API)
		respCache := cache.New(rdb, cfg.Redis.KeyPrefix, cfg.Cache)
		statsHandler := stats.New(st, respCache, cfg.Retention)

		apiServer = api.New(cfg, q, st, limiter)
		apiServer.Mount("/v1/stats", statsHandler.Routes())

		go func() {
			if err := apiServer.Start(); err != nil {
				errCh <- err
			}
		}()
	}

	// Wait for interrupt signal or API server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("API server failed")
	}

	// Drain order: the API stops accepting first so every accepted batch
	// is in Redis, then the worker finishes its in-flight batch. Entries
	// still queued survive in Redis for the next start.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelShutdown()

	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("API shutdown failed")
		}
	}
	w.Stop()
	sweeper.Stop()
	collector.Stop()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// serveMetrics starts the dedicated exposition listener. Loopback only:
// production scrapes come from a local agent, never the public surface.
// Kubelet-style probes ride the same listener: /live answers from the
// process alone, /ready pings the wired dependencies.
func serveMetrics(port int, logger zerolog.Logger, checkers ...health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/live", metrics.LivenessHandler())
	mux.Handle("/ready", metrics.ReadinessHandler(checkers...))
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics listener failed")
		}
	}()
	logger.Info().Str("addr", srv.Addr).Msg("Metrics listening")
	return srv
}
