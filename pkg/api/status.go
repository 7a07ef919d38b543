package api

import (
	"net/http"
	"time"

	"github.com/nimbuslabs/pluvio/pkg/health"
	"github.com/nimbuslabs/pluvio/pkg/types"
)

// probeTimeout bounds the health endpoint's dependency pings.
const probeTimeout = 2 * time.Second

// health is GET /v1/health: cheap parallel probes of the two
// dependencies. 503 when either is unreachable, so load balancers and
// orchestrators pull the instance before clients see failures.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	results := health.CheckAll(r.Context(), probeTimeout,
		health.NewPingChecker("database", s.store),
		health.NewPingChecker("queue", s.queue),
	)

	checks := make(map[string]string, len(results))
	for name, res := range results {
		if res.Healthy {
			checks[name] = "ok"
		} else {
			checks[name] = res.Message
		}
	}

	resp := types.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	}
	status := http.StatusOK
	if !health.AllHealthy(results) {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// status is GET /v1/status: pipeline progress counters for operators.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	depth, err := s.queue.Depth(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Status queue depth failed")
		writeJSON(w, http.StatusServiceUnavailable, types.ErrorResponse{Error: types.ErrCodeUnavailable})
		return
	}
	processed, err := s.store.EventsSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		s.logger.Error().Err(err).Msg("Status event count failed")
		writeJSON(w, http.StatusServiceUnavailable, types.ErrorResponse{Error: types.ErrCodeUnavailable})
		return
	}
	last, err := s.store.LastEventAt(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Status last event failed")
		writeJSON(w, http.StatusServiceUnavailable, types.ErrorResponse{Error: types.ErrCodeUnavailable})
		return
	}

	resp := types.StatusResponse{
		QueueDepth:         depth,
		EventsProcessed24h: processed,
		UptimeSeconds:      int64(time.Since(s.started).Seconds()),
	}
	if !last.IsZero() {
		resp.LastEventReceived = &last
	}
	writeJSON(w, http.StatusOK, resp)
}
