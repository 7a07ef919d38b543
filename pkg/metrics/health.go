package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nimbuslabs/pluvio/pkg/health"
)

// probeTimeout bounds one readiness pass over the dependency checkers.
const probeTimeout = 2 * time.Second

var startTime = time.Now()

// ProbeStatus is the body of the ops listener's probe endpoints. The
// public /v1/health endpoint answers API clients; these answer the
// platform running the process.
type ProbeStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Uptime     string            `json:"uptime"`
}

// LivenessHandler reports that the process is up. It never probes
// dependencies: a stuck database must not get the process restarted.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeProbe(w, http.StatusOK, ProbeStatus{
			Status:    "alive",
			Timestamp: time.Now().UTC(),
			Uptime:    time.Since(startTime).Round(time.Second).String(),
		})
	}
}

// ReadinessHandler reports whether every critical dependency answers
// its probe, 503 otherwise. Orchestrators route traffic away from
// instances that are not ready.
func ReadinessHandler(checkers ...health.Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := health.CheckAll(r.Context(), probeTimeout, checkers...)

		status, code := "ready", http.StatusOK
		components := make(map[string]string, len(results))
		for name, res := range results {
			if res.Healthy {
				components[name] = "ready"
				continue
			}
			status, code = "not_ready", http.StatusServiceUnavailable
			components[name] = "not ready: " + res.Message
		}

		writeProbe(w, code, ProbeStatus{
			Status:     status,
			Timestamp:  time.Now().UTC(),
			Components: components,
			Uptime:     time.Since(startTime).Round(time.Second).String(),
		})
	}
}

func writeProbe(w http.ResponseWriter, code int, body ProbeStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
