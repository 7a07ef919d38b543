package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuslabs/pluvio/pkg/health"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest("GET", "/live", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var body ProbeStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "alive", body.Status)
	assert.NotEmpty(t, body.Uptime)
}

func TestReadinessHandlerReady(t *testing.T) {
	handler := ReadinessHandler(
		health.NewPingChecker("database", fakePinger{}),
		health.NewPingChecker("queue", fakePinger{}),
	)

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/ready", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var body ProbeStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "ready", body.Components["database"])
	assert.Equal(t, "ready", body.Components["queue"])
}

func TestReadinessHandlerFailingDependency(t *testing.T) {
	handler := ReadinessHandler(
		health.NewPingChecker("database", fakePinger{err: errors.New("connection refused")}),
		health.NewPingChecker("queue", fakePinger{}),
	)

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/ready", nil))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body ProbeStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Contains(t, body.Components["database"], "connection refused")
	assert.Equal(t, "ready", body.Components["queue"])
}
