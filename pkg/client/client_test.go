package client

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuslabs/pluvio/pkg/types"
)

func serve(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestSubmitEventsPostsBatch(t *testing.T) {
	var gotPath string
	var gotBatch types.EventBatch
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBatch))
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(types.AcceptedResponse{
			Status: "accepted", Count: 1, Timestamp: time.Now().UTC(),
		})
	})

	resp, err := c.SubmitEvents([]types.Event{{
		AnalyticsLevel: types.LevelMinimal,
		Version:        "1.0.0",
		Tool:           "get_forecast",
		Status:         types.StatusSuccess,
		TimestampHour:  time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC),
	}})

	require.NoError(t, err)
	assert.Equal(t, "/v1/events", gotPath)
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, 1, resp.Count)
	require.Len(t, gotBatch.Events, 1)
	assert.Equal(t, "get_forecast", gotBatch.Events[0].Tool)
}

func TestSubmitEventsDecodesAPIError(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(types.ErrorResponse{
			Error:      types.ErrCodeQueueFull,
			RetryAfter: 5,
		})
	})

	_, err := c.SubmitEvents(nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, types.ErrCodeQueueFull, apiErr.Code)
	assert.Equal(t, 5, apiErr.RetryAfter)
	assert.Contains(t, apiErr.Error(), "queue_full")
	assert.Contains(t, apiErr.Error(), "retry after 5s")
}

func TestSubmitEventsValidationDetails(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(types.ErrorResponse{
			Error:   types.ErrCodeValidationFailed,
			Details: []string{"Event 0: tool must be one of the known tools"},
		})
	})

	_, err := c.SubmitEvents(nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, types.ErrCodeValidationFailed, apiErr.Code)
	details, ok := apiErr.Details.([]any)
	require.True(t, ok)
	assert.Contains(t, details[0], "Event 0")
}

func TestHealthDecodes503Body(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/health", r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(types.HealthResponse{
			Status:    "unhealthy",
			Timestamp: time.Now().UTC(),
			Checks:    map[string]string{"database": "connection refused", "queue": "ok"},
		})
	})

	resp, err := c.Health()

	require.NoError(t, err, "an unhealthy report is not a client error")
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "ok", resp.Checks["queue"])
}

func TestStatusDecodesCounters(t *testing.T) {
	last := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(types.StatusResponse{
			QueueDepth:         3,
			EventsProcessed24h: 120,
			LastEventReceived:  &last,
			UptimeSeconds:      900,
		})
	})

	resp, err := c.Status()

	require.NoError(t, err)
	assert.Equal(t, int64(3), resp.QueueDepth)
	assert.Equal(t, int64(120), resp.EventsProcessed24h)
	require.NotNil(t, resp.LastEventReceived)
	assert.True(t, last.Equal(*resp.LastEventReceived))
}

func TestStatsEndpointsCarryPeriod(t *testing.T) {
	var gotPath, gotPeriod string
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotPeriod = r.URL.Query().Get("period")
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := c.Overview("7d")
	require.NoError(t, err)
	assert.Equal(t, "/v1/stats/overview", gotPath)
	assert.Equal(t, "7d", gotPeriod)

	_, err = c.Tools("24h")
	require.NoError(t, err)
	assert.Equal(t, "/v1/stats/tools", gotPath)
	assert.Equal(t, "24h", gotPeriod)

	_, err = c.Tool("get_forecast", "30d")
	require.NoError(t, err)
	assert.Equal(t, "/v1/stats/tool/get_forecast", gotPath)
	assert.Equal(t, "30d", gotPeriod)

	_, err = c.Errors("24h")
	require.NoError(t, err)
	assert.Equal(t, "/v1/stats/errors", gotPath)

	_, err = c.Performance("90d")
	require.NoError(t, err)
	assert.Equal(t, "/v1/stats/performance", gotPath)
	assert.Equal(t, "90d", gotPeriod)
}

func TestStatsOmitsEmptyPeriod(t *testing.T) {
	var hasPeriod bool
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		hasPeriod = r.URL.Query().Has("period")
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := c.Overview("")

	require.NoError(t, err)
	assert.False(t, hasPeriod, "empty period defers to the server default")
}

func TestInvalidPeriodSurfacesAsAPIError(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: types.ErrCodeInvalidPeriod})
	})

	_, err := c.Overview("721h")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, types.ErrCodeInvalidPeriod, apiErr.Code)
}

func TestNonJSONErrorBodyFallsBackToStatusText(t *testing.T) {
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	})

	_, err := c.Status()

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "Bad Gateway", apiErr.Code)
}

func TestBaseURLTrailingSlashNormalized(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL + "/")
	_, err := c.Status()

	require.NoError(t, err)
	assert.Equal(t, "/v1/status", gotPath)
}

func TestTransportErrorIsNotAPIError(t *testing.T) {
	c := New("http://127.0.0.1:1")

	_, err := c.Status()

	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}
