package e2e

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuslabs/pluvio/pkg/client"
	"github.com/nimbuslabs/pluvio/pkg/types"
	"github.com/nimbuslabs/pluvio/test/framework"
)

// TestEventRoundTrip drives a batch through the whole pipeline: HTTP
// accept, Redis queue, worker drain, aggregate merge, stats read.
func TestEventRoundTrip(t *testing.T) {
	h := framework.NewHarness(t)

	events := []types.Event{
		framework.Event("get_forecast", framework.WithResponseTime(120), framework.WithCacheHit(true)),
		framework.Event("get_forecast", framework.WithResponseTime(80), framework.WithCacheHit(false)),
		framework.Event("get_alerts", framework.WithError("timeout")),
	}
	acc, err := h.Client.SubmitEvents(events)
	require.NoError(t, err)
	assert.Equal(t, "accepted", acc.Status)
	assert.Equal(t, 3, acc.Count)
	assert.Equal(t, int64(3), h.Depth(t))
	assert.Zero(t, h.Store.EventCount(), "nothing persisted before the worker runs")

	h.StartWorker()
	waiter := framework.DefaultWaiter()
	require.NoError(t, waiter.WaitFor(context.Background(), func() bool {
		return h.Store.EventCount() == 3
	}, "worker to persist the batch"))
	assert.Equal(t, int64(0), h.Depth(t))

	o, err := h.Client.Overview("24h")
	require.NoError(t, err)
	assert.Equal(t, "24h", o.Period)
	assert.Equal(t, int64(3), o.Summary.TotalCalls)
	assert.Equal(t, int64(2), o.Summary.SuccessCalls)
	assert.Equal(t, int64(1), o.Summary.ErrorCalls)
	require.NotNil(t, o.Summary.SuccessRate)
	assert.InDelta(t, 0.6667, *o.Summary.SuccessRate, 1e-9)
	require.NotNil(t, o.Summary.AvgResponseTimeMs)
	assert.Equal(t, int64(100), *o.Summary.AvgResponseTimeMs)
	require.NotNil(t, o.CacheHitRate)
	assert.InDelta(t, 0.5, *o.CacheHitRate, 1e-9)

	require.Len(t, o.Tools, 2)
	assert.Equal(t, "get_forecast", o.Tools[0].Name)
	assert.Equal(t, int64(2), o.Tools[0].Calls)
	require.Len(t, o.Errors, 1)
	assert.Equal(t, "timeout", o.Errors[0].Type)

	d, err := h.Client.Tool("get_alerts", "24h")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.TotalCalls)
	require.Len(t, d.ErrorBreakdown, 1)
	assert.Equal(t, "timeout", d.ErrorBreakdown[0].Type)
}

// TestPIIParametersRejected submits a detailed event whose parameters
// carry a forbidden key. The batch must be rejected whole and nothing
// may reach the queue or the store.
func TestPIIParametersRejected(t *testing.T) {
	h := framework.NewHarness(t)

	_, err := h.Client.SubmitEvents([]types.Event{
		framework.Event("get_forecast"),
		framework.Event("get_forecast", framework.WithParameters(map[string]any{
			"units":   "metric",
			"user_id": "u-123",
		})),
	})

	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, types.ErrCodeValidationFailed, apiErr.Code)
	details := fmt.Sprint(apiErr.Details)
	assert.Contains(t, details, "Event 1")
	assert.Contains(t, details, "contains PII")
	assert.NotContains(t, details, "u-123", "rejected values must never be echoed")

	assert.Equal(t, int64(0), h.Depth(t))
	assert.Zero(t, h.Store.EventCount())
}

// TestInvalidEventRejectedWithDetails covers schema violations: the
// response names the offending event and rule.
func TestInvalidEventRejectedWithDetails(t *testing.T) {
	h := framework.NewHarness(t)

	bad := framework.Event("get_forecast")
	bad.Tool = ""
	_, err := h.Client.SubmitEvents([]types.Event{bad})

	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, types.ErrCodeValidationFailed, apiErr.Code)
	assert.Contains(t, fmt.Sprint(apiErr.Details), "Event 0")
	assert.Equal(t, int64(0), h.Depth(t))
}

// TestQueueFullBackpressure fills the queue past capacity: the batch is
// rejected whole with a retry hint, never partially queued.
func TestQueueFullBackpressure(t *testing.T) {
	h := framework.NewHarness(t, framework.WithQueueMax(2))

	_, err := h.Client.SubmitEvents([]types.Event{
		framework.Event("get_forecast"),
		framework.Event("get_forecast"),
		framework.Event("get_forecast"),
	})

	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, types.ErrCodeQueueFull, apiErr.Code)
	assert.Equal(t, 5, apiErr.RetryAfter)
	assert.Equal(t, int64(0), h.Depth(t), "no partial queueing")

	// A batch that fits still goes through.
	acc, err := h.Client.SubmitEvents([]types.Event{framework.Event("get_forecast")})
	require.NoError(t, err)
	assert.Equal(t, 1, acc.Count)
}

// TestRateLimitEnforced exhausts a small admission budget and checks
// the deny carries a retry hint while allowed batches stay queued.
func TestRateLimitEnforced(t *testing.T) {
	h := framework.NewHarness(t, framework.WithRateLimit(3, 0))

	for i := 0; i < 3; i++ {
		_, err := h.Client.SubmitEvents([]types.Event{framework.Event("get_forecast")})
		require.NoError(t, err, "request %d within budget", i+1)
	}

	_, err := h.Client.SubmitEvents([]types.Event{framework.Event("get_forecast")})
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, types.ErrCodeRateLimitExceeded, apiErr.Code)
	assert.GreaterOrEqual(t, apiErr.RetryAfter, 1)

	assert.Equal(t, int64(3), h.Depth(t), "only admitted batches reach the queue")
}

// TestInvalidPeriodShortCircuits asserts a malformed period is rejected
// before any aggregate read runs.
func TestInvalidPeriodShortCircuits(t *testing.T) {
	h := framework.NewHarness(t)

	_, err := h.Client.Overview("24x")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, types.ErrCodeInvalidPeriod, apiErr.Code)

	assert.Zero(t, h.Store.ReadCount(), "no query may run for a rejected period")
}

// TestUnknownToolZeroState asserts a name outside the tool enum gets an
// empty detail body without touching the store.
func TestUnknownToolZeroState(t *testing.T) {
	h := framework.NewHarness(t)

	d, err := h.Client.Tool("not_a_tool", "24h")
	require.NoError(t, err)
	assert.Equal(t, "not_a_tool", d.Name)
	assert.Zero(t, d.TotalCalls)
	assert.Nil(t, d.SuccessRate)
	assert.Empty(t, d.Timeline)
	assert.Empty(t, d.ErrorBreakdown)

	assert.Zero(t, h.Store.ReadCount())
}

// TestShutdownLosesNothing stops the worker mid-drain and checks every
// accepted event is either persisted or still queued.
func TestShutdownLosesNothing(t *testing.T) {
	h := framework.NewHarness(t)

	const total = 120
	for i := 0; i < total/30; i++ {
		batch := make([]types.Event, 30)
		for j := range batch {
			batch[j] = framework.Event("get_forecast")
		}
		_, err := h.Client.SubmitEvents(batch)
		require.NoError(t, err)
	}
	require.Equal(t, int64(total), h.Depth(t))

	h.StartWorker()
	time.Sleep(15 * time.Millisecond)
	h.StopWorker()

	persisted := int64(h.Store.EventCount())
	remaining := h.Depth(t)
	assert.Equal(t, int64(total), persisted+remaining, "persisted=%d remaining=%d", persisted, remaining)
	assert.Equal(t, persisted, h.WorkerStats().TotalProcessed)
	assert.Zero(t, h.WorkerStats().DroppedCount)
}

// TestDatabaseOutageRequeuesBatch fails the store, verifies the worker
// requeues instead of dropping, then heals the store and checks the
// batch lands.
func TestDatabaseOutageRequeuesBatch(t *testing.T) {
	h := framework.NewHarness(t)
	h.Store.FailWrites(errors.New("connection refused"))

	_, err := h.Client.SubmitEvents([]types.Event{
		framework.Event("get_forecast"),
		framework.Event("get_alerts"),
	})
	require.NoError(t, err)

	h.StartWorker()
	waiter := framework.DefaultWaiter()
	require.NoError(t, waiter.WaitFor(context.Background(), func() bool {
		return h.WorkerStats().ErrorCount >= 1
	}, "worker to hit the failing store"))
	assert.Zero(t, h.Store.EventCount())

	h.Store.FailWrites(nil)
	require.NoError(t, waiter.WaitFor(context.Background(), func() bool {
		return h.Store.EventCount() == 2
	}, "worker to persist after recovery"))

	assert.Equal(t, int64(0), h.Depth(t))
	assert.Zero(t, h.WorkerStats().DroppedCount, "outages must never drop events")
}

// TestHealthAndStatusSurfaces checks the liveness and progress
// endpoints against known pipeline state.
func TestHealthAndStatusSurfaces(t *testing.T) {
	h := framework.NewHarness(t)

	hr, err := h.Client.Health()
	require.NoError(t, err)
	assert.Equal(t, "ok", hr.Status)
	assert.Equal(t, "ok", hr.Checks["database"])
	assert.Equal(t, "ok", hr.Checks["queue"])

	_, err = h.Client.SubmitEvents([]types.Event{framework.Event("get_forecast")})
	require.NoError(t, err)

	st, err := h.Client.Status()
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.QueueDepth)
	assert.Zero(t, st.EventsProcessed24h)
	assert.Nil(t, st.LastEventReceived)
	assert.GreaterOrEqual(t, st.UptimeSeconds, int64(0))

	h.Store.FailPing(errors.New("connection refused"))
	hr, err = h.Client.Health()
	require.NoError(t, err, "client decodes unhealthy bodies without failing")
	assert.Equal(t, "unhealthy", hr.Status)
	assert.Contains(t, hr.Checks["database"], "connection refused")
	assert.Equal(t, "ok", hr.Checks["queue"])
}

// TestCachedStatsSkipRepeatQueries enables the response cache and
// checks a second identical read is served without touching the store.
func TestCachedStatsSkipRepeatQueries(t *testing.T) {
	h := framework.NewHarness(t, framework.WithCache(time.Minute))

	_, err := h.Client.SubmitEvents([]types.Event{
		framework.Event("get_forecast", framework.WithResponseTime(42)),
	})
	require.NoError(t, err)
	h.StartWorker()
	waiter := framework.DefaultWaiter()
	require.NoError(t, waiter.WaitFor(context.Background(), func() bool {
		return h.Store.EventCount() == 1
	}, "worker to persist the event"))

	first, err := h.Client.Overview("24h")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Summary.TotalCalls)
	reads := h.Store.ReadCount()

	second, err := h.Client.Overview("24h")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, reads, h.Store.ReadCount(), "cache hit must not query the store")
}
