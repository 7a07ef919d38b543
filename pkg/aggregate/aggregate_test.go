package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuslabs/pluvio/pkg/types"
)

var (
	hourA  = time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	hourB  = time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)
	seenAt = time.Date(2025, 6, 1, 15, 4, 30, 0, time.UTC)
)

func ev(tool, version string, status types.EventStatus, hour time.Time, opts ...func(*types.Event)) types.Event {
	e := types.Event{
		AnalyticsLevel: types.LevelStandard,
		Version:        version,
		Tool:           tool,
		Status:         status,
		TimestampHour:  hour,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func withResponse(ms int) func(*types.Event) {
	return func(e *types.Event) { e.ResponseTimeMs = &ms }
}

func withCache(hit bool) func(*types.Event) {
	return func(e *types.Event) { e.CacheHit = &hit }
}

func withService(s types.UpstreamService) func(*types.Event) {
	return func(e *types.Event) { e.Service = &s }
}

func withRetry(n int) func(*types.Event) {
	return func(e *types.Event) { e.RetryCount = &n }
}

func withCountry(c string) func(*types.Event) {
	return func(e *types.Event) { e.Country = &c }
}

func withErrorType(t string) func(*types.Event) {
	return func(e *types.Event) { e.ErrorType = &t }
}

func TestBuildGroupsHourlyByHourToolVersion(t *testing.T) {
	events := []types.Event{
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA),
		ev("get_forecast", "1.0.0", types.StatusError, hourA, withErrorType("timeout")),
		ev("get_forecast", "1.0.1", types.StatusSuccess, hourA),
		ev("get_alerts", "1.0.0", types.StatusSuccess, hourA),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourB),
	}

	rows := Build(events, seenAt)
	require.Len(t, rows.Hourly, 4)

	first := rows.Hourly[0]
	assert.Equal(t, hourA, first.Hour)
	assert.Equal(t, "get_alerts", first.Tool)

	var forecast *HourlyRow
	for i := range rows.Hourly {
		r := &rows.Hourly[i]
		if r.Tool == "get_forecast" && r.Version == "1.0.0" && r.Hour.Equal(hourA) {
			forecast = r
		}
	}
	require.NotNil(t, forecast)
	assert.Equal(t, int64(2), forecast.TotalCalls)
	assert.Equal(t, int64(1), forecast.SuccessCalls)
	assert.Equal(t, int64(1), forecast.ErrorCalls)
}

func TestCountsPartitionByStatus(t *testing.T) {
	events := []types.Event{
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA),
		ev("get_forecast", "1.0.0", types.StatusError, hourA, withErrorType("timeout")),
	}

	rows := Build(events, seenAt)
	require.Len(t, rows.Hourly, 1)

	r := rows.Hourly[0]
	assert.Equal(t, r.TotalCalls, r.SuccessCalls+r.ErrorCalls,
		"success and error must partition total")
}

func TestPercentileLinearInterpolation(t *testing.T) {
	tests := []struct {
		name   string
		sorted []float64
		p      float64
		want   float64
	}{
		{"median of five", []float64{100, 200, 300, 400, 500}, 50, 300},
		{"p95 of five", []float64{100, 200, 300, 400, 500}, 95, 480},
		{"p99 of five", []float64{100, 200, 300, 400, 500}, 99, 496},
		{"single sample", []float64{150}, 95, 150},
		{"two samples p50", []float64{100, 200}, 50, 150},
		{"exact rank", []float64{10, 20, 30}, 50, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, percentile(tt.sorted, tt.p), 1e-9)
		})
	}
}

func TestResponseTimeMetrics(t *testing.T) {
	events := []types.Event{
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withResponse(100)),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withResponse(200)),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withResponse(300)),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withResponse(400)),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withResponse(500)),
	}

	rows := Build(events, seenAt)
	require.Len(t, rows.Hourly, 1)
	require.Len(t, rows.Daily, 1)

	hr := rows.Hourly[0]
	require.NotNil(t, hr.AvgResponseMs())
	assert.InDelta(t, 300, *hr.AvgResponseMs(), 1e-9)
	require.NotNil(t, hr.P95)
	assert.InDelta(t, 480, *hr.P95, 1e-9)

	dr := rows.Daily[0]
	require.NotNil(t, dr.P50)
	assert.InDelta(t, 300, *dr.P50, 1e-9)
	require.NotNil(t, dr.P99)
	assert.InDelta(t, 496, *dr.P99, 1e-9)
	require.NotNil(t, dr.MinResponseMs)
	assert.Equal(t, 100, *dr.MinResponseMs)
	require.NotNil(t, dr.MaxResponseMs)
	assert.Equal(t, 500, *dr.MaxResponseMs)
}

func TestMetricsNilWithoutSamples(t *testing.T) {
	events := []types.Event{
		{
			AnalyticsLevel: types.LevelMinimal,
			Version:        "1.0.0",
			Tool:           "get_forecast",
			Status:         types.StatusSuccess,
			TimestampHour:  hourA,
		},
	}

	rows := Build(events, seenAt)
	require.Len(t, rows.Hourly, 1)

	hr := rows.Hourly[0]
	assert.Nil(t, hr.AvgResponseMs())
	assert.Nil(t, hr.P95)
	assert.Nil(t, hr.CacheHitRate(), "zero denominator must yield nil, not 0")

	dr := rows.Daily[0]
	assert.Nil(t, dr.MinResponseMs)
	assert.Nil(t, dr.CacheHitRate())
}

func TestCacheHitRate(t *testing.T) {
	events := []types.Event{
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withCache(true)),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withCache(true)),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withCache(true)),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withCache(false)),
	}

	rows := Build(events, seenAt)
	hr := rows.Hourly[0]
	require.NotNil(t, hr.CacheHitRate())
	assert.InDelta(t, 0.75, *hr.CacheHitRate(), 1e-9)

	dr := rows.Daily[0]
	assert.Equal(t, int64(3), dr.CacheHits)
	assert.Equal(t, int64(1), dr.CacheMisses)
}

func TestDailyGroupsSplitByCountry(t *testing.T) {
	events := []types.Event{
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withCountry("US")),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withCountry("US")),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withCountry("DE")),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA),
	}

	rows := Build(events, seenAt)
	require.Len(t, rows.Daily, 3)

	// lexicographic order: "" < "DE" < "US"
	assert.Equal(t, "", rows.Daily[0].Country)
	assert.Equal(t, int64(1), rows.Daily[0].TotalCalls)
	assert.Equal(t, "DE", rows.Daily[1].Country)
	assert.Equal(t, "US", rows.Daily[2].Country)
	assert.Equal(t, int64(2), rows.Daily[2].TotalCalls)
}

func TestServiceCountsArePrimary(t *testing.T) {
	events := []types.Event{
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withService(types.ServiceNOAA)),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withService(types.ServiceNOAA)),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withService(types.ServiceOpenMeteo)),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA),
	}

	rows := Build(events, seenAt)
	dr := rows.Daily[0]
	assert.Equal(t, int64(2), dr.NoaaCalls)
	assert.Equal(t, int64(1), dr.OpenMeteoCalls)
}

func TestRetryTotals(t *testing.T) {
	events := []types.Event{
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withRetry(2)),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withRetry(1)),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withRetry(0)),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA),
	}

	rows := Build(events, seenAt)
	dr := rows.Daily[0]
	assert.Equal(t, int64(3), dr.TotalRetries)
	require.NotNil(t, dr.AvgRetry())
	assert.InDelta(t, 0.75, *dr.AvgRetry(), 1e-9)
}

func TestErrorRowsOnlyForTypedErrors(t *testing.T) {
	events := []types.Event{
		ev("get_forecast", "1.0.0", types.StatusError, hourA, withErrorType("timeout")),
		ev("get_forecast", "1.0.0", types.StatusError, hourA, withErrorType("timeout")),
		ev("get_forecast", "1.0.1", types.StatusError, hourA, withErrorType("timeout")),
		ev("get_forecast", "1.0.0", types.StatusError, hourA, withErrorType("api_error")),
		// error without a type (minimal level) contributes no summary row
		{
			AnalyticsLevel: types.LevelMinimal,
			Version:        "1.0.0",
			Tool:           "get_forecast",
			Status:         types.StatusError,
			TimestampHour:  hourA,
		},
		// successes never produce error rows, typed or not
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA),
	}

	rows := Build(events, seenAt)
	require.Len(t, rows.Errors, 2)

	// lexicographic by error_type within the same hour and tool
	assert.Equal(t, "api_error", rows.Errors[0].ErrorType)
	assert.Equal(t, int64(1), rows.Errors[0].Count)

	timeout := rows.Errors[1]
	assert.Equal(t, "timeout", timeout.ErrorType)
	assert.Equal(t, int64(3), timeout.Count)
	assert.Equal(t, []string{"1.0.0", "1.0.1"}, timeout.Versions, "versions deduplicate")
	assert.Equal(t, seenAt, timeout.FirstSeen)
	assert.Equal(t, seenAt, timeout.LastSeen)
}

func TestRowsEmittedInLexicographicKeyOrder(t *testing.T) {
	events := []types.Event{
		ev("search_locations", "2.0.0", types.StatusSuccess, hourB),
		ev("get_alerts", "1.0.0", types.StatusSuccess, hourB),
		ev("get_forecast", "1.0.1", types.StatusSuccess, hourA),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA),
	}

	rows := Build(events, seenAt)
	require.Len(t, rows.Hourly, 4)

	assert.Equal(t, "get_forecast", rows.Hourly[0].Tool)
	assert.Equal(t, "1.0.0", rows.Hourly[0].Version)
	assert.Equal(t, "get_forecast", rows.Hourly[1].Tool)
	assert.Equal(t, "1.0.1", rows.Hourly[1].Version)
	assert.Equal(t, "get_alerts", rows.Hourly[2].Tool)
	assert.True(t, rows.Hourly[2].Hour.Equal(hourB))
	assert.Equal(t, "search_locations", rows.Hourly[3].Tool)
}

// Splitting a batch must not change any additive metric: the UPSERT
// merge adds counts and sums, so the parts must sum to the whole.
func TestAdditiveMetricsCommuteUnderSubdivision(t *testing.T) {
	events := []types.Event{
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withResponse(100), withCache(true), withRetry(1), withService(types.ServiceNOAA)),
		ev("get_forecast", "1.0.0", types.StatusError, hourA, withResponse(900), withCache(false), withErrorType("timeout")),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withResponse(250), withCache(true), withService(types.ServiceOpenMeteo)),
		ev("get_forecast", "1.0.0", types.StatusSuccess, hourA, withResponse(400), withRetry(2)),
	}

	whole := Build(events, seenAt)
	partA := Build(events[:2], seenAt)
	partB := Build(events[2:], seenAt)

	require.Len(t, whole.Hourly, 1)
	require.Len(t, partA.Hourly, 1)
	require.Len(t, partB.Hourly, 1)

	w, a, b := whole.Hourly[0], partA.Hourly[0], partB.Hourly[0]
	assert.Equal(t, w.TotalCalls, a.TotalCalls+b.TotalCalls)
	assert.Equal(t, w.SuccessCalls, a.SuccessCalls+b.SuccessCalls)
	assert.Equal(t, w.ErrorCalls, a.ErrorCalls+b.ErrorCalls)
	assert.Equal(t, w.ResponseSum, a.ResponseSum+b.ResponseSum)
	assert.Equal(t, w.ResponseCount, a.ResponseCount+b.ResponseCount)
	assert.Equal(t, w.CacheHits, a.CacheHits+b.CacheHits)
	assert.Equal(t, w.CacheMisses, a.CacheMisses+b.CacheMisses)

	wd, ad, bd := whole.Daily[0], partA.Daily[0], partB.Daily[0]
	assert.Equal(t, wd.TotalRetries, ad.TotalRetries+bd.TotalRetries)
	assert.Equal(t, wd.NoaaCalls, ad.NoaaCalls+bd.NoaaCalls)
	assert.Equal(t, wd.OpenMeteoCalls, ad.OpenMeteoCalls+bd.OpenMeteoCalls)

	// weighted-average merge over the parts reproduces the whole
	mergedAvg := float64(ad.ResponseSum+bd.ResponseSum) / float64(ad.ResponseCount+bd.ResponseCount)
	assert.InDelta(t, *wd.AvgResponseMs(), mergedAvg, 1e-9)
}

func TestBuildEmptyBatch(t *testing.T) {
	rows := Build(nil, seenAt)
	assert.True(t, rows.Empty())
	assert.Empty(t, rows.Hourly)
	assert.Empty(t, rows.Daily)
	assert.Empty(t, rows.Errors)
}
