package framework

import (
	"time"

	"github.com/nimbuslabs/pluvio/pkg/types"
)

// Event returns a minimal valid standard-level event for tool, stamped
// at the current UTC hour. Mutators adjust fields per test.
func Event(tool string, mutate ...func(*types.Event)) types.Event {
	e := types.Event{
		AnalyticsLevel: types.LevelStandard,
		Version:        "1.4.2",
		Tool:           tool,
		Status:         types.StatusSuccess,
		TimestampHour:  time.Now().UTC().Truncate(time.Hour),
	}
	for _, m := range mutate {
		m(&e)
	}
	return e
}

// WithResponseTime sets response_time_ms.
func WithResponseTime(ms int) func(*types.Event) {
	return func(e *types.Event) { e.ResponseTimeMs = &ms }
}

// WithError marks the event failed with the given error type.
func WithError(errorType string) func(*types.Event) {
	return func(e *types.Event) {
		e.Status = types.StatusError
		e.ErrorType = &errorType
	}
}

// WithCacheHit sets the cache_hit flag.
func WithCacheHit(hit bool) func(*types.Event) {
	return func(e *types.Event) { e.CacheHit = &hit }
}

// WithParameters switches the event to detailed level and attaches the
// parameter map.
func WithParameters(params map[string]any) func(*types.Event) {
	return func(e *types.Event) {
		e.AnalyticsLevel = types.LevelDetailed
		e.Parameters = params
	}
}
