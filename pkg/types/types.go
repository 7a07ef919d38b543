package types

import (
	"time"
)

// AnalyticsLevel selects which optional fields an event carries
type AnalyticsLevel string

const (
	LevelMinimal  AnalyticsLevel = "minimal"
	LevelStandard AnalyticsLevel = "standard"
	LevelDetailed AnalyticsLevel = "detailed"
)

// Valid reports whether the level is one of the known levels
func (l AnalyticsLevel) Valid() bool {
	switch l {
	case LevelMinimal, LevelStandard, LevelDetailed:
		return true
	}
	return false
}

// EventStatus represents the outcome of an instrumented call
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusError   EventStatus = "error"
)

// UpstreamService identifies the weather backend that served a call
type UpstreamService string

const (
	ServiceNOAA      UpstreamService = "noaa"
	ServiceOpenMeteo UpstreamService = "openmeteo"
)

// Field limits enforced at validation time
const (
	MaxVersionLen     = 20
	MaxToolLen        = 50
	MaxErrorTypeLen   = 100
	MaxResponseTimeMs = 120000
	MaxRetryCount     = 10
	SessionIDLen      = 16
	MaxBatchEvents    = 100
)

// Tools is the closed set of instrumented tool identifiers
var Tools = []string{
	"get_forecast",
	"get_current_conditions",
	"get_hourly_forecast",
	"get_alerts",
	"get_air_quality",
	"search_locations",
	"get_sunrise_sunset",
}

var toolSet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(Tools))
	for _, t := range Tools {
		m[t] = struct{}{}
	}
	return m
}()

// KnownTool reports whether name is a member of the tool enum
func KnownTool(name string) bool {
	_, ok := toolSet[name]
	return ok
}

// PIIKeys is the closed set of field names that must never appear in an
// event at any nesting depth. Shared by the validator and the log scrubber.
var PIIKeys = []string{
	"latitude", "longitude", "lat", "lon", "location",
	"user_id", "ip", "email", "name", "address",
	"phone", "city", "zip", "postal",
}

var piiKeySet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(PIIKeys))
	for _, k := range PIIKeys {
		m[k] = struct{}{}
	}
	return m
}()

// IsPIIKey reports whether key belongs to the forbidden field set
func IsPIIKey(key string) bool {
	_, ok := piiKeySet[key]
	return ok
}

// Event is a single anonymous usage record. Minimal events carry only the
// base fields; standard events add performance fields; detailed events add
// anonymous session context. Optional fields are pointers so absent and
// zero-valued are distinguishable.
type Event struct {
	AnalyticsLevel AnalyticsLevel `json:"analytics_level" validate:"required,oneof=minimal standard detailed"`
	Version        string         `json:"version" validate:"required,max=20"`
	Tool           string         `json:"tool" validate:"required,max=50,tool"`
	Status         EventStatus    `json:"status" validate:"required,oneof=success error"`
	TimestampHour  time.Time      `json:"timestamp_hour" validate:"required,houraligned"`

	// Standard and detailed levels
	ResponseTimeMs *int             `json:"response_time_ms,omitempty" validate:"omitempty,min=0,max=120000"`
	Service        *UpstreamService `json:"service,omitempty" validate:"omitempty,oneof=noaa openmeteo"`
	CacheHit       *bool            `json:"cache_hit,omitempty"`
	RetryCount     *int             `json:"retry_count,omitempty" validate:"omitempty,min=0,max=10"`
	Country        *string          `json:"country,omitempty" validate:"omitempty,len=2,alpha,uppercase"`
	ErrorType      *string          `json:"error_type,omitempty" validate:"omitempty,max=100"`

	// Detailed level only
	Parameters     map[string]any `json:"parameters,omitempty"`
	SessionID      *string        `json:"session_id,omitempty" validate:"omitempty,len=16"`
	SequenceNumber *int           `json:"sequence_number,omitempty" validate:"omitempty,min=0"`
}

// HasPerformance reports whether the event carries performance fields
func (e *Event) HasPerformance() bool {
	return e.AnalyticsLevel == LevelStandard || e.AnalyticsLevel == LevelDetailed
}

// CountryOrEmpty returns the country code or "" when absent
func (e *Event) CountryOrEmpty() string {
	if e.Country == nil {
		return ""
	}
	return *e.Country
}

// EventBatch is the request body of POST /v1/events
type EventBatch struct {
	Events []Event `json:"events"`
}

// StoredEvent is a raw event as persisted, with its storage identity
type StoredEvent struct {
	ID         int64     `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	Event
}

// HourlyAggregate is one row of the hourly rollup, unique per
// (hour, tool, version). Nullable metrics are pointers: they stay null
// until at least one contributing event carried the underlying field.
type HourlyAggregate struct {
	Hour              time.Time `json:"hour"`
	Tool              string    `json:"tool"`
	Version           string    `json:"version"`
	TotalCalls        int64     `json:"total_calls"`
	SuccessCalls      int64     `json:"success_calls"`
	ErrorCalls        int64     `json:"error_calls"`
	AvgResponseTimeMs *float64  `json:"avg_response_time_ms"`
	P95ResponseTimeMs *float64  `json:"p95_response_time_ms"`
	CacheHitRate      *float64  `json:"cache_hit_rate"`
}

// DailyAggregate is one row of the daily rollup, unique per
// (date, tool, version, country). Country is "" when the event had none.
type DailyAggregate struct {
	Date              time.Time `json:"date"`
	Tool              string    `json:"tool"`
	Version           string    `json:"version"`
	Country           string    `json:"country"`
	TotalCalls        int64     `json:"total_calls"`
	SuccessCalls      int64     `json:"success_calls"`
	ErrorCalls        int64     `json:"error_calls"`
	AvgResponseTimeMs *float64  `json:"avg_response_time_ms"`
	P50ResponseTimeMs *float64  `json:"p50_response_time_ms"`
	P95ResponseTimeMs *float64  `json:"p95_response_time_ms"`
	P99ResponseTimeMs *float64  `json:"p99_response_time_ms"`
	MinResponseTimeMs *int      `json:"min_response_time_ms"`
	MaxResponseTimeMs *int      `json:"max_response_time_ms"`
	CacheHitCount     int64     `json:"cache_hit_count"`
	CacheMissCount    int64     `json:"cache_miss_count"`
	CacheHitRate      *float64  `json:"cache_hit_rate"`
	NoaaCalls         int64     `json:"noaa_calls"`
	OpenMeteoCalls    int64     `json:"openmeteo_calls"`
	TotalRetries      int64     `json:"total_retries"`
	AvgRetryCount     *float64  `json:"avg_retry_count"`
}

// ErrorSummary is one row of the error rollup, unique per
// (hour, tool, error_type). AffectedVersions is kept sorted.
type ErrorSummary struct {
	Hour             time.Time `json:"hour"`
	Tool             string    `json:"tool"`
	ErrorType        string    `json:"error_type"`
	Count            int64     `json:"count"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	AffectedVersions []string  `json:"affected_versions"`
}

// Error codes surfaced to clients. Stable machine-readable tokens.
const (
	ErrCodeValidationFailed  = "validation_failed"
	ErrCodePayloadTooLarge   = "payload_too_large"
	ErrCodeRateLimitExceeded = "rate_limit_exceeded"
	ErrCodeQueueFull         = "queue_full"
	ErrCodeUnavailable       = "service_unavailable"
	ErrCodeInvalidPeriod     = "invalid_period"
	ErrCodeInternal          = "internal_error"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error      string `json:"error"`
	Details    any    `json:"details,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// AcceptedResponse is the body of a successful event submission
type AcceptedResponse struct {
	Status    string    `json:"status"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse reports liveness plus per-dependency probe results
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// StatusResponse reports pipeline progress counters
type StatusResponse struct {
	QueueDepth         int64      `json:"queue_depth"`
	EventsProcessed24h int64      `json:"events_processed_24h"`
	LastEventReceived  *time.Time `json:"last_event_received"`
	UptimeSeconds      int64      `json:"uptime_seconds"`
}

// OverviewSummary is the totals block of the overview endpoint
type OverviewSummary struct {
	TotalCalls        int64    `json:"total_calls"`
	SuccessCalls      int64    `json:"success_calls"`
	ErrorCalls        int64    `json:"error_calls"`
	SuccessRate       *float64 `json:"success_rate"`
	AvgResponseTimeMs *int64   `json:"avg_response_time_ms"`
}

// ToolOverview is one per-tool line of the overview endpoint
type ToolOverview struct {
	Name  string `json:"name"`
	Calls int64  `json:"calls"`
}

// ErrorOverview is one per-error line of the overview endpoint
type ErrorOverview struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// OverviewResponse is the body of GET /v1/stats/overview
type OverviewResponse struct {
	Period       string          `json:"period"`
	StartDate    string          `json:"start_date"`
	EndDate      string          `json:"end_date"`
	Summary      OverviewSummary `json:"summary"`
	Tools        []ToolOverview  `json:"tools"`
	Errors       []ErrorOverview `json:"errors"`
	CacheHitRate *float64        `json:"cache_hit_rate"`
}

// ToolStat is one entry of GET /v1/stats/tools
type ToolStat struct {
	Name              string   `json:"name"`
	Calls             int64    `json:"calls"`
	SuccessRate       *float64 `json:"success_rate"`
	AvgResponseTimeMs *int64   `json:"avg_response_time_ms"`
	P95ResponseTimeMs *int64   `json:"p95_response_time_ms"`
}

// ToolsResponse is the body of GET /v1/stats/tools
type ToolsResponse struct {
	Tools []ToolStat `json:"tools"`
}

// TimelinePoint is one bucket of a single-tool time series
type TimelinePoint struct {
	Bucket            string   `json:"bucket"`
	Calls             int64    `json:"calls"`
	SuccessRate       *float64 `json:"success_rate"`
	AvgResponseTimeMs *int64   `json:"avg_response_time_ms"`
}

// ErrorBreakdownEntry is one error-type count within a single tool
type ErrorBreakdownEntry struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// ToolDetailResponse is the body of GET /v1/stats/tool/{toolName}
type ToolDetailResponse struct {
	Name           string                `json:"name"`
	TotalCalls     int64                 `json:"total_calls"`
	SuccessRate    *float64              `json:"success_rate"`
	Timeline       []TimelinePoint       `json:"timeline"`
	ErrorBreakdown []ErrorBreakdownEntry `json:"error_breakdown"`
}

// ErrorStat is one entry of GET /v1/stats/errors
type ErrorStat struct {
	Type          string     `json:"type"`
	Count         int64      `json:"count"`
	Percentage    float64    `json:"percentage"`
	LastSeen      *time.Time `json:"last_seen"`
	AffectedTools []string   `json:"affected_tools"`
}

// ErrorsResponse is the body of GET /v1/stats/errors
type ErrorsResponse struct {
	Errors []ErrorStat `json:"errors"`
}

// PerformanceStat is one entry of GET /v1/stats/performance
type PerformanceStat struct {
	Name         string   `json:"name"`
	P50          *int64   `json:"p50"`
	P95          *int64   `json:"p95"`
	P99          *int64   `json:"p99"`
	CacheHitRate *float64 `json:"cache_hit_rate"`
}

// PerformanceResponse is the body of GET /v1/stats/performance
type PerformanceResponse struct {
	Tools []PerformanceStat `json:"tools"`
}
