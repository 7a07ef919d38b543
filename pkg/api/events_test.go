package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuslabs/pluvio/pkg/config"
	"github.com/nimbuslabs/pluvio/pkg/queue"
	"github.com/nimbuslabs/pluvio/pkg/ratelimit"
	"github.com/nimbuslabs/pluvio/pkg/types"
)

type fakeSink struct {
	mu       sync.Mutex
	pushed   [][][]byte
	pushErr  error
	depth    int64
	depthErr error
	pingErr  error
}

func (f *fakeSink) PushBatch(_ context.Context, entries [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, entries)
	return nil
}

func (f *fakeSink) Depth(context.Context) (int64, error) { return f.depth, f.depthErr }
func (f *fakeSink) Ping(context.Context) error           { return f.pingErr }

func (f *fakeSink) batches() [][][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushed
}

type fakeStatusStore struct {
	pingErr  error
	since    int64
	sinceErr error
	last     time.Time
	lastErr  error
}

func (f *fakeStatusStore) Ping(context.Context) error { return f.pingErr }
func (f *fakeStatusStore) EventsSince(context.Context, time.Time) (int64, error) {
	return f.since, f.sinceErr
}
func (f *fakeStatusStore) LastEventAt(context.Context) (time.Time, error) {
	return f.last, f.lastErr
}

type fakeLimiter struct {
	mu     sync.Mutex
	dec    ratelimit.Decision
	err    error
	lastID string
}

func (f *fakeLimiter) Allow(_ context.Context, id string) (ratelimit.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastID = id
	return f.dec, f.err
}

func (f *fakeLimiter) identity() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastID
}

func testConfig() *config.Config {
	return &config.Config{
		Mode: config.ModeTest,
		Host: "127.0.0.1",
		Port: 0,
		API: config.API{
			BodyLimitKB:        100,
			RateLimitPerMinute: 60,
			RateLimitBurst:     10,
			MaxBatchSize:       100,
			TrustProxy:         false,
			CORSOrigins:        []string{"*"},
		},
	}
}

func newTestServer(cfg *config.Config) (*Server, *fakeSink, *fakeStatusStore, *fakeLimiter) {
	sink := &fakeSink{}
	store := &fakeStatusStore{}
	limiter := &fakeLimiter{dec: ratelimit.Decision{Allowed: true, Remaining: 10}}
	return New(cfg, sink, store, limiter), sink, store, limiter
}

func minimalEvent(tool string) map[string]any {
	return map[string]any{
		"analytics_level": "minimal",
		"version":         "1.0.0",
		"tool":            tool,
		"status":          "success",
		"timestamp_hour":  "2025-06-01T14:00:00Z",
	}
}

func batchBody(t *testing.T, events ...map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{"events": events})
	require.NoError(t, err)
	return body
}

func postEvents(s *Server, body []byte, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var resp types.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestAcceptEventsQueuesValidBatch(t *testing.T) {
	s, sink, _, limiter := newTestServer(testConfig())

	rec := postEvents(s, batchBody(t, minimalEvent("get_forecast"), minimalEvent("get_alerts")))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp types.AcceptedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, 2, resp.Count)
	assert.False(t, resp.Timestamp.IsZero())

	batches := sink.batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)

	var ev types.Event
	require.NoError(t, json.Unmarshal(batches[0][0], &ev))
	assert.Equal(t, "get_forecast", ev.Tool)
	assert.Equal(t, types.LevelMinimal, ev.AnalyticsLevel)

	// httptest requests carry RemoteAddr 192.0.2.1:1234; with the proxy
	// untrusted that host is the rate limit identity.
	assert.Equal(t, "192.0.2.1", limiter.identity())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestAcceptEventsRejectsInvalidBatch(t *testing.T) {
	s, sink, _, _ := newTestServer(testConfig())

	bad := minimalEvent("made_up_tool")
	rec := postEvents(s, batchBody(t, minimalEvent("get_forecast"), bad))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, types.ErrCodeValidationFailed, resp.Error)

	details, ok := resp.Details.([]any)
	require.True(t, ok)
	require.NotEmpty(t, details)
	assert.Contains(t, details[0], "Event 1")

	assert.Empty(t, sink.batches(), "invalid batches must not reach the queue")
}

func TestAcceptEventsRejectsEmptyBatch(t *testing.T) {
	s, sink, _, _ := newTestServer(testConfig())

	rec := postEvents(s, []byte(`{"events":[]}`))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, types.ErrCodeValidationFailed, resp.Error)
	assert.Empty(t, sink.batches())
}

func TestAcceptEventsBodyOverLimit(t *testing.T) {
	cfg := testConfig()
	cfg.API.BodyLimitKB = 1
	s, sink, _, _ := newTestServer(cfg)

	body := []byte(`{"events":[` + strings.Repeat(" ", 4096) + `]}`)
	rec := postEvents(s, body)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, types.ErrCodePayloadTooLarge, resp.Error)
	assert.Contains(t, resp.Details, "1024 bytes")
	assert.Empty(t, sink.batches())
}

func TestAcceptEventsRateLimited(t *testing.T) {
	s, sink, _, limiter := newTestServer(testConfig())
	limiter.dec = ratelimit.Decision{Allowed: false, RetryAfter: 90 * time.Second}

	rec := postEvents(s, batchBody(t, minimalEvent("get_forecast")))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	resp := decodeError(t, rec)
	assert.Equal(t, types.ErrCodeRateLimitExceeded, resp.Error)
	assert.Equal(t, 90, resp.RetryAfter)
	assert.Empty(t, sink.batches())
}

func TestAcceptEventsLimiterFailureFailsOpen(t *testing.T) {
	s, sink, _, limiter := newTestServer(testConfig())
	limiter.dec = ratelimit.Decision{Allowed: true}
	limiter.err = errors.New("redis: connection refused")

	rec := postEvents(s, batchBody(t, minimalEvent("get_forecast")))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sink.batches(), 1)
}

func TestAcceptEventsQueueFull(t *testing.T) {
	s, sink, _, _ := newTestServer(testConfig())
	sink.pushErr = queue.ErrQueueFull

	rec := postEvents(s, batchBody(t, minimalEvent("get_forecast")))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	resp := decodeError(t, rec)
	assert.Equal(t, types.ErrCodeQueueFull, resp.Error)
	assert.Equal(t, queueFullRetrySeconds, resp.RetryAfter)
}

func TestAcceptEventsQueueUnavailable(t *testing.T) {
	s, sink, _, _ := newTestServer(testConfig())
	sink.pushErr = errors.New("dial tcp: connection refused")

	rec := postEvents(s, batchBody(t, minimalEvent("get_forecast")))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, types.ErrCodeUnavailable, resp.Error)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestAcceptEventsTrustedProxyIdentity(t *testing.T) {
	cfg := testConfig()
	cfg.API.TrustProxy = true
	s, _, _, limiter := newTestServer(cfg)

	rec := postEvents(s, batchBody(t, minimalEvent("get_forecast")), func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "203.0.113.9", limiter.identity())
}

func TestClientIdentity(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		trustProxy bool
		want       string
	}{
		{"direct", "198.51.100.7:40312", "", false, "198.51.100.7"},
		{"untrusted proxy ignores header", "198.51.100.7:40312", "203.0.113.9", false, "198.51.100.7"},
		{"trusted proxy first hop", "10.0.0.1:443", "203.0.113.9, 10.0.0.1", true, "203.0.113.9"},
		{"trusted proxy empty header", "10.0.0.1:443", "", true, "10.0.0.1"},
		{"portless remote addr", "198.51.100.7", "", false, "198.51.100.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/events", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, clientIdentity(r, tt.trustProxy))
		})
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, 2, retryAfterSeconds(1500*time.Millisecond))
	assert.Equal(t, 60, retryAfterSeconds(time.Minute))
}
