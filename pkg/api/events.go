package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nimbuslabs/pluvio/pkg/metrics"
	"github.com/nimbuslabs/pluvio/pkg/queue"
	"github.com/nimbuslabs/pluvio/pkg/types"
)

// queueFullRetrySeconds is the Retry-After hint when the queue rejects
// a batch. The worker drains at batch/poll rate, so a few seconds is
// realistic.
const queueFullRetrySeconds = 5

// acceptEvents is POST /v1/events: size gate, rate limit, validation,
// queue admission. Nothing here touches Postgres; a database outage
// must not stop ingestion.
func (s *Server) acceptEvents(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.API.BodyLimitBytes())

	dec, err := s.limiter.Allow(r.Context(), clientIdentity(r, s.cfg.API.TrustProxy))
	if err != nil {
		// Fail open: the limiter returns an allow decision alongside
		// the error when Redis is unreachable.
		s.logger.Warn().Err(err).Msg("Rate limit check degraded")
	}
	if !dec.Allowed {
		secs := retryAfterSeconds(dec.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, types.ErrorResponse{
			Error:      types.ErrCodeRateLimitExceeded,
			RetryAfter: secs,
		})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, types.ErrorResponse{
				Error:   types.ErrCodePayloadTooLarge,
				Details: fmt.Sprintf("request body exceeds %d bytes", mbe.Limit),
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{
			Error:   types.ErrCodeValidationFailed,
			Details: []string{"request body could not be read"},
		})
		return
	}

	events, verrs := s.validator.Batch(body)
	if len(verrs) > 0 {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{
			Error:   types.ErrCodeValidationFailed,
			Details: verrs,
		})
		return
	}

	entries := make([][]byte, 0, len(events))
	for i := range events {
		entry, err := json.Marshal(&events[i])
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{
				Error: types.ErrCodeInternal,
			})
			return
		}
		entries = append(entries, entry)
	}

	if err := s.queue.PushBatch(r.Context(), entries); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			w.Header().Set("Retry-After", strconv.Itoa(queueFullRetrySeconds))
			writeJSON(w, http.StatusServiceUnavailable, types.ErrorResponse{
				Error:      types.ErrCodeQueueFull,
				RetryAfter: queueFullRetrySeconds,
			})
			return
		}
		s.logger.Error().Err(err).Int("events", len(events)).Msg("Queue admission failed")
		writeJSON(w, http.StatusServiceUnavailable, types.ErrorResponse{
			Error: types.ErrCodeUnavailable,
		})
		return
	}

	for i := range events {
		metrics.EventsReceived.WithLabelValues(string(events[i].AnalyticsLevel), events[i].Tool).Inc()
	}

	writeJSON(w, http.StatusAccepted, types.AcceptedResponse{
		Status:    "accepted",
		Count:     len(events),
		Timestamp: time.Now().UTC(),
	})
}

// clientIdentity resolves the identity the rate limiter buckets by. The
// forwarded chain is honored only when the deployment declared a
// trusted proxy, and then only its first hop; otherwise any client
// could mint fresh identities per request.
func clientIdentity(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
			if first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfterSeconds renders a wait as whole seconds, at least 1 so the
// header is never zero.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
