package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/nimbuslabs/pluvio/pkg/cache"
	"github.com/nimbuslabs/pluvio/pkg/config"
	"github.com/nimbuslabs/pluvio/pkg/log"
	"github.com/nimbuslabs/pluvio/pkg/store"
	"github.com/nimbuslabs/pluvio/pkg/types"
)

// topErrorLimit caps the error list on the overview endpoint.
const topErrorLimit = 10

// Reader is the slice of the store the stats endpoints query.
type Reader interface {
	ReadOverview(ctx context.Context, g store.Granularity, from, to time.Time) (store.Overview, error)
	ReadToolCalls(ctx context.Context, g store.Granularity, from, to time.Time) ([]store.ToolCalls, error)
	ReadToolStats(ctx context.Context, g store.Granularity, from, to time.Time) ([]store.ToolAgg, error)
	ReadToolTotals(ctx context.Context, g store.Granularity, tool string, from, to time.Time) (store.ToolAgg, error)
	ReadTimeline(ctx context.Context, g store.Granularity, tool string, from, to time.Time) ([]store.TimelineBucket, error)
	ReadErrorBreakdown(ctx context.Context, tool string, from, to time.Time) ([]store.ErrorTypeCount, error)
	ReadTopErrors(ctx context.Context, from, to time.Time, limit int) ([]store.ErrorTypeCount, error)
	ReadErrorStats(ctx context.Context, from, to time.Time) ([]store.ErrorAgg, error)
	ReadPerformance(ctx context.Context, from, to time.Time) ([]store.PerformanceAgg, error)
}

// ResponseCache stores rendered responses keyed by endpoint and params.
type ResponseCache interface {
	Cached(ctx context.Context, key string, producer cache.Producer) ([]byte, bool, error)
}

// Handler serves the read-side endpoints under /v1/stats. Every
// response is rendered once and cached as bytes; cache hits never touch
// Postgres.
type Handler struct {
	store           Reader
	cache           ResponseCache
	hourlyRetention time.Duration
	logger          zerolog.Logger

	now func() time.Time
}

// New builds the stats handler. The hourly retention horizon decides
// which rollup table serves a window: periods the hourly table still
// fully covers read hourly, longer ones read daily.
func New(st Reader, c ResponseCache, retention config.Retention) *Handler {
	return &Handler{
		store:           st,
		cache:           c,
		hourlyRetention: retention.Hourly,
		logger:          log.WithComponent("stats"),
		now:             time.Now,
	}
}

// Routes returns the router to mount under /v1/stats.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/overview", h.overview)
	r.Get("/tools", h.tools)
	r.Get("/tool/{toolName}", h.tool)
	r.Get("/errors", h.errors)
	r.Get("/performance", h.performance)
	return r
}

// period validates the period query param, defaulting when absent. A
// false return means the 400 has already been written.
func (h *Handler) period(w http.ResponseWriter, r *http.Request) (Period, bool) {
	raw := r.URL.Query().Get("period")
	if raw == "" {
		raw = defaultPeriod
	}
	p, err := ParsePeriod(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, types.ErrorResponse{
			Error:   types.ErrCodeInvalidPeriod,
			Details: err.Error(),
		})
		return Period{}, false
	}
	return p, true
}

// granularity picks the rollup table for a window.
func (h *Handler) granularity(p Period) store.Granularity {
	if p.Duration() <= h.hourlyRetention {
		return store.Hourly
	}
	return store.Daily
}

// window is the half-open interval [from, to) ending now.
func (h *Handler) window(p Period) (time.Time, time.Time) {
	to := h.now().UTC()
	return to.Add(-p.Duration()), to
}

// serve runs produce through the response cache and writes the result.
// produce returns a fully rendered body; on a cache hit it never runs.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, key string, produce func(ctx context.Context) (any, error)) {
	payload, _, err := h.cache.Cached(r.Context(), key, func(ctx context.Context) ([]byte, error) {
		resp, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
	if err != nil {
		h.logger.Error().Err(err).Str("key", key).Msg("Stats read failed")
		writeJSON(w, http.StatusServiceUnavailable, types.ErrorResponse{
			Error: types.ErrCodeUnavailable,
		})
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// overview is GET /v1/stats/overview: window totals, busiest tools, top
// errors.
func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	p, ok := h.period(w, r)
	if !ok {
		return
	}
	h.serve(w, r, "overview|"+p.String(), func(ctx context.Context) (any, error) {
		g := h.granularity(p)
		from, to := h.window(p)

		ov, err := h.store.ReadOverview(ctx, g, from, to)
		if err != nil {
			return nil, err
		}
		calls, err := h.store.ReadToolCalls(ctx, g, from, to)
		if err != nil {
			return nil, err
		}
		topErrs, err := h.store.ReadTopErrors(ctx, from, to, topErrorLimit)
		if err != nil {
			return nil, err
		}

		tools := make([]types.ToolOverview, 0, len(calls))
		for _, c := range calls {
			tools = append(tools, types.ToolOverview{Name: c.Tool, Calls: c.Calls})
		}
		errList := make([]types.ErrorOverview, 0, len(topErrs))
		for _, e := range topErrs {
			errList = append(errList, types.ErrorOverview{Type: e.ErrorType, Count: e.Count})
		}

		return types.OverviewResponse{
			Period:    p.String(),
			StartDate: from.Format(time.RFC3339),
			EndDate:   to.Format(time.RFC3339),
			Summary: types.OverviewSummary{
				TotalCalls:        ov.TotalCalls,
				SuccessCalls:      ov.SuccessCalls,
				ErrorCalls:        ov.ErrorCalls,
				SuccessRate:       rate4(ov.SuccessCalls, ov.TotalCalls),
				AvgResponseTimeMs: nullMs(ov.AvgResponseMs),
			},
			Tools:        tools,
			Errors:       errList,
			CacheHitRate: nullRate4(ov.CacheHitRate),
		}, nil
	})
}

// tools is GET /v1/stats/tools: one summary line per tool.
func (h *Handler) tools(w http.ResponseWriter, r *http.Request) {
	p, ok := h.period(w, r)
	if !ok {
		return
	}
	h.serve(w, r, "tools|"+p.String(), func(ctx context.Context) (any, error) {
		g := h.granularity(p)
		from, to := h.window(p)

		rows, err := h.store.ReadToolStats(ctx, g, from, to)
		if err != nil {
			return nil, err
		}
		out := make([]types.ToolStat, 0, len(rows))
		for _, row := range rows {
			out = append(out, types.ToolStat{
				Name:              row.Tool,
				Calls:             row.TotalCalls,
				SuccessRate:       rate4(row.SuccessCalls, row.TotalCalls),
				AvgResponseTimeMs: nullMs(row.AvgResponseMs),
				P95ResponseTimeMs: nullMs(row.P95ResponseMs),
			})
		}
		return types.ToolsResponse{Tools: out}, nil
	})
}

// tool is GET /v1/stats/tool/{toolName}: one tool's totals, a bucketed
// time series, and its error mix. Unknown tool names render the zero
// state directly; the enum is closed, so the database has nothing to
// add and the cache stays off the hot path for garbage names.
func (h *Handler) tool(w http.ResponseWriter, r *http.Request) {
	p, ok := h.period(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "toolName")
	if !types.KnownTool(name) {
		writeJSON(w, http.StatusOK, zeroToolDetail(name))
		return
	}
	h.serve(w, r, "tool|"+name+"|"+p.String(), func(ctx context.Context) (any, error) {
		g := h.granularity(p)
		from, to := h.window(p)

		totals, err := h.store.ReadToolTotals(ctx, g, name, from, to)
		if err != nil {
			return nil, err
		}
		buckets, err := h.store.ReadTimeline(ctx, g, name, from, to)
		if err != nil {
			return nil, err
		}
		breakdown, err := h.store.ReadErrorBreakdown(ctx, name, from, to)
		if err != nil {
			return nil, err
		}

		timeline := make([]types.TimelinePoint, 0, len(buckets))
		for _, b := range buckets {
			timeline = append(timeline, types.TimelinePoint{
				Bucket:            formatBucket(g, b.Bucket),
				Calls:             b.TotalCalls,
				SuccessRate:       rate4(b.SuccessCalls, b.TotalCalls),
				AvgResponseTimeMs: nullMs(b.AvgResponseMs),
			})
		}
		errList := make([]types.ErrorBreakdownEntry, 0, len(breakdown))
		for _, e := range breakdown {
			errList = append(errList, types.ErrorBreakdownEntry{Type: e.ErrorType, Count: e.Count})
		}

		return types.ToolDetailResponse{
			Name:           name,
			TotalCalls:     totals.TotalCalls,
			SuccessRate:    rate4(totals.SuccessCalls, totals.TotalCalls),
			Timeline:       timeline,
			ErrorBreakdown: errList,
		}, nil
	})
}

// errors is GET /v1/stats/errors: error types ranked by count with
// their share of the window's failures.
func (h *Handler) errors(w http.ResponseWriter, r *http.Request) {
	p, ok := h.period(w, r)
	if !ok {
		return
	}
	h.serve(w, r, "errors|"+p.String(), func(ctx context.Context) (any, error) {
		from, to := h.window(p)

		rows, err := h.store.ReadErrorStats(ctx, from, to)
		if err != nil {
			return nil, err
		}
		var total int64
		for _, row := range rows {
			total += row.Count
		}
		out := make([]types.ErrorStat, 0, len(rows))
		for _, row := range rows {
			var pct float64
			if total > 0 {
				pct = round4(float64(row.Count) / float64(total) * 100)
			}
			last := row.LastSeen
			tools := row.AffectedTools
			if tools == nil {
				tools = []string{}
			}
			out = append(out, types.ErrorStat{
				Type:          row.ErrorType,
				Count:         row.Count,
				Percentage:    pct,
				LastSeen:      &last,
				AffectedTools: tools,
			})
		}
		return types.ErrorsResponse{Errors: out}, nil
	})
}

// performance is GET /v1/stats/performance: per-tool percentiles and
// cache rates. Always answered from the daily rollup, the only table
// carrying p50 and p99.
func (h *Handler) performance(w http.ResponseWriter, r *http.Request) {
	p, ok := h.period(w, r)
	if !ok {
		return
	}
	h.serve(w, r, "performance|"+p.String(), func(ctx context.Context) (any, error) {
		from, to := h.window(p)

		rows, err := h.store.ReadPerformance(ctx, from, to)
		if err != nil {
			return nil, err
		}
		out := make([]types.PerformanceStat, 0, len(rows))
		for _, row := range rows {
			out = append(out, types.PerformanceStat{
				Name:         row.Tool,
				P50:          nullMs(row.P50ResponseMs),
				P95:          nullMs(row.P95ResponseMs),
				P99:          nullMs(row.P99ResponseMs),
				CacheHitRate: nullRate4(row.CacheHitRate),
			})
		}
		return types.PerformanceResponse{Tools: out}, nil
	})
}

func zeroToolDetail(name string) types.ToolDetailResponse {
	return types.ToolDetailResponse{
		Name:           name,
		Timeline:       []types.TimelinePoint{},
		ErrorBreakdown: []types.ErrorBreakdownEntry{},
	}
}

// formatBucket renders a timeline bucket: timestamps for hourly reads,
// plain dates for daily ones.
func formatBucket(g store.Granularity, t time.Time) string {
	if g == store.Daily {
		return t.UTC().Format("2006-01-02")
	}
	return t.UTC().Format(time.RFC3339)
}

// round4 rounds to four decimal places, the contract for every rate and
// percentage in the read API.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// rate4 is num/den rounded, nil on a zero denominator.
func rate4(num, den int64) *float64 {
	if den == 0 {
		return nil
	}
	r := round4(float64(num) / float64(den))
	return &r
}

// nullRate4 converts a nullable stored rate, rounding when present.
func nullRate4(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	r := round4(v.Float64)
	return &r
}

// nullMs converts a nullable stored average to whole milliseconds.
func nullMs(v sql.NullFloat64) *int64 {
	if !v.Valid {
		return nil
	}
	n := int64(math.Round(v.Float64))
	return &n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
