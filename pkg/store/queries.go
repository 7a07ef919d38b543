package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nimbuslabs/pluvio/pkg/metrics"
)

// Granularity selects which rollup table serves a read. Short windows
// read the hourly table; windows past the hourly retention horizon read
// the daily table.
type Granularity int

const (
	Hourly Granularity = iota
	Daily
)

func (g Granularity) table() string {
	if g == Daily {
		return "daily_aggregations"
	}
	return "hourly_aggregations"
}

const dateLayout = "2006-01-02"

// Overview is the window-wide summary row.
type Overview struct {
	TotalCalls    int64           `db:"total_calls"`
	SuccessCalls  int64           `db:"success_calls"`
	ErrorCalls    int64           `db:"error_calls"`
	AvgResponseMs sql.NullFloat64 `db:"avg_response_time_ms"`
	CacheHitRate  sql.NullFloat64 `db:"cache_hit_rate"`
}

// ToolCalls is one tool's call count inside a window.
type ToolCalls struct {
	Tool  string `db:"tool"`
	Calls int64  `db:"calls"`
}

// ToolAgg is one tool's rollup inside a window.
type ToolAgg struct {
	Tool          string          `db:"tool"`
	TotalCalls    int64           `db:"total_calls"`
	SuccessCalls  int64           `db:"success_calls"`
	ErrorCalls    int64           `db:"error_calls"`
	AvgResponseMs sql.NullFloat64 `db:"avg_response_time_ms"`
	P95ResponseMs sql.NullFloat64 `db:"p95_response_time_ms"`
}

// TimelineBucket is one time bucket of a tool's activity: an hour for
// hourly reads, a day for daily reads.
type TimelineBucket struct {
	Bucket        time.Time       `db:"bucket"`
	TotalCalls    int64           `db:"total_calls"`
	SuccessCalls  int64           `db:"success_calls"`
	ErrorCalls    int64           `db:"error_calls"`
	AvgResponseMs sql.NullFloat64 `db:"avg_response_time_ms"`
}

// ErrorTypeCount is one error type's count inside a window.
type ErrorTypeCount struct {
	ErrorType string `db:"error_type"`
	Count     int64  `db:"count"`
}

// ErrorAgg is one error type's summary across tools inside a window.
type ErrorAgg struct {
	ErrorType     string
	Count         int64
	LastSeen      time.Time
	AffectedTools []string
}

// PerformanceAgg is one tool's latency profile inside a window. Served
// from the daily table, the only one carrying the full percentile set.
type PerformanceAgg struct {
	Tool          string          `db:"tool"`
	P50ResponseMs sql.NullFloat64 `db:"p50_response_time_ms"`
	P95ResponseMs sql.NullFloat64 `db:"p95_response_time_ms"`
	P99ResponseMs sql.NullFloat64 `db:"p99_response_time_ms"`
	CacheHitRate  sql.NullFloat64 `db:"cache_hit_rate"`
}

// Weighted-average composition appears in every read below: stored
// averages are recombined weighted by total_calls, with FILTER keeping
// the denominator aligned to rows that actually carry the metric.

const overviewHourlySQL = `
	SELECT COALESCE(SUM(total_calls), 0)   AS total_calls,
	       COALESCE(SUM(success_calls), 0) AS success_calls,
	       COALESCE(SUM(error_calls), 0)   AS error_calls,
	       SUM(avg_response_time_ms * total_calls)
	         / NULLIF(SUM(total_calls) FILTER (WHERE avg_response_time_ms IS NOT NULL), 0)
	         AS avg_response_time_ms,
	       SUM(cache_hit_rate * total_calls)
	         / NULLIF(SUM(total_calls) FILTER (WHERE cache_hit_rate IS NOT NULL), 0)
	         AS cache_hit_rate
	FROM hourly_aggregations
	WHERE hour >= $1 AND hour < $2`

const overviewDailySQL = `
	SELECT COALESCE(SUM(total_calls), 0)   AS total_calls,
	       COALESCE(SUM(success_calls), 0) AS success_calls,
	       COALESCE(SUM(error_calls), 0)   AS error_calls,
	       SUM(avg_response_time_ms * total_calls)
	         / NULLIF(SUM(total_calls) FILTER (WHERE avg_response_time_ms IS NOT NULL), 0)
	         AS avg_response_time_ms,
	       SUM(cache_hit_count)::double precision
	         / NULLIF(SUM(cache_hit_count + cache_miss_count), 0)
	         AS cache_hit_rate
	FROM daily_aggregations
	WHERE date >= $1::date AND date <= $2::date`

// ReadOverview returns the window-wide totals.
func (s *Store) ReadOverview(ctx context.Context, g Granularity, from, to time.Time) (Overview, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer s.observeRead(g.table())()

	var out Overview
	var err error
	if g == Daily {
		err = s.db.GetContext(ctx, &out, overviewDailySQL,
			from.UTC().Format(dateLayout), to.UTC().Format(dateLayout))
	} else {
		err = s.db.GetContext(ctx, &out, overviewHourlySQL, from, to)
	}
	if err != nil {
		return Overview{}, fmt.Errorf("read overview: %w", err)
	}
	return out, nil
}

const toolCallsHourlySQL = `
	SELECT tool, COALESCE(SUM(total_calls), 0) AS calls
	FROM hourly_aggregations
	WHERE hour >= $1 AND hour < $2
	GROUP BY tool
	ORDER BY calls DESC, tool`

const toolCallsDailySQL = `
	SELECT tool, COALESCE(SUM(total_calls), 0) AS calls
	FROM daily_aggregations
	WHERE date >= $1::date AND date <= $2::date
	GROUP BY tool
	ORDER BY calls DESC, tool`

// ReadToolCalls returns per-tool call counts, busiest first.
func (s *Store) ReadToolCalls(ctx context.Context, g Granularity, from, to time.Time) ([]ToolCalls, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer s.observeRead(g.table())()

	var out []ToolCalls
	var err error
	if g == Daily {
		err = s.db.SelectContext(ctx, &out, toolCallsDailySQL,
			from.UTC().Format(dateLayout), to.UTC().Format(dateLayout))
	} else {
		err = s.db.SelectContext(ctx, &out, toolCallsHourlySQL, from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("read tool calls: %w", err)
	}
	return out, nil
}

const toolStatsHourlySQL = `
	SELECT tool,
	       COALESCE(SUM(total_calls), 0)   AS total_calls,
	       COALESCE(SUM(success_calls), 0) AS success_calls,
	       COALESCE(SUM(error_calls), 0)   AS error_calls,
	       SUM(avg_response_time_ms * total_calls)
	         / NULLIF(SUM(total_calls) FILTER (WHERE avg_response_time_ms IS NOT NULL), 0)
	         AS avg_response_time_ms,
	       MAX(p95_response_time_ms) AS p95_response_time_ms
	FROM hourly_aggregations
	WHERE hour >= $1 AND hour < $2
	GROUP BY tool
	ORDER BY total_calls DESC, tool`

const toolStatsDailySQL = `
	SELECT tool,
	       COALESCE(SUM(total_calls), 0)   AS total_calls,
	       COALESCE(SUM(success_calls), 0) AS success_calls,
	       COALESCE(SUM(error_calls), 0)   AS error_calls,
	       SUM(avg_response_time_ms * total_calls)
	         / NULLIF(SUM(total_calls) FILTER (WHERE avg_response_time_ms IS NOT NULL), 0)
	         AS avg_response_time_ms,
	       MAX(p95_response_time_ms) AS p95_response_time_ms
	FROM daily_aggregations
	WHERE date >= $1::date AND date <= $2::date
	GROUP BY tool
	ORDER BY total_calls DESC, tool`

// ReadToolStats returns the per-tool rollups for the tools endpoint.
// P95 across buckets is reported as the bucket maximum; percentiles do
// not merge.
func (s *Store) ReadToolStats(ctx context.Context, g Granularity, from, to time.Time) ([]ToolAgg, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer s.observeRead(g.table())()

	var out []ToolAgg
	var err error
	if g == Daily {
		err = s.db.SelectContext(ctx, &out, toolStatsDailySQL,
			from.UTC().Format(dateLayout), to.UTC().Format(dateLayout))
	} else {
		err = s.db.SelectContext(ctx, &out, toolStatsHourlySQL, from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("read tool stats: %w", err)
	}
	return out, nil
}

const toolTotalsHourlySQL = `
	SELECT $1::text AS tool,
	       COALESCE(SUM(total_calls), 0)   AS total_calls,
	       COALESCE(SUM(success_calls), 0) AS success_calls,
	       COALESCE(SUM(error_calls), 0)   AS error_calls,
	       SUM(avg_response_time_ms * total_calls)
	         / NULLIF(SUM(total_calls) FILTER (WHERE avg_response_time_ms IS NOT NULL), 0)
	         AS avg_response_time_ms,
	       MAX(p95_response_time_ms) AS p95_response_time_ms
	FROM hourly_aggregations
	WHERE tool = $1 AND hour >= $2 AND hour < $3`

const toolTotalsDailySQL = `
	SELECT $1::text AS tool,
	       COALESCE(SUM(total_calls), 0)   AS total_calls,
	       COALESCE(SUM(success_calls), 0) AS success_calls,
	       COALESCE(SUM(error_calls), 0)   AS error_calls,
	       SUM(avg_response_time_ms * total_calls)
	         / NULLIF(SUM(total_calls) FILTER (WHERE avg_response_time_ms IS NOT NULL), 0)
	         AS avg_response_time_ms,
	       MAX(p95_response_time_ms) AS p95_response_time_ms
	FROM daily_aggregations
	WHERE tool = $1 AND date >= $2::date AND date <= $3::date`

// ReadToolTotals returns one tool's window totals. An unseen tool comes
// back with zero counts, never an error; zero state is a valid answer.
func (s *Store) ReadToolTotals(ctx context.Context, g Granularity, tool string, from, to time.Time) (ToolAgg, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer s.observeRead(g.table())()

	var out ToolAgg
	var err error
	if g == Daily {
		err = s.db.GetContext(ctx, &out, toolTotalsDailySQL,
			tool, from.UTC().Format(dateLayout), to.UTC().Format(dateLayout))
	} else {
		err = s.db.GetContext(ctx, &out, toolTotalsHourlySQL, tool, from, to)
	}
	if err != nil {
		return ToolAgg{}, fmt.Errorf("read totals for tool %s: %w", tool, err)
	}
	return out, nil
}

const timelineHourlySQL = `
	SELECT hour AS bucket,
	       COALESCE(SUM(total_calls), 0)   AS total_calls,
	       COALESCE(SUM(success_calls), 0) AS success_calls,
	       COALESCE(SUM(error_calls), 0)   AS error_calls,
	       SUM(avg_response_time_ms * total_calls)
	         / NULLIF(SUM(total_calls) FILTER (WHERE avg_response_time_ms IS NOT NULL), 0)
	         AS avg_response_time_ms
	FROM hourly_aggregations
	WHERE tool = $1 AND hour >= $2 AND hour < $3
	GROUP BY hour
	ORDER BY hour`

const timelineDailySQL = `
	SELECT date AS bucket,
	       COALESCE(SUM(total_calls), 0)   AS total_calls,
	       COALESCE(SUM(success_calls), 0) AS success_calls,
	       COALESCE(SUM(error_calls), 0)   AS error_calls,
	       SUM(avg_response_time_ms * total_calls)
	         / NULLIF(SUM(total_calls) FILTER (WHERE avg_response_time_ms IS NOT NULL), 0)
	         AS avg_response_time_ms
	FROM daily_aggregations
	WHERE tool = $1 AND date >= $2::date AND date <= $3::date
	GROUP BY date
	ORDER BY date`

// ReadTimeline returns one tool's bucketed activity, oldest first.
// Buckets with no activity are absent, not zero-filled.
func (s *Store) ReadTimeline(ctx context.Context, g Granularity, tool string, from, to time.Time) ([]TimelineBucket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer s.observeRead(g.table())()

	var out []TimelineBucket
	var err error
	if g == Daily {
		err = s.db.SelectContext(ctx, &out, timelineDailySQL,
			tool, from.UTC().Format(dateLayout), to.UTC().Format(dateLayout))
	} else {
		err = s.db.SelectContext(ctx, &out, timelineHourlySQL, tool, from, to)
	}
	if err != nil {
		return nil, fmt.Errorf("read timeline for tool %s: %w", tool, err)
	}
	return out, nil
}

const errorBreakdownSQL = `
	SELECT error_type, COALESCE(SUM(count), 0) AS count
	FROM error_summary
	WHERE tool = $1 AND hour >= $2 AND hour < $3
	GROUP BY error_type
	ORDER BY count DESC, error_type`

// ReadErrorBreakdown returns one tool's error counts by type.
func (s *Store) ReadErrorBreakdown(ctx context.Context, tool string, from, to time.Time) ([]ErrorTypeCount, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer s.observeRead("error_summary")()

	var out []ErrorTypeCount
	if err := s.db.SelectContext(ctx, &out, errorBreakdownSQL, tool, from, to); err != nil {
		return nil, fmt.Errorf("read error breakdown for tool %s: %w", tool, err)
	}
	return out, nil
}

const topErrorsSQL = `
	SELECT error_type, COALESCE(SUM(count), 0) AS count
	FROM error_summary
	WHERE hour >= $1 AND hour < $2
	GROUP BY error_type
	ORDER BY count DESC, error_type
	LIMIT $3`

// ReadTopErrors returns the most frequent error types in the window.
func (s *Store) ReadTopErrors(ctx context.Context, from, to time.Time, limit int) ([]ErrorTypeCount, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer s.observeRead("error_summary")()

	var out []ErrorTypeCount
	if err := s.db.SelectContext(ctx, &out, topErrorsSQL, from, to, limit); err != nil {
		return nil, fmt.Errorf("read top errors: %w", err)
	}
	return out, nil
}

const errorStatsSQL = `
	SELECT error_type,
	       COALESCE(SUM(count), 0) AS count,
	       MAX(last_seen) AS last_seen,
	       array_to_json(array_agg(DISTINCT tool))::text AS affected_tools
	FROM error_summary
	WHERE hour >= $1 AND hour < $2
	GROUP BY error_type
	ORDER BY count DESC, error_type`

// ReadErrorStats returns the window's error types with their counts,
// last occurrence, and the tools they touched.
func (s *Store) ReadErrorStats(ctx context.Context, from, to time.Time) ([]ErrorAgg, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer s.observeRead("error_summary")()

	rows, err := s.db.QueryContext(ctx, errorStatsSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("read error stats: %w", err)
	}
	defer rows.Close()

	var out []ErrorAgg
	for rows.Next() {
		var agg ErrorAgg
		var tools []byte
		if err := rows.Scan(&agg.ErrorType, &agg.Count, &agg.LastSeen, &tools); err != nil {
			return nil, fmt.Errorf("scan error stats row: %w", err)
		}
		if err := json.Unmarshal(tools, &agg.AffectedTools); err != nil {
			return nil, fmt.Errorf("decode affected tools: %w", err)
		}
		agg.LastSeen = agg.LastSeen.UTC()
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error stats: %w", err)
	}
	return out, nil
}

const performanceSQL = `
	SELECT tool,
	       SUM(p50_response_time_ms * total_calls)
	         / NULLIF(SUM(total_calls) FILTER (WHERE p50_response_time_ms IS NOT NULL), 0)
	         AS p50_response_time_ms,
	       SUM(p95_response_time_ms * total_calls)
	         / NULLIF(SUM(total_calls) FILTER (WHERE p95_response_time_ms IS NOT NULL), 0)
	         AS p95_response_time_ms,
	       SUM(p99_response_time_ms * total_calls)
	         / NULLIF(SUM(total_calls) FILTER (WHERE p99_response_time_ms IS NOT NULL), 0)
	         AS p99_response_time_ms,
	       SUM(cache_hit_count)::double precision
	         / NULLIF(SUM(cache_hit_count + cache_miss_count), 0)
	         AS cache_hit_rate
	FROM daily_aggregations
	WHERE date >= $1::date AND date <= $2::date
	GROUP BY tool
	ORDER BY tool`

// ReadPerformance returns per-tool latency profiles. Always served from
// the daily table, the only rollup carrying p50 and p99; stored
// percentiles are recombined weighted by total_calls.
func (s *Store) ReadPerformance(ctx context.Context, from, to time.Time) ([]PerformanceAgg, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	defer s.observeRead("daily_aggregations")()

	var out []PerformanceAgg
	err := s.db.SelectContext(ctx, &out, performanceSQL,
		from.UTC().Format(dateLayout), to.UTC().Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("read performance: %w", err)
	}
	return out, nil
}

// observeRead counts a select and times it.
func (s *Store) observeRead(table string) func() {
	metrics.DatabaseQueries.WithLabelValues("select", table).Inc()
	timer := metrics.NewTimer()
	return func() {
		timer.ObserveDurationVec(metrics.DatabaseQueryDuration, "select", table)
	}
}
