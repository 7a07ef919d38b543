package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nimbuslabs/pluvio/pkg/aggregate"
	"github.com/nimbuslabs/pluvio/pkg/metrics"
)

// Merge rules, shared by all three upserts:
//   - counts add
//   - averages merge weighted by the existing row's total_calls and the
//     batch's sample count ($n params carry the batch sum and count)
//   - percentiles are replaced by the batch recomputation
//   - min/max and first/last seen merge with LEAST/GREATEST
//   - rates are recomputed post-merge from the merged counters where
//     counters exist (daily), otherwise merged weighted by total_calls
//     (hourly, documented approximation)

const upsertHourlySQL = `
	INSERT INTO hourly_aggregations (
		hour, tool, version, total_calls, success_calls, error_calls,
		avg_response_time_ms, p95_response_time_ms, cache_hit_rate, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
	ON CONFLICT (hour, tool, version) DO UPDATE SET
		total_calls   = hourly_aggregations.total_calls + EXCLUDED.total_calls,
		success_calls = hourly_aggregations.success_calls + EXCLUDED.success_calls,
		error_calls   = hourly_aggregations.error_calls + EXCLUDED.error_calls,
		avg_response_time_ms = CASE
			WHEN $10::bigint = 0 THEN hourly_aggregations.avg_response_time_ms
			WHEN hourly_aggregations.avg_response_time_ms IS NULL
				THEN $11::double precision / $10
			ELSE (hourly_aggregations.avg_response_time_ms * hourly_aggregations.total_calls + $11)
				/ (hourly_aggregations.total_calls + $10)
		END,
		p95_response_time_ms = COALESCE(EXCLUDED.p95_response_time_ms, hourly_aggregations.p95_response_time_ms),
		cache_hit_rate = CASE
			WHEN EXCLUDED.cache_hit_rate IS NULL THEN hourly_aggregations.cache_hit_rate
			WHEN hourly_aggregations.cache_hit_rate IS NULL THEN EXCLUDED.cache_hit_rate
			ELSE (hourly_aggregations.cache_hit_rate * hourly_aggregations.total_calls
				+ EXCLUDED.cache_hit_rate * EXCLUDED.total_calls)
				/ (hourly_aggregations.total_calls + EXCLUDED.total_calls)
		END,
		updated_at = now()`

// UpsertHourly merges one batch's hourly rows into the rollup table.
// Rows arrive pre-sorted by key from the aggregator, so concurrent
// workers lock rows in the same order.
func (s *Store) UpsertHourly(ctx context.Context, rows []aggregate.HourlyRow) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DatabaseQueryDuration, "upsert", "hourly_aggregations")
	metrics.DatabaseQueries.WithLabelValues("upsert", "hourly_aggregations").Inc()

	return s.inTx(ctx, "hourly upsert", func(tx *sqlx.Tx) error {
		for i := range rows {
			r := &rows[i]
			_, err := tx.ExecContext(ctx, upsertHourlySQL,
				r.Hour, r.Tool, r.Version,
				r.TotalCalls, r.SuccessCalls, r.ErrorCalls,
				nullFloat(r.AvgResponseMs()), nullFloat(r.P95), nullFloat(r.CacheHitRate()),
				r.ResponseCount, r.ResponseSum,
			)
			if err != nil {
				return fmt.Errorf("upsert hourly row (%s, %s, %s): %w",
					r.Hour.Format("2006-01-02T15"), r.Tool, r.Version, err)
			}
		}
		return nil
	})
}

const upsertDailySQL = `
	INSERT INTO daily_aggregations (
		date, tool, version, country,
		total_calls, success_calls, error_calls,
		avg_response_time_ms, p50_response_time_ms, p95_response_time_ms, p99_response_time_ms,
		min_response_time_ms, max_response_time_ms,
		cache_hit_count, cache_miss_count, cache_hit_rate,
		noaa_calls, openmeteo_calls, total_retries, avg_retry_count, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, now())
	ON CONFLICT (date, tool, version, country) DO UPDATE SET
		total_calls   = daily_aggregations.total_calls + EXCLUDED.total_calls,
		success_calls = daily_aggregations.success_calls + EXCLUDED.success_calls,
		error_calls   = daily_aggregations.error_calls + EXCLUDED.error_calls,
		avg_response_time_ms = CASE
			WHEN $21::bigint = 0 THEN daily_aggregations.avg_response_time_ms
			WHEN daily_aggregations.avg_response_time_ms IS NULL
				THEN $22::double precision / $21
			ELSE (daily_aggregations.avg_response_time_ms * daily_aggregations.total_calls + $22)
				/ (daily_aggregations.total_calls + $21)
		END,
		p50_response_time_ms = COALESCE(EXCLUDED.p50_response_time_ms, daily_aggregations.p50_response_time_ms),
		p95_response_time_ms = COALESCE(EXCLUDED.p95_response_time_ms, daily_aggregations.p95_response_time_ms),
		p99_response_time_ms = COALESCE(EXCLUDED.p99_response_time_ms, daily_aggregations.p99_response_time_ms),
		min_response_time_ms = LEAST(daily_aggregations.min_response_time_ms, EXCLUDED.min_response_time_ms),
		max_response_time_ms = GREATEST(daily_aggregations.max_response_time_ms, EXCLUDED.max_response_time_ms),
		cache_hit_count  = daily_aggregations.cache_hit_count + EXCLUDED.cache_hit_count,
		cache_miss_count = daily_aggregations.cache_miss_count + EXCLUDED.cache_miss_count,
		cache_hit_rate = CASE
			WHEN daily_aggregations.cache_hit_count + EXCLUDED.cache_hit_count
				+ daily_aggregations.cache_miss_count + EXCLUDED.cache_miss_count > 0
			THEN (daily_aggregations.cache_hit_count + EXCLUDED.cache_hit_count)::double precision
				/ (daily_aggregations.cache_hit_count + EXCLUDED.cache_hit_count
					+ daily_aggregations.cache_miss_count + EXCLUDED.cache_miss_count)
			ELSE NULL
		END,
		noaa_calls      = daily_aggregations.noaa_calls + EXCLUDED.noaa_calls,
		openmeteo_calls = daily_aggregations.openmeteo_calls + EXCLUDED.openmeteo_calls,
		total_retries   = daily_aggregations.total_retries + EXCLUDED.total_retries,
		avg_retry_count = CASE
			WHEN daily_aggregations.total_calls + EXCLUDED.total_calls > 0
			THEN (daily_aggregations.total_retries + EXCLUDED.total_retries)::double precision
				/ (daily_aggregations.total_calls + EXCLUDED.total_calls)
			ELSE NULL
		END,
		updated_at = now()`

// UpsertDaily merges one batch's daily rows into the rollup table.
func (s *Store) UpsertDaily(ctx context.Context, rows []aggregate.DailyRow) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DatabaseQueryDuration, "upsert", "daily_aggregations")
	metrics.DatabaseQueries.WithLabelValues("upsert", "daily_aggregations").Inc()

	return s.inTx(ctx, "daily upsert", func(tx *sqlx.Tx) error {
		for i := range rows {
			r := &rows[i]
			_, err := tx.ExecContext(ctx, upsertDailySQL,
				r.Date, r.Tool, r.Version, r.Country,
				r.TotalCalls, r.SuccessCalls, r.ErrorCalls,
				nullFloat(r.AvgResponseMs()), nullFloat(r.P50), nullFloat(r.P95), nullFloat(r.P99),
				nullInt(r.MinResponseMs), nullInt(r.MaxResponseMs),
				r.CacheHits, r.CacheMisses, nullFloat(r.CacheHitRate()),
				r.NoaaCalls, r.OpenMeteoCalls, r.TotalRetries, nullFloat(r.AvgRetry()),
				r.ResponseCount, r.ResponseSum,
			)
			if err != nil {
				return fmt.Errorf("upsert daily row (%s, %s, %s, %q): %w",
					r.Date.Format("2006-01-02"), r.Tool, r.Version, r.Country, err)
			}
		}
		return nil
	})
}

const upsertErrorSummarySQL = `
	INSERT INTO error_summary (
		hour, tool, error_type, count, first_seen, last_seen, affected_versions, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		ARRAY(SELECT jsonb_array_elements_text($7::jsonb) ORDER BY 1), now()
	)
	ON CONFLICT (hour, tool, error_type) DO UPDATE SET
		count      = error_summary.count + EXCLUDED.count,
		first_seen = LEAST(error_summary.first_seen, EXCLUDED.first_seen),
		last_seen  = GREATEST(error_summary.last_seen, EXCLUDED.last_seen),
		affected_versions = ARRAY(
			SELECT DISTINCT v
			FROM unnest(error_summary.affected_versions || EXCLUDED.affected_versions) AS v
			ORDER BY v
		),
		updated_at = now()`

// UpsertErrorSummaries merges one batch's error rows into the summary
// table. Affected versions travel as a JSON array and land as an
// ordered text[] set.
func (s *Store) UpsertErrorSummaries(ctx context.Context, rows []aggregate.ErrorRow) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DatabaseQueryDuration, "upsert", "error_summary")
	metrics.DatabaseQueries.WithLabelValues("upsert", "error_summary").Inc()

	return s.inTx(ctx, "error summary upsert", func(tx *sqlx.Tx) error {
		for i := range rows {
			r := &rows[i]
			set := r.Versions
			if set == nil {
				set = []string{}
			}
			versions, err := json.Marshal(set)
			if err != nil {
				return fmt.Errorf("encode affected versions: %w", err)
			}
			_, err = tx.ExecContext(ctx, upsertErrorSummarySQL,
				r.Hour, r.Tool, r.ErrorType,
				r.Count, r.FirstSeen, r.LastSeen, string(versions),
			)
			if err != nil {
				return fmt.Errorf("upsert error summary (%s, %s, %s): %w",
					r.Hour.Format("2006-01-02T15"), r.Tool, r.ErrorType, err)
			}
		}
		return nil
	})
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, what string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s transaction: %w", what, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", what, err)
	}
	return nil
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
