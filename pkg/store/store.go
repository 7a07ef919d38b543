package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/nimbuslabs/pluvio/pkg/config"
	"github.com/nimbuslabs/pluvio/pkg/log"
	"github.com/nimbuslabs/pluvio/pkg/metrics"
	"github.com/nimbuslabs/pluvio/pkg/types"
)

// Store is the gateway to the time-series schema. All SQL in the
// service lives in this package; every statement is parameterized and
// runs under a context deadline.
type Store struct {
	db           *sqlx.DB
	logger       zerolog.Logger
	queryTimeout time.Duration

	// lastWaitCount holds the pool wait counter at the previous
	// PoolStats call; the gauge reports the delta.
	lastWaitCount atomic.Int64
}

// Open connects to Postgres through the pgx stdlib driver and verifies
// the connection. The pool is bounded by the configured size; idle
// connections are recycled after the idle timeout.
func Open(cfg config.Database) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.PoolSize)
	idle := cfg.PoolSize / 2
	if idle < 2 {
		idle = 2
	}
	db.SetMaxIdleConns(idle)
	db.SetConnMaxIdleTime(cfg.IdleTimeout)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{
		db:           db,
		logger:       log.WithComponent("store"),
		queryTimeout: cfg.StatementTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verify database connection: %w", err)
	}

	s.logger.Info().Str("host", cfg.Host).Int("port", cfg.Port).
		Str("database", cfg.Name).Int("pool_size", cfg.PoolSize).
		Msg("Database connection established")
	return s, nil
}

// NewWithDB wraps an existing connection. Tests use it to inject mocks.
func NewWithDB(db *sql.DB, queryTimeout time.Duration) *Store {
	return &Store{
		db:           sqlx.NewDb(db, "pgx"),
		logger:       log.WithComponent("store"),
		queryTimeout: queryTimeout,
	}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	return nil
}

// PoolStats snapshots connection pool occupancy for the gauges.
// database/sql only exposes a cumulative wait counter, so Waiting is
// the number of waits since the previous snapshot: sampled on a fixed
// interval it reads as contention pressure.
func (s *Store) PoolStats() metrics.PoolStats {
	st := s.db.Stats()
	prev := s.lastWaitCount.Swap(st.WaitCount)
	return metrics.PoolStats{
		Total:   st.OpenConnections,
		Idle:    st.Idle,
		Waiting: int(st.WaitCount - prev),
	}
}

const insertEventSQL = `
	INSERT INTO events (
		analytics_level, version, tool, status, timestamp_hour,
		response_time_ms, service, cache_hit, retry_count, country,
		error_type, parameters, session_id, sequence_number
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

// InsertEvents persists a batch of raw events in one transaction.
// All-or-nothing: any failure rolls the whole batch back so the worker
// can re-queue it without creating partial duplicates.
func (s *Store) InsertEvents(ctx context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DatabaseQueryDuration, "insert", "events")
	metrics.DatabaseQueries.WithLabelValues("insert", "events").Inc()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		e := &events[i]
		params, err := marshalParameters(e.Parameters)
		if err != nil {
			return fmt.Errorf("encode parameters of event %d: %w", i, err)
		}
		_, err = stmt.ExecContext(ctx,
			string(e.AnalyticsLevel),
			e.Version,
			e.Tool,
			string(e.Status),
			e.TimestampHour,
			nullInt(e.ResponseTimeMs),
			nullService(e.Service),
			nullBool(e.CacheHit),
			nullInt(e.RetryCount),
			nullString(e.Country),
			nullString(e.ErrorType),
			params,
			nullString(e.SessionID),
			nullInt(e.SequenceNumber),
		)
		if err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event batch: %w", err)
	}
	return nil
}

// EventsSince counts raw events received at or after the given instant.
func (s *Store) EventsSince(ctx context.Context, since time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	metrics.DatabaseQueries.WithLabelValues("select", "events").Inc()

	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE received_at >= $1`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events since %s: %w", since.Format(time.RFC3339), err)
	}
	return n, nil
}

// LastEventAt returns the received_at of the newest raw event, or a
// zero time when the table is empty.
func (s *Store) LastEventAt(ctx context.Context) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	metrics.DatabaseQueries.WithLabelValues("select", "events").Inc()

	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT MAX(received_at) FROM events`).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("read last event time: %w", err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time.UTC(), nil
}

// marshalParameters renders the free-form parameters map as JSON text
// for the jsonb column, nil when absent.
func marshalParameters(params map[string]any) (any, error) {
	if params == nil {
		return nil, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// nullable helpers keep driver arguments explicit: nil pointer becomes
// SQL NULL, anything else the dereferenced value.

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullBool(p *bool) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullService(p *types.UpstreamService) any {
	if p == nil {
		return nil
	}
	return string(*p)
}
