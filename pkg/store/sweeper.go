package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbuslabs/pluvio/pkg/config"
	"github.com/nimbuslabs/pluvio/pkg/log"
	"github.com/nimbuslabs/pluvio/pkg/metrics"
)

const (
	// sweepInterval is how often retention is enforced.
	sweepInterval = time.Hour

	// sweepBatch bounds one DELETE so a large backlog cannot hold
	// locks or bloat WAL in a single statement.
	sweepBatch = 5000
)

// Sweeper deletes rows past their retention horizon. It is the portable
// fallback: when the TimescaleDB extension is installed the migrations
// register native retention policies and the sweeper stands down.
type Sweeper struct {
	store     *Store
	retention config.Retention
	logger    zerolog.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewSweeper creates a retention sweeper over the store.
func NewSweeper(store *Store, retention config.Retention) *Sweeper {
	return &Sweeper{
		store:     store,
		retention: retention,
		logger:    log.WithComponent("sweeper"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs immediately,
// then once per interval.
func (s *Sweeper) Start() {
	go s.run()
	s.logger.Info().Dur("interval", sweepInterval).Msg("Retention sweeper started")
}

// Stop terminates the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	s.sweep()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// tables maps each retained table to its age column. Every cutoff
// compares against the row's own time key, matching the column the
// TimescaleDB policies partition on. dateCol marks DATE columns,
// compared against a calendar date rather than an instant.
var retained = []struct {
	table   string
	column  string
	dateCol bool
}{
	{"events", "timestamp_hour", false},
	{"hourly_aggregations", "hour", false},
	{"daily_aggregations", "date", true},
	{"error_summary", "hour", false},
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	managed, err := s.store.hasTimescale(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Retention sweep skipped, extension check failed")
		return
	}
	if managed {
		s.logger.Debug().Msg("Retention delegated to TimescaleDB policies")
		return
	}

	now := time.Now().UTC()
	horizons := map[string]time.Time{
		"events":              now.Add(-s.retention.RawEvents),
		"hourly_aggregations": now.Add(-s.retention.Hourly),
		"daily_aggregations":  now.Add(-s.retention.Daily),
		"error_summary":       now.Add(-s.retention.ErrorSummary),
	}

	for _, t := range retained {
		select {
		case <-s.stopCh:
			return
		default:
		}

		deleted, err := s.store.deleteOlderThan(ctx, t.table, t.column, t.dateCol, horizons[t.table])
		if err != nil {
			s.logger.Error().Err(err).Str("table", t.table).Msg("Retention sweep failed")
			continue
		}
		if deleted > 0 {
			s.logger.Info().Str("table", t.table).Int64("deleted", deleted).
				Time("cutoff", horizons[t.table]).Msg("Expired rows removed")
		}
	}
}

// hasTimescale reports whether the TimescaleDB extension is installed.
func (s *Store) hasTimescale(ctx context.Context) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM pg_extension WHERE extname = 'timescaledb'`)
	if err != nil {
		return false, fmt.Errorf("check timescaledb extension: %w", err)
	}
	return n > 0, nil
}

// deleteOlderThan removes rows whose age column is before the cutoff,
// in bounded batches until none remain.
func (s *Store) deleteOlderThan(ctx context.Context, table, column string, dateCol bool, cutoff time.Time) (int64, error) {
	// table and column come from the fixed retained list above, never
	// from input.
	pred := fmt.Sprintf("%s < $1", column)
	var arg any = cutoff
	if dateCol {
		pred = fmt.Sprintf("%s < $1::date", column)
		arg = cutoff.UTC().Format(dateLayout)
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE ctid IN (
		SELECT ctid FROM %s WHERE %s LIMIT $2)`, table, table, pred)

	var total int64
	for {
		stmtCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		res, err := s.db.ExecContext(stmtCtx, q, arg, sweepBatch)
		cancel()
		if err != nil {
			return total, fmt.Errorf("delete expired rows from %s: %w", table, err)
		}
		metrics.DatabaseQueries.WithLabelValues("delete", table).Inc()

		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("count deleted rows from %s: %w", table, err)
		}
		total += n
		if n < sweepBatch {
			return total, nil
		}
	}
}
