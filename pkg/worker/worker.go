package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbuslabs/pluvio/pkg/aggregate"
	"github.com/nimbuslabs/pluvio/pkg/config"
	"github.com/nimbuslabs/pluvio/pkg/log"
	"github.com/nimbuslabs/pluvio/pkg/metrics"
	"github.com/nimbuslabs/pluvio/pkg/types"
)

// statsInterval is how often the loop logs its counters.
const statsInterval = 60 * time.Second

// EventQueue is the consumer side of the durable queue.
type EventQueue interface {
	PopBatch(ctx context.Context, n int) ([][]byte, error)
	Requeue(ctx context.Context, entries [][]byte) error
	Depth(ctx context.Context) (int64, error)
}

// EventStore is the persistence surface the worker writes through.
type EventStore interface {
	InsertEvents(ctx context.Context, events []types.Event) error
	UpsertHourly(ctx context.Context, rows []aggregate.HourlyRow) error
	UpsertDaily(ctx context.Context, rows []aggregate.DailyRow) error
	UpsertErrorSummaries(ctx context.Context, rows []aggregate.ErrorRow) error
}

// State is the loop's current phase, readable for logs and the stats
// reporter.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateProcessing
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateProcessing:
		return "processing"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Worker drains the event queue in batches: decode, insert raw events,
// merge aggregates. One goroutine owns the loop; all shared state is
// atomic counters.
type Worker struct {
	queue  EventQueue
	store  EventStore
	cfg    config.Worker
	grace  time.Duration
	logger zerolog.Logger

	state               atomic.Int32
	inFlight            atomic.Int64
	totalProcessed      atomic.Int64
	errorCount          atomic.Int64
	aggregateErrorCount atomic.Int64
	droppedCount        atomic.Int64
	lastProcessedAt     atomic.Int64 // unix nanos, 0 until first batch

	// now is replaceable in tests.
	now func() time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	statsCh  chan struct{}
	stopOnce sync.Once
}

// Snapshot is a point-in-time copy of the worker's counters.
type Snapshot struct {
	State               State
	InFlight            int64
	TotalProcessed      int64
	ErrorCount          int64
	AggregateErrorCount int64
	DroppedCount        int64
	LastProcessedAt     time.Time
}

// New creates a worker over the queue and store. grace bounds how long
// Stop waits for an in-flight batch.
func New(queue EventQueue, store EventStore, cfg config.Worker, grace time.Duration) *Worker {
	return &Worker{
		queue:   queue,
		store:   store,
		cfg:     cfg,
		grace:   grace,
		logger:  log.WithComponent("worker"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		statsCh: make(chan struct{}),
	}
}

// Start launches the drain loop and the stats reporter.
func (w *Worker) Start() {
	go w.run()
	go w.reportStats()
	w.logger.Info().
		Int("batch_size", w.cfg.BatchSize).
		Dur("poll_interval", w.cfg.PollInterval).
		Dur("insert_backoff", w.cfg.InsertBackoff).
		Msg("Worker started")
}

// Stop asks the loop to drain and waits up to the shutdown grace for the
// in-flight batch to finish. Entries popped but not yet persisted are
// pushed back to the queue by the loop before it exits.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.state.Store(int32(StateDraining))
		close(w.stopCh)
	})

	select {
	case <-w.doneCh:
		w.logger.Info().
			Int64("total_processed", w.totalProcessed.Load()).
			Msg("Worker drained")
	case <-time.After(w.grace):
		w.logger.Warn().
			Dur("grace", w.grace).
			Int64("in_flight", w.inFlight.Load()).
			Msg("Worker did not drain within the shutdown grace")
	}

	// The reporter exits as soon as it observes the closed stop channel.
	<-w.statsCh
}

// Stats returns a copy of the loop's counters.
func (w *Worker) Stats() Snapshot {
	var last time.Time
	if ns := w.lastProcessedAt.Load(); ns > 0 {
		last = time.Unix(0, ns).UTC()
	}
	return Snapshot{
		State:               State(w.state.Load()),
		InFlight:            w.inFlight.Load(),
		TotalProcessed:      w.totalProcessed.Load(),
		ErrorCount:          w.errorCount.Load(),
		AggregateErrorCount: w.aggregateErrorCount.Load(),
		DroppedCount:        w.droppedCount.Load(),
		LastProcessedAt:     last,
	}
}

// run is the supervised loop. A panicking iteration is logged and the
// loop restarts; only a stop request ends it.
func (w *Worker) run() {
	defer close(w.doneCh)
	defer w.state.Store(int32(StateStopped))

	for !w.stopping() {
		w.iterate()
	}
}

func (w *Worker) iterate() {
	defer func() {
		if r := recover(); r != nil {
			w.errorCount.Add(1)
			w.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Worker iteration panicked, restarting loop")
			w.sleep(w.cfg.PollInterval)
		}
	}()

	w.state.Store(int32(StatePolling))
	entries, err := w.queue.PopBatch(context.Background(), w.cfg.BatchSize)
	if err != nil {
		w.errorCount.Add(1)
		metrics.WorkerErrors.WithLabelValues(metrics.WorkerErrDequeue).Inc()
		w.logger.Error().Err(err).Msg("Dequeue failed")
		w.sleep(w.cfg.PollInterval)
		return
	}
	if len(entries) == 0 {
		w.state.Store(int32(StateIdle))
		w.sleep(w.cfg.PollInterval)
		return
	}

	// A stop can land between the pop and the insert. The batch has not
	// been touched yet, so push it back whole rather than racing the
	// shutdown grace.
	if w.stopping() {
		w.requeue(entries, "shutdown")
		return
	}

	w.process(entries)
}

// process decodes one popped batch, inserts the raw events, and merges
// the aggregates. Once the insert transaction starts the batch is
// uncancellable; shutdown waits for it instead of interrupting it.
func (w *Worker) process(entries [][]byte) {
	w.state.Store(int32(StateProcessing))
	w.inFlight.Store(int64(len(entries)))
	defer w.inFlight.Store(0)

	metrics.WorkerBatchSize.Observe(float64(len(entries)))

	events := w.decode(entries)
	if len(events) == 0 {
		return
	}

	ctx := context.Background()
	if err := w.store.InsertEvents(ctx, events); err != nil {
		w.errorCount.Add(1)
		metrics.WorkerErrors.WithLabelValues(metrics.WorkerErrInsert).Inc()
		metrics.EventsProcessed.WithLabelValues(metrics.ProcessedFailed).Add(float64(len(events)))
		w.logger.Error().Err(err).Int("events", len(events)).Msg("Batch insert failed, requeueing")
		w.requeue(entries, "insert failure")
		w.sleep(w.cfg.InsertBackoff)
		return
	}

	w.totalProcessed.Add(int64(len(events)))
	w.lastProcessedAt.Store(w.now().UnixNano())
	metrics.EventsProcessed.WithLabelValues(metrics.ProcessedOK).Add(float64(len(events)))

	// Aggregate failures are not requeued: the raw events are already
	// persisted and authoritative, and replaying the batch would double
	// every count. The rollups self-heal on a recount.
	rows := aggregate.Build(events, w.now().UTC())
	if err := w.applyAggregates(ctx, rows); err != nil {
		w.aggregateErrorCount.Add(1)
		metrics.WorkerErrors.WithLabelValues(metrics.WorkerErrAggregate).Inc()
		w.logger.Error().Err(err).Msg("Aggregate update failed, raw events kept")
	}
}

// decode unmarshals popped entries, dropping malformed ones with a
// warning. Anything in the queue passed API validation once, so a
// malformed entry means corruption, not client error; it must never
// wedge the loop.
func (w *Worker) decode(entries [][]byte) []types.Event {
	events := make([]types.Event, 0, len(entries))
	for _, raw := range entries {
		var e types.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			w.droppedCount.Add(1)
			metrics.EventsProcessed.WithLabelValues(metrics.ProcessedDropped).Inc()
			w.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("Dropped malformed queue entry")
			continue
		}
		events = append(events, e)
	}
	return events
}

func (w *Worker) applyAggregates(ctx context.Context, rows aggregate.Rows) error {
	if rows.Empty() {
		return nil
	}
	if err := w.store.UpsertHourly(ctx, rows.Hourly); err != nil {
		return fmt.Errorf("hourly: %w", err)
	}
	if err := w.store.UpsertDaily(ctx, rows.Daily); err != nil {
		return fmt.Errorf("daily: %w", err)
	}
	if err := w.store.UpsertErrorSummaries(ctx, rows.Errors); err != nil {
		return fmt.Errorf("error summary: %w", err)
	}
	return nil
}

// requeue pushes entries back to the head of the queue so a retry sees
// them first. Failure here is logged loudly: it is the one path where
// accepted events can be lost, and it requires Redis itself to be down.
func (w *Worker) requeue(entries [][]byte, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.queue.Requeue(ctx, entries); err != nil {
		w.errorCount.Add(1)
		w.logger.Error().Err(err).
			Int("entries", len(entries)).
			Str("reason", reason).
			Msg("Requeue failed, entries lost")
		return
	}
	w.logger.Info().Int("entries", len(entries)).Str("reason", reason).Msg("Batch requeued")
}

// reportStats logs the loop counters once a minute.
func (w *Worker) reportStats() {
	defer close(w.statsCh)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := w.Stats()
			depthCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			depth, err := w.queue.Depth(depthCtx)
			cancel()
			ev := w.logger.Info().
				Str("state", snap.State.String()).
				Int64("in_flight", snap.InFlight).
				Int64("total_processed", snap.TotalProcessed).
				Int64("errors", snap.ErrorCount).
				Int64("aggregate_errors", snap.AggregateErrorCount).
				Int64("dropped", snap.DroppedCount)
			if err == nil {
				ev = ev.Int64("queue_depth", depth)
			}
			ev.Msg("Worker stats")
		case <-w.stopCh:
			return
		}
	}
}

// sleep waits for d or for a stop request, whichever comes first.
func (w *Worker) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.stopCh:
	}
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}
