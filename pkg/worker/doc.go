/*
Package worker drains the event queue in batches and writes them through
the store: raw inserts first, aggregate merges second.

One goroutine owns the loop. Handlers never touch Postgres and the
worker never touches HTTP; the queue is the only coupling between the
two halves of the service, so either side can restart or scale without
the other noticing.

# Architecture

	┌───────────────────── WORKER LOOP ─────────────────────┐
	│                                                        │
	│   PopBatch(batchSize)                                  │
	│        │                                               │
	│        ├── empty ──► sleep pollInterval ──► repeat     │
	│        │                                               │
	│        ├── stop seen after pop ──► Requeue (no loss)   │
	│        │                                               │
	│        ▼                                               │
	│   decode entries (malformed dropped + counted)         │
	│        ▼                                               │
	│   InsertEvents ── fail ──► Requeue + backoff           │
	│        ▼                                               │
	│   aggregate.Build ──► UpsertHourly/Daily/Errors        │
	│        (failure logged + counted, never requeued)      │
	│                                                        │
	└────────────────────────────────────────────────────────┘

# States

The loop moves Idle → Polling → Processing as work arrives; Draining and
Stopped are set by shutdown. State is a single atomic read for the stats
reporter, never a lock.

# Failure Policy

The two write phases fail differently on purpose:

  - Raw insert failure requeues the whole batch and backs off. The
    insert is one transaction, so a requeue cannot create partial
    duplicates, and raw events are the authoritative record.
  - Aggregate failure is logged and counted but the batch is not
    requeued. The raw rows are already persisted; replaying the batch
    would double every aggregate count. Rollups are rebuildable from
    raw events.

A panic in an iteration is recovered, logged with its stack, and the
loop restarts. Malformed queue entries (possible only through
corruption, since everything queued passed validation) are dropped and
counted rather than wedging the loop.

# Shutdown

Stop closes the stop channel and waits up to the shutdown grace. A
batch popped but not yet inserted is pushed back whole; a batch mid-
insert finishes, because the insert context is never cancelled. The
grace is dimensioned so one batch insert always fits inside it.

# Observability

Counters (in-flight, total processed, errors, aggregate errors,
dropped) are atomics surfaced three ways: the Stats snapshot, a stats
log line every minute, and the worker_* Prometheus series.

# Integration Points

This package integrates with:

  - pkg/queue: PopBatch, Requeue, Depth through the EventQueue interface
  - pkg/store: InsertEvents and the three upserts through EventStore
  - pkg/aggregate: Build between the two write phases
  - pkg/metrics: events_processed_total, worker_batch_size,
    worker_errors_total
  - cmd/pluvio: serve and worker commands own the lifecycle
*/
package worker
