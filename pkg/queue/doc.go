/*
Package queue provides the durable, bounded FIFO buffer between the
ingestion API and the batch worker.

The queue is a single Redis list. The API process appends validated,
serialized events at the tail; the worker drains batches from the head.
Because the list lives in Redis rather than process memory, accepted
events survive a restart of either side, and any number of API or worker
replicas can share one queue without coordination beyond Redis itself.

# Architecture

	┌────────────────── EVENT QUEUE ──────────────────┐
	│                                                  │
	│   API (producer)                                 │
	│     PushBatch ──► Lua script, atomic:            │
	│                     LLEN + n ≤ max → RPUSH all   │
	│                     otherwise      → reject      │
	│                          │                       │
	│                          ▼                       │
	│               Redis list (FIFO, bounded)         │
	│                          │                       │
	│     PopBatch  ◄── LPOP count=n                   │
	│   Worker (consumer)                              │
	│     Requeue   ──► LPUSH (head, order kept)       │
	│                                                  │
	└──────────────────────────────────────────────────┘

# Capacity

Admission is all-or-nothing per batch. The capacity check and the append
run inside one server-side Lua script, so two producers racing for the
last free slots cannot both succeed: Redis executes scripts serially and
the depth it reads is the depth the push sees. A rejected batch leaves no
partial residue and surfaces as ErrQueueFull, which the API maps to a
503 queue_full response with Retry-After.

Requeue deliberately skips the capacity check. Entries being requeued
were admitted once already; bouncing them at the head during a worker
retry or a shutdown drain would turn a transient database failure into
data loss. The queue may briefly exceed max size by at most one worker
batch in that case.

# Retries

Transient Redis errors are retried up to three times with a linear
backoff of 50ms times the attempt number, capped at two seconds.
ErrQueueFull and context cancellation are terminal and never retried.

# Usage

	client := queue.NewClient(cfg.Redis)
	q := queue.New(client, cfg.Queue)

	if err := q.PushBatch(ctx, entries); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			// 503 queue_full
		}
	}

	entries, err := q.PopBatch(ctx, cfg.Worker.BatchSize)

# Integration Points

This package integrates with:

  - pkg/api: PushBatch on the ingestion path, Depth and Ping for the
    status and health endpoints
  - pkg/worker: PopBatch on the drain loop, Requeue on insert failure
    and shutdown
  - pkg/metrics: queue_operations_total by op and the queue_depth gauge
  - cmd/pluvio: Depth and Clear behind the queue subcommands

# Design Notes

Entries are opaque bytes here. Serialization happens at the API after
validation and deserialization at the worker; the queue moves payloads
without looking inside, so schema changes never touch this package.

A Redis list was chosen over a stream: there is one consumer group,
no replay requirement, and the bounded-depth semantics fall naturally
out of LLEN. Overflow policy is reject-new rather than drop-old, which
keeps the worker's view strictly FIFO and makes back-pressure visible
to clients instead of silently discarding history.
*/
package queue
