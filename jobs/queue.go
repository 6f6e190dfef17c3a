package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/docfold/docfold/errors"
)

// QueuedExecution pairs a job config with the PENDING execution dispatched
// for it. The config is the registry's authoritative copy at dispatch time.
type QueuedExecution struct {
	Config    *JobConfig
	Execution *JobExecution
}

// Queue is the bounded in-memory FIFO the scheduler loop and manual triggers
// feed and the worker pool drains. Capacity is fixed at construction.
//
// Two producer disciplines exist: TryEnqueue drops on a full queue (scheduler
// loop - a missed dispatch is logged, not an error), Enqueue blocks until
// space is available (manual execution - acceptable since caller-initiated).
type Queue struct {
	ch       chan *QueuedExecution
	enqueued atomic.Int64
	dropped  atomic.Int64
}

// NewQueue creates a queue with the given capacity
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan *QueuedExecution, capacity),
	}
}

// TryEnqueue adds an item without blocking.
// Returns ErrQueueFull when the queue is at capacity.
func (q *Queue) TryEnqueue(item *QueuedExecution) error {
	select {
	case q.ch <- item:
		q.enqueued.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		return errors.Wrapf(errors.ErrQueueFull, "job %q dispatch dropped", item.Config.JobID)
	}
}

// Enqueue adds an item, blocking until space is available or ctx is done
func (q *Queue) Enqueue(ctx context.Context, item *QueuedExecution) error {
	select {
	case q.ch <- item:
		q.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "enqueue cancelled")
	}
}

// Dequeue pops the next item, waiting at most pollTimeout so callers stay
// responsive to shutdown. Returns (nil, false) when nothing arrived in time
// or ctx is done.
func (q *Queue) Dequeue(ctx context.Context, pollTimeout time.Duration) (*QueuedExecution, bool) {
	timer := time.NewTimer(pollTimeout)
	defer timer.Stop()

	select {
	case item := <-q.ch:
		return item, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Len returns the number of queued items
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Stats is a point-in-time snapshot of queue counters
type Stats struct {
	Queued   int   `json:"queued"`
	Capacity int   `json:"capacity"`
	Enqueued int64 `json:"enqueued"`
	Dropped  int64 `json:"dropped"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats() Stats {
	return Stats{
		Queued:   len(q.ch),
		Capacity: cap(q.ch),
		Enqueued: q.enqueued.Load(),
		Dropped:  q.dropped.Load(),
	}
}
