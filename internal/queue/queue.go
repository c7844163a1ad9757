// Package queue is the bounded, cancellable work queue between the
// orchestrator and the worker pool.
package queue

import (
	"context"
	"errors"

	"github.com/kopilin/inboxsink/internal/batch"
)

// ErrClosed names the error for a closed queue. Queue has no close
// operation, so none of its methods return it; Push, PushPoisonPill and
// Pop report cancellation as ctx.Err().
var ErrClosed = errors.New("queue: closed")

// item is either a real batch or a poison pill.
type item struct {
	batch  batch.Batch
	poison bool
}

// Queue is a bounded FIFO of batches, implemented over a buffered channel:
// producers block on insertion when full, consumers block on removal when
// empty, and both respect context cancellation.
type Queue struct {
	ch chan item
}

// New returns a Queue with the given capacity.
func New(capacity int) *Queue {
	return &Queue{ch: make(chan item, capacity)}
}

// Len reports the number of batches currently queued. It is a snapshot;
// the orchestrator uses it to compute remaining capacity each poll cycle.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue's configured capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Push enqueues a batch, blocking until there is room or ctx is canceled.
func (q *Queue) Push(ctx context.Context, b batch.Batch) error {
	select {
	case q.ch <- item{batch: b}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushPoisonPill enqueues one termination sentinel, blocking until there
// is room or ctx is canceled. Call this WorkerCount times to stop every
// consumer with exactly one pill each.
func (q *Queue) PushPoisonPill(ctx context.Context) error {
	select {
	case q.ch <- item{poison: true}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the next batch, blocking until one is available or ctx is
// canceled. ok is false when a poison pill was received (the worker
// should exit) or the queue channel was closed.
func (q *Queue) Pop(ctx context.Context) (b batch.Batch, ok bool, err error) {
	select {
	case it, open := <-q.ch:
		if !open {
			return batch.Batch{}, false, nil
		}
		if it.poison {
			return batch.Batch{}, false, nil
		}
		return it.batch, true, nil
	case <-ctx.Done():
		return batch.Batch{}, false, ctx.Err()
	}
}
