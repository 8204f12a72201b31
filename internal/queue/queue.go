package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"cycle-logger/internal/record"
)

// DefaultCapacity holds ten seconds of records at 200 Hz.
const DefaultCapacity = 2000

// Queue is a fixed-capacity FIFO of records between one producer and one
// consumer. Pushing never blocks; a full queue drops the new record.
type Queue struct {
	ch      chan record.Record
	pushed  atomic.Uint64
	dropped atomic.Uint64
}

func New(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue: capacity must be positive, got %d", capacity)
	}
	return &Queue{ch: make(chan record.Record, capacity)}, nil
}

// TryPush enqueues r if there is room and reports whether it did.
func (q *Queue) TryPush(r record.Record) bool {
	select {
	case q.ch <- r:
		q.pushed.Add(1)
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Pop waits up to timeout for a record. ok is false on timeout or when ctx
// is done.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (r record.Record, ok bool) {
	select {
	case r = <-q.ch:
		return r, true
	default:
	}
	if timeout <= 0 {
		return r, false
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r = <-q.ch:
		return r, true
	case <-t.C:
		return r, false
	case <-ctx.Done():
		return r, false
	}
}

// TryPop dequeues a record without waiting.
func (q *Queue) TryPop() (r record.Record, ok bool) {
	select {
	case r = <-q.ch:
		return r, true
	default:
		return r, false
	}
}

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Cap() int { return cap(q.ch) }

// Pushed counts successful enqueues.
func (q *Queue) Pushed() uint64 { return q.pushed.Load() }

// Dropped counts records refused because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
