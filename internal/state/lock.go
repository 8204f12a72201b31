package state

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// TimedMutex is a mutual-exclusion lock whose acquire gives up after a
// bounded wait. The zero value is not usable; use NewTimedMutex.
type TimedMutex struct {
	sem *semaphore.Weighted
}

func NewTimedMutex() *TimedMutex {
	return &TimedMutex{sem: semaphore.NewWeighted(1)}
}

// Lock acquires m, waiting at most timeout. It reports whether the lock is
// now held. A non-positive timeout only tries once.
func (m *TimedMutex) Lock(timeout time.Duration) bool {
	if m.sem.TryAcquire(1) {
		return true
	}
	if timeout <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.sem.Acquire(ctx, 1) == nil
}

// LockContext acquires m or fails when ctx is done.
func (m *TimedMutex) LockContext(ctx context.Context) error {
	return m.sem.Acquire(ctx, 1)
}

func (m *TimedMutex) Unlock() {
	m.sem.Release(1)
}

// Guarded holds the latest value of T behind a TimedMutex. Values are
// copied in and out whole so readers never observe a partial update.
type Guarded[T any] struct {
	mu  *TimedMutex
	val T
}

func NewGuarded[T any](initial T) *Guarded[T] {
	return &Guarded[T]{mu: NewTimedMutex(), val: initial}
}

// Load returns a copy of the current value. ok is false when the lock
// could not be taken in time; v is then the zero value.
func (g *Guarded[T]) Load(timeout time.Duration) (v T, ok bool) {
	if !g.mu.Lock(timeout) {
		return v, false
	}
	v = g.val
	g.mu.Unlock()
	return v, true
}

// Store replaces the current value.
func (g *Guarded[T]) Store(v T, timeout time.Duration) bool {
	if !g.mu.Lock(timeout) {
		return false
	}
	g.val = v
	g.mu.Unlock()
	return true
}

// Update runs fn on a copy of the value and stores the result, all under
// the lock. fn must not retain the pointer.
func (g *Guarded[T]) Update(timeout time.Duration, fn func(*T)) bool {
	if !g.mu.Lock(timeout) {
		return false
	}
	v := g.val
	fn(&v)
	g.val = v
	g.mu.Unlock()
	return true
}
