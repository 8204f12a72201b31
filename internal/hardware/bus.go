package hardware

import (
	"sync"
	"time"

	"cycle-logger/internal/state"
)

// SharedBus hands out the one peripheral bus with a bounded wait.
type SharedBus struct {
	mu *state.TimedMutex
}

func NewBus() *SharedBus {
	return &SharedBus{mu: state.NewTimedMutex()}
}

func (b *SharedBus) Acquire(timeout time.Duration) (func(), error) {
	if !b.mu.Lock(timeout) {
		return nil, ErrBusTimeout
	}
	var once sync.Once
	return func() { once.Do(b.mu.Unlock) }, nil
}
