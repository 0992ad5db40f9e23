// Package clock provides a lock-free monotonic counter used to hand out
// gapless local sequence numbers.
package clock

import "sync/atomic"

// AtomicClock is a monotonic counter safe for concurrent use.
type AtomicClock struct {
	atomic.Uint64
}

// NewAtomic creates a counter starting at init; the next Next() call
// returns init+1.
func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

// Val returns the current value without advancing it.
func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

// Next atomically advances the counter and returns the new value.
func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

// Set overwrites the counter's value.
func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}
