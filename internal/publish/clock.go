package publish

import "sync/atomic"

// Clock is the monotonic logical clock that stamps event sequence numbers.
//
// Every published event gets a strictly increasing seq from this clock,
// which defines creation order for replay without wall-clock races. The
// runtime resumes the clock from the event store's highest stored seq on
// startup, so sequence numbers stay unique across restarts.
//
// Thread-safety: safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming from a known position.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and advances the clock.
// Each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the clock's position without advancing it.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
