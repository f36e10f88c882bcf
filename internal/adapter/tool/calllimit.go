package tool

import (
	"sync"
	"time"
)

// CallLimiter caps how many calls a single MCP server receives inside a
// sliding window. The bridge gives every connected server its own limiter,
// so a model stuck retrying one tool burns that server's budget and
// nothing else.
//
// The limiter keeps the timestamps of the most recent max calls in a ring.
// A call passes when the ring has a free slot or when its oldest entry has
// already left the window.
type CallLimiter struct {
	mu    sync.Mutex
	max   int
	span  time.Duration
	ring  []time.Time
	head  int // oldest occupied slot
	used  int
	clock func() time.Time
}

// NewCallLimiter allows at most max calls per span. A max of zero or less
// blocks every call.
func NewCallLimiter(max int, span time.Duration) *CallLimiter {
	l := &CallLimiter{max: max, span: span, clock: time.Now}
	if max > 0 {
		l.ring = make([]time.Time, max)
	}
	return l
}

// Allow reports whether another call may go out now, recording it if so.
func (l *CallLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max <= 0 {
		return false
	}

	now := l.clock()
	if l.used < l.max {
		l.ring[(l.head+l.used)%l.max] = now
		l.used++
		return true
	}

	// Ring full: the oldest call governs. If it is still inside the
	// window, so are the max-1 calls after it.
	if now.Sub(l.ring[l.head]) < l.span {
		return false
	}

	l.ring[l.head] = now
	l.head = (l.head + 1) % l.max
	return true
}

// Reset forgets all recorded calls.
func (l *CallLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = 0
	l.used = 0
}
