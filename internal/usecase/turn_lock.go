package usecase

import (
	"context"
	"fmt"
	"sync"
)

// leadLocker serializes turn processing per lead. Concurrent messages for
// the same lead queue behind each other so history and state writes never
// interleave; different leads proceed in parallel.
type leadLocker struct {
	mu    sync.Mutex
	gates map[string]*leadGate
}

type leadGate struct {
	sem  chan struct{} // capacity 1
	refs int
}

func newLeadLocker() *leadLocker {
	return &leadLocker{gates: make(map[string]*leadGate)}
}

// acquire blocks until the lead's gate is free or ctx ends. The returned
// release must be called exactly once.
func (l *leadLocker) acquire(ctx context.Context, leadID string) (release func(), err error) {
	l.mu.Lock()
	g, ok := l.gates[leadID]
	if !ok {
		g = &leadGate{sem: make(chan struct{}, 1)}
		l.gates[leadID] = g
	}
	g.refs++
	l.mu.Unlock()

	select {
	case g.sem <- struct{}{}:
		return func() {
			<-g.sem
			l.drop(leadID, g)
		}, nil
	case <-ctx.Done():
		l.drop(leadID, g)
		return nil, fmt.Errorf("lead %s turn lock: %w", leadID, ctx.Err())
	}
}

// drop decrements the gate's waiter count and removes it once idle, keeping
// the map from growing with every lead ever seen.
func (l *leadLocker) drop(leadID string, g *leadGate) {
	l.mu.Lock()
	g.refs--
	if g.refs == 0 {
		delete(l.gates, leadID)
	}
	l.mu.Unlock()
}

func (l *leadLocker) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.gates)
}
