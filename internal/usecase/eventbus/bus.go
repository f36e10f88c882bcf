// Package eventbus provides the in-process fan-out bus that decouples the
// conversation engine from its observers: the gateway event stream, the
// broker notifier, and the follow-up sweeps all subscribe here.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"leadflow/internal/domain"
)

// allEvents is the bucket for subscribers that receive every event.
const allEvents = domain.EventType("")

type subscriber struct {
	id uint64
	fn domain.EventHandler
}

// Bus is a goroutine-safe in-process event bus. Every handler runs on its
// own goroutine, so a slow subscriber never delays the publisher or the
// conversation path. Panicking handlers are recovered and logged.
type Bus struct {
	mu     sync.RWMutex
	subs   map[domain.EventType][]subscriber
	nextID atomic.Uint64
	wg     sync.WaitGroup
	closed atomic.Bool
	logger *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[domain.EventType][]subscriber),
		logger: logger,
	}
}

// Publish fans out an event to its typed subscribers and to all-event
// subscribers. Publish never blocks on handlers and is a no-op after Close.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.subs[event.Type])+len(b.subs[allEvents]))
	targets = append(targets, b.subs[event.Type]...)
	targets = append(targets, b.subs[allEvents]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		b.dispatch(ctx, event, sub.fn)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, fn domain.EventHandler) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"panic", r,
				)
			}
		}()
		fn(ctx, event)
	}()
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event and returns
// its unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(allEvents, handler)
}

func (b *Bus) add(bucket domain.EventType, handler domain.EventHandler) func() {
	sub := subscriber{id: b.nextID.Add(1), fn: handler}

	b.mu.Lock()
	b.subs[bucket] = append(b.subs[bucket], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[bucket]
		for i, s := range subs {
			if s.id == sub.id {
				b.subs[bucket] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Close prevents new publishes and waits for in-flight handlers to finish.
// It is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
