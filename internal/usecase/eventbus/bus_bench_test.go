package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"leadflow/internal/domain"
)

func benchLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func benchEvent() domain.Event {
	return domain.Event{
		Type:      domain.EventTurnCompleted,
		Timestamp: time.Now(),
		LeadID:    "bench-lead",
		BrokerID:  "bench-broker",
	}
}

// BenchmarkPublish measures the hot path: one typed subscriber, no payload.
func BenchmarkPublish(b *testing.B) {
	bus := New(benchLogger())
	ctx := context.Background()
	event := benchEvent()

	bus.Subscribe(domain.EventTurnCompleted, func(_ context.Context, _ domain.Event) {})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}
	b.StopTimer()
	bus.Close()
}

// BenchmarkPublishFanOut measures fan-out to typed plus all-event
// subscribers, the shape the gateway stream and notifier create.
func BenchmarkPublishFanOut(b *testing.B) {
	bus := New(benchLogger())
	ctx := context.Background()
	event := benchEvent()

	var seen atomic.Int64
	for i := 0; i < 4; i++ {
		bus.Subscribe(domain.EventTurnCompleted, func(_ context.Context, _ domain.Event) {
			seen.Add(1)
		})
	}
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		seen.Add(1)
	})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}
	b.StopTimer()
	bus.Close()
}

// BenchmarkPublishNoSubscribers measures the cost when nothing listens,
// the case for deployments that disable gateway and notifier.
func BenchmarkPublishNoSubscribers(b *testing.B) {
	bus := New(benchLogger())
	ctx := context.Background()
	event := benchEvent()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}
	b.StopTimer()
	bus.Close()
}
