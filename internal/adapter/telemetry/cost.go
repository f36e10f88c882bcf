// Package telemetry implements provider call accounting: per-call token
// usage records written to structured logs and the provider_calls table.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"leadflow/internal/domain"
)

const (
	defaultBuffer = 256
	writeTimeout  = 5 * time.Second
)

// CallSink persists provider call records. *store.Store satisfies this.
type CallSink interface {
	RecordProviderCall(ctx context.Context, rec domain.ProviderCallRecord) error
}

// AsyncCostLogger writes provider call records off the conversation path.
// Records are queued on a bounded channel and drained by a single writer
// goroutine; when the queue is full the record is dropped rather than
// blocking the caller.
type AsyncCostLogger struct {
	sink   CallSink
	logger *slog.Logger

	ch   chan domain.ProviderCallRecord
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

var _ domain.CostLogger = (*AsyncCostLogger)(nil)

// NewAsyncCostLogger starts the writer goroutine. sink may be nil, in which
// case records are only logged. buffer <= 0 selects the default queue size.
func NewAsyncCostLogger(sink CallSink, buffer int, logger *slog.Logger) *AsyncCostLogger {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	l := &AsyncCostLogger{
		sink:   sink,
		logger: logger,
		ch:     make(chan domain.ProviderCallRecord, buffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.drain()
	return l
}

// LogCall queues a record for persistence. Never blocks: if the queue is
// saturated the record is dropped with a warning.
func (l *AsyncCostLogger) LogCall(rec domain.ProviderCallRecord) {
	select {
	case <-l.quit:
		return
	default:
	}

	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}

	select {
	case l.ch <- rec:
	default:
		l.logger.Warn("cost telemetry queue full, dropping record",
			"provider", rec.Provider, "model", rec.Model)
	}
}

// Close stops accepting records, flushes the queue, and waits for the
// writer to finish.
func (l *AsyncCostLogger) Close() {
	l.closeOnce.Do(func() { close(l.quit) })
	<-l.done
}

func (l *AsyncCostLogger) drain() {
	defer close(l.done)
	for {
		select {
		case rec := <-l.ch:
			l.write(rec)
		case <-l.quit:
			for {
				select {
				case rec := <-l.ch:
					l.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (l *AsyncCostLogger) write(rec domain.ProviderCallRecord) {
	l.logger.Debug("provider call",
		"provider", rec.Provider,
		"model", rec.Model,
		"operation", rec.Operation,
		"latency_ms", rec.Latency.Milliseconds(),
		"prompt_tokens", rec.PromptTokens,
		"completion_tokens", rec.CompletionTokens,
		"estimated", rec.Estimated,
		"failover", rec.FailoverUsed,
		"error_code", string(rec.ErrorCode),
	)

	if l.sink == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := l.sink.RecordProviderCall(ctx, rec); err != nil {
		l.logger.Warn("cost telemetry write failed", "error", err)
	}
}

// NopCostLogger discards all records. Used when cost logging is disabled.
type NopCostLogger struct{}

var _ domain.CostLogger = NopCostLogger{}

func (NopCostLogger) LogCall(domain.ProviderCallRecord) {}
