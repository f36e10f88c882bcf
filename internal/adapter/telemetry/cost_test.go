package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"leadflow/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSink records everything it receives.
type captureSink struct {
	mu   sync.Mutex
	recs []domain.ProviderCallRecord
	err  error
}

func (s *captureSink) RecordProviderCall(_ context.Context, rec domain.ProviderCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recs = append(s.recs, rec)
	return nil
}

func (s *captureSink) records() []domain.ProviderCallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ProviderCallRecord, len(s.recs))
	copy(out, s.recs)
	return out
}

// blockingSink holds every write until released, so tests can fill the
// queue deterministically.
type blockingSink struct {
	captureSink
	started chan struct{}
	release chan struct{}
}

func (s *blockingSink) RecordProviderCall(ctx context.Context, rec domain.ProviderCallRecord) error {
	select {
	case s.started <- struct{}{}:
	default:
	}
	<-s.release
	return s.captureSink.RecordProviderCall(ctx, rec)
}

func TestAsyncCostLoggerWritesRecords(t *testing.T) {
	sink := &captureSink{}
	l := NewAsyncCostLogger(sink, 16, testLogger())

	l.LogCall(domain.ProviderCallRecord{
		Provider:         "anthropic",
		Model:            "claude-sonnet",
		Operation:        "generate",
		Latency:          420 * time.Millisecond,
		PromptTokens:     900,
		CompletionTokens: 120,
	})
	l.LogCall(domain.ProviderCallRecord{
		Provider:  "openai",
		Model:     "gpt-4o",
		Operation: "structured",
		ErrorCode: domain.CodeProviderTimeout,
	})
	l.Close()

	recs := sink.records()
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].Provider != "anthropic" || recs[0].PromptTokens != 900 {
		t.Errorf("first record = %+v", recs[0])
	}
	if recs[1].ErrorCode != domain.CodeProviderTimeout {
		t.Errorf("second record error code = %q", recs[1].ErrorCode)
	}
}

func TestAsyncCostLoggerStampsTime(t *testing.T) {
	sink := &captureSink{}
	l := NewAsyncCostLogger(sink, 4, testLogger())

	before := time.Now().UTC()
	l.LogCall(domain.ProviderCallRecord{Provider: "anthropic"})
	l.Close()

	recs := sink.records()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].At.Before(before) {
		t.Errorf("At = %v, want >= %v", recs[0].At, before)
	}
}

func TestAsyncCostLoggerKeepsExplicitTime(t *testing.T) {
	sink := &captureSink{}
	l := NewAsyncCostLogger(sink, 4, testLogger())

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l.LogCall(domain.ProviderCallRecord{Provider: "anthropic", At: at})
	l.Close()

	recs := sink.records()
	if len(recs) != 1 || !recs[0].At.Equal(at) {
		t.Errorf("records = %+v, want At preserved", recs)
	}
}

func TestAsyncCostLoggerDropsWhenSaturated(t *testing.T) {
	sink := &blockingSink{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	l := NewAsyncCostLogger(sink, 1, testLogger())

	// First record occupies the writer inside the sink.
	l.LogCall(domain.ProviderCallRecord{Operation: "first"})
	<-sink.started

	// Second fills the queue; third has nowhere to go.
	l.LogCall(domain.ProviderCallRecord{Operation: "second"})
	l.LogCall(domain.ProviderCallRecord{Operation: "third"})

	close(sink.release)
	l.Close()

	recs := sink.records()
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2 (third dropped)", len(recs))
	}
	if recs[0].Operation != "first" || recs[1].Operation != "second" {
		t.Errorf("records = %+v", recs)
	}
}

func TestAsyncCostLoggerCloseFlushesQueue(t *testing.T) {
	sink := &captureSink{}
	l := NewAsyncCostLogger(sink, 64, testLogger())

	for i := 0; i < 20; i++ {
		l.LogCall(domain.ProviderCallRecord{Provider: "anthropic"})
	}
	l.Close()

	if n := len(sink.records()); n != 20 {
		t.Errorf("records = %d, want 20", n)
	}
}

func TestAsyncCostLoggerIgnoresAfterClose(t *testing.T) {
	sink := &captureSink{}
	l := NewAsyncCostLogger(sink, 4, testLogger())
	l.Close()

	// Must not panic or write.
	l.LogCall(domain.ProviderCallRecord{Provider: "anthropic"})

	if n := len(sink.records()); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
}

func TestAsyncCostLoggerSinkErrorDoesNotPropagate(t *testing.T) {
	sink := &captureSink{err: errors.New("disk full")}
	l := NewAsyncCostLogger(sink, 4, testLogger())

	l.LogCall(domain.ProviderCallRecord{Provider: "anthropic"})
	l.Close() // must not hang or panic
}

func TestAsyncCostLoggerNilSink(t *testing.T) {
	l := NewAsyncCostLogger(nil, 4, testLogger())
	l.LogCall(domain.ProviderCallRecord{Provider: "anthropic"})
	l.Close()
}

func TestAsyncCostLoggerCloseTwice(t *testing.T) {
	l := NewAsyncCostLogger(&captureSink{}, 4, testLogger())
	l.Close()
	l.Close()
}

func TestNopCostLogger(t *testing.T) {
	var l domain.CostLogger = NopCostLogger{}
	l.LogCall(domain.ProviderCallRecord{Provider: "anthropic"})
}
