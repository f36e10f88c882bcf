package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"leadflow/internal/domain"
)

// Store is the single SQLite-backed persistence layer: leads, conversation
// state and history, appointment slots and bookings, follow-up reminders,
// and provider-call telemetry all live in one database file.
//
// When a ContentEncryptor is supplied, lead data JSON and message bodies
// are encrypted at rest; reads pass through untouched rows, so enabling
// encryption on an existing database is safe.
type Store struct {
	db     *sql.DB
	enc    domain.ContentEncryptor
	logger *slog.Logger
}

var (
	_ domain.LeadRepository    = (*Store)(nil)
	_ domain.ConversationStore = (*Store)(nil)
	_ domain.AppointmentStore  = (*Store)(nil)
	_ domain.ReminderStore     = (*Store)(nil)
)

// Open opens (or creates) the database at dbPath, applies pragmas, and runs
// the schema migration. Pass nil for enc to store PII in plaintext.
func Open(dbPath string, enc domain.ContentEncryptor, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrStore, err)
	}

	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma: %v", domain.ErrStore, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrStore, err)
	}

	return &Store{db: db, enc: enc, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// newID returns a fresh ULID; ids sort by creation time.
func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func (s *Store) sealPII(plain string) (string, error) {
	if s.enc == nil {
		return plain, nil
	}
	sealed, err := s.enc.Encrypt(plain)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEncryption, err)
	}
	return sealed, nil
}

// openPII decrypts a stored value. Plaintext rows written before encryption
// was enabled come back unchanged.
func (s *Store) openPII(stored string) (string, error) {
	if s.enc == nil {
		return stored, nil
	}
	return s.enc.Decrypt(stored)
}

// RecordProviderCall inserts one telemetry row for an LLM call.
func (s *Store) RecordProviderCall(ctx context.Context, rec domain.ProviderCallRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_calls
			(provider, model, operation, latency_ms, prompt_tokens, completion_tokens, estimated, failover_used, error_code, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Provider, rec.Model, rec.Operation, rec.Latency.Milliseconds(),
		rec.PromptTokens, rec.CompletionTokens,
		boolToInt(rec.Estimated), boolToInt(rec.FailoverUsed),
		string(rec.ErrorCode), at.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: record provider call: %v", domain.ErrStore, err)
	}
	return nil
}

// CostSummary aggregates provider-call telemetry over a window.
type CostSummary struct {
	Calls            int64
	PromptTokens     int64
	CompletionTokens int64
	Failovers        int64
	Errors           int64
}

// CostSince aggregates provider-call rows recorded at or after since.
func (s *Store) CostSince(ctx context.Context, since time.Time) (CostSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(failover_used), 0),
		       COALESCE(SUM(CASE WHEN error_code != '' THEN 1 ELSE 0 END), 0)
		FROM provider_calls WHERE at >= ?`,
		since.UTC().Format(time.RFC3339Nano),
	)
	var sum CostSummary
	if err := row.Scan(&sum.Calls, &sum.PromptTokens, &sum.CompletionTokens, &sum.Failovers, &sum.Errors); err != nil {
		return CostSummary{}, fmt.Errorf("%w: cost summary: %v", domain.ErrStore, err)
	}
	return sum, nil
}

// PipelineCounts returns the number of leads per pipeline stage.
func (s *Store) PipelineCounts(ctx context.Context) (map[domain.PipelineStage]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT pipeline_stage, COUNT(*) FROM leads GROUP BY pipeline_stage")
	if err != nil {
		return nil, fmt.Errorf("%w: pipeline counts: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	counts := make(map[domain.PipelineStage]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("%w: pipeline counts: %v", domain.ErrStore, err)
		}
		counts[domain.PipelineStage(stage)] = n
	}
	return counts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
