package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"leadflow/internal/domain"
)

// State returns the conversation state for a lead. A lead with no saved
// state starts at greeting.
func (s *Store) State(ctx context.Context, leadID string) (domain.StateRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT state, updated_at FROM conversation_states WHERE lead_id = ?", leadID)

	var state, updatedStr string
	if err := row.Scan(&state, &updatedStr); err != nil {
		if err == sql.ErrNoRows {
			return domain.StateRecord{State: domain.StateGreeting}, nil
		}
		return domain.StateRecord{}, fmt.Errorf("%w: get state: %v", domain.ErrStore, err)
	}

	rec := domain.StateRecord{State: domain.ConversationState(state)}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return rec, nil
}

// SaveState upserts the conversation state for a lead.
func (s *Store) SaveState(ctx context.Context, leadID string, rec domain.StateRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_states (lead_id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(lead_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		leadID, string(rec.State), rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: save state: %v", domain.ErrStore, err)
	}
	return nil
}

// History returns the lead's messages in chronological order, decrypted.
// A positive limit keeps only the most recent messages.
func (s *Store) History(ctx context.Context, leadID string, limit int) ([]domain.Message, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT role, content, tool_calls, created_at
			FROM messages WHERE lead_id = ? ORDER BY id DESC LIMIT ?`, leadID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT role, content, tool_calls, created_at
			FROM messages WHERE lead_id = ? ORDER BY id ASC`, leadID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load history: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var msg domain.Message
		var content, createdStr string
		var toolCalls sql.NullString
		if err := rows.Scan(&msg.Role, &content, &toolCalls, &createdStr); err != nil {
			return nil, fmt.Errorf("%w: load history: %v", domain.ErrStore, err)
		}
		if msg.Content, err = s.openPII(content); err != nil {
			return nil, err
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("%w: decode tool calls: %v", domain.ErrStore, err)
			}
		}
		msg.Timestamp, _ = time.Parse(time.RFC3339Nano, createdStr)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load history: %v", domain.ErrStore, err)
	}

	if limit > 0 {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// AppendMessages persists messages for a lead in order, encrypting bodies.
func (s *Store) AppendMessages(ctx context.Context, leadID string, msgs ...domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: append messages: %v", domain.ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (lead_id, role, content, tool_calls, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: append messages: %v", domain.ErrStore, err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		content, err := s.sealPII(msg.Content)
		if err != nil {
			return err
		}
		var toolCalls any
		if len(msg.ToolCalls) > 0 {
			raw, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("%w: encode tool calls: %v", domain.ErrStore, err)
			}
			toolCalls = string(raw)
		}
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, leadID, msg.Role, content, toolCalls, ts.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("%w: append message: %v", domain.ErrStore, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: append messages: %v", domain.ErrStore, err)
	}
	return nil
}

// PruneMessages deletes messages created before the cutoff, across all
// leads, and reports how many rows went away.
func (s *Store) PruneMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE created_at < ?",
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: prune messages: %v", domain.ErrStore, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
