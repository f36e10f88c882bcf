package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"leadflow/internal/domain"
)

// Create inserts a new lead. A missing ID is generated; a missing stage
// defaults to entrada.
func (s *Store) Create(ctx context.Context, lead *domain.Lead) error {
	if lead.ID == "" {
		lead.ID = newID()
	}
	if lead.PipelineStage == "" {
		lead.PipelineStage = domain.StageEntrada
	}
	now := time.Now().UTC()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = now

	data, err := s.marshalLeadData(lead.Data)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO leads (id, broker_id, pipeline_stage, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.BrokerID, string(lead.PipelineStage), data,
		lead.CreatedAt.Format(time.RFC3339Nano), lead.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: create lead: %v", domain.ErrStore, err)
	}
	return nil
}

// Get returns the lead by id, with decrypted data.
func (s *Store) Get(ctx context.Context, id string) (*domain.Lead, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, broker_id, pipeline_stage, data, created_at, updated_at
		FROM leads WHERE id = ?`, id)

	var lead domain.Lead
	var stage, data, createdStr, updatedStr string
	if err := row.Scan(&lead.ID, &lead.BrokerID, &stage, &data, &createdStr, &updatedStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrLeadNotFound
		}
		return nil, fmt.Errorf("%w: get lead: %v", domain.ErrStore, err)
	}

	lead.PipelineStage = domain.PipelineStage(stage)
	fields, err := s.unmarshalLeadData(data)
	if err != nil {
		return nil, err
	}
	lead.Data = fields
	lead.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	lead.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &lead, nil
}

// UpdateData replaces the lead's collected fields.
func (s *Store) UpdateData(ctx context.Context, id string, data map[string]string) error {
	blob, err := s.marshalLeadData(data)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE leads SET data = ?, updated_at = ? WHERE id = ?",
		blob, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("%w: update lead data: %v", domain.ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrLeadNotFound
	}
	return nil
}

// UpdateStage moves the lead to a new pipeline stage.
func (s *Store) UpdateStage(ctx context.Context, id string, stage domain.PipelineStage) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE leads SET pipeline_stage = ?, updated_at = ? WHERE id = ?",
		string(stage), time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("%w: update lead stage: %v", domain.ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrLeadNotFound
	}
	return nil
}

// ListIdle returns non-terminal leads whose last update predates the cutoff,
// oldest first.
func (s *Store) ListIdle(ctx context.Context, cutoff time.Time, limit int) ([]domain.Lead, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, broker_id, pipeline_stage, data, created_at, updated_at
		FROM leads
		WHERE updated_at < ? AND pipeline_stage != ?
		ORDER BY updated_at ASC LIMIT ?`,
		cutoff.UTC().Format(time.RFC3339Nano), string(domain.StageCerrado), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list idle leads: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	var leads []domain.Lead
	for rows.Next() {
		var lead domain.Lead
		var stage, data, createdStr, updatedStr string
		if err := rows.Scan(&lead.ID, &lead.BrokerID, &stage, &data, &createdStr, &updatedStr); err != nil {
			return nil, fmt.Errorf("%w: list idle leads: %v", domain.ErrStore, err)
		}
		lead.PipelineStage = domain.PipelineStage(stage)
		fields, err := s.unmarshalLeadData(data)
		if err != nil {
			return nil, err
		}
		lead.Data = fields
		lead.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		lead.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}

// EraseLead blanks the lead's collected data, closes its pipeline stage,
// and deletes its conversation state, history, and unsent reminders in one
// transaction. Appointments are kept as business records. Returns the
// number of messages removed.
func (s *Store) EraseLead(ctx context.Context, leadID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: erase lead: %v", domain.ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	emptyData, err := s.marshalLeadData(nil)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE leads SET data = ?, pipeline_stage = ?, updated_at = ? WHERE id = ?",
		emptyData, string(domain.StageCerrado),
		time.Now().UTC().Format(time.RFC3339Nano), leadID,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: anonymize lead: %v", domain.ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, domain.ErrLeadNotFound
	}

	msgRes, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE lead_id = ?", leadID)
	if err != nil {
		return 0, fmt.Errorf("%w: delete messages: %v", domain.ErrStore, err)
	}
	deleted, _ := msgRes.RowsAffected()

	if _, err := tx.ExecContext(ctx, "DELETE FROM conversation_states WHERE lead_id = ?", leadID); err != nil {
		return 0, fmt.Errorf("%w: delete conversation state: %v", domain.ErrStore, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM followup_reminders WHERE lead_id = ? AND sent_at IS NULL", leadID); err != nil {
		return 0, fmt.Errorf("%w: delete reminders: %v", domain.ErrStore, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: erase lead: %v", domain.ErrStore, err)
	}
	return deleted, nil
}

// ReencryptPII rewrites every lead data blob and message body under the
// encryptor's current key. Rows already in plaintext get encrypted; a nil
// encryptor makes this a no-op.
func (s *Store) ReencryptPII(ctx context.Context) (int, error) {
	if s.enc == nil {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: reencrypt: %v", domain.ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	rewritten := 0

	leadBlobs, err := collectTextRows(ctx, tx, "SELECT id, data FROM leads")
	if err != nil {
		return 0, err
	}
	for id, blob := range leadBlobs {
		plain, err := s.enc.Decrypt(blob)
		if err != nil {
			return rewritten, fmt.Errorf("decrypt lead %s: %w", id, err)
		}
		sealed, err := s.enc.Encrypt(plain)
		if err != nil {
			return rewritten, fmt.Errorf("%w: %v", domain.ErrEncryption, err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE leads SET data = ? WHERE id = ?", sealed, id); err != nil {
			return rewritten, fmt.Errorf("%w: rewrite lead: %v", domain.ErrStore, err)
		}
		rewritten++
	}

	msgBlobs, err := collectTextRows(ctx, tx, "SELECT id, content FROM messages")
	if err != nil {
		return rewritten, err
	}
	for id, blob := range msgBlobs {
		plain, err := s.enc.Decrypt(blob)
		if err != nil {
			return rewritten, fmt.Errorf("decrypt message %s: %w", id, err)
		}
		sealed, err := s.enc.Encrypt(plain)
		if err != nil {
			return rewritten, fmt.Errorf("%w: %v", domain.ErrEncryption, err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE messages SET content = ? WHERE id = ?", sealed, id); err != nil {
			return rewritten, fmt.Errorf("%w: rewrite message: %v", domain.ErrStore, err)
		}
		rewritten++
	}

	if err := tx.Commit(); err != nil {
		return rewritten, fmt.Errorf("%w: reencrypt: %v", domain.ErrStore, err)
	}
	return rewritten, nil
}

// collectTextRows loads an id -> text column mapping so the rewrite loop
// doesn't hold a result cursor open while issuing updates.
func collectTextRows(ctx context.Context, tx *sql.Tx, query string) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStore, err)
		}
		out[id] = text
	}
	return out, rows.Err()
}

func (s *Store) marshalLeadData(data map[string]string) (string, error) {
	if data == nil {
		data = map[string]string{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("%w: marshal lead data: %v", domain.ErrStore, err)
	}
	return s.sealPII(string(raw))
}

func (s *Store) unmarshalLeadData(stored string) (map[string]string, error) {
	plain, err := s.openPII(stored)
	if err != nil {
		return nil, err
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(plain), &fields); err != nil {
		return nil, fmt.Errorf("%w: unmarshal lead data: %v", domain.ErrStore, err)
	}
	return fields, nil
}
