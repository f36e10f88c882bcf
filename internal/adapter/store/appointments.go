package store

import (
	"context"
	"fmt"
	"time"

	"leadflow/internal/domain"
)

// AddSlot registers an open visit slot for a broker.
func (s *Store) AddSlot(ctx context.Context, slot *domain.Slot) error {
	if slot.ID == "" {
		slot.ID = newID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointment_slots (id, broker_id, start_at, end_at, booked)
		VALUES (?, ?, ?, ?, ?)`,
		slot.ID, slot.BrokerID,
		slot.Start.UTC().Format(time.RFC3339Nano), slot.End.UTC().Format(time.RFC3339Nano),
		boolToInt(slot.Booked),
	)
	if err != nil {
		return fmt.Errorf("%w: add slot: %v", domain.ErrStore, err)
	}
	return nil
}

// AvailableSlots returns a broker's unbooked slots starting at or after
// from, soonest first.
func (s *Store) AvailableSlots(ctx context.Context, brokerID string, from time.Time, limit int) ([]domain.Slot, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, broker_id, start_at, end_at, booked
		FROM appointment_slots
		WHERE broker_id = ? AND booked = 0 AND start_at >= ?
		ORDER BY start_at ASC LIMIT ?`,
		brokerID, from.UTC().Format(time.RFC3339Nano), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: available slots: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	var slots []domain.Slot
	for rows.Next() {
		var slot domain.Slot
		var startStr, endStr string
		var booked int
		if err := rows.Scan(&slot.ID, &slot.BrokerID, &startStr, &endStr, &booked); err != nil {
			return nil, fmt.Errorf("%w: available slots: %v", domain.ErrStore, err)
		}
		slot.Start, _ = time.Parse(time.RFC3339Nano, startStr)
		slot.End, _ = time.Parse(time.RFC3339Nano, endStr)
		slot.Booked = booked != 0
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

// Book claims a slot and records the appointment atomically. A slot that
// is already taken, or unknown, fails with ErrSlotUnavailable and leaves
// nothing behind.
func (s *Store) Book(ctx context.Context, appt *domain.Appointment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: book: %v", domain.ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		"UPDATE appointment_slots SET booked = 1 WHERE id = ? AND booked = 0", appt.SlotID)
	if err != nil {
		return fmt.Errorf("%w: claim slot: %v", domain.ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrSlotUnavailable
	}

	if appt.Start.IsZero() || appt.End.IsZero() || appt.BrokerID == "" {
		row := tx.QueryRowContext(ctx,
			"SELECT broker_id, start_at, end_at FROM appointment_slots WHERE id = ?", appt.SlotID)
		var brokerID, startStr, endStr string
		if err := row.Scan(&brokerID, &startStr, &endStr); err != nil {
			return fmt.Errorf("%w: load slot: %v", domain.ErrStore, err)
		}
		if appt.BrokerID == "" {
			appt.BrokerID = brokerID
		}
		if appt.Start.IsZero() {
			appt.Start, _ = time.Parse(time.RFC3339Nano, startStr)
		}
		if appt.End.IsZero() {
			appt.End, _ = time.Parse(time.RFC3339Nano, endStr)
		}
	}

	if appt.ID == "" {
		appt.ID = newID()
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO appointments (id, lead_id, broker_id, slot_id, start_at, end_at, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		appt.ID, appt.LeadID, appt.BrokerID, appt.SlotID,
		appt.Start.UTC().Format(time.RFC3339Nano), appt.End.UTC().Format(time.RFC3339Nano),
		appt.Notes, appt.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: insert appointment: %v", domain.ErrStore, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: book: %v", domain.ErrStore, err)
	}
	return nil
}

// Schedule stores a follow-up reminder.
func (s *Store) Schedule(ctx context.Context, rem *domain.Reminder) error {
	if rem.ID == "" {
		rem.ID = newID()
	}
	var sentAt any
	if rem.SentAt != nil {
		sentAt = rem.SentAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO followup_reminders (id, lead_id, due_at, reason, sent_at)
		VALUES (?, ?, ?, ?, ?)`,
		rem.ID, rem.LeadID, rem.DueAt.UTC().Format(time.RFC3339Nano), rem.Reason, sentAt,
	)
	if err != nil {
		return fmt.Errorf("%w: schedule reminder: %v", domain.ErrStore, err)
	}
	return nil
}

// Due returns unsent reminders whose due time has passed, oldest first.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]domain.Reminder, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lead_id, due_at, reason
		FROM followup_reminders
		WHERE sent_at IS NULL AND due_at <= ?
		ORDER BY due_at ASC LIMIT ?`,
		now.UTC().Format(time.RFC3339Nano), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: due reminders: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	var rems []domain.Reminder
	for rows.Next() {
		var rem domain.Reminder
		var dueStr string
		if err := rows.Scan(&rem.ID, &rem.LeadID, &dueStr, &rem.Reason); err != nil {
			return nil, fmt.Errorf("%w: due reminders: %v", domain.ErrStore, err)
		}
		rem.DueAt, _ = time.Parse(time.RFC3339Nano, dueStr)
		rems = append(rems, rem)
	}
	return rems, rows.Err()
}

// MarkSent stamps a reminder as delivered. Marking twice, or marking an
// unknown reminder, reports not found.
func (s *Store) MarkSent(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE followup_reminders SET sent_at = ? WHERE id = ? AND sent_at IS NULL",
		at.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("%w: mark reminder sent: %v", domain.ErrStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("store.MarkSent", domain.ErrNotFound, id)
	}
	return nil
}

// AppointmentsForLead returns every appointment recorded for a lead,
// soonest first.
func (s *Store) AppointmentsForLead(ctx context.Context, leadID string) ([]domain.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lead_id, broker_id, slot_id, start_at, end_at, notes, created_at
		FROM appointments WHERE lead_id = ? ORDER BY start_at ASC`, leadID)
	if err != nil {
		return nil, fmt.Errorf("%w: appointments for lead: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	var appts []domain.Appointment
	for rows.Next() {
		var appt domain.Appointment
		var startStr, endStr, createdStr string
		if err := rows.Scan(&appt.ID, &appt.LeadID, &appt.BrokerID, &appt.SlotID,
			&startStr, &endStr, &appt.Notes, &createdStr); err != nil {
			return nil, fmt.Errorf("%w: appointments for lead: %v", domain.ErrStore, err)
		}
		appt.Start, _ = time.Parse(time.RFC3339Nano, startStr)
		appt.End, _ = time.Parse(time.RFC3339Nano, endStr)
		appt.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		appts = append(appts, appt)
	}
	return appts, rows.Err()
}
