package domain

import (
	"context"
	"time"
)

// Slot is a bookable appointment window owned by a broker. Availability
// computation happens outside this system; the store only serves the rows
// it was given.
type Slot struct {
	ID       string    `json:"id"`
	BrokerID string    `json:"broker_id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Booked   bool      `json:"booked"`
}

// Appointment is a confirmed meeting between a lead and a broker.
type Appointment struct {
	ID        string    `json:"id"`
	LeadID    string    `json:"lead_id"`
	BrokerID  string    `json:"broker_id"`
	SlotID    string    `json:"slot_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Reminder schedules a follow-up touch for a lead.
type Reminder struct {
	ID     string     `json:"id"`
	LeadID string     `json:"lead_id"`
	DueAt  time.Time  `json:"due_at"`
	Reason string     `json:"reason,omitempty"`
	SentAt *time.Time `json:"sent_at,omitempty"`
}

// LeadRepository supplies and persists lead records. It is the pipeline
// engine's side of the conversation core.
type LeadRepository interface {
	Create(ctx context.Context, lead *Lead) error
	Get(ctx context.Context, id string) (*Lead, error)
	// UpdateData replaces the lead's collected fields.
	UpdateData(ctx context.Context, id string, data map[string]string) error
	UpdateStage(ctx context.Context, id string, stage PipelineStage) error
	// ListIdle returns leads whose last update is older than the cutoff and
	// whose pipeline stage is not terminal. Used by the follow-up sweep.
	ListIdle(ctx context.Context, cutoff time.Time, limit int) ([]Lead, error)
}

// ConversationStore persists per-lead conversation state and history.
type ConversationStore interface {
	State(ctx context.Context, leadID string) (StateRecord, error)
	SaveState(ctx context.Context, leadID string, rec StateRecord) error
	// History returns the most recent messages in chronological order.
	History(ctx context.Context, leadID string, limit int) ([]Message, error)
	AppendMessages(ctx context.Context, leadID string, msgs ...Message) error
	// PruneMessages deletes history older than the cutoff; returns rows removed.
	PruneMessages(ctx context.Context, cutoff time.Time) (int64, error)
}

// AppointmentStore serves slots and records bookings.
type AppointmentStore interface {
	AvailableSlots(ctx context.Context, brokerID string, from time.Time, limit int) ([]Slot, error)
	// Book marks the slot taken and records the appointment atomically.
	// Returns ErrSlotUnavailable when the slot is gone.
	Book(ctx context.Context, appt *Appointment) error
	AddSlot(ctx context.Context, slot *Slot) error
}

// ReminderStore persists follow-up reminders.
type ReminderStore interface {
	Schedule(ctx context.Context, rem *Reminder) error
	Due(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
}

// ProviderCallRecord is the telemetry row emitted for every LLM call.
type ProviderCallRecord struct {
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	Operation        string        `json:"operation"`
	Latency          time.Duration `json:"latency"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	// Estimated is set when token counts came from local estimation rather
	// than the vendor response.
	Estimated    bool      `json:"estimated,omitempty"`
	FailoverUsed bool      `json:"failover_used,omitempty"`
	ErrorCode    ErrorCode `json:"error_code,omitempty"`
	At           time.Time `json:"at"`
}

// CostLogger receives fire-and-forget telemetry for provider calls.
// Implementations must never block or fail the conversation path.
type CostLogger interface {
	LogCall(rec ProviderCallRecord)
}
