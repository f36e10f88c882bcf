package tool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"leadflow/internal/domain"
)

// SlotView is one bookable visit slot as presented to the model.
type SlotView struct {
	SlotID   string `json:"slot_id"`
	BrokerID string `json:"broker_id"`
	Start    string `json:"start"` // ISO 8601
	End      string `json:"end"`   // ISO 8601
}

// BookingView confirms a booked visit.
type BookingView struct {
	AppointmentID string `json:"appointment_id"`
	LeadID        string `json:"lead_id"`
	BrokerID      string `json:"broker_id"`
	Start         string `json:"start"`
	End           string `json:"end"`
	Notes         string `json:"notes,omitempty"`
}

// ReminderView confirms a scheduled follow-up.
type ReminderView struct {
	ReminderID string `json:"reminder_id"`
	LeadID     string `json:"lead_id"`
	DueAt      string `json:"due_at"`
	Reason     string `json:"reason,omitempty"`
}

// AppointmentTool lets the scheduling agent list a broker's open visit
// slots, book one for a lead, and flag a lead for human follow-up.
type AppointmentTool struct {
	slots     domain.AppointmentStore
	reminders domain.ReminderStore
	bus       domain.EventBus
	logger    *slog.Logger
}

var _ domain.Tool = (*AppointmentTool)(nil)

// NewAppointmentTool creates the appointment tool. The event bus may be nil.
func NewAppointmentTool(slots domain.AppointmentStore, reminders domain.ReminderStore, bus domain.EventBus, logger *slog.Logger) *AppointmentTool {
	return &AppointmentTool{slots: slots, reminders: reminders, bus: bus, logger: logger}
}

func (t *AppointmentTool) Name() string { return "appointments" }
func (t *AppointmentTool) Description() string {
	return "Manage property visits: list a broker's available slots, book a visit for a lead, " +
		"or flag a lead for human follow-up. Times use ISO 8601 format."
}

func (t *AppointmentTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["list_slots", "book_visit", "flag_followup"],
					"description": "The appointment action to perform"
				},
				"broker_id": {
					"type": "string",
					"description": "Broker ID (required for list_slots)"
				},
				"lead_id": {
					"type": "string",
					"description": "Lead ID (required for book_visit and flag_followup)"
				},
				"slot_id": {
					"type": "string",
					"description": "Slot ID to book (from a previous list_slots call)"
				},
				"from": {
					"type": "string",
					"description": "List slots starting at or after this time (ISO 8601, default now)"
				},
				"limit": {
					"type": "integer",
					"description": "Maximum slots to list (default 5)"
				},
				"notes": {
					"type": "string",
					"description": "Free-text notes for the visit (property, commune, preferences)"
				},
				"due_at": {
					"type": "string",
					"description": "When the follow-up is due (ISO 8601, required for flag_followup)"
				},
				"reason": {
					"type": "string",
					"description": "Why the lead needs human follow-up"
				}
			},
			"required": ["action"]
		}`),
	}
}

type appointmentParams struct {
	Action   string `json:"action"`
	BrokerID string `json:"broker_id,omitempty"`
	LeadID   string `json:"lead_id,omitempty"`
	SlotID   string `json:"slot_id,omitempty"`
	From     string `json:"from,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Notes    string `json:"notes,omitempty"`
	DueAt    string `json:"due_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (t *AppointmentTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.appointments", t.logger, params,
		Dispatch(func(p appointmentParams) string { return p.Action }, ActionMap[appointmentParams]{
			"list_slots":    t.handleListSlots,
			"book_visit":    t.handleBookVisit,
			"flag_followup": t.handleFlagFollowup,
		}),
	)
}

const (
	defaultSlotLimit = 5
	maxSlotLimit     = 25
)

func (t *AppointmentTool) handleListSlots(ctx context.Context, p appointmentParams) (any, error) {
	if err := ValidateAll(
		RequireField("broker_id", p.BrokerID),
		ValidateTimestamp("from", p.From),
		ValidateRange("limit", p.Limit, 0, maxSlotLimit),
	); err != nil {
		return nil, err
	}

	from := time.Now()
	if p.From != "" {
		from, _ = time.Parse(time.RFC3339, p.From)
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultSlotLimit
	}

	slots, err := t.slots.AvailableSlots(ctx, p.BrokerID, from, limit)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return TextResult("No available slots for this broker in that window. Suggest the lead leaves a preferred time and flag a follow-up."), nil
	}

	views := make([]SlotView, 0, len(slots))
	for _, s := range slots {
		views = append(views, SlotView{
			SlotID:   s.ID,
			BrokerID: s.BrokerID,
			Start:    s.Start.Format(time.RFC3339),
			End:      s.End.Format(time.RFC3339),
		})
	}
	return views, nil
}

func (t *AppointmentTool) handleBookVisit(ctx context.Context, p appointmentParams) (any, error) {
	if err := RequireFields("lead_id", p.LeadID, "slot_id", p.SlotID); err != nil {
		return nil, err
	}

	appt := &domain.Appointment{LeadID: p.LeadID, SlotID: p.SlotID, Notes: p.Notes}
	if err := t.slots.Book(ctx, appt); err != nil {
		if errors.Is(err, domain.ErrSlotUnavailable) {
			return ErrResult("slot %q is no longer available; call list_slots again and offer the lead a fresh option", p.SlotID)
		}
		return nil, err
	}

	t.logger.Info("visit booked",
		"lead_id", p.LeadID, "slot_id", p.SlotID, "appointment_id", appt.ID)
	PublishToolEvent(ctx, t.bus, domain.EventAppointmentSet, p.LeadID, appt.BrokerID, appt)

	return BookingView{
		AppointmentID: appt.ID,
		LeadID:        appt.LeadID,
		BrokerID:      appt.BrokerID,
		Start:         appt.Start.Format(time.RFC3339),
		End:           appt.End.Format(time.RFC3339),
		Notes:         appt.Notes,
	}, nil
}

func (t *AppointmentTool) handleFlagFollowup(ctx context.Context, p appointmentParams) (any, error) {
	if err := ValidateAll(
		RequireFields("lead_id", p.LeadID, "due_at", p.DueAt),
		ValidateTimestamp("due_at", p.DueAt),
	); err != nil {
		return nil, err
	}

	dueAt, _ := time.Parse(time.RFC3339, p.DueAt)
	reason := p.Reason
	if reason == "" {
		reason = "requested by scheduling agent"
	}

	rem := &domain.Reminder{LeadID: p.LeadID, DueAt: dueAt, Reason: reason}
	if err := t.reminders.Schedule(ctx, rem); err != nil {
		return nil, err
	}

	t.logger.Info("follow-up flagged", "lead_id", p.LeadID, "due_at", dueAt, "reason", reason)

	return ReminderView{
		ReminderID: rem.ID,
		LeadID:     rem.LeadID,
		DueAt:      rem.DueAt.Format(time.RFC3339),
		Reason:     rem.Reason,
	}, nil
}
