package scheduling

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"leadflow/internal/domain"
	"leadflow/internal/infra/config"
)

// sweepBatch caps how many rows one sweep run touches.
const sweepBatch = 50

const (
	reasonIdle  = "idle"
	reasonVisit = "visit_reminder"
)

// RetentionEnforcer prunes expired audit artifacts. The file audit logger
// implements it; a nil enforcer disables that part of the retention sweep.
type RetentionEnforcer interface {
	EnforceRetention(ctx context.Context) (int, error)
}

// Sweeper holds the recurring follow-up and retention work. Each sweep is
// independent; a failing row is logged and skipped so one bad record cannot
// stall the rest of the batch.
type Sweeper struct {
	leads     domain.LeadRepository
	convs     domain.ConversationStore
	reminders domain.ReminderStore
	retention RetentionEnforcer
	bus       domain.EventBus
	logger    *slog.Logger
	cfg       config.SchedulerConfig
}

// SweeperDeps carries the sweeper's collaborators. Retention and Bus may be
// nil.
type SweeperDeps struct {
	Leads     domain.LeadRepository
	Convs     domain.ConversationStore
	Reminders domain.ReminderStore
	Retention RetentionEnforcer
	Bus       domain.EventBus
	Logger    *slog.Logger
	Config    config.SchedulerConfig
}

func NewSweeper(deps SweeperDeps) *Sweeper {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Sweeper{
		leads:     deps.Leads,
		convs:     deps.Convs,
		reminders: deps.Reminders,
		retention: deps.Retention,
		bus:       deps.Bus,
		logger:    deps.Logger,
		cfg:       deps.Config,
	}
}

// Attach registers the sweeps on the scheduler and subscribes the
// appointment listener. The returned function detaches the listener.
func (w *Sweeper) Attach(sched *Scheduler) (func(), error) {
	if err := sched.AddSweep("reminders", w.cfg.ReminderSpec, w.SweepReminders); err != nil {
		return nil, err
	}
	if err := sched.AddSweep("idle_leads", w.cfg.IdleSpec, w.SweepIdleLeads); err != nil {
		return nil, err
	}
	if err := sched.AddSweep("retention", w.cfg.RetentionSpec, w.SweepRetention); err != nil {
		return nil, err
	}

	unsub := func() {}
	if w.bus != nil {
		unsub = w.bus.Subscribe(domain.EventAppointmentSet, w.HandleAppointment)
	}
	return unsub, nil
}

// SweepReminders delivers due reminders as followup.due events. Marking
// happens before publishing so a crash cannot double-deliver.
func (w *Sweeper) SweepReminders(ctx context.Context) error {
	now := time.Now()
	due, err := w.reminders.Due(ctx, now, sweepBatch)
	if err != nil {
		return domain.WrapOp("Sweeper.SweepReminders", err)
	}

	for _, rem := range due {
		if err := w.reminders.MarkSent(ctx, rem.ID, now); err != nil {
			w.logger.Warn("failed to mark reminder sent", "reminder_id", rem.ID, "error", err)
			continue
		}
		w.publish(ctx, domain.EventFollowUpDue, rem.LeadID, map[string]string{
			"reminder_id": rem.ID,
			"reason":      rem.Reason,
			"due_at":      rem.DueAt.UTC().Format(time.RFC3339),
		})
		w.logger.Info("reminder due", "lead_id", rem.LeadID, "reason", rem.Reason)
	}
	return nil
}

// SweepIdleLeads schedules an immediate follow-up reminder for conversations
// that went quiet, then touches the lead so the next run skips it.
func (w *Sweeper) SweepIdleLeads(ctx context.Context) error {
	cutoff := time.Now().Add(-w.cfg.IdleAfter)
	idle, err := w.leads.ListIdle(ctx, cutoff, sweepBatch)
	if err != nil {
		return domain.WrapOp("Sweeper.SweepIdleLeads", err)
	}

	for i := range idle {
		lead := &idle[i]
		rem := &domain.Reminder{LeadID: lead.ID, DueAt: time.Now(), Reason: reasonIdle}
		if err := w.reminders.Schedule(ctx, rem); err != nil {
			w.logger.Warn("failed to schedule idle reminder", "lead_id", lead.ID, "error", err)
			continue
		}
		if err := w.leads.UpdateData(ctx, lead.ID, lead.Data); err != nil {
			w.logger.Warn("failed to touch idle lead", "lead_id", lead.ID, "error", err)
		}
	}
	if len(idle) > 0 {
		w.logger.Info("idle leads nudged", "count", len(idle))
	}
	return nil
}

// SweepRetention prunes conversation history past the retention window and
// lets the audit logger enforce its own.
func (w *Sweeper) SweepRetention(ctx context.Context) error {
	if w.cfg.MessageMaxAge > 0 {
		cutoff := time.Now().Add(-w.cfg.MessageMaxAge)
		removed, err := w.convs.PruneMessages(ctx, cutoff)
		if err != nil {
			return domain.WrapOp("Sweeper.SweepRetention", err)
		}
		if removed > 0 {
			w.logger.Info("conversation history pruned", "messages", removed)
		}
	}

	if w.retention != nil {
		n, err := w.retention.EnforceRetention(ctx)
		if err != nil {
			w.logger.Warn("audit retention failed", "error", err)
		} else if n > 0 {
			w.logger.Info("audit retention enforced", "removed", n)
		}
	}
	return nil
}

// HandleAppointment schedules the pre-visit reminder when a booking lands.
// A visit closer than the lead time gets its reminder immediately.
func (w *Sweeper) HandleAppointment(ctx context.Context, event domain.Event) {
	var appt domain.Appointment
	if err := json.Unmarshal(event.Payload, &appt); err != nil {
		w.logger.Warn("unparseable appointment payload", "lead_id", event.LeadID, "error", err)
		return
	}
	if appt.Start.IsZero() {
		return
	}

	due := appt.Start.Add(-w.cfg.ReminderLeadTime)
	if now := time.Now(); due.Before(now) {
		due = now
	}
	rem := &domain.Reminder{LeadID: event.LeadID, DueAt: due, Reason: reasonVisit}
	if err := w.reminders.Schedule(ctx, rem); err != nil {
		w.logger.Warn("failed to schedule visit reminder", "lead_id", event.LeadID, "error", err)
		return
	}
	w.logger.Info("visit reminder scheduled", "lead_id", event.LeadID, "due_at", due)
}

func (w *Sweeper) publish(ctx context.Context, t domain.EventType, leadID string, payload any) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(ctx, domain.NewEvent(t, leadID, "", payload))
}
