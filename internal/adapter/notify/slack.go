// Package notify pushes broker-facing alerts for lead milestones. The
// notifier observes the event bus; delivery failures are logged and never
// reach the conversation path.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"

	"leadflow/internal/domain"
	"leadflow/internal/infra/config"
)

// slackClient is the slice of the Slack API the notifier uses. The concrete
// *slack.Client satisfies it; tests substitute a recorder.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

// SlackNotifier posts to the broker's Slack channel when a lead qualifies
// or a visit gets booked.
type SlackNotifier struct {
	api     slackClient
	channel string
	logger  *slog.Logger
	unsubs  []func()
}

// NewSlackNotifier builds a notifier for the configured bot token and
// channel.
func NewSlackNotifier(cfg config.SlackNotifyConfig, logger *slog.Logger) *SlackNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackNotifier{
		api:     slack.New(cfg.BotToken),
		channel: cfg.Channel,
		logger:  logger,
	}
}

// Verify checks the bot token against the Slack API. Used by doctor.
func (n *SlackNotifier) Verify(ctx context.Context) error {
	_, err := n.api.AuthTestContext(ctx)
	return err
}

// Attach subscribes the notifier to lead milestones. Call Detach on
// shutdown.
func (n *SlackNotifier) Attach(bus domain.EventBus) {
	n.unsubs = append(n.unsubs,
		bus.Subscribe(domain.EventLeadQualified, n.handleQualified),
		bus.Subscribe(domain.EventAppointmentSet, n.handleAppointment),
	)
}

// Detach removes the bus subscriptions.
func (n *SlackNotifier) Detach() {
	for _, unsub := range n.unsubs {
		unsub()
	}
	n.unsubs = nil
}

func (n *SlackNotifier) handleQualified(_ context.Context, ev domain.Event) {
	var p struct {
		DicomStatus string `json:"dicom_status"`
	}
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &p)
	}

	text := fmt.Sprintf(":white_check_mark: Lead *%s* calificó y está listo para agendar visita.", ev.LeadID)
	if p.DicomStatus != "" {
		text += fmt.Sprintf(" DICOM: %s.", p.DicomStatus)
	}
	n.post(text)
}

func (n *SlackNotifier) handleAppointment(_ context.Context, ev domain.Event) {
	var appt domain.Appointment
	if err := json.Unmarshal(ev.Payload, &appt); err != nil {
		n.logger.Warn("appointment payload not parseable", "error", err)
		return
	}
	text := fmt.Sprintf(":calendar: Visita agendada para lead *%s*: %s a %s.",
		appt.LeadID,
		appt.Start.Format("02-01-2006 15:04"),
		appt.End.Format("15:04"))
	if appt.Notes != "" {
		text += fmt.Sprintf(" Nota: %s", appt.Notes)
	}
	n.post(text)
}

// post delivers one message. The handler runs on a bus goroutine whose
// publisher context may already be done, so delivery gets its own deadline.
func (n *SlackNotifier) post(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false)); err != nil {
		n.logger.Error("slack notify failed", "channel", n.channel, "error", err)
		return
	}
	n.logger.Debug("slack notification sent", "channel", n.channel)
}
