package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventTurnStarted   EventType = "turn.started"
	EventTurnCompleted EventType = "turn.completed"
	EventTurnFailed    EventType = "turn.failed"

	EventAgentHandoff  EventType = "agent.handoff"
	EventHandoffBounce EventType = "agent.handoff.bounced"

	EventLeadCreated    EventType = "lead.created"
	EventLeadQualified  EventType = "lead.qualified"
	EventStateAdvanced  EventType = "conversation.state_advanced"
	EventAppointmentSet EventType = "appointment.scheduled"
	EventFollowUpDue    EventType = "followup.due"
	EventFollowUpClosed EventType = "followup.closed"

	EventProviderFailover EventType = "provider.failover"
	EventBreakerChanged   EventType = "breaker.state_changed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	LeadID    string          `json:"lead_id,omitempty"`
	BrokerID  string          `json:"broker_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with the payload JSON-encoded. Marshal failures
// produce an event without payload; publishing is never the failure path.
func NewEvent(t EventType, leadID, brokerID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), LeadID: leadID, BrokerID: brokerID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
