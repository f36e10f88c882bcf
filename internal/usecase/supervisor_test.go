package usecase

import (
	"context"
	"testing"

	"leadflow/internal/domain"
)

func always(domain.AgentContext) bool { return true }
func never(domain.AgentContext) bool  { return false }

func TestSupervisorPriorityOrder(t *testing.T) {
	followup := &scriptedAgent{kind: domain.AgentFollowUp, handles: always}
	scheduler := &scriptedAgent{kind: domain.AgentScheduler, handles: always}
	qualifier := &scriptedAgent{kind: domain.AgentQualifier, handles: always}

	sup := NewSupervisor([]SpecializedAgent{followup, scheduler, qualifier}, 2, nil, newTestLogger())
	resp := sup.Process(context.Background(), "hola", domain.AgentContext{LeadID: "lead-1"})

	if resp.Agent != domain.AgentFollowUp {
		t.Errorf("agent = %q, want first matching %q", resp.Agent, domain.AgentFollowUp)
	}
	if scheduler.timesHandled() != 0 || qualifier.timesHandled() != 0 {
		t.Error("lower-priority agents must not run")
	}
}

func TestSupervisorFallsBackToQualifier(t *testing.T) {
	followup := &scriptedAgent{kind: domain.AgentFollowUp, handles: never}
	scheduler := &scriptedAgent{kind: domain.AgentScheduler, handles: never}
	qualifier := &scriptedAgent{kind: domain.AgentQualifier, handles: never}

	sup := NewSupervisor([]SpecializedAgent{followup, scheduler, qualifier}, 2, nil, newTestLogger())
	resp := sup.Process(context.Background(), "hola", domain.AgentContext{LeadID: "lead-1"})

	if resp.Agent != domain.AgentQualifier {
		t.Errorf("agent = %q, want fallback %q", resp.Agent, domain.AgentQualifier)
	}
	if qualifier.timesHandled() != 1 {
		t.Errorf("qualifier handled = %d, want 1", qualifier.timesHandled())
	}
}

func TestSupervisorNoAgents(t *testing.T) {
	sup := NewSupervisor(nil, 2, nil, newTestLogger())
	resp := sup.Process(context.Background(), "hola", domain.AgentContext{LeadID: "lead-1"})

	if resp == nil || resp.Message == "" {
		t.Fatal("expected a fallback reply with no agents registered")
	}
}

func TestSupervisorFollowsHandoff(t *testing.T) {
	qualifier := &scriptedAgent{
		kind:    domain.AgentQualifier,
		handles: always,
		process: func(_ context.Context, _ string, _ domain.AgentContext) *domain.AgentResponse {
			return &domain.AgentResponse{
				Message: "listo, te paso con agendamiento",
				Agent:   domain.AgentQualifier,
				Handoff: &domain.HandoffSignal{Target: domain.AgentScheduler, Reason: "qualified"},
			}
		},
	}
	scheduler := &scriptedAgent{kind: domain.AgentScheduler, handles: never}
	bus := &recordingBus{}

	sup := NewSupervisor([]SpecializedAgent{scheduler, qualifier}, 2, bus, newTestLogger())
	resp := sup.Process(context.Background(), "tengo todo listo", domain.AgentContext{LeadID: "lead-1"})

	if resp.Agent != domain.AgentScheduler {
		t.Errorf("final agent = %q, want %q", resp.Agent, domain.AgentScheduler)
	}
	if scheduler.timesHandled() != 1 {
		t.Errorf("scheduler handled = %d, want 1", scheduler.timesHandled())
	}

	// The re-dispatched context carries the new agent and hop count.
	got := scheduler.contexts[0]
	if got.CurrentAgent != domain.AgentScheduler {
		t.Errorf("current agent = %q", got.CurrentAgent)
	}
	if got.HandoffCount != 1 {
		t.Errorf("handoff count = %d, want 1", got.HandoffCount)
	}
	if !bus.has(domain.EventAgentHandoff) {
		t.Error("missing handoff event")
	}
}

func TestSupervisorBoundsOscillation(t *testing.T) {
	// Two agents that always want to hand the turn to each other.
	qualifier := &scriptedAgent{kind: domain.AgentQualifier, handles: always}
	scheduler := &scriptedAgent{kind: domain.AgentScheduler, handles: never}
	qualifier.process = func(_ context.Context, _ string, _ domain.AgentContext) *domain.AgentResponse {
		return &domain.AgentResponse{
			Message: "ping",
			Agent:   domain.AgentQualifier,
			Handoff: &domain.HandoffSignal{Target: domain.AgentScheduler},
		}
	}
	scheduler.process = func(_ context.Context, _ string, _ domain.AgentContext) *domain.AgentResponse {
		return &domain.AgentResponse{
			Message: "pong",
			Agent:   domain.AgentScheduler,
			Handoff: &domain.HandoffSignal{Target: domain.AgentQualifier},
		}
	}
	bus := &recordingBus{}

	sup := NewSupervisor([]SpecializedAgent{scheduler, qualifier}, 2, bus, newTestLogger())
	resp := sup.Process(context.Background(), "hola", domain.AgentContext{LeadID: "lead-1"})

	// Initial dispatch plus two hops, then the bound stops the loop.
	if total := qualifier.timesHandled() + scheduler.timesHandled(); total != 3 {
		t.Errorf("total dispatches = %d, want 3", total)
	}
	if resp.Handoff == nil {
		t.Error("unresolved handoff should remain on the response")
	}
	if !bus.has(domain.EventHandoffBounce) {
		t.Error("missing bounce event")
	}
}

func TestSupervisorIgnoresUnknownTarget(t *testing.T) {
	qualifier := &scriptedAgent{
		kind:    domain.AgentQualifier,
		handles: always,
		process: func(_ context.Context, _ string, _ domain.AgentContext) *domain.AgentResponse {
			return &domain.AgentResponse{
				Message: "derivando",
				Agent:   domain.AgentQualifier,
				Handoff: &domain.HandoffSignal{Target: domain.AgentType("human-executive")},
			}
		},
	}

	sup := NewSupervisor([]SpecializedAgent{qualifier}, 2, nil, newTestLogger())
	resp := sup.Process(context.Background(), "hola", domain.AgentContext{LeadID: "lead-1"})

	if resp.Message != "derivando" {
		t.Errorf("message = %q", resp.Message)
	}
	if qualifier.timesHandled() != 1 {
		t.Errorf("handled = %d, want 1", qualifier.timesHandled())
	}
}

// TestSupervisorReordersMiswiredAgents registers the real agents backwards,
// qualifier first, the way a careless wiring site would. The supervisor must
// re-assert the fixed priority: a follow-up conversation whose CRM column
// was manually dragged back to entrada still belongs to the follow-up agent,
// and a fresh conversation in the agendamiento column to the scheduler.
func TestSupervisorReordersMiswiredAgents(t *testing.T) {
	provider := &mockProvider{}
	qualifier := NewQualifierAgent(provider, testIdentity(), "", newTestLogger())
	scheduler := NewSchedulerAgent(provider, nil, testIdentity(), "", newTestLogger())
	followup := NewFollowUpAgent(provider, testIdentity(), "", newTestLogger())

	sup := NewSupervisor([]SpecializedAgent{qualifier, scheduler, followup}, DefaultMaxHandoffs, nil, newTestLogger())

	resp := sup.Process(context.Background(), "hola", domain.AgentContext{
		LeadID:        "lead-1",
		State:         domain.StateFollowUp,
		PipelineStage: domain.StageEntrada,
	})
	if resp.Agent != domain.AgentFollowUp {
		t.Errorf("agent = %q, want %q for a FOLLOW_UP conversation", resp.Agent, domain.AgentFollowUp)
	}

	resp = sup.Process(context.Background(), "hola", domain.AgentContext{
		LeadID:        "lead-2",
		State:         domain.StateGreeting,
		PipelineStage: domain.StageAgendamiento,
	})
	if resp.Agent != domain.AgentScheduler {
		t.Errorf("agent = %q, want %q for an agendamiento lead", resp.Agent, domain.AgentScheduler)
	}
}

// TestSupervisorQualifiedLeadReachesScheduler runs the real agents end to
// end: a complete profile plus a clean DICOM answer must land the turn on
// the scheduler within the same call.
func TestSupervisorQualifiedLeadReachesScheduler(t *testing.T) {
	provider := &mockProvider{
		structured: func(domain.Request) (*domain.Result, error) {
			return &domain.Result{Fields: map[string]any{
				"interested":   true,
				"dicom_status": "limpio",
			}}, nil
		},
		generate: func(domain.Request) (*domain.Result, error) {
			return &domain.Result{Text: "Tenemos visitas el sábado, ¿te acomoda?"}, nil
		},
	}
	qualifier := NewQualifierAgent(provider, testIdentity(), "", newTestLogger())
	scheduler := NewSchedulerAgent(provider, nil, testIdentity(), "", newTestLogger())
	followup := NewFollowUpAgent(provider, testIdentity(), "", newTestLogger())
	bus := &recordingBus{}

	sup := NewSupervisor([]SpecializedAgent{followup, scheduler, qualifier}, DefaultMaxHandoffs, bus, newTestLogger())
	resp := sup.Process(context.Background(), "Tengo DICOM limpio", qualifiedContext())

	if resp.Agent != domain.AgentScheduler {
		t.Errorf("final agent = %q, want %q", resp.Agent, domain.AgentScheduler)
	}
	if resp.Handoff != nil {
		t.Error("scheduler should not hand off on a non-confirming message")
	}
	if !bus.has(domain.EventAgentHandoff) {
		t.Error("missing handoff event")
	}
}
