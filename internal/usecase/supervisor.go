package usecase

import (
	"context"
	"log/slog"
	"sort"

	"leadflow/internal/domain"
	"leadflow/internal/infra/tracer"
)

// DefaultMaxHandoffs bounds the handoff chain within one external turn.
const DefaultMaxHandoffs = 2

// agentPriority fixes the ShouldHandle scan order: the most advanced agent
// is consulted first, so a follow-up context never falls back into
// qualification just because an earlier agent also matches it. Unlisted
// agent types scan after the known three, in registration order.
var agentPriority = map[domain.AgentType]int{
	domain.AgentFollowUp:  0,
	domain.AgentScheduler: 1,
	domain.AgentQualifier: 2,
}

// Supervisor selects the responsible agent for each turn and executes the
// bounded handoff chain. Process is the conversation core's sole public
// surface; everything behind it is sequential within a turn.
type Supervisor struct {
	// agents in fixed priority order, most advanced first:
	// follow-up, scheduler, qualifier.
	agents      []SpecializedAgent
	fallback    SpecializedAgent
	maxHandoffs int
	bus         domain.EventBus
	logger      *slog.Logger
}

// NewSupervisor creates a supervisor over the given agents. Agents are
// re-ordered into the fixed priority (follow-up, scheduler, qualifier)
// regardless of wiring order, so a caller cannot invert dispatch by
// registering them backwards. The qualifier (or, failing that, the last
// agent) is the fallback when nothing matches. maxHandoffs <= 0 selects
// the default bound.
func NewSupervisor(agents []SpecializedAgent, maxHandoffs int, bus domain.EventBus, logger *slog.Logger) *Supervisor {
	if maxHandoffs <= 0 {
		maxHandoffs = DefaultMaxHandoffs
	}
	ordered := make([]SpecializedAgent, len(agents))
	copy(ordered, agents)
	sort.SliceStable(ordered, func(i, j int) bool {
		return priorityRank(ordered[i].Type()) < priorityRank(ordered[j].Type())
	})
	s := &Supervisor{
		agents:      ordered,
		maxHandoffs: maxHandoffs,
		bus:         bus,
		logger:      logger,
	}
	for _, a := range agents {
		if a.Type() == domain.AgentQualifier {
			s.fallback = a
		}
	}
	if s.fallback == nil && len(agents) > 0 {
		s.fallback = agents[len(agents)-1]
	}
	return s
}

// Process dispatches one inbound turn. On a handoff signal it re-targets the
// context and re-dispatches within the same call, so the client receives the
// new agent's first reply without an extra round trip. The chain is bounded:
// at the limit the last response is returned as-is, its signal ignored.
func (s *Supervisor) Process(ctx context.Context, message string, actx domain.AgentContext) *domain.AgentResponse {
	ctx, span := tracer.StartSpan(ctx, "supervisor.process", tracer.WithLead(actx.LeadID))
	defer span.End()

	agent := s.selectAgent(actx)
	if agent == nil {
		return &domain.AgentResponse{Message: neutralReply}
	}
	actx.CurrentAgent = agent.Type()
	s.logger.Debug("agent selected", "lead_id", actx.LeadID, "agent", string(agent.Type()), "state", string(actx.State))

	resp := agent.Process(ctx, message, actx)

	for resp != nil && resp.Handoff != nil {
		if actx.HandoffCount >= s.maxHandoffs {
			s.logger.Warn("handoff limit reached, returning last response",
				"lead_id", actx.LeadID,
				"from", string(resp.Agent),
				"target", string(resp.Handoff.Target),
				"handoffs", actx.HandoffCount,
			)
			s.publish(ctx, domain.EventHandoffBounce, actx, map[string]string{
				"from":   string(resp.Agent),
				"target": string(resp.Handoff.Target),
			})
			break
		}

		next := s.agentByType(resp.Handoff.Target)
		if next == nil {
			s.logger.Warn("handoff to unknown agent ignored",
				"lead_id", actx.LeadID, "target", string(resp.Handoff.Target))
			break
		}

		s.publish(ctx, domain.EventAgentHandoff, actx, map[string]string{
			"from":   string(resp.Agent),
			"target": string(resp.Handoff.Target),
			"reason": resp.Handoff.Reason,
		})
		s.logger.Info("agent handoff",
			"lead_id", actx.LeadID,
			"from", string(resp.Agent),
			"target", string(resp.Handoff.Target),
			"hop", actx.HandoffCount+1,
		)

		actx = actx.WithAgent(resp.Handoff.Target)
		resp = next.Process(ctx, message, actx)
	}

	tracer.SetOK(span)
	return resp
}

// priorityRank maps an agent type to its scan position. Unknown types rank
// after every known one.
func priorityRank(t domain.AgentType) int {
	if r, ok := agentPriority[t]; ok {
		return r
	}
	return len(agentPriority)
}

// selectAgent returns the first agent claiming the context, in priority
// order, or the fallback when none does.
func (s *Supervisor) selectAgent(actx domain.AgentContext) SpecializedAgent {
	for _, a := range s.agents {
		if a.ShouldHandle(actx) {
			return a
		}
	}
	return s.fallback
}

func (s *Supervisor) agentByType(t domain.AgentType) SpecializedAgent {
	for _, a := range s.agents {
		if a.Type() == t {
			return a
		}
	}
	return nil
}

func (s *Supervisor) publish(ctx context.Context, t domain.EventType, actx domain.AgentContext, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, domain.NewEvent(t, actx.LeadID, actx.BrokerID, payload))
}
