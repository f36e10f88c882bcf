package usecase

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"leadflow/internal/domain"
	"leadflow/internal/infra/tracer"
)

const replyMaxTokens = 600

// SpecializedAgent is the capability every conversation agent implements.
// The supervisor owns dispatch; agents only decide whether a context is
// theirs, build their prompt, and produce a response for one turn.
type SpecializedAgent interface {
	// Type returns the agent's tag.
	Type() domain.AgentType
	// ShouldHandle is a pure predicate over the pipeline stage, conversation
	// state, and current agent tag. No I/O.
	ShouldHandle(actx domain.AgentContext) bool
	// SystemPrompt renders the agent's system prompt for the context.
	// Deterministic templating, no network call.
	SystemPrompt(actx domain.AgentContext) string
	// Process handles one turn. It never returns an error: provider failures
	// degrade to a neutral reply with no handoff.
	Process(ctx context.Context, message string, actx domain.AgentContext) *domain.AgentResponse
}

// agentCore is the scaffolding shared by the specialized agents: the provider
// chain, the per-turn extraction, and the recover-to-neutral failure boundary.
type agentCore struct {
	kind      domain.AgentType
	provider  domain.ProviderAdapter
	extractor *Extractor
	identity  BrokerIdentity
	logger    *slog.Logger
}

func newAgentCore(kind domain.AgentType, provider domain.ProviderAdapter, identity BrokerIdentity, logger *slog.Logger) agentCore {
	return agentCore{
		kind:      kind,
		provider:  provider,
		extractor: NewExtractor(provider, logger),
		identity:  identity,
		logger:    logger,
	}
}

func (c agentCore) startSpan(ctx context.Context, actx domain.AgentContext) (context.Context, trace.Span) {
	return tracer.StartSpan(ctx, "agent.process",
		trace.WithAttributes(tracer.StringAttr("agent", string(c.kind))),
		tracer.WithLead(actx.LeadID),
	)
}

// analyze runs the structured extraction and merges the result with the
// lead's known data. The boolean reports whether the extraction itself
// succeeded; when it did not, completion predicates must not fire on this
// turn, though the reply still goes out.
func (c agentCore) analyze(ctx context.Context, message string, actx domain.AgentContext) (domain.Signals, bool) {
	sig, err := c.extractor.Extract(ctx, message, actx)
	if err != nil {
		c.logger.Warn("signal extraction failed, continuing without new signals",
			"agent", string(c.kind), "error", err)
		return MergeWithContext(actx, domain.Signals{Responded: true}), false
	}
	return MergeWithContext(actx, sig), true
}

// reply makes the plain reply-generation call.
func (c agentCore) reply(ctx context.Context, system, message string, actx domain.AgentContext) (*domain.Result, error) {
	req := domain.Request{
		System:    system,
		Messages:  turnMessages(actx, message),
		MaxTokens: replyMaxTokens,
	}
	return c.provider.Generate(ctx, req)
}

// neutral is the failure boundary: the conversation always receives some
// reply, never an error.
func (c agentCore) neutral(sig domain.Signals) *domain.AgentResponse {
	return &domain.AgentResponse{
		Message:   neutralReply,
		Agent:     c.kind,
		Extracted: sig,
	}
}

// promptContext returns the context with the merged signal view swapped in,
// so prompts reflect fields extracted moments ago on this same turn.
func promptContext(actx domain.AgentContext, sig domain.Signals) domain.AgentContext {
	if len(sig.Fields) > 0 {
		actx.LeadData = sig.Fields
	}
	return actx
}

// turnMessages appends the inbound message to the windowed history.
func turnMessages(actx domain.AgentContext, message string) []domain.Message {
	msgs := make([]domain.Message, 0, len(actx.History)+1)
	msgs = append(msgs, actx.History...)
	msgs = append(msgs, domain.UserMessage(message))
	return msgs
}
