package usecase

import (
	"context"
	"log/slog"

	"leadflow/internal/domain"
	"leadflow/internal/infra/tracer"
)

// SchedulerAgent coordinates the property visit once a lead is qualified.
// Its reply call runs with the appointment tools so the model can consult
// real slots and book them.
type SchedulerAgent struct {
	core    agentCore
	prompt  string
	tools   domain.ToolExecutor
	matcher ConfirmationMatcher
}

// SchedulerOption configures a SchedulerAgent.
type SchedulerOption func(*SchedulerAgent)

// WithConfirmationMatcher replaces the default confirmation heuristic.
func WithConfirmationMatcher(m ConfirmationMatcher) SchedulerOption {
	return func(a *SchedulerAgent) { a.matcher = m }
}

// NewSchedulerAgent creates the scheduling agent. tools may be nil, in which
// case replies are generated without the appointment catalogue.
func NewSchedulerAgent(provider domain.ProviderAdapter, tools domain.ToolExecutor, identity BrokerIdentity, prompt string, logger *slog.Logger, opts ...SchedulerOption) *SchedulerAgent {
	if prompt == "" {
		prompt = defaultSchedulerPrompt
	}
	a := &SchedulerAgent{
		core:    newAgentCore(domain.AgentScheduler, provider, identity, logger),
		prompt:  prompt,
		tools:   tools,
		matcher: NewConfirmationMatcher(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *SchedulerAgent) Type() domain.AgentType { return domain.AgentScheduler }

// ShouldHandle claims the financially-qualified and scheduling states, the
// pipeline stages that mirror them (calificacion, agendamiento), and
// contexts carrying a qualifier handoff in progress.
func (a *SchedulerAgent) ShouldHandle(actx domain.AgentContext) bool {
	switch actx.State {
	case domain.StateFinancialQualification, domain.StateScheduling:
		return true
	}
	switch actx.PipelineStage {
	case domain.StageCalificacion, domain.StageAgendamiento:
		return true
	}
	return actx.CurrentAgent == domain.AgentQualifier
}

func (a *SchedulerAgent) SystemPrompt(actx domain.AgentContext) string {
	return composePrompt(a.core.identity, a.prompt, actx)
}

func (a *SchedulerAgent) Process(ctx context.Context, message string, actx domain.AgentContext) *domain.AgentResponse {
	ctx, span := a.core.startSpan(ctx, actx)
	defer span.End()

	sig, _ := a.core.analyze(ctx, message, actx)

	req := domain.Request{
		System:    a.SystemPrompt(promptContext(actx, sig)),
		Messages:  turnMessages(actx, message),
		MaxTokens: replyMaxTokens,
	}

	var res *domain.Result
	var err error
	if a.tools != nil {
		req.Tools = a.tools.Schemas()
		res, err = a.core.provider.GenerateWithTools(ctx, req, a.tools)
	} else {
		res, err = a.core.provider.Generate(ctx, req)
	}
	if err != nil {
		a.core.logger.Warn("scheduler reply failed, sending neutral reply", "lead_id", actx.LeadID, "error", err)
		tracer.RecordError(span, err)
		return a.core.neutral(sig)
	}

	resp := &domain.AgentResponse{
		Message:   res.Text,
		Agent:     domain.AgentScheduler,
		ToolCalls: res.ToolCalls,
		Extracted: sig,
	}

	// Two-sided confirmation: the client's message and the agent's own reply
	// must independently confirm the slot before follow-up takes over.
	if a.matcher.Confirmed(message) && a.matcher.Confirmed(res.Text) {
		resp.Extracted.SlotConfirmed = true
		resp.Handoff = &domain.HandoffSignal{
			Target: domain.AgentFollowUp,
			Reason: "visit confirmed by client and agent",
		}
	}
	tracer.SetOK(span)
	return resp
}
