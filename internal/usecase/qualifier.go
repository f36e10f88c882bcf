package usecase

import (
	"context"
	"log/slog"

	"leadflow/internal/domain"
	"leadflow/internal/infra/tracer"
)

// QualifierAgent collects the lead's contact and financial data and decides
// when the lead is ready for scheduling. It is also the supervisor's fallback
// agent when no predicate matches a context.
type QualifierAgent struct {
	core   agentCore
	prompt string
}

// NewQualifierAgent creates the qualification agent. An empty prompt uses the
// built-in Spanish prompt.
func NewQualifierAgent(provider domain.ProviderAdapter, identity BrokerIdentity, prompt string, logger *slog.Logger) *QualifierAgent {
	if prompt == "" {
		prompt = defaultQualifierPrompt
	}
	return &QualifierAgent{
		core:   newAgentCore(domain.AgentQualifier, provider, identity, logger),
		prompt: prompt,
	}
}

func (a *QualifierAgent) Type() domain.AgentType { return domain.AgentQualifier }

// ShouldHandle claims early conversation states and the entry pipeline stages.
func (a *QualifierAgent) ShouldHandle(actx domain.AgentContext) bool {
	switch actx.State {
	case domain.StateGreeting, domain.StateInterestValidation, domain.StateDataCollection:
		return true
	}
	switch actx.PipelineStage {
	case domain.StageEntrada, domain.StagePerfilamiento:
		return true
	}
	return false
}

func (a *QualifierAgent) SystemPrompt(actx domain.AgentContext) string {
	return composePrompt(a.core.identity, a.prompt, actx)
}

func (a *QualifierAgent) Process(ctx context.Context, message string, actx domain.AgentContext) *domain.AgentResponse {
	ctx, span := a.core.startSpan(ctx, actx)
	defer span.End()

	sig, extracted := a.core.analyze(ctx, message, actx)

	res, err := a.core.reply(ctx, a.SystemPrompt(promptContext(actx, sig)), message, actx)
	if err != nil {
		a.core.logger.Warn("qualifier reply failed, sending neutral reply", "lead_id", actx.LeadID, "error", err)
		tracer.RecordError(span, err)
		return a.core.neutral(sig)
	}

	resp := &domain.AgentResponse{
		Message:   res.Text,
		Agent:     domain.AgentQualifier,
		Extracted: sig,
	}
	if extracted && Qualified(sig) {
		resp.Handoff = &domain.HandoffSignal{
			Target: domain.AgentScheduler,
			Reason: "required fields complete and dicom clean",
		}
	}
	tracer.SetOK(span)
	return resp
}

// Qualified is the hard business gate for the scheduler handoff: every
// required field present AND the credit bureau explicitly clean. has_debt,
// unknown, or any other value blocks the handoff no matter how complete the
// rest of the data is.
func Qualified(sig domain.Signals) bool {
	return sig.DicomStatus == domain.DicomClean && domain.HasRequiredFields(sig.Fields)
}
