package usecase

import (
	"context"
	"log/slog"
	"regexp"

	"leadflow/internal/domain"
	"leadflow/internal/infra/tracer"
)

// closingPatterns detect a client wrapping up the conversation for good.
var closingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)no me interesa`),
	regexp.MustCompile(`(?i)ya (compr[eé]|arrend[eé])`),
	regexp.MustCompile(`(?i)no sigan`),
	regexp.MustCompile(`(?i)no insistan`),
	regexp.MustCompile(`(?i)eso (es|era) todo`),
	regexp.MustCompile(`(?i)tema (resuelto|cerrado)`),
}

// FollowUpAgent keeps the conversation warm after a visit is coordinated.
// It is terminal: it never hands off.
type FollowUpAgent struct {
	core   agentCore
	prompt string
}

// NewFollowUpAgent creates the follow-up agent.
func NewFollowUpAgent(provider domain.ProviderAdapter, identity BrokerIdentity, prompt string, logger *slog.Logger) *FollowUpAgent {
	if prompt == "" {
		prompt = defaultFollowUpPrompt
	}
	return &FollowUpAgent{
		core:   newAgentCore(domain.AgentFollowUp, provider, identity, logger),
		prompt: prompt,
	}
}

func (a *FollowUpAgent) Type() domain.AgentType { return domain.AgentFollowUp }

// ShouldHandle claims the post-appointment states and pipeline stage.
func (a *FollowUpAgent) ShouldHandle(actx domain.AgentContext) bool {
	switch actx.State {
	case domain.StateFollowUp, domain.StateClosed:
		return true
	}
	return actx.PipelineStage == domain.StageSeguimiento
}

func (a *FollowUpAgent) SystemPrompt(actx domain.AgentContext) string {
	return composePrompt(a.core.identity, a.prompt, actx)
}

func (a *FollowUpAgent) Process(ctx context.Context, message string, actx domain.AgentContext) *domain.AgentResponse {
	ctx, span := a.core.startSpan(ctx, actx)
	defer span.End()

	sig, _ := a.core.analyze(ctx, message, actx)
	if detectClosing(message) {
		sig.FollowUpDone = true
	}

	res, err := a.core.reply(ctx, a.SystemPrompt(promptContext(actx, sig)), message, actx)
	if err != nil {
		a.core.logger.Warn("follow-up reply failed, sending neutral reply", "lead_id", actx.LeadID, "error", err)
		tracer.RecordError(span, err)
		return a.core.neutral(sig)
	}

	tracer.SetOK(span)
	return &domain.AgentResponse{
		Message:   res.Text,
		Agent:     domain.AgentFollowUp,
		Extracted: sig,
	}
}

// detectClosing reports whether the client is ending the relationship,
// which lets the conversation reach CLOSED.
func detectClosing(message string) bool {
	for _, re := range closingPatterns {
		if re.MatchString(message) {
			return true
		}
	}
	return false
}
