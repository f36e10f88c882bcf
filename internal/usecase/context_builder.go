package usecase

import (
	"context"

	"leadflow/internal/domain"
)

// defaultHistoryWindow caps the messages carried into a turn when the
// caller does not configure one.
const defaultHistoryWindow = 40

// ContextBuilder assembles the per-turn AgentContext snapshot from the lead
// record and the persisted conversation. The snapshot is immutable for the
// turn: agents return new information through their response and the engine
// persists it afterwards.
type ContextBuilder struct {
	convs  domain.ConversationStore
	window int
}

// NewContextBuilder creates a context builder. window caps the history
// carried into each turn; zero or negative selects the default.
func NewContextBuilder(convs domain.ConversationStore, window int) *ContextBuilder {
	if window <= 0 {
		window = defaultHistoryWindow
	}
	return &ContextBuilder{convs: convs, window: window}
}

// Build constructs a fresh context for one inbound message. The handoff
// counter always starts at zero; the current-agent tag is left empty so the
// supervisor selects by predicate.
func (cb *ContextBuilder) Build(ctx context.Context, lead *domain.Lead) (domain.AgentContext, error) {
	rec, err := cb.convs.State(ctx, lead.ID)
	if err != nil {
		return domain.AgentContext{}, domain.WrapOp("ContextBuilder.Build", err)
	}

	history, err := cb.convs.History(ctx, lead.ID, cb.window)
	if err != nil {
		return domain.AgentContext{}, domain.WrapOp("ContextBuilder.Build", err)
	}

	data := make(map[string]string, len(lead.Data))
	for k, v := range lead.Data {
		data[k] = v
	}

	return domain.AgentContext{
		LeadID:        lead.ID,
		BrokerID:      lead.BrokerID,
		PipelineStage: lead.PipelineStage,
		State:         rec.State,
		LeadData:      data,
		History:       history,
	}, nil
}
