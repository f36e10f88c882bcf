package usecase

import (
	"context"
	"log/slog"
	"maps"
	"strings"

	"leadflow/internal/domain"
	"leadflow/internal/infra/tracer"
)

// Engine drives one inbound message through the full turn pipeline: resolve
// the lead, rebuild its conversation context, let the supervisor route the
// message through the agents, then persist what the turn produced. Agent and
// provider failures degrade inside the supervisor and never surface here;
// only lead resolution and persistence can fail a turn.
type Engine struct {
	supervisor *Supervisor
	leads      domain.LeadRepository
	convs      domain.ConversationStore
	builder    *ContextBuilder
	bus        domain.EventBus
	logger     *slog.Logger
	brokerID   string
	locks      *leadLocker
}

// EngineDeps carries the engine's collaborators. Bus may be nil; Builder is
// derived from Convs when absent.
type EngineDeps struct {
	Supervisor *Supervisor
	Leads      domain.LeadRepository
	Convs      domain.ConversationStore
	Builder    *ContextBuilder
	Bus        domain.EventBus
	Logger     *slog.Logger

	// BrokerID is assigned to leads created on first contact when the
	// request does not name a broker.
	BrokerID string
}

func NewEngine(deps EngineDeps) *Engine {
	if deps.Builder == nil {
		deps.Builder = NewContextBuilder(deps.Convs, 0)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{
		supervisor: deps.Supervisor,
		leads:      deps.Leads,
		convs:      deps.Convs,
		builder:    deps.Builder,
		bus:        deps.Bus,
		logger:     deps.Logger,
		brokerID:   deps.BrokerID,
		locks:      newLeadLocker(),
	}
}

// TurnRequest is one inbound lead message. An empty LeadID registers a new
// lead on first contact; BrokerID only matters in that case.
type TurnRequest struct {
	LeadID   string
	BrokerID string
	Message  string
}

// TurnResult is what a processed turn leaves behind.
type TurnResult struct {
	LeadID   string
	Created  bool
	Response *domain.AgentResponse
	State    domain.ConversationState
	Stage    domain.PipelineStage
}

// HandleTurn processes one inbound message end to end. It returns an error
// only when the lead cannot be resolved or the conversation context cannot
// be built; once the agents ran, persistence failures are logged and the
// reply is still returned so the lead is never left without an answer.
func (e *Engine) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, span := tracer.StartSpan(ctx, "turn.process", tracer.WithLead(req.LeadID))
	defer span.End()

	if strings.TrimSpace(req.Message) == "" {
		err := domain.NewDomainError("Engine.HandleTurn", domain.ErrInvalidInput, "empty message")
		tracer.RecordError(span, err)
		return nil, err
	}

	lead, created, err := e.resolveLead(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	// Turns for one lead run serially; a second message arriving mid-turn
	// waits here instead of interleaving history and state writes.
	release, err := e.locks.acquire(ctx, lead.ID)
	if err != nil {
		err = domain.WrapOp("Engine.HandleTurn", err)
		tracer.RecordError(span, err)
		return nil, err
	}
	defer release()

	e.publish(ctx, domain.EventTurnStarted, lead, nil)

	actx, err := e.builder.Build(ctx, lead)
	if err != nil {
		e.publish(ctx, domain.EventTurnFailed, lead, map[string]string{"error": err.Error()})
		tracer.RecordError(span, err)
		return nil, err
	}

	resp := e.supervisor.Process(ctx, req.Message, actx)
	state := e.persistTurn(ctx, lead, actx, req.Message, resp)

	e.publish(ctx, domain.EventTurnCompleted, lead, map[string]any{
		"agent":      string(resp.Agent),
		"state":      string(state),
		"tool_calls": len(resp.ToolCalls),
	})
	tracer.SetOK(span)

	return &TurnResult{
		LeadID:   lead.ID,
		Created:  created,
		Response: resp,
		State:    state,
		Stage:    lead.PipelineStage,
	}, nil
}

func (e *Engine) resolveLead(ctx context.Context, req TurnRequest) (*domain.Lead, bool, error) {
	if req.LeadID != "" {
		lead, err := e.leads.Get(ctx, req.LeadID)
		if err != nil {
			return nil, false, domain.WrapOp("Engine.HandleTurn", err)
		}
		return lead, false, nil
	}

	brokerID := req.BrokerID
	if brokerID == "" {
		brokerID = e.brokerID
	}
	lead := &domain.Lead{BrokerID: brokerID, Data: map[string]string{}}
	if err := e.leads.Create(ctx, lead); err != nil {
		return nil, false, domain.WrapOp("Engine.HandleTurn", err)
	}
	e.logger.Info("lead created on first contact", "lead_id", lead.ID, "broker_id", brokerID)
	e.publish(ctx, domain.EventLeadCreated, lead, nil)
	return lead, true, nil
}

// persistTurn writes the turn's outcome: the message pair, any newly
// extracted fields, and the advanced conversation state with its pipeline
// mirror. Each write failure is logged and skipped independently so a partial
// store outage degrades persistence without losing the reply.
func (e *Engine) persistTurn(ctx context.Context, lead *domain.Lead, actx domain.AgentContext, message string, resp *domain.AgentResponse) domain.ConversationState {
	if err := e.convs.AppendMessages(ctx, lead.ID,
		domain.UserMessage(message),
		domain.AssistantMessage(resp.Message),
	); err != nil {
		e.logger.Warn("failed to append turn messages", "lead_id", lead.ID, "error", err)
	}

	if len(resp.Extracted.Fields) > 0 {
		merged := lead.MergeData(resp.Extracted.Fields)
		if !maps.Equal(merged, lead.Data) {
			if err := e.leads.UpdateData(ctx, lead.ID, merged); err != nil {
				e.logger.Warn("failed to persist extracted fields", "lead_id", lead.ID, "error", err)
			} else {
				lead.Data = merged
			}
		}
	}

	state := domain.Advance(actx.State, resp.Extracted)
	if state == actx.State {
		return state
	}
	if err := e.convs.SaveState(ctx, lead.ID, domain.StateRecord{State: state}); err != nil {
		e.logger.Warn("failed to persist conversation state", "lead_id", lead.ID, "from", actx.State, "to", state, "error", err)
		return actx.State
	}
	e.logger.Info("conversation advanced", "lead_id", lead.ID, "from", actx.State, "to", state)
	e.publish(ctx, domain.EventStateAdvanced, lead, map[string]string{
		"from": string(actx.State),
		"to":   string(state),
	})
	if crossed(actx.State, state, domain.StateScheduling) {
		e.publish(ctx, domain.EventLeadQualified, lead, map[string]string{"dicom_status": resp.Extracted.DicomStatus})
	}
	if crossed(actx.State, state, domain.StateClosed) {
		e.publish(ctx, domain.EventFollowUpClosed, lead, nil)
	}
	e.mirrorStage(ctx, lead, state)
	return state
}

// crossed reports whether advancing from old to new passed the milestone.
func crossed(old, new, milestone domain.ConversationState) bool {
	return old.Order() < milestone.Order() && new.Order() >= milestone.Order()
}

// stageFor maps a conversation state to the pipeline column it implies.
func stageFor(state domain.ConversationState) domain.PipelineStage {
	switch state {
	case domain.StateGreeting, domain.StateInterestValidation:
		return domain.StageEntrada
	case domain.StateDataCollection:
		return domain.StagePerfilamiento
	case domain.StateFinancialQualification:
		return domain.StageCalificacion
	case domain.StateScheduling:
		return domain.StageAgendamiento
	case domain.StateFollowUp:
		return domain.StageSeguimiento
	case domain.StateClosed:
		return domain.StageCerrado
	}
	return ""
}

var stageRank = map[domain.PipelineStage]int{
	domain.StageEntrada:       0,
	domain.StagePerfilamiento: 1,
	domain.StageCalificacion:  2,
	domain.StageAgendamiento:  3,
	domain.StageSeguimiento:   4,
	domain.StageCerrado:       5,
}

// mirrorStage moves the lead's pipeline column forward to match the
// conversation state. The column is shared with the broker's CRM view, so
// the mirror only ever advances; manual moves backward are left alone.
func (e *Engine) mirrorStage(ctx context.Context, lead *domain.Lead, state domain.ConversationState) {
	target := stageFor(state)
	if target == "" {
		return
	}
	current, known := stageRank[lead.PipelineStage]
	if known && stageRank[target] <= current {
		return
	}
	if err := e.leads.UpdateStage(ctx, lead.ID, target); err != nil {
		e.logger.Warn("failed to mirror pipeline stage", "lead_id", lead.ID, "stage", target, "error", err)
		return
	}
	lead.PipelineStage = target
}

func (e *Engine) publish(ctx context.Context, t domain.EventType, lead *domain.Lead, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, domain.NewEvent(t, lead.ID, lead.BrokerID, payload))
}
