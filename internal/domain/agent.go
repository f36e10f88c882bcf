package domain

import "encoding/json"

// AgentType tags the specialized agents in fixed priority order:
// follow-up is checked before scheduler, scheduler before qualifier.
type AgentType string

const (
	AgentQualifier AgentType = "qualifier"
	AgentScheduler AgentType = "scheduler"
	AgentFollowUp  AgentType = "followup"
)

// Valid reports whether t is a known agent tag.
func (t AgentType) Valid() bool {
	switch t {
	case AgentQualifier, AgentScheduler, AgentFollowUp:
		return true
	}
	return false
}

// AgentContext is the per-turn snapshot handed to every agent. The external
// caller assembles it fresh for each inbound message; the core treats it as
// immutable and returns new information through AgentResponse instead of
// mutating it.
type AgentContext struct {
	LeadID        string            `json:"lead_id"`
	BrokerID      string            `json:"broker_id"`
	PipelineStage PipelineStage     `json:"pipeline_stage"`
	State         ConversationState `json:"conversation_state"`
	LeadData      map[string]string `json:"lead_data"`
	History       []Message         `json:"message_history"`
	CurrentAgent  AgentType         `json:"current_agent,omitempty"`
	HandoffCount  int               `json:"handoff_count"`
}

// WithAgent returns a copy of the context re-targeted at the given agent
// with the hop counter incremented. Maps and slices are shared; callers
// hold them read-only.
func (c AgentContext) WithAgent(target AgentType) AgentContext {
	c.CurrentAgent = target
	c.HandoffCount++
	return c
}

// Field returns a collected lead field, empty when absent.
func (c AgentContext) Field(key string) string { return c.LeadData[key] }

// DicomStatus returns the credit-bureau signal collected so far.
func (c AgentContext) DicomStatus() string { return c.LeadData[FieldDicomStatus] }

// HandoffSignal asks the supervisor to transfer the turn to another agent.
// It is created when an agent's completion predicate fires and consumed
// exactly once by the supervisor.
type HandoffSignal struct {
	Target AgentType `json:"target_agent"`
	Reason string    `json:"reason,omitempty"`
}

// ToolRecord is the audit entry for one executed tool call.
type ToolRecord struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// AgentResponse is what an agent produced for the current turn.
type AgentResponse struct {
	Message   string         `json:"message"`
	Agent     AgentType      `json:"agent_type"`
	Handoff   *HandoffSignal `json:"handoff,omitempty"`
	ToolCalls []ToolRecord   `json:"tool_calls_executed,omitempty"`
	// Extracted carries the signals and fields this turn surfaced; the
	// engine persists them, the core does not.
	Extracted Signals `json:"extracted,omitempty"`
}
