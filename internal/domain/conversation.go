package domain

import "time"

// ConversationState is the qualification phase a lead's conversation has
// reached. It advances independently of which agent is currently active.
type ConversationState string

const (
	StateGreeting               ConversationState = "GREETING"
	StateInterestValidation     ConversationState = "INTEREST_VALIDATION"
	StateDataCollection         ConversationState = "DATA_COLLECTION"
	StateFinancialQualification ConversationState = "FINANCIAL_QUALIFICATION"
	StateScheduling             ConversationState = "SCHEDULING"
	StateFollowUp               ConversationState = "FOLLOW_UP"
	StateClosed                 ConversationState = "CLOSED"
)

// stateOrder fixes the forward progression. Advance never moves backward;
// an explicit external reset is the only way to an earlier state.
var stateOrder = []ConversationState{
	StateGreeting,
	StateInterestValidation,
	StateDataCollection,
	StateFinancialQualification,
	StateScheduling,
	StateFollowUp,
	StateClosed,
}

// Valid reports whether s is one of the defined conversation states.
func (s ConversationState) Valid() bool {
	for _, st := range stateOrder {
		if s == st {
			return true
		}
	}
	return false
}

// Order returns the state's position in the forward progression, or -1 for
// an unknown state. Callers use it to detect when an advance crossed a
// milestone such as SCHEDULING.
func (s ConversationState) Order() int {
	for i, st := range stateOrder {
		if s == st {
			return i
		}
	}
	return -1
}

// Signals are the facts extracted from the latest structured-analysis call,
// merged with what is already known about the lead. Advance consumes them;
// agents use them for their completion predicates.
type Signals struct {
	// Responded is set on every processed inbound turn.
	Responded bool `json:"responded,omitempty"`
	// Interested is set when the lead expresses interest in proceeding.
	Interested bool `json:"interested,omitempty"`
	// Fields holds the merged lead data view (known keys only).
	Fields map[string]string `json:"fields,omitempty"`
	// DicomStatus is the normalized credit-bureau signal, empty when unknown.
	DicomStatus string `json:"dicom_status,omitempty"`
	// SlotConfirmed is set when both sides confirmed a concrete slot.
	SlotConfirmed bool `json:"slot_confirmed,omitempty"`
	// FollowUpDone is set when the post-appointment follow-up resolved.
	FollowUpDone bool `json:"followup_done,omitempty"`
}

// Advance returns the state the conversation reaches given the signals.
// It applies the per-state guards repeatedly, so a single message that
// clears several stages moves the conversation as far as its data allows.
// Advance is pure and never regresses.
func Advance(current ConversationState, sig Signals) ConversationState {
	state := current
	if !state.Valid() {
		state = StateGreeting
	}
	for {
		next, ok := advanceOnce(state, sig)
		if !ok {
			return state
		}
		state = next
	}
}

func advanceOnce(state ConversationState, sig Signals) (ConversationState, bool) {
	switch state {
	case StateGreeting:
		if sig.Responded || sig.Interested || len(sig.Fields) > 0 {
			return StateInterestValidation, true
		}
	case StateInterestValidation:
		if sig.Interested {
			return StateDataCollection, true
		}
	case StateDataCollection:
		if sig.DicomStatus != "" {
			return StateFinancialQualification, true
		}
	case StateFinancialQualification:
		if sig.DicomStatus == DicomClean && HasRequiredFields(sig.Fields) {
			return StateScheduling, true
		}
	case StateScheduling:
		if sig.SlotConfirmed {
			return StateFollowUp, true
		}
	case StateFollowUp:
		if sig.FollowUpDone {
			return StateClosed, true
		}
	}
	return state, false
}

// StateRecord is the serializable form of the conversation state machine.
// The machine holds no storage of its own; the caller persists this mapping.
type StateRecord struct {
	State     ConversationState
	UpdatedAt time.Time
}

// ToMap serializes the record to a plain string mapping.
func (r StateRecord) ToMap() map[string]string {
	m := map[string]string{"state": string(r.State)}
	if !r.UpdatedAt.IsZero() {
		m["updated_at"] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

// StateRecordFromMap restores a record from its plain mapping. A missing or
// unknown state yields a fresh GREETING record.
func StateRecordFromMap(m map[string]string) StateRecord {
	rec := StateRecord{State: ConversationState(m["state"])}
	if !rec.State.Valid() {
		rec.State = StateGreeting
	}
	if ts := m["updated_at"]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.UpdatedAt = t
		}
	}
	return rec
}
