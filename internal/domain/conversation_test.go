package domain

import (
	"testing"
	"time"
)

func allFields() map[string]string {
	return map[string]string{
		FieldName:        "María Pérez",
		FieldPhone:       "+56912345678",
		FieldEmail:       "maria@example.cl",
		FieldSalary:      "1800000",
		FieldLocation:    "Santiago",
		FieldDicomStatus: DicomClean,
	}
}

func TestAdvanceSingleSteps(t *testing.T) {
	tests := []struct {
		name    string
		current ConversationState
		sig     Signals
		want    ConversationState
	}{
		{"greeting holds without contact", StateGreeting, Signals{}, StateGreeting},
		{"greeting advances on response", StateGreeting, Signals{Responded: true}, StateInterestValidation},
		{"interest holds without confirmation", StateInterestValidation, Signals{Responded: true}, StateInterestValidation},
		{"interest advances when confirmed", StateInterestValidation, Signals{Interested: true}, StateDataCollection},
		{"collection holds without dicom", StateDataCollection, Signals{Fields: map[string]string{FieldName: "Ana"}}, StateDataCollection},
		{"collection advances on dicom presence", StateDataCollection, Signals{DicomStatus: DicomHasDebt}, StateFinancialQualification},
		{"qualification holds on debt", StateFinancialQualification, Signals{DicomStatus: DicomHasDebt, Fields: allFields()}, StateFinancialQualification},
		{"qualification holds on missing fields", StateFinancialQualification, Signals{DicomStatus: DicomClean, Fields: map[string]string{FieldName: "Ana"}}, StateFinancialQualification},
		{"qualification advances when clean and complete", StateFinancialQualification, Signals{DicomStatus: DicomClean, Fields: allFields()}, StateScheduling},
		{"scheduling holds without confirmation", StateScheduling, Signals{Interested: true}, StateScheduling},
		{"scheduling advances on confirmed slot", StateScheduling, Signals{SlotConfirmed: true}, StateFollowUp},
		{"followup advances to closed", StateFollowUp, Signals{FollowUpDone: true}, StateClosed},
		{"closed is terminal", StateClosed, Signals{Responded: true, Interested: true}, StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Advance(tt.current, tt.sig); got != tt.want {
				t.Errorf("Advance(%s) = %s, want %s", tt.current, got, tt.want)
			}
		})
	}
}

func TestAdvanceChainsThroughClearedStages(t *testing.T) {
	// One message that confirms interest and delivers a clean DICOM with the
	// full data set should carry the conversation all the way to scheduling.
	sig := Signals{
		Responded:   true,
		Interested:  true,
		DicomStatus: DicomClean,
		Fields:      allFields(),
	}
	if got := Advance(StateGreeting, sig); got != StateScheduling {
		t.Errorf("Advance(GREETING, full signals) = %s, want %s", got, StateScheduling)
	}
}

func TestAdvanceNeverRegresses(t *testing.T) {
	// Signals describing earlier-stage facts must not move a conversation
	// backward.
	if got := Advance(StateScheduling, Signals{Responded: true}); got != StateScheduling {
		t.Errorf("Advance(SCHEDULING, greeting signals) = %s, want SCHEDULING", got)
	}
	if got := Advance(StateFollowUp, Signals{Interested: true}); got != StateFollowUp {
		t.Errorf("Advance(FOLLOW_UP, interest signals) = %s, want FOLLOW_UP", got)
	}
}

func TestAdvanceUnknownStateResets(t *testing.T) {
	if got := Advance(ConversationState("bogus"), Signals{}); got != StateGreeting {
		t.Errorf("Advance(bogus) = %s, want GREETING", got)
	}
}

func TestStateRecordRoundTrip(t *testing.T) {
	rec := StateRecord{State: StateDataCollection, UpdatedAt: time.Now().UTC()}
	m := rec.ToMap()
	if m["state"] != string(StateDataCollection) {
		t.Fatalf("ToMap state = %q", m["state"])
	}

	got := StateRecordFromMap(m)
	if got.State != rec.State {
		t.Errorf("restored state = %s, want %s", got.State, rec.State)
	}
	if !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("restored updated_at = %v, want %v", got.UpdatedAt, rec.UpdatedAt)
	}
}

func TestStateRecordFromMapDefaults(t *testing.T) {
	got := StateRecordFromMap(nil)
	if got.State != StateGreeting {
		t.Errorf("empty mapping should restore GREETING, got %s", got.State)
	}
	got = StateRecordFromMap(map[string]string{"state": "NOT_A_STATE"})
	if got.State != StateGreeting {
		t.Errorf("unknown state should restore GREETING, got %s", got.State)
	}
}
