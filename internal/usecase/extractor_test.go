package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"leadflow/internal/domain"
)

func TestNormalizeDicom(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"clean", domain.DicomClean},
		{"Limpio", domain.DicomClean},
		{"DICOM limpio", domain.DicomClean},
		{"sin deuda", domain.DicomClean},
		{"sin deudas", domain.DicomClean},
		{"al día", domain.DicomClean},
		{"al dia", domain.DicomClean},
		{"has_debt", domain.DicomHasDebt},
		{"dirty", domain.DicomHasDebt},
		{"moroso", domain.DicomHasDebt},
		{"Morosa", domain.DicomHasDebt},
		{"con deudas", domain.DicomHasDebt},
		{"en dicom", domain.DicomHasDebt},
		{"no estoy seguro", domain.DicomUnknown},
		{"unknown", domain.DicomUnknown},
		{"  clean  ", domain.DicomClean},
	}
	for _, tc := range cases {
		if got := NormalizeDicom(tc.in); got != tc.want {
			t.Errorf("NormalizeDicom(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSignalsFromFields(t *testing.T) {
	sig := signalsFromFields(map[string]any{
		"interested":   true,
		"dicom_status": "limpio",
		"fields": map[string]any{
			"name":         "María Pérez",
			"salary":       1500000.0,
			"commune":      "Ñuñoa",
			"rut":          "12.345.678-9", // unknown key, dropped
			"email":        "",             // empty, dropped
			"dicom_status": "sin deuda",
		},
	})

	if !sig.Interested {
		t.Error("interested not set")
	}
	if sig.DicomStatus != domain.DicomClean {
		t.Errorf("dicom = %q, want %q", sig.DicomStatus, domain.DicomClean)
	}
	if sig.Fields["name"] != "María Pérez" {
		t.Errorf("name = %q", sig.Fields["name"])
	}
	if sig.Fields["salary"] != "1500000" {
		t.Errorf("salary = %q, want %q", sig.Fields["salary"], "1500000")
	}
	if sig.Fields["dicom_status"] != domain.DicomClean {
		t.Errorf("fields dicom = %q, want normalized %q", sig.Fields["dicom_status"], domain.DicomClean)
	}
	if _, ok := sig.Fields["rut"]; ok {
		t.Error("unknown key survived")
	}
	if _, ok := sig.Fields["email"]; ok {
		t.Error("empty value survived")
	}
}

func TestSignalsFromFieldsMalformedShapes(t *testing.T) {
	sig := signalsFromFields(map[string]any{
		"interested":   "yes",                    // wrong type
		"dicom_status": 42,                       // wrong type
		"fields":       []any{"not", "a", "map"}, // wrong shape
	})
	if sig.Interested {
		t.Error("interested set from non-bool")
	}
	if sig.DicomStatus != "" {
		t.Errorf("dicom = %q, want empty", sig.DicomStatus)
	}
	if sig.Fields != nil {
		t.Errorf("fields = %v, want nil", sig.Fields)
	}

	if got := signalsFromFields(nil); got.Responded || got.Fields != nil {
		t.Errorf("nil payload produced %+v", got)
	}
}

func TestMergeWithContext(t *testing.T) {
	actx := domain.AgentContext{
		LeadData: map[string]string{
			"name":    "Maria",
			"phone":   "+56911111111",
			"autoriz": "sí", // unknown key in stored data, dropped
			"email":   "",
		},
	}
	sig := domain.Signals{
		Interested:  true,
		DicomStatus: domain.DicomClean,
		Fields: map[string]string{
			"name":  "María Pérez", // extracted wins
			"email": "maria@example.cl",
		},
	}

	out := MergeWithContext(actx, sig)

	if out.Fields["name"] != "María Pérez" {
		t.Errorf("name = %q, extracted value should win", out.Fields["name"])
	}
	if out.Fields["phone"] != "+56911111111" {
		t.Errorf("phone = %q, stored value should survive", out.Fields["phone"])
	}
	if out.Fields["email"] != "maria@example.cl" {
		t.Errorf("email = %q", out.Fields["email"])
	}
	if out.Fields["dicom_status"] != domain.DicomClean {
		t.Errorf("dicom field = %q, want %q", out.Fields["dicom_status"], domain.DicomClean)
	}
	if out.DicomStatus != domain.DicomClean {
		t.Errorf("dicom signal = %q, want %q", out.DicomStatus, domain.DicomClean)
	}
	if _, ok := out.Fields["autoriz"]; ok {
		t.Error("unknown stored key survived merge")
	}
}

func TestMergeWithContextKeepsStoredDicom(t *testing.T) {
	actx := domain.AgentContext{
		LeadData: map[string]string{"dicom_status": domain.DicomHasDebt},
	}

	// No new dicom signal this turn: the stored status must carry through.
	out := MergeWithContext(actx, domain.Signals{Responded: true})
	if out.DicomStatus != domain.DicomHasDebt {
		t.Errorf("dicom signal = %q, want stored %q", out.DicomStatus, domain.DicomHasDebt)
	}
}

func TestExtract(t *testing.T) {
	var seen domain.Request
	provider := &mockProvider{
		structured: func(req domain.Request) (*domain.Result, error) {
			seen = req
			return &domain.Result{Fields: map[string]any{
				"interested":   true,
				"dicom_status": "clean",
			}}, nil
		},
	}
	ex := NewExtractor(provider, newTestLogger())
	actx := domain.AgentContext{LeadData: map[string]string{"name": "María"}}

	sig, err := ex.Extract(context.Background(), "Tengo DICOM limpio", actx)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !sig.Responded || !sig.Interested || sig.DicomStatus != domain.DicomClean {
		t.Errorf("signals = %+v", sig)
	}

	if len(seen.Schema) == 0 {
		t.Error("request missing schema")
	}
	if seen.System != extractionSystemPrompt {
		t.Error("request missing extraction system prompt")
	}
	if len(seen.Messages) != 1 || !strings.Contains(seen.Messages[0].Content, "Tengo DICOM limpio") {
		t.Errorf("request messages = %+v", seen.Messages)
	}
	// Known lead data rides along so the model does not re-extract it.
	if !strings.Contains(seen.Messages[0].Content, "name=María") {
		t.Errorf("input missing known data: %q", seen.Messages[0].Content)
	}
}

func TestExtractProviderFailure(t *testing.T) {
	boom := errors.New("rate limited")
	provider := &mockProvider{
		structured: func(domain.Request) (*domain.Result, error) { return nil, boom },
	}
	ex := NewExtractor(provider, newTestLogger())

	sig, err := ex.Extract(context.Background(), "hola", domain.AgentContext{})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	if !sig.Responded {
		t.Error("responded must survive extraction failure")
	}
	if sig.Interested || sig.DicomStatus != "" || sig.Fields != nil {
		t.Errorf("failure must not invent signals: %+v", sig)
	}
}
