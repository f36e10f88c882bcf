package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"leadflow/internal/domain"
	"leadflow/internal/infra/tracer"
)

// extractionSchema constrains the structured-analysis payload. Unknown keys
// inside "fields" are tolerated here and dropped during normalization.
const extractionSchema = `{
  "type": "object",
  "properties": {
    "interested": {"type": "boolean"},
    "dicom_status": {"type": "string"},
    "fields": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "phone": {"type": "string"},
        "email": {"type": "string"},
        "salary": {"type": ["string", "number"]},
        "location": {"type": "string"},
        "property_type": {"type": "string"},
        "commune": {"type": "string"}
      }
    }
  }
}`

const (
	extractionMaxTokens = 400
)

// Extractor runs the per-turn structured-analysis call that turns a free-form
// client message into qualification signals. Every agent shares one instance.
type Extractor struct {
	provider domain.ProviderAdapter
	logger   *slog.Logger
}

// NewExtractor creates an extractor backed by the given provider chain.
func NewExtractor(provider domain.ProviderAdapter, logger *slog.Logger) *Extractor {
	return &Extractor{provider: provider, logger: logger}
}

// Extract analyzes the inbound message against what is already known about
// the lead. On provider failure it returns the bare responded signal along
// with the error; callers treat that as "no new information this turn".
func (e *Extractor) Extract(ctx context.Context, message string, actx domain.AgentContext) (domain.Signals, error) {
	ctx, span := tracer.StartSpan(ctx, "agent.extract")
	defer span.End()

	req := domain.Request{
		System:    extractionSystemPrompt,
		Messages:  []domain.Message{domain.UserMessage(extractionInput(message, actx))},
		Schema:    json.RawMessage(extractionSchema),
		MaxTokens: extractionMaxTokens,
	}

	res, err := e.provider.GenerateStructured(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Signals{Responded: true}, domain.WrapOp("Extractor.Extract", err)
	}

	sig := signalsFromFields(res.Fields)
	sig.Responded = true
	tracer.SetOK(span)
	return sig, nil
}

// signalsFromFields converts the parsed extraction payload into signals.
// Values that do not fit the expected shape are dropped, never an error.
func signalsFromFields(fields map[string]any) domain.Signals {
	var sig domain.Signals
	if fields == nil {
		return sig
	}

	if v, ok := fields["interested"].(bool); ok {
		sig.Interested = v
	}
	if v, ok := fields["dicom_status"].(string); ok {
		sig.DicomStatus = NormalizeDicom(v)
	}

	raw, ok := fields["fields"].(map[string]any)
	if !ok {
		return sig
	}
	out := make(map[string]string, len(raw))
	for key, v := range raw {
		if !domain.IsKnownField(key) {
			continue
		}
		s := stringValue(v)
		if s == "" {
			continue
		}
		if key == domain.FieldDicomStatus {
			s = NormalizeDicom(s)
		}
		out[key] = s
	}
	if len(out) > 0 {
		sig.Fields = out
	}
	return sig
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

// NormalizeDicom folds free-form credit-bureau mentions into the canonical
// clean/has_debt/unknown values. Empty stays empty: the signal is absent,
// not unknown.
func NormalizeDicom(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ""
	case domain.DicomClean, "limpio", "dicom limpio", "sin deuda", "sin deudas", "al dia", "al día":
		return domain.DicomClean
	case domain.DicomHasDebt, "dirty", "moroso", "morosa", "con deuda", "con deudas", "deuda", "en dicom":
		return domain.DicomHasDebt
	default:
		return domain.DicomUnknown
	}
}

// MergeWithContext folds a turn's extraction into the lead's known data,
// producing the view the completion predicates and the state machine consume.
// Extracted values win over stored ones; unknown keys and empty values drop.
func MergeWithContext(actx domain.AgentContext, sig domain.Signals) domain.Signals {
	merged := make(map[string]string, len(actx.LeadData)+len(sig.Fields))
	for k, v := range actx.LeadData {
		if v != "" && domain.IsKnownField(k) {
			merged[k] = v
		}
	}
	for k, v := range sig.Fields {
		if v != "" && domain.IsKnownField(k) {
			merged[k] = v
		}
	}
	if sig.DicomStatus != "" {
		merged[domain.FieldDicomStatus] = sig.DicomStatus
	}

	sig.Fields = merged
	sig.DicomStatus = merged[domain.FieldDicomStatus]
	return sig
}
