package domain

import "time"

// PipelineStage is the CRM pipeline position of a lead. The pipeline is owned
// by the external broker CRM; the conversation core only reads it.
type PipelineStage string

const (
	StageEntrada       PipelineStage = "entrada"
	StagePerfilamiento PipelineStage = "perfilamiento"
	StageCalificacion  PipelineStage = "calificacion"
	StageAgendamiento  PipelineStage = "agendamiento"
	StageSeguimiento   PipelineStage = "seguimiento"
	StageCerrado       PipelineStage = "cerrado"
)

// DICOM (credit bureau) status values. Only DicomClean qualifies a lead for
// scheduling; every other value, known or not, blocks the handoff.
const (
	DicomClean   = "clean"
	DicomHasDebt = "has_debt"
	DicomUnknown = "unknown"
)

// Lead data field keys. LeadData carries a fixed known set of keys;
// qualification predicates ignore anything else.
const (
	FieldName         = "name"
	FieldPhone        = "phone"
	FieldEmail        = "email"
	FieldSalary       = "salary"
	FieldLocation     = "location"
	FieldDicomStatus  = "dicom_status"
	FieldPropertyType = "property_type"
	FieldCommune      = "commune"
)

// requiredFields are the fields a lead must provide before financial
// qualification can complete.
var requiredFields = []string{FieldName, FieldPhone, FieldEmail, FieldSalary, FieldLocation}

// RequiredFields returns the field keys needed to complete qualification.
func RequiredFields() []string {
	out := make([]string, len(requiredFields))
	copy(out, requiredFields)
	return out
}

// HasRequiredFields reports whether every required field is present and
// non-empty in data.
func HasRequiredFields(data map[string]string) bool {
	for _, key := range requiredFields {
		if data[key] == "" {
			return false
		}
	}
	return true
}

// MissingFields returns the required fields absent or empty in data,
// in canonical order.
func MissingFields(data map[string]string) []string {
	var missing []string
	for _, key := range requiredFields {
		if data[key] == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// knownFields is the closed key set accepted into LeadData.
var knownFields = map[string]bool{
	FieldName:         true,
	FieldPhone:        true,
	FieldEmail:        true,
	FieldSalary:       true,
	FieldLocation:     true,
	FieldDicomStatus:  true,
	FieldPropertyType: true,
	FieldCommune:      true,
}

// IsKnownField reports whether key belongs to the fixed LeadData key set.
func IsKnownField(key string) bool { return knownFields[key] }

// Lead is a prospective customer owned by a broker.
type Lead struct {
	ID            string            `json:"id"`
	BrokerID      string            `json:"broker_id"`
	PipelineStage PipelineStage     `json:"pipeline_stage"`
	Data          map[string]string `json:"data"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// MergeData returns a new map combining the lead's data with extracted
// fields. Unknown keys and empty values are dropped; extracted values win.
// The lead's own map is not modified.
func (l *Lead) MergeData(extracted map[string]string) map[string]string {
	merged := make(map[string]string, len(l.Data)+len(extracted))
	for k, v := range l.Data {
		merged[k] = v
	}
	for k, v := range extracted {
		if v == "" || !IsKnownField(k) {
			continue
		}
		merged[k] = v
	}
	return merged
}
