package usecase

import (
	"fmt"
	"strings"

	"leadflow/internal/domain"
)

// BrokerIdentity carries the brokerage facts interpolated into every system
// prompt. Prompt assembly is deterministic templating, never a network call.
type BrokerIdentity struct {
	Name     string
	Timezone string
	Language string // reply language code, e.g. "es"
}

// PromptSet holds optional per-agent system prompt overrides. Empty fields
// fall back to the built-in Spanish prompts.
type PromptSet struct {
	Qualifier string
	Scheduler string
	FollowUp  string
}

const defaultQualifierPrompt = `Eres el asistente de calificación de una corredora de propiedades. Tu trabajo es conversar con personas interesadas en comprar o arrendar una propiedad y reunir, sin interrogar, los datos que permiten calificarlas: nombre, teléfono, email, renta líquida mensual, comuna o ciudad donde buscan, y su situación en DICOM.

Reglas:
- Haz una pregunta a la vez y reconoce siempre lo que el cliente ya contó.
- No repitas preguntas sobre datos que ya tienes.
- Si el cliente menciona deudas o DICOM, trátalo con naturalidad y sin juicios.
- Nunca prometas aprobación de crédito ni condiciones comerciales.
- Cuando falten datos, prioriza el que desbloquea el siguiente paso.`

const defaultSchedulerPrompt = `Eres el asistente de agendamiento de una corredora de propiedades. El cliente ya está calificado; tu único objetivo es coordinar una visita o reunión.

Reglas:
- Usa las herramientas disponibles para consultar horarios reales y reservar; nunca inventes disponibilidad.
- Propón como máximo tres horarios concretos por mensaje, con día y hora.
- Confirma explícitamente fecha y hora cuando el cliente acepte un horario.
- Si ningún horario acomoda, ofrece dejar el caso con un ejecutivo humano.`

const defaultFollowUpPrompt = `Eres el asistente de seguimiento de una corredora de propiedades. El cliente ya tiene una visita coordinada o está en etapa final.

Reglas:
- Responde dudas puntuales, confirma detalles de la visita y mantén el tono cordial.
- No reabras la calificación ni vuelvas a pedir datos ya entregados.
- Si el cliente quiere reagendar o cancelar, registra su intención y ofrece que un ejecutivo lo contacte.
- Despídete cordialmente cuando el cliente dé por resuelto el tema.`

// extractionSystemPrompt drives the per-turn structured-analysis call.
const extractionSystemPrompt = `Analiza el último mensaje de un cliente de una corredora de propiedades chilena y extrae señales en JSON.

Devuelve SOLO un objeto JSON con esta forma:
{
  "interested": <true si el cliente muestra interés en avanzar>,
  "dicom_status": "<clean | has_debt | unknown, solo si el mensaje lo menciona; si no, omite el campo>",
  "fields": { "name": "...", "phone": "...", "email": "...", "salary": "...", "location": "...", "property_type": "...", "commune": "..." }
}

Incluye en "fields" únicamente datos presentes en el mensaje. "salary" es la renta líquida mensual en pesos chilenos, solo dígitos. "dicom_status" es "clean" si dice estar sin deudas o con DICOM limpio, "has_debt" si menciona deudas o morosidad, "unknown" si duda o no sabe.`

// neutralReply is returned whenever the provider chain is exhausted. The
// conversation always gets some reply, never an error.
const neutralReply = "Gracias por tu mensaje. En unos minutos un ejecutivo continuará contigo para avanzar con tu solicitud."

// snapshotOrder fixes the field order in prompt snapshots so prompts are
// reproducible across turns.
var snapshotOrder = []string{
	domain.FieldName,
	domain.FieldPhone,
	domain.FieldEmail,
	domain.FieldSalary,
	domain.FieldLocation,
	domain.FieldDicomStatus,
	domain.FieldPropertyType,
	domain.FieldCommune,
}

// fieldLabels maps field keys to the Spanish labels used in prompts.
var fieldLabels = map[string]string{
	domain.FieldName:         "nombre",
	domain.FieldPhone:        "teléfono",
	domain.FieldEmail:        "email",
	domain.FieldSalary:       "renta líquida",
	domain.FieldLocation:     "ubicación buscada",
	domain.FieldDicomStatus:  "situación DICOM",
	domain.FieldPropertyType: "tipo de propiedad",
	domain.FieldCommune:      "comuna",
}

func (b BrokerIdentity) header() string {
	var sb strings.Builder
	name := b.Name
	if name == "" {
		name = "la corredora"
	}
	fmt.Fprintf(&sb, "Trabajas para %s.", name)
	if b.Timezone != "" {
		fmt.Fprintf(&sb, " Zona horaria del cliente: %s.", b.Timezone)
	}
	switch b.Language {
	case "", "es":
		sb.WriteString(" Responde siempre en español de Chile, cercano y profesional.")
	default:
		fmt.Fprintf(&sb, " Responde siempre en el idioma %q.", b.Language)
	}
	return sb.String()
}

// leadSnapshot renders the collected and missing fields for prompt context.
func leadSnapshot(actx domain.AgentContext) string {
	var sb strings.Builder

	var has bool
	for _, key := range snapshotOrder {
		if v := actx.LeadData[key]; v != "" {
			if !has {
				sb.WriteString("Datos ya entregados por el cliente:\n")
				has = true
			}
			fmt.Fprintf(&sb, "- %s: %s\n", fieldLabels[key], v)
		}
	}

	if missing := domain.MissingFields(actx.LeadData); len(missing) > 0 {
		labels := make([]string, 0, len(missing))
		for _, key := range missing {
			labels = append(labels, fieldLabels[key])
		}
		fmt.Fprintf(&sb, "Datos pendientes: %s.\n", strings.Join(labels, ", "))
	}

	return strings.TrimRight(sb.String(), "\n")
}

// composePrompt stitches the broker header, the agent's base prompt, and the
// lead snapshot into the final system prompt.
func composePrompt(identity BrokerIdentity, base string, actx domain.AgentContext) string {
	parts := []string{identity.header(), base}
	if snap := leadSnapshot(actx); snap != "" {
		parts = append(parts, snap)
	}
	return strings.Join(parts, "\n\n")
}

// extractionInput frames the inbound message and the already-known data for
// the structured-analysis call.
func extractionInput(message string, actx domain.AgentContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Mensaje del cliente: %s", message)
	var known []string
	for _, key := range snapshotOrder {
		if v := actx.LeadData[key]; v != "" {
			known = append(known, fmt.Sprintf("%s=%s", key, v))
		}
	}
	if len(known) > 0 {
		fmt.Fprintf(&sb, "\nDatos ya conocidos (no los repitas en fields): %s", strings.Join(known, ", "))
	}
	return sb.String()
}
