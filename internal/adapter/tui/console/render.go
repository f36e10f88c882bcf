package console

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"leadflow/internal/domain"
)

type entryKind int

const (
	entryLead entryKind = iota
	entryAssistant
	entrySystem
	entryEvent
	entryError
)

type entry struct {
	kind     entryKind
	text     string
	agent    string
	tools    int
	rendered string // cached glamour output, invalidated on resize
}

// Adaptive palette so the console reads on light and dark terminals.
var (
	colorInfo   = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorAccent = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	colorError  = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}

	styleInfo   = lipgloss.NewStyle().Foreground(colorInfo)
	styleAccent = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	styleError  = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleMuted  = lipgloss.NewStyle().Foreground(colorMuted)
	styleLead   = lipgloss.NewStyle().Bold(true)
	styleTitle  = lipgloss.NewStyle().Bold(true).Foreground(colorInfo)
	styleStatus = lipgloss.NewStyle().Foreground(colorMuted).Faint(true)
)

// renderer turns the transcript into terminal output. Assistant replies go
// through glamour so markdown from the model reads well.
type renderer struct {
	width      int
	mdRenderer *glamour.TermRenderer
}

func newRenderer() *renderer {
	return &renderer{width: 80}
}

func (r *renderer) setWidth(w int) {
	if w == r.width {
		return
	}
	r.width = w
	r.mdRenderer = nil // recreate with the new wrap width
}

func (r *renderer) header() string {
	return styleTitle.Render("leadflow console") +
		styleMuted.Render("  conversación de prueba contra el motor real")
}

func (r *renderer) statusBar(stateLine string, width int) string {
	bar := " " + stateLine
	if pad := width - lipgloss.Width(bar); pad > 0 {
		bar += strings.Repeat(" ", pad)
	}
	return styleStatus.Render(bar)
}

func (r *renderer) transcript(entries []entry) string {
	var sb strings.Builder
	for i := range entries {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(r.entry(&entries[i]))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (r *renderer) entry(e *entry) string {
	switch e.kind {
	case entryLead:
		return styleLead.Render("Lead") + "  " + e.text

	case entryAssistant:
		label := styleAccent.Render(agentLabel(e.agent))
		if e.tools > 0 {
			label += styleMuted.Render(fmt.Sprintf(" (%d tool calls)", e.tools))
		}
		if e.rendered == "" {
			e.rendered = r.markdown(e.text)
		}
		return label + "\n" + e.rendered

	case entryEvent:
		return styleMuted.Render("· " + e.text)

	case entryError:
		return styleError.Render("✗ " + e.text)

	default:
		return styleInfo.Render(e.text)
	}
}

func (r *renderer) markdown(content string) string {
	if r.mdRenderer == nil {
		wrap := r.width - 4
		if wrap < 40 {
			wrap = 40
		}
		mr, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(wrap),
		)
		if err != nil {
			return "  " + content
		}
		r.mdRenderer = mr
	}
	out, err := r.mdRenderer.Render(content)
	if err != nil {
		return "  " + content
	}
	return strings.TrimRight(out, "\n")
}

func agentLabel(agent string) string {
	switch domain.AgentType(agent) {
	case domain.AgentQualifier:
		return "Calificador"
	case domain.AgentScheduler:
		return "Agendador"
	case domain.AgentFollowUp:
		return "Seguimiento"
	default:
		return "Asistente"
	}
}

// describeEvent turns bus traffic into a one-line transcript note. Turn
// lifecycle events are skipped as noise; everything else a prompt author
// cares about shows up.
func describeEvent(ev domain.Event) string {
	var p map[string]string
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &p)
	}

	switch ev.Type {
	case domain.EventAgentHandoff:
		return fmt.Sprintf("handoff %s → %s (%s)", p["from"], p["target"], p["reason"])
	case domain.EventHandoffBounce:
		return fmt.Sprintf("handoff rebotado: %s pidió %s con el límite agotado", p["from"], p["target"])
	case domain.EventProviderFailover:
		return fmt.Sprintf("failover de proveedor %s → %s", p["from"], p["to"])
	case domain.EventBreakerChanged:
		return fmt.Sprintf("breaker %s: %s → %s", p["provider"], p["from"], p["to"])
	case domain.EventLeadQualified:
		return "lead calificado"
	case domain.EventAppointmentSet:
		return "visita agendada"
	case domain.EventStateAdvanced:
		return fmt.Sprintf("estado %s → %s", p["from"], p["to"])
	case domain.EventFollowUpDue:
		return "seguimiento pendiente"
	default:
		return ""
	}
}
