// Package console is a local REPL over the turn engine: type as the lead
// and watch replies, state transitions and handoffs live. It runs against
// the same store and providers the gateway serves, so prompt changes can be
// exercised before a broker ever sees them.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"leadflow/internal/domain"
	"leadflow/internal/usecase"
)

// Deps are the collaborators behind the console.
type Deps struct {
	Engine *usecase.Engine
	Leads  domain.LeadRepository
	Bus    domain.EventBus
	Logger *slog.Logger
}

// Run drives the console until the user quits or ctx is cancelled.
func Run(ctx context.Context, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	p := tea.NewProgram(newModel(deps), tea.WithAltScreen(), tea.WithContext(ctx))

	// Forward bus traffic into the UI so handoffs, failovers and breaker
	// flips show up in the transcript as they happen.
	unsub := deps.Bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		p.Send(busEventMsg{event: ev})
	})
	defer unsub()

	_, err := p.Run()
	return err
}

type turnDoneMsg struct {
	result *usecase.TurnResult
	err    error
	gen    uint64
}

type busEventMsg struct {
	event domain.Event
}

type model struct {
	deps Deps

	vp    viewport.Model
	input textarea.Model
	spin  spinner.Model

	transcript []entry
	leadID     string
	state      string
	stage      string
	agent      string

	waiting  bool
	gen      uint64 // request generation; stale turnDoneMsg are dropped
	width    int
	height   int
	ready    bool
	quitting bool

	render *renderer
}

func newModel(deps Deps) model {
	input := textarea.New()
	input.Placeholder = "Escribe como el lead… (/help para comandos)"
	input.CharLimit = 2000
	input.SetHeight(2)
	input.ShowLineNumbers = false
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = styleInfo

	m := model{
		deps:   deps,
		input:  input,
		spin:   spin,
		render: newRenderer(),
	}
	m.transcript = append(m.transcript, entry{
		kind: entrySystem,
		text: "Nueva conversación. El primer mensaje registra un lead nuevo.",
	})
	return m
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		m.render.setWidth(m.vp.Width)
		m.refreshViewport(false)
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			if m.waiting {
				return m, nil
			}
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			if strings.HasPrefix(text, "/") {
				return m.runCommand(text)
			}
			return m.submitTurn(text)
		}

	case turnDoneMsg:
		if msg.gen != m.gen {
			return m, nil // superseded by /new or /lead
		}
		m.waiting = false
		if msg.err != nil {
			m.transcript = append(m.transcript, entry{kind: entryError, text: msg.err.Error()})
		} else {
			m.applyResult(msg.result)
		}
		m.refreshViewport(true)
		return m, nil

	case busEventMsg:
		if line := describeEvent(msg.event); line != "" {
			m.transcript = append(m.transcript, entry{kind: entryEvent, text: line})
			m.refreshViewport(true)
		}
		return m, nil

	case spinner.TickMsg:
		if !m.waiting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.vp, cmd = m.vp.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *model) submitTurn(text string) (tea.Model, tea.Cmd) {
	m.transcript = append(m.transcript, entry{kind: entryLead, text: text})
	m.waiting = true
	m.refreshViewport(true)

	gen := m.gen
	leadID := m.leadID
	engine := m.deps.Engine
	turn := func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()
		res, err := engine.HandleTurn(ctx, usecase.TurnRequest{LeadID: leadID, Message: text})
		return turnDoneMsg{result: res, err: err, gen: gen}
	}
	return *m, tea.Batch(turn, m.spin.Tick)
}

func (m *model) applyResult(res *usecase.TurnResult) {
	if res.Created {
		m.transcript = append(m.transcript, entry{
			kind: entryEvent,
			text: fmt.Sprintf("lead registrado: %s", res.LeadID),
		})
	}
	m.leadID = res.LeadID
	m.state = string(res.State)
	m.stage = string(res.Stage)
	m.agent = string(res.Response.Agent)
	m.transcript = append(m.transcript, entry{
		kind:  entryAssistant,
		text:  res.Response.Message,
		agent: string(res.Response.Agent),
		tools: len(res.Response.ToolCalls),
	})
}

func (m *model) runCommand(raw string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(raw)
	switch fields[0] {
	case "/new":
		m.gen++
		m.leadID, m.state, m.stage, m.agent = "", "", "", ""
		m.transcript = append(m.transcript, entry{
			kind: entrySystem,
			text: "Nueva conversación. El primer mensaje registra un lead nuevo.",
		})

	case "/lead":
		if len(fields) < 2 {
			m.transcript = append(m.transcript, entry{kind: entryError, text: "uso: /lead <id>"})
			break
		}
		return m.switchLead(fields[1])

	case "/state":
		m.transcript = append(m.transcript, entry{kind: entrySystem, text: m.stateLine()})

	case "/help":
		m.transcript = append(m.transcript, entry{
			kind: entrySystem,
			text: "/new reinicia · /lead <id> retoma un lead · /state muestra el estado · /quit sale",
		})

	case "/quit", "/exit":
		m.quitting = true
		return *m, tea.Quit

	default:
		m.transcript = append(m.transcript, entry{
			kind: entryError,
			text: fmt.Sprintf("comando desconocido: %s", fields[0]),
		})
	}
	m.refreshViewport(true)
	return *m, nil
}

func (m *model) switchLead(id string) (tea.Model, tea.Cmd) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lead, err := m.deps.Leads.Get(ctx, id)
	if err != nil {
		m.transcript = append(m.transcript, entry{kind: entryError, text: fmt.Sprintf("lead %s: %v", id, err)})
		m.refreshViewport(true)
		return *m, nil
	}

	m.gen++
	m.leadID = lead.ID
	m.stage = string(lead.PipelineStage)
	m.state, m.agent = "", ""
	m.transcript = append(m.transcript, entry{
		kind: entrySystem,
		text: fmt.Sprintf("retomando lead %s (etapa %s)", lead.ID, lead.PipelineStage),
	})
	m.refreshViewport(true)
	return *m, nil
}

func (m *model) stateLine() string {
	if m.leadID == "" {
		return "sin lead activo"
	}
	parts := []string{"lead " + m.leadID}
	if m.state != "" {
		parts = append(parts, "estado "+m.state)
	}
	if m.stage != "" {
		parts = append(parts, "etapa "+m.stage)
	}
	if m.agent != "" {
		parts = append(parts, "agente "+m.agent)
	}
	return strings.Join(parts, " · ")
}

// layout sizes the viewport around the fixed chrome: header, hint line,
// input, status bar.
func (m *model) layout() {
	inputHeight := m.input.Height() + 1
	vpHeight := m.height - inputHeight - 3
	if vpHeight < 3 {
		vpHeight = 3
	}
	if !m.ready {
		m.vp = viewport.New(m.width, vpHeight)
	} else {
		m.vp.Width = m.width
		m.vp.Height = vpHeight
	}
	m.input.SetWidth(m.width - 2)
}

func (m *model) refreshViewport(follow bool) {
	if m.vp.Width == 0 {
		return
	}
	m.vp.SetContent(m.render.transcript(m.transcript))
	if follow {
		m.vp.GotoBottom()
	}
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "cargando…"
	}

	var hint string
	if m.waiting {
		hint = m.spin.View() + " esperando respuesta"
	} else {
		hint = styleMuted.Render("enter envía · esc sale")
	}

	return strings.Join([]string{
		m.render.header(),
		m.vp.View(),
		hint,
		m.input.View(),
		m.render.statusBar(m.stateLine(), m.width),
	}, "\n")
}
