package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ollama_run/internal/monitor"
)

// Model is the live dashboard of `monitor --tui`. It renders ticks produced
// by the monitor loop running on another goroutine.
type Model struct {
	ticks   <-chan monitor.Tick
	quit    func()
	spinner spinner.Model
	latest  *monitor.Tick
	done    bool
	width   int
	height  int
}

// New creates a dashboard reading ticks; quit is called when the user exits
func New(ticks <-chan monitor.Tick, quit func()) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = subtleStyle
	return &Model{
		ticks:   ticks,
		quit:    quit,
		spinner: sp,
		width:   120,
		height:  40,
	}
}

// Messages
type (
	tickMsg      monitor.Tick
	streamEndMsg struct{}
)

func waitForTick(ch <-chan monitor.Tick) tea.Cmd {
	return func() tea.Msg {
		t, ok := <-ch
		if !ok {
			return streamEndMsg{}
		}
		return tickMsg(t)
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(waitForTick(m.ticks), m.spinner.Tick)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.quit != nil {
				m.quit()
			}
			return m, tea.Quit
		}
	case tickMsg:
		t := monitor.Tick(msg)
		m.latest = &t
		return m, waitForTick(m.ticks)
	case streamEndMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		if m.latest != nil {
			// spinner only shows while waiting
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) View() string {
	header := titleStyle.Render("Ollama service monitor")
	if m.latest == nil {
		return lipgloss.JoinVertical(lipgloss.Left, header, m.spinner.View()+" "+subtleStyle.Render("waiting for first sample..."))
	}
	t := m.latest
	status := stateStyle(t.State).Render(string(t.State))
	header += "  " + status + "  " + subtleStyle.Render(fmt.Sprintf("tick %d", t.Iteration))

	parts := []string{header, renderMetrics(t.Snapshot), RenderSignals(t.Signals)}
	if t.ForceStopped {
		parts = append(parts, alertStyle.Render("server stopped by resource policy"))
	}
	parts = append(parts, subtleStyle.Render("q to quit"))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
