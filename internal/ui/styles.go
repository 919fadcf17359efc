package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"ollama_run/model"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("45"))
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	alertStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	gaugeFill   = "█"
	gaugeEmpty  = "░"
	cardStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("60")).
			Padding(0, 1).
			MarginRight(1)
)

func stateStyle(s model.ServiceState) lipgloss.Style {
	switch s {
	case model.StateRunning:
		return okStyle
	case model.StateDegraded, model.StateStarting, model.StateStopping:
		return warnStyle
	default:
		return subtleStyle
	}
}

func kindStyle(k model.SignalKind) lipgloss.Style {
	switch k {
	case model.SignalForceStop:
		return alertStyle
	case model.SignalThrottle, model.SignalWarn:
		return warnStyle
	default:
		return okStyle
	}
}

func gaugeBar(pct float64, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int((pct / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return fmt.Sprintf("[%s%s] %5.1f%%",
		strings.Repeat(gaugeFill, filled),
		strings.Repeat(gaugeEmpty, width-filled),
		pct)
}

func card(title, body string) string {
	return cardStyle.Render(labelStyle.Render(title) + "\n" + body)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
