package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"ollama_run/model"
)

// RenderStatus formats a status query for the terminal. health may be nil.
func RenderStatus(st model.Status, health *model.HealthStatus) string {
	lines := []string{
		fmt.Sprintf("State:    %s", stateStyle(st.State).Render(string(st.State))),
	}
	if p := st.Process; p != nil {
		lines = append(lines,
			fmt.Sprintf("PID:      %d", p.PID),
			fmt.Sprintf("Priority: %s (nice %d)", p.Priority, p.Priority.Nice()),
			fmt.Sprintf("Started:  %s (%s ago)", p.StartedAt.Format(time.RFC3339), time.Since(p.StartedAt).Round(time.Second)),
		)
		if len(p.Workers) > 0 {
			lines = append(lines, fmt.Sprintf("Workers:  %v", p.Workers))
		}
	}
	if health != nil {
		lines = append(lines, "Health:   "+health.String())
	}
	out := card("Service", strings.Join(lines, "\n"))

	if st.Snapshot != nil {
		out = lipgloss.JoinVertical(lipgloss.Left, out, renderMetrics(*st.Snapshot))
	}
	return out
}

// RenderThresholds lists the active limits
func RenderThresholds(t model.Thresholds) string {
	rows := []struct {
		name  string
		value string
	}{
		{"CPU usage warning", fmt.Sprintf("%.0f%%", t.CPUPercentWarning)},
		{"Memory usage warning", fmt.Sprintf("%.0f%%", t.MemoryPercentWarning)},
		{"GPU memory warning", fmt.Sprintf("%.0f%%", t.GPUMemoryPercentWarning)},
		{"Temperature warning", fmt.Sprintf("%.0fC (throttle at %.0fC)", t.TemperatureWarningCelsius, t.TemperatureWarningCelsius+10)},
		{"Battery minimum", fmt.Sprintf("%.0f%% (stop below %.0f%%)", t.BatteryMinimumPercent, t.BatteryMinimumPercent/2)},
		{"Network warning", fmt.Sprintf("%.0f Mbps", t.NetworkWarningMbps)},
		{"Disk usage warning", fmt.Sprintf("%.0f%%", t.DiskUsageWarning)},
	}
	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "%-22s %s\n", r.name, r.value)
	}
	return card("Thresholds", strings.TrimRight(b.String(), "\n"))
}

// RenderHistory renders transitions newest first
func RenderHistory(rows []model.Transition) string {
	if len(rows) == 0 {
		return subtleStyle.Render("no transitions recorded")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-9s %-9s %-9s %-7s %s\n", "time", "session", "from", "to", "pid", "reason")
	for _, r := range rows {
		pid := "-"
		if r.PID > 0 {
			pid = fmt.Sprint(r.PID)
		}
		fmt.Fprintf(&b, "%-20s %-9s %-9s %-9s %-7s %s\n",
			r.At.Local().Format("2006-01-02 15:04:05"), truncate(r.SessionID, 8),
			r.From, r.To, pid, r.Reason)
	}
	return card("History", strings.TrimRight(b.String(), "\n"))
}

// RenderSignals renders one line per signal, or a calm message
func RenderSignals(signals []model.Signal) string {
	if len(signals) == 0 {
		return okStyle.Render("all metrics within thresholds")
	}
	lines := make([]string, 0, len(signals))
	for _, s := range signals {
		lines = append(lines, kindStyle(s.Kind).Render(s.String()))
	}
	return strings.Join(lines, "\n")
}

func renderMetrics(s model.Snapshot) string {
	header := subtleStyle.Render("as of " + s.Timestamp.Local().Format("Mon Jan 2 15:04:05"))

	var sys []string
	if s.Available(model.FieldCPU) {
		sys = append(sys, "CPU    "+gaugeBar(s.CPUPercent, 24))
	}
	if s.Available(model.FieldMemory) {
		sys = append(sys, fmt.Sprintf("Memory %s %.1f GiB", gaugeBar(s.MemoryPercent, 24), s.MemoryUsedMB/1024))
	}
	if s.Available(model.FieldDisk) {
		sys = append(sys, "Disk   "+gaugeBar(s.DiskUsagePercent, 24))
	}
	if s.CPUTemperatureC != nil {
		sys = append(sys, fmt.Sprintf("Temp   %.1f°C", *s.CPUTemperatureC))
	}
	if s.Network != nil {
		sys = append(sys, fmt.Sprintf("Net    up %.1f / down %.1f Mb/s", s.Network.UploadMbps, s.Network.DownloadMbps))
	}
	if len(s.Unavailable) > 0 {
		sys = append(sys, subtleStyle.Render("unavailable: "+strings.Join(s.Unavailable, ", ")))
	}
	cards := []string{card("System", strings.Join(sys, "\n"))}

	if len(s.GPUs) > 0 {
		lines := make([]string, 0, len(s.GPUs))
		for _, g := range s.GPUs {
			line := fmt.Sprintf("%d %s %4.0f%% mem:%5.0f/%-5.0fMiB", g.Index, truncate(g.Name, 14), g.UtilizationPercent, g.MemoryUsedMB, g.MemoryTotalMB)
			if g.TemperatureC != nil {
				line += fmt.Sprintf(" %2.0f°C", *g.TemperatureC)
			}
			if g.PowerW != nil {
				line += fmt.Sprintf(" %3.0fW", *g.PowerW)
			}
			lines = append(lines, line)
		}
		cards = append(cards, card("GPU", strings.Join(lines, "\n")))
	}

	if b := s.Battery; b != nil {
		state := "discharging"
		if b.Charging {
			state = "charging"
		}
		body := fmt.Sprintf("%.0f%% (%s)", b.Percent, state)
		if b.MinutesRemaining != nil {
			body += fmt.Sprintf("\n%d min remaining", *b.MinutesRemaining)
		}
		cards = append(cards, card("Battery", body))
	}

	if len(s.Processes) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "%-14s %-7s %-3s %6s %8s %8s\n", "cmd", "pid", "ni", "cpu", "rss MB", "gpu MB")
		for _, p := range s.Processes {
			gpu := "-"
			if p.GPUMemoryMB > 0 {
				gpu = fmt.Sprintf("%.0f", p.GPUMemoryMB)
			}
			fmt.Fprintf(&b, "%-14s %-7d %3d %6.1f %8.0f %8s\n", truncate(p.Name, 14), p.PID, p.Nice, p.CPUPercent, p.RSSMB, gpu)
		}
		cards = append(cards, card("Server processes", strings.TrimRight(b.String(), "\n")))
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, lipgloss.JoinHorizontal(lipgloss.Top, cards...))
}
