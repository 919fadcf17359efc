package ui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ollama_run/internal/monitor"
	"ollama_run/model"
)

func sampleTick() monitor.Tick {
	return monitor.Tick{
		Iteration: 3,
		State:     model.StateDegraded,
		Snapshot: model.Snapshot{
			Timestamp:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			CPUPercent:    91,
			MemoryPercent: 40,
			MemoryUsedMB:  6144,
			GPUs: []model.GPU{{
				Index: 0, Name: "RTX 4090", MemoryUsedMB: 1000, MemoryTotalMB: 24000,
				TemperatureC: model.Float(60),
			}},
			Battery:   &model.Battery{Percent: 55},
			Processes: []model.ProcessStats{{PID: 4242, Name: "ollama", RSSMB: 900, GPUMemoryMB: 3100}},
		},
		Signals: []model.Signal{{Kind: model.SignalWarn, Cause: "cpu_percent", Value: 91, Threshold: 80, Reason: "high CPU usage"}},
	}
}

func TestModelRendersTicks(t *testing.T) {
	ch := make(chan monitor.Tick, 1)
	m := New(ch, nil)
	assert.Contains(t, m.View(), "waiting for first sample")

	next, cmd := m.Update(tickMsg(sampleTick()))
	require.NotNil(t, cmd, "keeps listening for ticks")
	view := next.View()
	assert.Contains(t, view, "degraded")
	assert.Contains(t, view, "tick 3")
	assert.Contains(t, view, "RTX 4090")
	assert.Contains(t, view, "high CPU usage")
	assert.Contains(t, view, "4242")
	assert.Contains(t, view, "3100")
}

func TestModelQuit(t *testing.T) {
	quitCalled := false
	m := New(make(chan monitor.Tick), func() { quitCalled = true })

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.True(t, quitCalled)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestWaitForTickEndsWithStream(t *testing.T) {
	ch := make(chan monitor.Tick)
	close(ch)
	m := New(ch, nil)
	require.NotNil(t, m.Init())

	msg := waitForTick(ch)()
	assert.IsType(t, streamEndMsg{}, msg)
	_, cmd := m.Update(msg)
	require.NotNil(t, cmd)
	assert.True(t, m.done)
}

func TestSpinnerStopsAfterFirstTick(t *testing.T) {
	m := New(make(chan monitor.Tick, 1), nil)
	tick := m.spinner.Tick()

	_, cmd := m.Update(tick)
	assert.NotNil(t, cmd, "spinner keeps animating while waiting")

	m.Update(tickMsg(sampleTick()))
	_, cmd = m.Update(m.spinner.Tick())
	assert.Nil(t, cmd)
}

func TestRenderStatus(t *testing.T) {
	snap := sampleTick().Snapshot
	st := model.Status{
		State: model.StateRunning,
		Process: &model.ProcessRecord{
			PID: 4242, Workers: []int{4243}, Priority: model.PriorityLow,
			StartedAt: time.Now().Add(-time.Minute),
		},
		Snapshot: &snap,
	}
	out := RenderStatus(st, &model.HealthStatus{Address: "127.0.0.1:11434", Reachable: true})
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "4242")
	assert.Contains(t, out, "low (nice 10)")
	assert.Contains(t, out, "127.0.0.1:11434 is accepting connections")
	assert.Contains(t, out, "Battery")

	stopped := RenderStatus(model.Status{State: model.StateStopped}, nil)
	assert.Contains(t, stopped, "stopped")
	assert.NotContains(t, stopped, "PID")
}

func TestRenderThresholdsAndHistory(t *testing.T) {
	out := RenderThresholds(model.DefaultThresholds())
	assert.Contains(t, out, "throttle at 90C")
	assert.Contains(t, out, "stop below 10%")

	assert.Contains(t, RenderHistory(nil), "no transitions")
	hist := RenderHistory([]model.Transition{{
		At: time.Now(), SessionID: "0f8fad5b-d9cb-469f-a165-70867728950e",
		From: model.StateRunning, To: model.StateStopping, PID: 4242, Reason: "critical battery",
	}})
	assert.Contains(t, hist, "critical battery")
	assert.Contains(t, hist, "0f8fad5")
}

func TestRenderSignals(t *testing.T) {
	assert.Contains(t, RenderSignals(nil), "within thresholds")
	out := RenderSignals([]model.Signal{{Kind: model.SignalForceStop, Cause: "battery", Value: 5, Threshold: 10, Reason: "critical battery"}})
	assert.Contains(t, out, "force_stop")
}
