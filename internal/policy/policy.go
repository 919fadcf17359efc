// Package policy maps a metrics snapshot and thresholds to advisory and
// actionable signals. Evaluation is pure: equal inputs give equal outputs.
package policy

import (
	"fmt"

	"ollama_run/model"
)

// ThrottleMargin is how far above the temperature warning a sensor must be
// before the managed server is deprioritised.
const ThrottleMargin = 10.0

// Causes that are not per-device.
const (
	CauseCPU         = "cpu_percent"
	CauseMemory      = "memory_percent"
	CauseTemperature = "cpu_temperature_c"
	CauseBattery     = "battery"
	CauseDisk        = "disk_usage_percent"
	CauseNetwork     = "network_mbps"
)

// Evaluate checks every available metric independently and returns at most
// one signal per cause, the most severe one. Metrics named in
// snapshot.Unavailable and absent optional sensors are skipped.
func Evaluate(s model.Snapshot, t model.Thresholds) []model.Signal {
	var out []model.Signal
	add := func(sig model.Signal, ok bool) {
		if ok {
			out = append(out, sig)
		}
	}

	if s.Available(model.FieldCPU) {
		add(atLeast(CauseCPU, CauseCPU, s.CPUPercent, t.CPUPercentWarning, "high CPU usage"))
	}
	if s.Available(model.FieldMemory) {
		add(atLeast(CauseMemory, CauseMemory, s.MemoryPercent, t.MemoryPercentWarning, "high memory usage"))
	}
	if s.Available(model.FieldGPU) {
		for _, g := range s.GPUs {
			if pct, ok := g.MemoryPercent(); ok {
				add(atLeast(fmt.Sprintf("gpu%d_memory_percent", g.Index), "gpu_memory_percent", pct,
					t.GPUMemoryPercentWarning, fmt.Sprintf("high GPU memory usage on %s", g.Name)))
			}
		}
	}
	if s.CPUTemperatureC != nil && s.Available(model.FieldTemperature) {
		add(temperature(CauseTemperature, *s.CPUTemperatureC, t.TemperatureWarningCelsius, "CPU"))
	}
	if s.Available(model.FieldGPU) {
		for _, g := range s.GPUs {
			if g.TemperatureC != nil {
				add(temperature(fmt.Sprintf("gpu%d_temperature_c", g.Index), *g.TemperatureC,
					t.TemperatureWarningCelsius, "GPU "+g.Name))
			}
		}
	}
	if s.Battery != nil && s.Available(model.FieldBattery) {
		add(battery(*s.Battery, t.BatteryMinimumPercent))
	}
	if s.Available(model.FieldDisk) {
		add(atLeast(CauseDisk, CauseDisk, s.DiskUsagePercent, t.DiskUsageWarning, "disk almost full"))
	}
	if s.Network != nil && s.Available(model.FieldNetwork) {
		add(atLeast(CauseNetwork, CauseNetwork, s.Network.Peak(), t.NetworkWarningMbps, "high network throughput"))
	}
	return out
}

func atLeast(cause, metric string, value, threshold float64, reason string) (model.Signal, bool) {
	if value < threshold {
		return model.Signal{}, false
	}
	return model.Signal{
		Kind:      model.SignalWarn,
		Cause:     cause,
		Metric:    metric,
		Value:     value,
		Threshold: threshold,
		Reason:    reason,
	}, true
}

func temperature(cause string, value, warn float64, sensor string) (model.Signal, bool) {
	switch {
	case value >= warn+ThrottleMargin:
		return model.Signal{
			Kind:      model.SignalThrottle,
			Cause:     cause,
			Metric:    "temperature_c",
			Value:     value,
			Threshold: warn + ThrottleMargin,
			Reason:    fmt.Sprintf("%s temperature critical", sensor),
		}, true
	case value >= warn:
		return model.Signal{
			Kind:      model.SignalWarn,
			Cause:     cause,
			Metric:    "temperature_c",
			Value:     value,
			Threshold: warn,
			Reason:    fmt.Sprintf("high %s temperature", sensor),
		}, true
	}
	return model.Signal{}, false
}

// battery only fires while discharging
func battery(b model.Battery, minimum float64) (model.Signal, bool) {
	if b.Charging {
		return model.Signal{}, false
	}
	switch {
	case b.Percent < minimum/2:
		return model.Signal{
			Kind:      model.SignalForceStop,
			Cause:     CauseBattery,
			Metric:    "battery_percent",
			Value:     b.Percent,
			Threshold: minimum / 2,
			Reason:    "critical battery",
		}, true
	case b.Percent < minimum:
		return model.Signal{
			Kind:      model.SignalWarn,
			Cause:     CauseBattery,
			Metric:    "battery_percent",
			Value:     b.Percent,
			Threshold: minimum,
			Reason:    "low battery",
		}, true
	}
	return model.Signal{}, false
}
