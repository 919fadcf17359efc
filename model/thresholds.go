package model

// Thresholds are the resource limits the policy compares snapshots against.
type Thresholds struct {
	CPUPercentWarning         float64 `json:"cpu_percent_warning" yaml:"cpu_percent_warning" validate:"gt=0,lte=100"`
	MemoryPercentWarning      float64 `json:"memory_percent_warning" yaml:"memory_percent_warning" validate:"gt=0,lte=100"`
	GPUMemoryPercentWarning   float64 `json:"gpu_memory_percent_warning" yaml:"gpu_memory_percent_warning" validate:"gt=0,lte=100"`
	TemperatureWarningCelsius float64 `json:"temperature_warning_celsius" yaml:"temperature_warning_celsius" validate:"gt=0,lt=150"`
	BatteryMinimumPercent     float64 `json:"battery_minimum_percent" yaml:"battery_minimum_percent" validate:"gte=0,lte=100"`
	NetworkWarningMbps        float64 `json:"network_warning_mbps" yaml:"network_warning_mbps" validate:"gt=0"`
	DiskUsageWarning          float64 `json:"disk_usage_warning" yaml:"disk_usage_warning" validate:"gt=0,lte=100"`
}

// DefaultThresholds returns the built-in limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPercentWarning:         80,
		MemoryPercentWarning:      80,
		GPUMemoryPercentWarning:   80,
		TemperatureWarningCelsius: 80,
		BatteryMinimumPercent:     20,
		NetworkWarningMbps:        100,
		DiskUsageWarning:          90,
	}
}
