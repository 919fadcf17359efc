package model

import (
	"slices"
	"time"
)

// Field names used in Snapshot.Unavailable.
const (
	FieldCPU         = "cpu_percent"
	FieldMemory      = "memory_percent"
	FieldDisk        = "disk_usage_percent"
	FieldNetwork     = "network"
	FieldGPU         = "gpus"
	FieldTemperature = "cpu_temperature_c"
	FieldBattery     = "battery"
	FieldProcesses   = "processes"
)

// GPU is a single device reading. Optional values are nil when the driver reports N/A.
type GPU struct {
	Index              int      `json:"index"`
	Name               string   `json:"name"`
	MemoryUsedMB       float64  `json:"memory_used_mb"`
	MemoryTotalMB      float64  `json:"memory_total_mb"`
	UtilizationPercent float64  `json:"utilization_percent"`
	TemperatureC       *float64 `json:"temperature_c,omitempty"`
	PowerW             *float64 `json:"power_w,omitempty"`
}

// MemoryPercent returns used/total memory as a percentage; ok is false when total is unknown.
func (g GPU) MemoryPercent() (pct float64, ok bool) {
	if g.MemoryTotalMB <= 0 {
		return 0, false
	}
	return g.MemoryUsedMB * 100 / g.MemoryTotalMB, true
}

// Battery is present only on machines that expose one.
type Battery struct {
	Percent          float64 `json:"percent"`
	Charging         bool    `json:"charging"`
	MinutesRemaining *int    `json:"minutes_remaining,omitempty"`
}

// Network holds throughput since the previous sample.
type Network struct {
	UploadMbps   float64 `json:"upload_mbps"`
	DownloadMbps float64 `json:"download_mbps"`
}

// Peak returns the larger of the two directions.
func (n Network) Peak() float64 {
	return max(n.UploadMbps, n.DownloadMbps)
}

// ProcessStats describes one tracked server or worker process.
type ProcessStats struct {
	PID         int     `json:"pid"`
	Name        string  `json:"name"`
	CPUPercent  float64 `json:"cpu_percent"`
	RSSMB       float64 `json:"rss_mb"`
	GPUMemoryMB float64 `json:"gpu_memory_mb,omitempty"`
	Nice        int     `json:"nice"`
}

// Snapshot is one point-in-time reading of every monitored metric.
// Optional sensors are nil (or empty) when absent; reads that failed or
// timed out are named in Unavailable and must be skipped, not read as zero.
type Snapshot struct {
	Timestamp        time.Time      `json:"timestamp"`
	CPUPercent       float64        `json:"cpu_percent"`
	MemoryUsedMB     float64        `json:"memory_used_mb"`
	MemoryPercent    float64        `json:"memory_percent"`
	GPUs             []GPU          `json:"gpus,omitempty"`
	CPUTemperatureC  *float64       `json:"cpu_temperature_c,omitempty"`
	Battery          *Battery       `json:"battery,omitempty"`
	DiskUsagePercent float64        `json:"disk_usage_percent"`
	Network          *Network       `json:"network,omitempty"`
	Processes        []ProcessStats `json:"processes,omitempty"`
	Unavailable      []string       `json:"unavailable,omitempty"`
}

// Available reports whether field was read successfully.
func (s Snapshot) Available(field string) bool {
	return !slices.Contains(s.Unavailable, field)
}

// Float returns a pointer to v, for optional snapshot fields.
func Float(v float64) *float64 { return &v }
