package _const

import "time"

// Timing constants
const (
	DefaultMonitorInterval = 60 * time.Second // polling interval of the monitor loop
	DefaultStartTimeout    = 15 * time.Second // wait for the server to become healthy
	DefaultGracePeriod     = 10 * time.Second // SIGTERM -> SIGKILL escalation
	DefaultProbeTimeout    = 800 * time.Millisecond
	HealthPollInterval     = 250 * time.Millisecond
	ExitPollInterval       = 200 * time.Millisecond
	HealthDialTimeout      = 500 * time.Millisecond
	GPUQueryTimeout        = 400 * time.Millisecond
	FirstCPUSampleWindow   = 200 * time.Millisecond
	StartTimeTolerance     = 5 * time.Second // recorded start vs OS create time of a reused PID

	// Publisher
	PublishWriteTimeout = 5 * time.Second
	RetryInterval       = 5 * time.Second
	MaxRetryInterval    = 60 * time.Second
	HandshakeTimeout    = 10 * time.Second
)
