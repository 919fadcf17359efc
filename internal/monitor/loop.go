package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ollama_run/internal/clock"
	_const "ollama_run/internal/const"
	"ollama_run/internal/logger"
	"ollama_run/internal/policy"
	"ollama_run/internal/process"
	"ollama_run/model"
)

// Controller is the part of the service controller the loop drives
type Controller interface {
	ManagedPIDs() []int
	Current() model.PersistedState
	Refresh(ctx context.Context) error
	RecordSnapshot(ctx context.Context, snap model.Snapshot) error
	ObserveSignals(ctx context.Context, signals []model.Signal) error
	Throttle(ctx context.Context, reason string) error
	Stop(ctx context.Context, reason string) error
}

// ChangeSource reports external changes to the state file
type ChangeSource interface {
	Consume() bool
}

// Tick is the outcome of one loop iteration
type Tick struct {
	Iteration    int
	State        model.ServiceState
	Snapshot     model.Snapshot
	Signals      []model.Signal
	ForceStopped bool
}

// Options controls one Run
type Options struct {
	Interval      time.Duration
	MaxIterations int // 0 runs until ctx is cancelled
	OnTick        func(Tick)
}

// LoopConfig holds the loop's fixed settings
type LoopConfig struct {
	Thresholds model.Thresholds
	Interval   time.Duration
	WarnEvery  int // full warning detail at most once per this many ticks per cause
}

// Loop samples, evaluates and acts once per interval on a single goroutine
type Loop struct {
	logger  *logger.Logger
	sampler Sampler
	ctrl    Controller
	clock   clock.Clock
	config  LoopConfig
	changes ChangeSource

	limiters   map[string]*rate.Limiter
	suppressed map[string]int
	iteration  int
}

// NewLoop creates a loop
func NewLoop(config LoopConfig, sampler Sampler, ctrl Controller, clk clock.Clock, logger *logger.Logger) *Loop {
	if config.Interval <= 0 {
		config.Interval = _const.DefaultMonitorInterval
	}
	if config.WarnEvery <= 0 {
		config.WarnEvery = _const.DefaultWarnEvery
	}
	return &Loop{
		logger:     logger,
		sampler:    sampler,
		ctrl:       ctrl,
		clock:      clk,
		config:     config,
		limiters:   make(map[string]*rate.Limiter),
		suppressed: make(map[string]int),
	}
}

// WatchChanges makes the loop refresh the controller when src reports a change
func (l *Loop) WatchChanges(src ChangeSource) {
	l.changes = src
}

// Run ticks until ctx is cancelled, MaxIterations is reached or a ForceStop
// signal has stopped the server. Cancellation is only observed between ticks.
func (l *Loop) Run(ctx context.Context, opts Options) error {
	if opts.Interval > 0 && opts.Interval != l.config.Interval {
		l.config.Interval = opts.Interval
		// limiter rates depend on the interval
		l.limiters = make(map[string]*rate.Limiter)
	}
	l.logger.Info("Monitoring every %s", l.config.Interval)

	for n := 1; ; n++ {
		if ctx.Err() != nil {
			l.logger.Info("Monitor stopped")
			return nil
		}

		tick := l.Step(ctx)
		if opts.OnTick != nil {
			opts.OnTick(tick)
		}
		if tick.ForceStopped {
			l.logger.Warn("Server stopped by resource policy, monitor exiting")
			return nil
		}
		if opts.MaxIterations > 0 && n >= opts.MaxIterations {
			return nil
		}
		if err := l.clock.Sleep(ctx, l.config.Interval); err != nil {
			l.logger.Info("Monitor stopped")
			return nil
		}
	}
}

// Step runs one tick to completion regardless of ctx cancellation
func (l *Loop) Step(ctx context.Context) Tick {
	ctx = context.WithoutCancel(ctx)
	l.iteration++

	if l.changes != nil && l.changes.Consume() {
		if err := l.ctrl.Refresh(ctx); err != nil {
			l.logger.Warn("Failed to reload service state: %v", err)
		}
	}

	snap := l.sampler.Sample(ctx, l.ctrl.ManagedPIDs())
	signals := policy.Evaluate(snap, l.config.Thresholds)
	l.logger.Info("%s", Summarize(snap))

	if err := l.ctrl.RecordSnapshot(ctx, snap); err != nil {
		l.logger.Debug("Snapshot not persisted: %v", err)
	}
	if err := l.ctrl.ObserveSignals(ctx, signals); err != nil {
		l.logger.Warn("Failed to update service state: %v", err)
	}

	tick := Tick{Iteration: l.iteration, Snapshot: snap, Signals: signals}
	stopTried := false
	firing := make(map[string]bool, len(signals))
	for _, sig := range signals {
		firing[sig.Cause] = true
		switch sig.Kind {
		case model.SignalWarn:
			l.warn(sig)
		case model.SignalThrottle:
			l.warn(sig)
			if err := l.ctrl.Throttle(ctx, sig.Reason); err != nil {
				l.logger.Error("Failed to throttle server: %v", err)
			}
		case model.SignalForceStop:
			if stopTried {
				continue
			}
			stopTried = true
			l.logger.Error("%s, stopping server", sig)
			err := l.ctrl.Stop(ctx, sig.Reason)
			if errors.Is(err, process.ErrBusy) {
				// another invocation holds the state lock; retried next tick while the cause fires
				l.logger.Info("Service state is locked, stop deferred")
				continue
			}
			if err != nil {
				l.logger.Error("Failed to stop server: %v", err)
			}
			tick.ForceStopped = true
		}
	}
	l.clearResolved(firing)

	tick.State = l.ctrl.Current().State
	return tick
}

// warn logs full detail at most once per WarnEvery ticks while a cause keeps firing
func (l *Loop) warn(sig model.Signal) {
	lim, ok := l.limiters[sig.Cause]
	if !ok {
		every := l.config.Interval * time.Duration(l.config.WarnEvery)
		lim = rate.NewLimiter(rate.Every(every), 1)
		l.limiters[sig.Cause] = lim
	}
	if !lim.AllowN(l.clock.Now(), 1) {
		l.suppressed[sig.Cause]++
		l.logger.Debug("%s (repeated)", sig)
		return
	}
	if n := l.suppressed[sig.Cause]; n > 0 {
		l.logger.Warn("%s (repeated %d times since last report)", sig, n)
		l.suppressed[sig.Cause] = 0
		return
	}
	l.logger.Warn("%s", sig)
}

// clearResolved forgets causes that stopped firing so a recurrence reports at once
func (l *Loop) clearResolved(firing map[string]bool) {
	for cause := range l.limiters {
		if firing[cause] {
			continue
		}
		l.logger.Info("Resolved: %s", cause)
		delete(l.limiters, cause)
		delete(l.suppressed, cause)
	}
}

// Summarize renders a one-line metrics summary
func Summarize(s model.Snapshot) string {
	parts := []string{}
	if s.Available(model.FieldCPU) {
		parts = append(parts, fmt.Sprintf("CPU %.1f%%", s.CPUPercent))
	}
	if s.Available(model.FieldMemory) {
		parts = append(parts, fmt.Sprintf("Mem %.1f%% (%.0f MB)", s.MemoryPercent, s.MemoryUsedMB))
	}
	if s.Available(model.FieldDisk) {
		parts = append(parts, fmt.Sprintf("Disk %.1f%%", s.DiskUsagePercent))
	}
	if s.CPUTemperatureC != nil {
		parts = append(parts, fmt.Sprintf("Temp %.1fC", *s.CPUTemperatureC))
	}
	if s.Network != nil {
		parts = append(parts, fmt.Sprintf("Net up %.1f/down %.1f Mbps", s.Network.UploadMbps, s.Network.DownloadMbps))
	}
	if s.Battery != nil {
		state := "discharging"
		if s.Battery.Charging {
			state = "charging"
		}
		parts = append(parts, fmt.Sprintf("Battery %.0f%% %s", s.Battery.Percent, state))
	}
	for _, g := range s.GPUs {
		if pct, ok := g.MemoryPercent(); ok {
			parts = append(parts, fmt.Sprintf("GPU%d mem %.1f%%", g.Index, pct))
		}
	}
	for _, p := range s.Processes {
		line := fmt.Sprintf("PID %d %.1f%% CPU %.0f MB", p.PID, p.CPUPercent, p.RSSMB)
		if p.GPUMemoryMB > 0 {
			line += fmt.Sprintf(" %.0f MB GPU", p.GPUMemoryMB)
		}
		parts = append(parts, line)
	}
	if len(s.Unavailable) > 0 {
		parts = append(parts, "unavailable: "+strings.Join(s.Unavailable, ","))
	}
	return strings.Join(parts, " | ")
}
