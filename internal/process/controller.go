package process

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"ollama_run/internal/clock"
	_const "ollama_run/internal/const"
	"ollama_run/internal/logger"
	"ollama_run/model"
)

// HealthChecker reports whether the managed server accepts connections
type HealthChecker interface {
	Reachable(ctx context.Context, address string) bool
}

// TransitionLog durably records every state change
type TransitionLog interface {
	Record(ctx context.Context, t model.Transition) error
}

// Options configures a Controller
type Options struct {
	Launch        model.LaunchSpec
	HealthAddress string
	StartTimeout  time.Duration
	GracePeriod   time.Duration
	StatePath     string
	LockPath      string
	DegradeAfter  int    // consecutive warning ticks before running -> degraded
	SessionID     string // stamped on transition rows
}

// Controller owns the lifecycle state machine of the managed server.
// The state file is the source of truth shared between invocations; every
// mutation reloads it under the state lock before changing it.
type Controller struct {
	logger   *logger.Logger
	opts     Options
	platform Platform
	health   HealthChecker
	clock    clock.Clock
	history  TransitionLog
	store    *StateStore

	mutex      sync.Mutex
	state      model.PersistedState
	warnStreak int
}

// NewController loads the persisted state and returns a controller.
// history may be nil when the transition log is unavailable.
func NewController(opts Options, platform Platform, health HealthChecker, clk clock.Clock, history TransitionLog, logger *logger.Logger) (*Controller, error) {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = _const.DefaultStartTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = _const.DefaultGracePeriod
	}
	if opts.DegradeAfter <= 0 {
		opts.DegradeAfter = _const.DefaultDegradeAfter
	}
	c := &Controller{
		logger:   logger,
		opts:     opts,
		platform: platform,
		health:   health,
		clock:    clk,
		history:  history,
		store:    NewStateStore(opts.StatePath),
	}
	st, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	c.state = st
	return c, nil
}

// Current returns the in-memory copy of the state record
func (c *Controller) Current() model.PersistedState {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// ManagedPIDs returns the server and worker PIDs, empty when nothing is managed
func (c *Controller) ManagedPIDs() []int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.state.Process == nil || !c.state.State.Active() {
		return nil
	}
	return c.state.Process.PIDs()
}

// Start launches the server at priority and waits for it to become healthy
func (c *Controller) Start(ctx context.Context, priority model.Priority) (model.ProcessRecord, error) {
	var rec model.ProcessRecord
	err := c.withLock(ctx, func() error {
		switch c.state.State {
		case model.StateStarting, model.StateRunning, model.StateDegraded:
			return fmt.Errorf("%w (PID: %d)", ErrAlreadyRunning, c.state.Process.PID)
		case model.StateStopping:
			return fmt.Errorf("%w: stop in progress", ErrBusy)
		}
		if c.health.Reachable(ctx, c.opts.HealthAddress) {
			return fmt.Errorf("%w: %s is already serving (unmanaged instance)", ErrAlreadyRunning, c.opts.HealthAddress)
		}

		if err := c.transition(ctx, model.StateStarting, fmt.Sprintf("start requested (priority %s)", priority)); err != nil {
			return err
		}

		spec := c.opts.Launch
		spec.Nice = priority.Nice()
		c.logger.Info("Starting server: %s %v (priority %s)", spec.Command, spec.Args, priority)

		pid, err := c.platform.Launch(spec)
		if err != nil {
			c.abortStart(ctx, 0, fmt.Sprintf("spawn failed: %v", err))
			return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		c.state.Process = &model.ProcessRecord{PID: pid, StartedAt: c.clock.Now(), Priority: priority}
		if err := c.save(); err != nil {
			c.logger.Warn("Failed to persist starting record: %v", err)
		}

		if spec.Nice != 0 {
			if err := c.platform.SetNice(pid, spec.Nice); err != nil {
				c.abortStart(ctx, pid, fmt.Sprintf("priority %s rejected: %v", priority, err))
				if errors.Is(err, ErrPermissionDenied) {
					return err
				}
				return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
			}
		}

		if err := c.waitHealthy(ctx, pid); err != nil {
			c.abortStart(ctx, pid, err.Error())
			return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}

		c.state.Process.Workers = c.platform.Workers(pid)
		if err := c.transition(ctx, model.StateRunning, "healthy"); err != nil {
			return err
		}
		c.logger.Info("Server started with PID: %d", pid)
		rec = *c.state.Process
		return nil
	})
	return rec, err
}

// waitHealthy polls liveness and the health address until StartTimeout elapses
func (c *Controller) waitHealthy(ctx context.Context, pid int) error {
	deadline := c.clock.Now().Add(c.opts.StartTimeout)
	for {
		if !c.platform.Alive(pid) {
			return fmt.Errorf("server (PID: %d) exited during startup", pid)
		}
		if c.health.Reachable(ctx, c.opts.HealthAddress) {
			return nil
		}
		if !c.clock.Now().Before(deadline) {
			return fmt.Errorf("server not reachable at %s after %s", c.opts.HealthAddress, c.opts.StartTimeout)
		}
		if err := c.clock.Sleep(ctx, _const.HealthPollInterval); err != nil {
			return fmt.Errorf("start interrupted: %w", err)
		}
	}
}

// abortStart kills a half-started server and returns to Stopped
func (c *Controller) abortStart(ctx context.Context, pid int, reason string) {
	if pid > 0 {
		pids := append([]int{pid}, c.platform.Workers(pid)...)
		for _, p := range pids {
			if err := c.platform.Kill(p); err != nil {
				c.logger.Warn("Failed to kill PID %d: %v", p, err)
			}
		}
	}
	c.logger.Error("Start failed: %s", reason)
	if err := c.transition(ctx, model.StateStopped, reason); err != nil {
		c.logger.Error("Failed to persist stopped state: %v", err)
	}
}

// Stop terminates the server and its workers: SIGTERM, GracePeriod, then SIGKILL.
// Stopping an already stopped service is a no-op. ErrBusy is returned while
// another invocation holds the state lock, including one that is mid-stop.
func (c *Controller) Stop(ctx context.Context, reason string) error {
	return c.withLock(ctx, func() error {
		switch c.state.State {
		case model.StateStopped:
			c.logger.Info("Server is not running")
			return nil
		case model.StateStarting:
			// Starting has no edge to Stopping
			c.killAll(c.trackedPIDs())
			return c.transition(ctx, model.StateStopped, reason)
		case model.StateStopping:
			// Holding the lock means the stop that wrote this record died; finish it
			c.logger.Warn("Resuming interrupted stop")
		default:
			if err := c.transition(ctx, model.StateStopping, reason); err != nil {
				return err
			}
		}

		pids := c.trackedPIDs()
		c.logger.Info("Stopping server (PIDs: %v): %s", pids, reason)

		var errs error
		for _, pid := range pids {
			errs = multierr.Append(errs, c.platform.Terminate(pid))
		}
		if errs != nil {
			c.logger.Warn("SIGTERM failed: %v", errs)
		}

		survivors := c.waitExit(ctx, pids, c.opts.GracePeriod)
		if len(survivors) > 0 {
			c.logger.Warn("%v: PIDs %v, sending SIGKILL", ErrUnresponsive, survivors)
			c.killAll(survivors)
			if left := c.waitExit(ctx, survivors, _const.ExitPollInterval*10); len(left) > 0 {
				c.logger.Error("PIDs %v still present after SIGKILL", left)
			}
		} else {
			c.logger.Info("Server stopped gracefully")
		}

		return c.transition(ctx, model.StateStopped, reason)
	})
}

// trackedPIDs returns the server, its live descendants and any recorded
// worker that still looks like one of ours. Callers have reconciled first.
func (c *Controller) trackedPIDs() []int {
	rec := c.state.Process
	if rec == nil {
		return nil
	}
	pids := []int{rec.PID}
	for _, w := range rec.Workers {
		if c.owns(w, rec.StartedAt, true) {
			pids = append(pids, w)
		}
	}
	for _, w := range c.platform.Workers(rec.PID) {
		if !slices.Contains(pids, w) {
			pids = append(pids, w)
		}
	}
	return pids
}

func (c *Controller) killAll(pids []int) {
	var errs error
	for _, pid := range pids {
		errs = multierr.Append(errs, c.platform.Kill(pid))
	}
	for _, err := range multierr.Errors(errs) {
		c.logger.Error("Failed to kill process: %v", err)
	}
}

// waitExit polls until every pid is gone or timeout elapses and returns the survivors.
// It keeps waiting through ctx cancellation so a stop is never left half done.
func (c *Controller) waitExit(ctx context.Context, pids []int, timeout time.Duration) []int {
	deadline := c.clock.Now().Add(timeout)
	for {
		var alive []int
		for _, pid := range pids {
			if c.platform.Alive(pid) {
				alive = append(alive, pid)
			}
		}
		if len(alive) == 0 || !c.clock.Now().Before(deadline) {
			return alive
		}
		pids = alive
		c.clock.Sleep(context.WithoutCancel(ctx), _const.ExitPollInterval)
	}
}

// Status re-validates the persisted record against actual liveness without modifying it
func (c *Controller) Status(ctx context.Context) (model.Status, error) {
	st, err := c.store.Load()
	if err != nil {
		return model.Status{}, err
	}
	c.mutex.Lock()
	c.state = st
	c.mutex.Unlock()

	status := model.Status{State: st.State, Process: st.Process, Snapshot: st.LastSnapshot}
	switch {
	case st.State == model.StateStopped:
	case st.State == model.StateStarting && st.Process == nil && c.lockHeld():
		// spawn in progress in another invocation
	case !c.processAlive(st.Process):
		status.State = model.StateStopped
		status.Process = nil
	}
	return status, nil
}

// lockHeld reports whether another invocation holds the state lock
func (c *Controller) lockHeld() bool {
	release, err := acquireLock(c.opts.LockPath)
	if err != nil {
		return errors.Is(err, ErrBusy)
	}
	release()
	return false
}

// Refresh reloads the state file and records a server that exited behind our back
func (c *Controller) Refresh(ctx context.Context) error {
	st, err := c.store.Load()
	if err != nil {
		return err
	}
	c.mutex.Lock()
	c.state = st
	c.mutex.Unlock()

	if st.State == model.StateStopped || c.processAlive(st.Process) {
		return nil
	}
	// withLock reconciles
	return c.withLock(ctx, func() error { return nil })
}

// Throttle lowers the server's priority one step; it is a no-op at the lowest priority
func (c *Controller) Throttle(ctx context.Context, reason string) error {
	return c.withLock(ctx, func() error {
		if !c.state.State.Active() || c.state.Process == nil {
			return nil
		}
		rec := c.state.Process
		next, ok := rec.Priority.Lower()
		if !ok {
			c.logger.Debug("Server already at lowest priority")
			return nil
		}

		var errs error
		for _, pid := range c.trackedPIDs() {
			err := c.platform.SetNice(pid, next.Nice())
			if errors.Is(err, ErrNoProcess) {
				c.logger.Debug("PID %d exited before renice", pid)
				continue
			}
			errs = multierr.Append(errs, err)
		}
		if errs != nil {
			return fmt.Errorf("failed to lower priority: %w", errs)
		}
		c.logger.Warn("Lowered server priority %s -> %s: %s", rec.Priority, next, reason)
		rec.Priority = next
		return c.save()
	})
}

// ObserveSignals drives Running <-> Degraded from one tick's policy output
func (c *Controller) ObserveSignals(ctx context.Context, signals []model.Signal) error {
	c.mutex.Lock()
	worst := model.MostSevere(signals)
	switch {
	case worst == model.SignalWarn || worst == model.SignalThrottle:
		c.warnStreak++
	case len(signals) == 0:
		c.warnStreak = 0
	}
	streak, state := c.warnStreak, c.state.State
	c.mutex.Unlock()

	switch {
	case state == model.StateRunning && streak >= c.opts.DegradeAfter:
		return c.withLock(ctx, func() error {
			if c.state.State != model.StateRunning {
				return nil
			}
			return c.transition(ctx, model.StateDegraded, fmt.Sprintf("resource warnings for %d consecutive ticks", streak))
		})
	case state == model.StateDegraded && len(signals) == 0:
		return c.withLock(ctx, func() error {
			if c.state.State != model.StateDegraded {
				return nil
			}
			return c.transition(ctx, model.StateRunning, "resources back within thresholds")
		})
	}
	return nil
}

// RecordSnapshot caches the latest snapshot in the state record
func (c *Controller) RecordSnapshot(ctx context.Context, snap model.Snapshot) error {
	return c.withLock(ctx, func() error {
		at := snap.Timestamp
		c.state.LastSnapshot = &snap
		c.state.LastSnapshotAt = &at
		return c.save()
	})
}

// withLock takes the state lock, reloads the record, reconciles liveness and runs fn
func (c *Controller) withLock(ctx context.Context, fn func() error) error {
	release, err := acquireLock(c.opts.LockPath)
	if err != nil {
		return err
	}
	defer release()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	st, err := c.store.Load()
	if err != nil {
		return err
	}
	c.state = st
	if err := c.reconcile(ctx); err != nil {
		return err
	}
	return fn()
}

// reconcile moves a record whose process vanished to Stopped.
// This is the only change allowed outside the transition table.
func (c *Controller) reconcile(ctx context.Context) error {
	if c.state.State == model.StateStopped || c.processAlive(c.state.Process) {
		return nil
	}
	from := c.state.State
	pid := 0
	if c.state.Process != nil {
		pid = c.state.Process.PID
	}
	c.logger.Warn("Server (PID: %d) is gone, recorded state was %s", pid, from)
	c.state.State = model.StateStopped
	c.state.Process = nil
	c.state.UpdatedAt = c.clock.Now()
	if err := c.save(); err != nil {
		return err
	}
	c.record(ctx, from, model.StateStopped, pid, "process exited")
	return nil
}

// processAlive is true when the recorded server PID is live and still the
// process we launched, not an unrelated one that reused the PID
func (c *Controller) processAlive(rec *model.ProcessRecord) bool {
	return rec != nil && c.owns(rec.PID, rec.StartedAt, false)
}

// owns matches pid against the configured command and the recorded start.
// The server must have been created within StartTimeTolerance of startedAt;
// a worker only needs to be younger than the server.
func (c *Controller) owns(pid int, startedAt time.Time, worker bool) bool {
	info, ok := c.platform.Inspect(pid)
	if !ok {
		return false
	}
	if !matchesCommand(info, c.opts.Launch.Command) {
		c.logger.Debug("PID %d is %q, not %s", pid, info.Name, c.opts.Launch.Command)
		return false
	}
	if info.CreatedAt.IsZero() || startedAt.IsZero() {
		return true
	}
	if worker {
		return !info.CreatedAt.Before(startedAt.Add(-_const.StartTimeTolerance))
	}
	d := info.CreatedAt.Sub(startedAt)
	if d < 0 {
		d = -d
	}
	if d > _const.StartTimeTolerance {
		c.logger.Debug("PID %d was created at %s, server started at %s", pid, info.CreatedAt, startedAt)
		return false
	}
	return true
}

// matchesCommand compares the executable name, which the kernel may truncate,
// and argv[0] against command
func matchesCommand(info ProcessInfo, command string) bool {
	want := strings.ToLower(filepath.Base(command))
	if want == "" || want == "." {
		return true
	}
	if name := strings.ToLower(info.Name); name != "" && (name == want || strings.HasPrefix(want, name) && len(name) >= 15) {
		return true
	}
	if len(info.Cmdline) > 0 && strings.ToLower(filepath.Base(info.Cmdline[0])) == want {
		return true
	}
	return false
}

// transition applies one edge of the state machine; callers hold the lock
func (c *Controller) transition(ctx context.Context, to model.ServiceState, reason string) error {
	from := c.state.State
	if !from.CanTransitionTo(to) {
		c.logger.Warn("Ignoring invalid transition %s -> %s", from, to)
		return nil
	}
	pid := 0
	if c.state.Process != nil {
		pid = c.state.Process.PID
	}
	c.state.State = to
	c.state.UpdatedAt = c.clock.Now()
	if to == model.StateStopped {
		c.state.Process = nil
	}
	if err := c.save(); err != nil {
		return err
	}
	c.logger.Info("Service %s -> %s: %s", from, to, reason)
	c.record(ctx, from, to, pid, reason)
	return nil
}

func (c *Controller) record(ctx context.Context, from, to model.ServiceState, pid int, reason string) {
	if c.history == nil {
		return
	}
	// a cancelled caller must not lose the row
	err := c.history.Record(context.WithoutCancel(ctx), model.Transition{
		At:        c.clock.Now(),
		SessionID: c.opts.SessionID,
		From:      from,
		To:        to,
		PID:       pid,
		Reason:    reason,
	})
	if err != nil {
		c.logger.Warn("Failed to record transition: %v", err)
	}
}

func (c *Controller) save() error {
	return c.store.Save(c.state)
}
