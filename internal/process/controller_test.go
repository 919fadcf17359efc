package process

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ollama_run/internal/clock"
	"ollama_run/internal/logger"
	"ollama_run/model"
)

type fakePlatform struct {
	mu         sync.Mutex
	nextPID    int
	alive      map[int]bool
	workers    map[int][]int
	stubborn   map[int]bool // ignores SIGTERM
	nice       map[int]int
	gone       map[int]bool // exits just before SetNice reaches it
	names      map[int]string
	created    map[int]time.Time
	now        func() time.Time
	niceCalls  int
	launchErr  error
	niceErr    error
	launched   []model.LaunchSpec
	terminated []int
	killed     []int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		nextPID:  100,
		alive:    map[int]bool{},
		workers:  map[int][]int{},
		stubborn: map[int]bool{},
		nice:     map[int]int{},
		gone:     map[int]bool{},
		names:    map[int]string{},
		created:  map[int]time.Time{},
		now:      time.Now,
	}
}

// Launch starts a server with one worker at pid+1
func (f *fakePlatform) Launch(spec model.LaunchSpec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, spec)
	if f.launchErr != nil {
		return 0, f.launchErr
	}
	pid := f.nextPID
	f.nextPID += 10
	f.alive[pid] = true
	f.alive[pid+1] = true
	f.workers[pid] = []int{pid + 1}
	f.created[pid] = f.now()
	f.created[pid+1] = f.now()
	return pid, nil
}

func (f *fakePlatform) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakePlatform) Inspect(pid int) (ProcessInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive[pid] {
		return ProcessInfo{}, false
	}
	name := "ollama"
	if n, ok := f.names[pid]; ok {
		name = n
	}
	return ProcessInfo{Name: name, Cmdline: []string{"/usr/local/bin/" + name}, CreatedAt: f.created[pid]}, true
}

func (f *fakePlatform) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	if !f.stubborn[pid] {
		f.alive[pid] = false
	}
	return nil
}

func (f *fakePlatform) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	f.alive[pid] = false
	return nil
}

func (f *fakePlatform) SetNice(pid, nice int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.niceCalls++
	if f.niceErr != nil {
		return f.niceErr
	}
	if f.gone[pid] {
		f.alive[pid] = false
		return fmt.Errorf("%w: set nice %d on PID %d", ErrNoProcess, nice, pid)
	}
	f.nice[pid] = nice
	return nil
}

func (f *fakePlatform) Workers(pid int) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive[pid] {
		return nil
	}
	return append([]int(nil), f.workers[pid]...)
}

func (f *fakePlatform) kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = false
}

func (f *fakePlatform) anyAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.alive {
		if a {
			return true
		}
	}
	return false
}

// fakeHealth answers while any fake process is alive
type fakeHealth struct {
	platform *fakePlatform
	down     bool
}

func (h *fakeHealth) Reachable(context.Context, string) bool {
	return !h.down && h.platform.anyAlive()
}

type memoryLog struct {
	mu   sync.Mutex
	rows []model.Transition
}

func (m *memoryLog) Record(_ context.Context, t model.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, t)
	return nil
}

func (m *memoryLog) edges() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, fmt.Sprintf("%s->%s", r.From, r.To))
	}
	return out
}

type harness struct {
	ctrl     *Controller
	platform *fakePlatform
	health   *fakeHealth
	clock    *clock.Fake
	history  *memoryLog
	opts     Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		platform: newFakePlatform(),
		clock:    clock.NewFake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
		history:  &memoryLog{},
		opts: Options{
			Launch:        model.LaunchSpec{Command: "ollama", Args: []string{"serve"}},
			HealthAddress: "127.0.0.1:11434",
			StartTimeout:  2 * time.Second,
			GracePeriod:   time.Second,
			StatePath:     filepath.Join(dir, "service_state.json"),
			LockPath:      filepath.Join(dir, "service.lock"),
			DegradeAfter:  3,
			SessionID:     "test-session",
		},
	}
	h.platform.now = h.clock.Now
	h.health = &fakeHealth{platform: h.platform}
	h.ctrl = h.newController(t)
	return h
}

func (h *harness) newController(t *testing.T) *Controller {
	t.Helper()
	c, err := NewController(h.opts, h.platform, h.health, h.clock, h.history, logger.NewNop())
	require.NoError(t, err)
	return c
}

func TestStartStopStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	status, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateStopped, status.State)

	rec, err := h.ctrl.Start(ctx, model.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, 100, rec.PID)
	assert.Equal(t, []int{101}, rec.Workers)
	assert.Equal(t, model.PriorityNormal, rec.Priority)
	assert.Equal(t, 0, h.platform.niceCalls, "normal priority keeps the default niceness")

	status, err = h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, status.State)
	assert.Equal(t, []int{100, 101}, h.ctrl.ManagedPIDs())

	require.NoError(t, h.ctrl.Stop(ctx, "user request"))
	assert.ElementsMatch(t, []int{100, 101}, h.platform.terminated)
	assert.Empty(t, h.platform.killed)

	status, err = h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateStopped, status.State)
	assert.Nil(t, status.Process)

	want := []string{"stopped->starting", "starting->running", "running->stopping", "stopping->stopped"}
	if diff := cmp.Diff(want, h.history.edges()); diff != "" {
		t.Errorf("transition log mismatch (-want +got):\n%s", diff)
	}
	for _, row := range h.history.rows {
		assert.Equal(t, "test-session", row.SessionID)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.ctrl.Start(ctx, model.PriorityLow)
	require.NoError(t, err)

	_, err = h.ctrl.Start(ctx, model.PriorityLow)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Len(t, h.platform.launched, 1)

	status, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, status.State)
	assert.Equal(t, first.PID, status.Process.PID)
}

func TestStartRefusesUnmanagedServer(t *testing.T) {
	h := newHarness(t)
	h.platform.alive[9999] = true

	_, err := h.ctrl.Start(context.Background(), model.PriorityNormal)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, h.platform.launched)
}

func TestStartSpawnFailure(t *testing.T) {
	h := newHarness(t)
	h.platform.launchErr = errors.New("exec: \"ollama\": executable file not found in $PATH")
	ctx := context.Background()

	_, err := h.ctrl.Start(ctx, model.PriorityHigh)
	require.ErrorIs(t, err, ErrSpawnFailed)

	status, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateStopped, status.State)
	assert.Nil(t, status.Process)
	assert.Nil(t, h.ctrl.Current().Process)
	assert.Equal(t, []string{"stopped->starting", "starting->stopped"}, h.history.edges())
}

func TestStartPriorityDenied(t *testing.T) {
	h := newHarness(t)
	h.platform.niceErr = fmt.Errorf("%w: set nice -10 on PID 100", ErrPermissionDenied)

	_, err := h.ctrl.Start(context.Background(), model.PriorityHigh)
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Contains(t, h.platform.killed, 100)
	assert.Equal(t, model.StateStopped, h.ctrl.Current().State)
	assert.Equal(t, -10, h.platform.launched[0].Nice)
}

func TestStartHealthTimeout(t *testing.T) {
	h := newHarness(t)
	h.health.down = true

	_, err := h.ctrl.Start(context.Background(), model.PriorityNormal)
	require.ErrorIs(t, err, ErrSpawnFailed)
	assert.ElementsMatch(t, []int{100, 101}, h.platform.killed)
	assert.Equal(t, model.StateStopped, h.ctrl.Current().State)

	var waited time.Duration
	for _, d := range h.clock.Sleeps() {
		waited += d
	}
	assert.GreaterOrEqual(t, waited, h.opts.StartTimeout)
}

func TestStartServerExitsDuringStartup(t *testing.T) {
	h := newHarness(t)
	h.health.down = true
	h.ctrl.platform = &exitingPlatform{fakePlatform: h.platform}

	_, err := h.ctrl.Start(context.Background(), model.PriorityNormal)
	require.ErrorIs(t, err, ErrSpawnFailed)
	assert.Contains(t, err.Error(), "exited during startup")
	assert.Equal(t, model.StateStopped, h.ctrl.Current().State)
}

// exitingPlatform launches processes that are already dead
type exitingPlatform struct {
	*fakePlatform
}

func (e *exitingPlatform) Launch(spec model.LaunchSpec) (int, error) {
	pid, err := e.fakePlatform.Launch(spec)
	if err == nil {
		e.fakePlatform.kill(pid)
		e.fakePlatform.kill(pid + 1)
	}
	return pid, err
}

func TestPersistedStateRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.ctrl.Start(ctx, model.PriorityHigh)
	require.NoError(t, err)
	snap := model.Snapshot{Timestamp: h.clock.Now(), CPUPercent: 42, MemoryPercent: 12}
	require.NoError(t, h.ctrl.RecordSnapshot(ctx, snap))

	fresh := h.newController(t)
	status, err := fresh.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, status.State)
	if diff := cmp.Diff(rec, *status.Process); diff != "" {
		t.Errorf("process record mismatch (-want +got):\n%s", diff)
	}
	require.NotNil(t, status.Snapshot)
	assert.Equal(t, 42.0, status.Snapshot.CPUPercent)

	require.NoError(t, fresh.Stop(ctx, "from another invocation"))
	status, err = h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateStopped, status.State)
}

func TestStatusDetectsVanishedProcess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Start(ctx, model.PriorityNormal)
	require.NoError(t, err)
	h.platform.kill(100)

	status, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateStopped, status.State)
	assert.Nil(t, status.Process)

	// Status is read-only
	onDisk, err := NewStateStore(h.opts.StatePath).Load()
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, onDisk.State)

	// Refresh records the exit
	require.NoError(t, h.ctrl.Refresh(ctx))
	onDisk, err = NewStateStore(h.opts.StatePath).Load()
	require.NoError(t, err)
	assert.Equal(t, model.StateStopped, onDisk.State)
	assert.Nil(t, onDisk.Process)
}

func TestStatusRejectsReusedPID(t *testing.T) {
	tests := []struct {
		name   string
		reused func(f *fakePlatform, startedAt time.Time)
	}{
		{
			name:   "different program",
			reused: func(f *fakePlatform, _ time.Time) { f.names[100] = "sleep" },
		},
		{
			name:   "same program started later",
			reused: func(f *fakePlatform, at time.Time) { f.created[100] = at.Add(3 * time.Hour) },
		},
		{
			name:   "same program started earlier",
			reused: func(f *fakePlatform, at time.Time) { f.created[100] = at.Add(-time.Minute) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			rec, err := h.ctrl.Start(ctx, model.PriorityNormal)
			require.NoError(t, err)

			h.platform.mu.Lock()
			tt.reused(h.platform, rec.StartedAt)
			h.platform.mu.Unlock()

			status, err := h.ctrl.Status(ctx)
			require.NoError(t, err)
			assert.Equal(t, model.StateStopped, status.State)
			assert.Nil(t, status.Process)

			require.NoError(t, h.ctrl.Stop(ctx, "user request"))
			assert.Empty(t, h.platform.terminated, "a foreign process must never be signalled")
			assert.Empty(t, h.platform.killed)
			assert.True(t, h.platform.Alive(100))
			assert.Equal(t, model.StateStopped, h.ctrl.Current().State)
			assert.Contains(t, h.history.edges(), "running->stopped")
		})
	}
}

func TestStatusToleratesCreateTimeSkew(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec, err := h.ctrl.Start(ctx, model.PriorityNormal)
	require.NoError(t, err)

	h.platform.mu.Lock()
	h.platform.created[100] = rec.StartedAt.Add(-1500 * time.Millisecond)
	h.platform.mu.Unlock()

	status, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, status.State)
}

func TestStopSkipsReusedWorkerPID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ctrl.Start(ctx, model.PriorityNormal)
	require.NoError(t, err)

	// worker 101 exited on its own and the PID went to something else
	h.platform.mu.Lock()
	h.platform.workers[100] = nil
	h.platform.names[101] = "bash"
	h.platform.mu.Unlock()

	require.NoError(t, h.ctrl.Stop(ctx, "user request"))
	assert.Equal(t, []int{100}, h.platform.terminated)
	assert.True(t, h.platform.Alive(101))
}

func TestMatchesCommand(t *testing.T) {
	tests := []struct {
		name    string
		info    ProcessInfo
		command string
		want    bool
	}{
		{"same name", ProcessInfo{Name: "ollama"}, "ollama", true},
		{"absolute command", ProcessInfo{Name: "ollama"}, "/usr/local/bin/ollama", true},
		{"argv0", ProcessInfo{Name: "", Cmdline: []string{"/opt/ollama/bin/ollama", "serve"}}, "ollama", true},
		{"truncated comm", ProcessInfo{Name: "ollama-nightly-"}, "ollama-nightly-build", true},
		{"other program", ProcessInfo{Name: "sleep", Cmdline: []string{"sleep", "30"}}, "ollama", false},
		{"short prefix", ProcessInfo{Name: "oll"}, "ollama", false},
		{"unreadable", ProcessInfo{}, "ollama", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesCommand(tt.info, tt.command))
		})
	}
}

func TestStatusReportsStartingBeforeSpawn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, NewStateStore(h.opts.StatePath).Save(model.PersistedState{
		State:     model.StateStarting,
		UpdatedAt: h.clock.Now(),
	}))

	// another invocation is between the starting transition and Launch
	release, err := acquireLock(h.opts.LockPath)
	require.NoError(t, err)
	status, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateStarting, status.State)
	assert.Nil(t, status.Process)
	release()

	// nobody holds the lock: the record was left by a crashed start
	status, err = h.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateStopped, status.State)
}

func TestStopEscalatesToKill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Start(ctx, model.PriorityNormal)
	require.NoError(t, err)
	h.platform.stubborn[100] = true

	require.NoError(t, h.ctrl.Stop(ctx, "user request"))
	assert.Equal(t, []int{100}, h.platform.killed)
	assert.False(t, h.platform.Alive(100))
	assert.Equal(t, model.StateStopped, h.ctrl.Current().State)
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Stop(context.Background(), "user request"))
	assert.Empty(t, h.history.edges())
}

func TestStopWhileAnotherStopHoldsLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ctrl.Start(ctx, model.PriorityNormal)
	require.NoError(t, err)

	st := h.ctrl.Current()
	st.State = model.StateStopping
	require.NoError(t, NewStateStore(h.opts.StatePath).Save(st))

	release, err := acquireLock(h.opts.LockPath)
	require.NoError(t, err)
	defer release()

	require.ErrorIs(t, h.ctrl.Stop(ctx, "critical battery"), ErrBusy)
	assert.Empty(t, h.platform.terminated)
	assert.Empty(t, h.platform.killed)
}

func TestStartBusy(t *testing.T) {
	h := newHarness(t)
	release, err := acquireLock(h.opts.LockPath)
	require.NoError(t, err)
	defer release()

	_, err = h.ctrl.Start(context.Background(), model.PriorityNormal)
	require.ErrorIs(t, err, ErrBusy)
	assert.Empty(t, h.platform.launched)
}

func TestThrottleLowersPriorityStepwise(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Start(ctx, model.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, -10, h.platform.nice[100])

	require.NoError(t, h.ctrl.Throttle(ctx, "cpu temperature"))
	assert.Equal(t, 0, h.platform.nice[100])
	assert.Equal(t, 0, h.platform.nice[101])
	assert.Equal(t, model.PriorityNormal, h.ctrl.Current().Process.Priority)

	require.NoError(t, h.ctrl.Throttle(ctx, "cpu temperature"))
	assert.Equal(t, 10, h.platform.nice[100])
	assert.Equal(t, model.PriorityLow, h.ctrl.Current().Process.Priority)

	calls := h.platform.niceCalls
	require.NoError(t, h.ctrl.Throttle(ctx, "cpu temperature"))
	assert.Equal(t, calls, h.platform.niceCalls, "throttle at low priority is a no-op")
}

func TestThrottleSkipsExitedWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ctrl.Start(ctx, model.PriorityHigh)
	require.NoError(t, err)
	h.platform.gone[101] = true

	require.NoError(t, h.ctrl.Throttle(ctx, "memory"))
	assert.Equal(t, 0, h.platform.nice[100])
	assert.Equal(t, model.PriorityNormal, h.ctrl.Current().Process.Priority)
}

func TestObserveSignalsDegradesAndRecovers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ctrl.Start(ctx, model.PriorityNormal)
	require.NoError(t, err)

	warn := []model.Signal{{Kind: model.SignalWarn, Cause: "cpu_percent", Value: 95, Threshold: 80}}
	for i := 0; i < 2; i++ {
		require.NoError(t, h.ctrl.ObserveSignals(ctx, warn))
		assert.Equal(t, model.StateRunning, h.ctrl.Current().State)
	}
	require.NoError(t, h.ctrl.ObserveSignals(ctx, warn))
	assert.Equal(t, model.StateDegraded, h.ctrl.Current().State)

	// still degraded while warnings continue
	require.NoError(t, h.ctrl.ObserveSignals(ctx, warn))
	assert.Equal(t, model.StateDegraded, h.ctrl.Current().State)

	require.NoError(t, h.ctrl.ObserveSignals(ctx, nil))
	assert.Equal(t, model.StateRunning, h.ctrl.Current().State)

	// a clean tick resets the streak
	require.NoError(t, h.ctrl.ObserveSignals(ctx, warn))
	require.NoError(t, h.ctrl.ObserveSignals(ctx, nil))
	require.NoError(t, h.ctrl.ObserveSignals(ctx, warn))
	require.NoError(t, h.ctrl.ObserveSignals(ctx, warn))
	assert.Equal(t, model.StateRunning, h.ctrl.Current().State)
}

func TestStateStoreMissingFile(t *testing.T) {
	st, err := NewStateStore(filepath.Join(t.TempDir(), "none.json")).Load()
	require.NoError(t, err)
	assert.Equal(t, model.StateStopped, st.State)
	assert.Nil(t, st.Process)
}
