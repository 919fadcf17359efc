//go:build !windows
// +build !windows

package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"ollama_run/internal/logger"
	"ollama_run/model"
)

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func launchSleep(t *testing.T, p Platform) int {
	t.Helper()
	requireBinary(t, "sleep")
	pid, err := p.Launch(model.LaunchSpec{Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Kill(pid) })
	return pid
}

func TestOSPlatformLaunchAndTerminate(t *testing.T) {
	p := NewPlatform(logger.NewNop())
	before := time.Now()
	pid := launchSleep(t, p)

	assert.True(t, p.Alive(pid))

	sid, err := unix.Getsid(pid)
	require.NoError(t, err)
	assert.Equal(t, pid, sid, "server runs in its own session")

	info, ok := p.Inspect(pid)
	require.True(t, ok)
	assert.Equal(t, "sleep", info.Name)
	assert.True(t, matchesCommand(info, "sleep"))
	assert.False(t, matchesCommand(info, "ollama"))
	assert.WithinDuration(t, before, info.CreatedAt, 5*time.Second)

	require.NoError(t, p.Terminate(pid))
	assert.Eventually(t, func() bool { return !p.Alive(pid) }, 5*time.Second, 20*time.Millisecond)

	_, ok = p.Inspect(pid)
	assert.False(t, ok)
}

func TestOSPlatformSignalsToExitedProcess(t *testing.T) {
	p := NewPlatform(logger.NewNop())
	pid := launchSleep(t, p)

	require.NoError(t, p.Kill(pid))
	assert.Eventually(t, func() bool { return !p.Alive(pid) }, 5*time.Second, 20*time.Millisecond)
	// reaped by the launch goroutine
	assert.Eventually(t, func() bool { return unix.Kill(pid, 0) == unix.ESRCH }, 5*time.Second, 20*time.Millisecond)

	assert.NoError(t, p.Terminate(pid))
	assert.NoError(t, p.Kill(pid))
	assert.ErrorIs(t, p.SetNice(pid, 10), ErrNoProcess)
}

func TestOSPlatformLaunchMissingBinary(t *testing.T) {
	p := NewPlatform(logger.NewNop())
	_, err := p.Launch(model.LaunchSpec{Command: filepath.Join(t.TempDir(), "no-such-ollama")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executable not found")
}

func TestOSPlatformSetNice(t *testing.T) {
	p := NewPlatform(logger.NewNop())
	pid := launchSleep(t, p)

	require.NoError(t, p.SetNice(pid, 10))
	if runtime.GOOS != "linux" {
		return
	}
	prio, err := unix.Getpriority(unix.PRIO_PROCESS, pid)
	require.NoError(t, err)
	// the raw Linux syscall returns 20 - nice
	assert.Equal(t, 10, 20-prio)
}

func TestOSPlatformSetNiceDeniedWithoutPrivilege(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root may raise priority")
	}
	p := NewPlatform(logger.NewNop())
	pid := launchSleep(t, p)

	err := p.SetNice(pid, -10)
	if err == nil {
		t.Skip("RLIMIT_NICE allows raising priority here")
	}
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestOSPlatformRedirectsOutputToLog(t *testing.T) {
	requireBinary(t, "sh")
	logPath := filepath.Join(t.TempDir(), "logs", "serve.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(logPath), 0o755))
	require.NoError(t, os.WriteFile(logPath, []byte("previous run\n"), 0o644))

	p := NewPlatform(logger.NewNop())
	pid, err := p.Launch(model.LaunchSpec{
		Command: "sh",
		Args:    []string{"-c", `echo "listening on $OLLAMA_HOST"; echo oops >&2`},
		Env:     []string{"OLLAMA_HOST=127.0.0.1:11434"},
		LogPath: logPath,
	})
	require.NoError(t, err)
	assert.Positive(t, pid)

	want := "previous run\nlistening on 127.0.0.1:11434\noops\n"
	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(logPath)
		return err == nil && string(data) == want
	}, 5*time.Second, 20*time.Millisecond)
}

func TestOSPlatformWorkers(t *testing.T) {
	requireBinary(t, "sh")
	requireBinary(t, "sleep")
	p := NewPlatform(logger.NewNop())
	pid, err := p.Launch(model.LaunchSpec{Command: "sh", Args: []string{"-c", "sleep 30 & wait"}})
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, w := range p.Workers(pid) {
			_ = p.Kill(w)
		}
		_ = p.Kill(pid)
	})

	assert.Eventually(t, func() bool { return len(p.Workers(pid)) == 1 }, 5*time.Second, 20*time.Millisecond)
}
