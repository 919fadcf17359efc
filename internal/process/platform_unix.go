//go:build !windows
// +build !windows

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"ollama_run/internal/logger"
	"ollama_run/model"
)

// OSPlatform manages real processes with os/exec, x/sys/unix and gopsutil
type OSPlatform struct {
	logger *logger.Logger
}

// NewPlatform returns the platform for the running OS
func NewPlatform(logger *logger.Logger) Platform {
	return &OSPlatform{logger: logger}
}

// Launch starts spec.Command in a new session with output appended to spec.LogPath
func (p *OSPlatform) Launch(spec model.LaunchSpec) (int, error) {
	bin, err := exec.LookPath(spec.Command)
	if err != nil {
		return 0, fmt.Errorf("executable not found: %s: %w", spec.Command, err)
	}

	cmd := exec.Command(bin, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir
	// New session: the server outlives this CLI and ignores its terminal's signals
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	var logFile *os.File
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return 0, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile, err = os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("failed to open server log: %w", err)
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", bin, err)
	}
	pid := cmd.Process.Pid
	p.logger.Debug("Spawned %s %v (PID: %d)", bin, spec.Args, pid)

	// Reap the child if it exits while this process is still around
	go func() {
		err := cmd.Wait()
		p.logger.Debug("Server (PID: %d) exited: %v", pid, err)
	}()
	return pid, nil
}

func (p *OSPlatform) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	statuses, err := proc.Status()
	if err != nil {
		// fall back to signal 0 when /proc is unreadable
		err := unix.Kill(pid, 0)
		return err == nil || errors.Is(err, unix.EPERM)
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

func (p *OSPlatform) Inspect(pid int) (ProcessInfo, bool) {
	if !p.Alive(pid) {
		return ProcessInfo{}, false
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return ProcessInfo{}, false
	}
	var info ProcessInfo
	if name, err := proc.Name(); err == nil {
		info.Name = name
	}
	if args, err := proc.CmdlineSlice(); err == nil {
		info.Cmdline = args
	}
	if ms, err := proc.CreateTime(); err == nil && ms > 0 {
		info.CreatedAt = time.UnixMilli(ms)
	}
	return info, true
}

func (p *OSPlatform) Terminate(pid int) error {
	return signalPID(pid, unix.SIGTERM)
}

func (p *OSPlatform) Kill(pid int) error {
	return signalPID(pid, unix.SIGKILL)
}

func (p *OSPlatform) SetNice(pid, nice int) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, nice); err != nil {
		switch {
		case errors.Is(err, unix.ESRCH):
			return fmt.Errorf("%w: set nice %d on PID %d", ErrNoProcess, nice, pid)
		case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
			return fmt.Errorf("%w: set nice %d on PID %d: %v", ErrPermissionDenied, nice, pid, err)
		}
		return fmt.Errorf("set nice %d on PID %d: %w", nice, pid, err)
	}
	return nil
}

func (p *OSPlatform) Workers(pid int) []int {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []int
	collectChildren(proc, &out, 0)
	return out
}

func collectChildren(proc *process.Process, out *[]int, depth int) {
	if depth > 8 {
		return
	}
	children, err := proc.Children()
	if err != nil {
		// ErrorNoChildren included
		return
	}
	for _, c := range children {
		*out = append(*out, int(c.Pid))
		collectChildren(c, out, depth+1)
	}
}

// signalPID treats an already-exited process as success
func signalPID(pid int, sig unix.Signal) error {
	err := unix.Kill(pid, sig)
	switch {
	case err == nil, errors.Is(err, unix.ESRCH):
		return nil
	case errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: signal %v to PID %d", ErrPermissionDenied, sig, pid)
	default:
		return fmt.Errorf("signal %v to PID %d: %w", sig, pid, err)
	}
}
