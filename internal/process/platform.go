package process

import (
	"errors"
	"time"

	"ollama_run/model"
)

var (
	// ErrSpawnFailed means the server could not be launched or never became healthy
	ErrSpawnFailed = errors.New("server failed to start")
	// ErrUnresponsive means a process ignored SIGTERM for the whole grace period
	ErrUnresponsive = errors.New("process did not exit after SIGTERM")
	// ErrBusy means another invocation holds the state lock
	ErrBusy = errors.New("another ollama_run invocation is changing the service state")
	// ErrAlreadyRunning is returned by Start when a server is already managed or listening
	ErrAlreadyRunning = errors.New("server is already running")
	// ErrPermissionDenied means the OS refused a priority or signal operation
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNoProcess means the target PID exited before the operation reached it
	ErrNoProcess = errors.New("no such process")
)

// ProcessInfo is what the OS reports about a live PID
type ProcessInfo struct {
	Name      string
	Cmdline   []string
	CreatedAt time.Time // zero when unknown
}

// Platform is the OS process collaborator used by the controller
type Platform interface {
	// Launch spawns the server detached from the caller's session and returns its PID
	Launch(spec model.LaunchSpec) (int, error)
	// Alive is false for missing and zombie processes
	Alive(pid int) bool
	Terminate(pid int) error
	Kill(pid int) error
	// Inspect reports the identity of a live, non-zombie pid
	Inspect(pid int) (ProcessInfo, bool)
	// SetNice returns an error wrapping ErrPermissionDenied when the OS refuses
	// the value and ErrNoProcess when pid is gone
	SetNice(pid, nice int) error
	// Workers lists descendant PIDs of pid
	Workers(pid int) []int
}
