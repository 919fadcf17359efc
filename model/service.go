package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ServiceState is the lifecycle state of the managed server.
type ServiceState string

const (
	StateStopped  ServiceState = "stopped"
	StateStarting ServiceState = "starting"
	StateRunning  ServiceState = "running"
	StateDegraded ServiceState = "degraded"
	StateStopping ServiceState = "stopping"
)

var transitions = map[ServiceState][]ServiceState{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateStopped},
	StateRunning:  {StateDegraded, StateStopping},
	StateDegraded: {StateRunning, StateStopping},
	StateStopping: {StateStopped},
}

// CanTransitionTo reports whether s -> next is a permitted edge.
func (s ServiceState) CanTransitionTo(next ServiceState) bool {
	return slices.Contains(transitions[s], next)
}

// Active is true while a server process is expected to exist.
func (s ServiceState) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateDegraded
}

// Priority is the requested OS scheduling class of the managed server.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ParsePriority accepts high, normal or low (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	case "":
		return PriorityNormal, nil
	default:
		return "", fmt.Errorf("unknown priority %q (want high, normal or low)", s)
	}
}

// Nice maps the priority to a Linux niceness value.
func (p Priority) Nice() int {
	switch p {
	case PriorityHigh:
		return -10
	case PriorityLow:
		return 10
	default:
		return 0
	}
}

// Lower returns the next lower priority; ok is false when p is already the lowest.
func (p Priority) Lower() (next Priority, ok bool) {
	switch p {
	case PriorityHigh:
		return PriorityNormal, true
	case PriorityNormal, "":
		return PriorityLow, true
	default:
		return p, false
	}
}

// ProcessRecord identifies a running server instance and its worker processes.
type ProcessRecord struct {
	PID       int       `json:"pid"`
	Workers   []int     `json:"workers,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Priority  Priority  `json:"priority"`
}

// PIDs returns the server PID followed by every worker PID.
func (r ProcessRecord) PIDs() []int {
	pids := make([]int, 0, 1+len(r.Workers))
	pids = append(pids, r.PID)
	for _, w := range r.Workers {
		if w != r.PID && !slices.Contains(pids, w) {
			pids = append(pids, w)
		}
	}
	return pids
}

// PersistedState is the record mirrored to disk on every transition.
type PersistedState struct {
	State          ServiceState   `json:"state"`
	Process        *ProcessRecord `json:"process,omitempty"`
	LastSnapshotAt *time.Time     `json:"last_snapshot_at,omitempty"`
	LastSnapshot   *Snapshot      `json:"last_snapshot,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Status is what a status query returns.
type Status struct {
	State    ServiceState   `json:"state"`
	Process  *ProcessRecord `json:"process,omitempty"`
	Snapshot *Snapshot      `json:"snapshot,omitempty"`
}

// Transition is one row of the durable transition log.
type Transition struct {
	At        time.Time    `json:"at"`
	SessionID string       `json:"session_id"`
	From      ServiceState `json:"from"`
	To        ServiceState `json:"to"`
	PID       int          `json:"pid,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}
