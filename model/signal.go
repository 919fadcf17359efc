package model

import "fmt"

// SignalKind orders policy outputs by severity.
type SignalKind int

const (
	SignalNone SignalKind = iota
	SignalWarn
	SignalThrottle
	SignalForceStop
)

func (k SignalKind) String() string {
	switch k {
	case SignalWarn:
		return "warn"
	case SignalThrottle:
		return "throttle"
	case SignalForceStop:
		return "force_stop"
	default:
		return "none"
	}
}

// MarshalText encodes the kind by name in JSON output.
func (k SignalKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Signal is a transient policy decision for one cause in one snapshot.
type Signal struct {
	Kind      SignalKind `json:"kind"`
	Cause     string     `json:"cause"`  // unit of de-duplication, e.g. "gpu0_memory_percent"
	Metric    string     `json:"metric"` // metric compared, e.g. "memory_percent"
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Reason    string     `json:"reason"`
}

func (s Signal) String() string {
	return fmt.Sprintf("%s(%s=%.1f, threshold %.1f): %s", s.Kind, s.Cause, s.Value, s.Threshold, s.Reason)
}

// MostSevere returns the highest kind in signals, SignalNone for an empty list.
func MostSevere(signals []Signal) SignalKind {
	worst := SignalNone
	for _, s := range signals {
		if s.Kind > worst {
			worst = s.Kind
		}
	}
	return worst
}
