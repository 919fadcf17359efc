package model

import "fmt"

// HealthStatus is the result of probing the managed server's listen address
type HealthStatus struct {
	Address   string `json:"address"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// String returns a human readable summary
func (hs *HealthStatus) String() string {
	if hs.Reachable {
		return fmt.Sprintf("%s is accepting connections", hs.Address)
	}
	if hs.Error != "" {
		return fmt.Sprintf("%s is not reachable (%s)", hs.Address, hs.Error)
	}
	return fmt.Sprintf("%s is not reachable", hs.Address)
}
