package network

import (
	"context"
	"net"
	"time"

	_const "ollama_run/internal/const"
	"ollama_run/model"
)

// HealthChecker probes whether the managed server accepts TCP connections
type HealthChecker struct {
	timeout time.Duration
}

// NewHealthChecker creates a checker; a non-positive timeout uses the default dial timeout
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = _const.HealthDialTimeout
	}
	return &HealthChecker{
		timeout: timeout,
	}
}

// Reachable reports whether address accepts a connection within the timeout
func (hc *HealthChecker) Reachable(ctx context.Context, address string) bool {
	return hc.Check(ctx, address).Reachable
}

// Check dials address and returns the detailed result
func (hc *HealthChecker) Check(ctx context.Context, address string) *model.HealthStatus {
	dialer := net.Dialer{Timeout: hc.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &model.HealthStatus{
			Address:   address,
			Reachable: false,
			Error:     err.Error(),
		}
	}
	conn.Close()
	return &model.HealthStatus{
		Address:   address,
		Reachable: true,
	}
}
