//go:build !windows
// +build !windows

package signal

import (
	"context"
	"syscall"
	"testing"
	"time"
)

func TestNotifyContextCancelsOnSIGTERM(t *testing.T) {
	ctx, stop := NotifyContext(context.Background())
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("Failed to signal self: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled after SIGTERM")
	}
}
