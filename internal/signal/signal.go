// Package signal turns termination signals into context cancellation.
package signal

import (
	"context"
	ossignal "os/signal"
)

// NotifyContext returns a context cancelled on the first shutdown signal.
// A second signal is left to the default handler so the process can still be killed.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := ossignal.NotifyContext(parent, shutdownSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx, stop
}
