//go:build windows
// +build windows

package signal

import "os"

func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
