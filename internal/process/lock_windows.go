//go:build windows
// +build windows

package process

import (
	"errors"
	"os"
	"path/filepath"
)

// acquireLock uses an exclusively created marker file where flock is unavailable
func acquireLock(path string) (release func(), err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrBusy
		}
		return nil, err
	}
	return func() {
		f.Close()
		os.Remove(path)
	}, nil
}
