//go:build windows
// +build windows

package process

import (
	"fmt"

	"ollama_run/internal/logger"
	"ollama_run/model"
)

var errUnsupported = fmt.Errorf("process management is only supported on Linux and other Unix systems")

type unsupportedPlatform struct{}

// NewPlatform returns a platform whose operations all fail on Windows
func NewPlatform(_ *logger.Logger) Platform {
	return unsupportedPlatform{}
}

func (unsupportedPlatform) Launch(model.LaunchSpec) (int, error) { return 0, errUnsupported }
func (unsupportedPlatform) Alive(int) bool                       { return false }
func (unsupportedPlatform) Inspect(int) (ProcessInfo, bool)      { return ProcessInfo{}, false }
func (unsupportedPlatform) Terminate(int) error                  { return errUnsupported }
func (unsupportedPlatform) Kill(int) error                       { return errUnsupported }
func (unsupportedPlatform) SetNice(int, int) error               { return errUnsupported }
func (unsupportedPlatform) Workers(int) []int                    { return nil }
