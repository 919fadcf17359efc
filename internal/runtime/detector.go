// Package runtime locates the model server executable.
package runtime

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"ollama_run/internal/logger"
)

// ErrNotInstalled is returned when the server executable cannot be found
var ErrNotInstalled = errors.New("server executable not found")

// Detector finds the server executable, including installs outside PATH.
// Services started from cron or systemd often run with a minimal PATH that
// misses ~/.local/bin and /usr/local/bin.
type Detector struct {
	logger   *logger.Logger
	home     string
	lookPath func(string) (string, error)
}

func NewDetector(logger *logger.Logger) *Detector {
	home, _ := os.UserHomeDir()
	return &Detector{
		logger:   logger,
		home:     home,
		lookPath: exec.LookPath,
	}
}

// DetectServerBinary resolves command to the path of an executable file
func (d *Detector) DetectServerBinary(command string) (string, error) {
	if command == "" {
		return "", fmt.Errorf("empty command: %w", ErrNotInstalled)
	}
	if strings.ContainsRune(command, os.PathSeparator) {
		if isExecutable(command) {
			return command, nil
		}
		return "", fmt.Errorf("%s: %w", command, ErrNotInstalled)
	}

	if path, err := d.lookPath(command); err == nil {
		return path, nil
	}
	for _, dir := range d.commonDirs() {
		path := filepath.Join(dir, command)
		if isExecutable(path) {
			d.logger.Info("Found %s at %s (not on PATH)", command, path)
			return path, nil
		}
	}

	d.logger.Debug("%s not found on PATH or in common install locations", command)
	return "", fmt.Errorf("%s: %w", command, ErrNotInstalled)
}

func (d *Detector) commonDirs() []string {
	var dirs []string
	if d.home != "" {
		dirs = append(dirs,
			filepath.Join(d.home, ".local", "bin"),
			filepath.Join(d.home, "bin"),
		)
	}
	dirs = append(dirs, "/usr/local/bin", "/usr/bin", "/opt/ollama/bin", "/snap/bin")
	if runtime.GOOS == "darwin" {
		dirs = append(dirs, "/opt/homebrew/bin", "/Applications/Ollama.app/Contents/Resources")
	}
	return dirs
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
