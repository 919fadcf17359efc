package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ollama_run/config"
	"ollama_run/internal/process"
)

// Exit codes
const (
	exitOK = iota
	exitGeneric
	exitConfigInvalid
	exitAlreadyRunning
	exitSpawnFailed
	exitPermissionDenied
	exitBusy
)

// rootOptions are the flags shared by every command
type rootOptions struct {
	configFile string
	stateDir   string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "ollama_run",
		Short: "Resource-aware manager for a local Ollama server",
		Long: `ollama_run starts and stops a local model server, watches CPU, memory,
GPU, battery, temperature, disk and network usage, and lowers the server's
priority or shuts it down when the machine runs out of headroom.

Thresholds are read from ~/.ollama/resource_config.json (JSON or YAML) when
present; OLLAMA_RUN_CONFIG points at another file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "configuration file (default ~/.ollama/resource_config.json)")
	root.PersistentFlags().StringVar(&opts.stateDir, "state-dir", "", "directory holding the state file, lock and history")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newStartCmd(opts),
		newStopCmd(opts),
		newStatusCmd(opts),
		newMonitorCmd(opts),
		newHistoryCmd(opts),
		newThresholdsCmd(opts),
	)
	return root
}

// exitCode maps an error class to the process exit status
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrInvalid):
		return exitConfigInvalid
	case errors.Is(err, process.ErrAlreadyRunning):
		return exitAlreadyRunning
	case errors.Is(err, process.ErrPermissionDenied):
		return exitPermissionDenied
	case errors.Is(err, process.ErrSpawnFailed):
		return exitSpawnFailed
	case errors.Is(err, process.ErrBusy):
		return exitBusy
	default:
		return exitGeneric
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
