package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"ollama_run/internal/logger"
	"ollama_run/internal/signal"
	"ollama_run/internal/ui"
	"ollama_run/internal/watcher"
	"ollama_run/model"
)

func newStartCmd(opts *rootOptions) *cobra.Command {
	var priority string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the model server in the background",
		Long: `Spawns the configured server command detached from the terminal, applies
the requested scheduling priority and waits until it accepts connections.

Priorities map to nice values: high -10, normal 0, low 10. Raising the
priority above normal usually needs root or CAP_SYS_NICE.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prio, err := model.ParsePriority(priority)
			if err != nil {
				return err
			}
			a, err := opts.newApp(logger.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context())
			defer cancel()

			rec, err := a.ctrl.Start(ctx, prio)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server started (PID %d, priority %s, listening on %s)\n",
				rec.PID, rec.Priority, a.cfg.Service.HealthAddress)
			return nil
		},
	}
	cmd.Flags().StringVar(&priority, "priority", string(model.PriorityNormal), "scheduling priority: high, normal or low")
	return cmd
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the managed server",
		Long: `Sends SIGTERM to the server and its workers, waits for the grace period
and kills whatever is left. Stopping a stopped server does nothing; while
another invocation is changing the service state it exits with code 6.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(logger.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context())
			defer cancel()

			if err := a.ctrl.Stop(ctx, "stop requested"); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Server stopped")
			return nil
		},
	}
}

// statusReport is the --json form of status
type statusReport struct {
	model.Status
	Health *model.HealthStatus `json:"health"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var (
		asJSON bool
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the server state, process and last metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(logger.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context())
			defer cancel()

			out := cmd.OutOrStdout()
			if !watch {
				return printStatus(ctx, a, out, asJSON)
			}

			w := watcher.New(a.cfg.StatePath(), a.logger)
			if err := w.Start(); err != nil {
				return fmt.Errorf("failed to watch %s: %w", a.cfg.StatePath(), err)
			}
			defer w.Stop()

			for {
				if err := printStatus(ctx, a, out, asJSON); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-w.Changes():
					w.Consume()
				}
			}
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print machine-readable JSON")
	cmd.Flags().BoolVar(&watch, "watch", false, "print again whenever the state file changes")
	return cmd
}

func printStatus(ctx context.Context, a *app, out io.Writer, asJSON bool) error {
	st, err := a.ctrl.Status(ctx)
	if err != nil {
		return err
	}
	health := a.health.Check(ctx, a.cfg.Service.HealthAddress)
	if asJSON {
		enc := json.NewEncoder(out)
		return enc.Encode(statusReport{Status: st, Health: health})
	}
	fmt.Fprintln(out, ui.RenderStatus(st, health))
	return nil
}
