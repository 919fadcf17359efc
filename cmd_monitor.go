package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"ollama_run/internal/clock"
	"ollama_run/internal/logger"
	"ollama_run/internal/monitor"
	"ollama_run/internal/publisher"
	"ollama_run/internal/signal"
	"ollama_run/internal/ui"
	"ollama_run/internal/watcher"
	"ollama_run/model"
)

type monitorOptions struct {
	interval   int
	logFile    string
	iterations int
	asJSON     bool
	tui        bool
	publishURL string
}

// tickReport is one line of `monitor --json`
type tickReport struct {
	Iteration    int                `json:"iteration"`
	State        model.ServiceState `json:"state"`
	Snapshot     model.Snapshot     `json:"snapshot"`
	Signals      []model.Signal     `json:"signals"`
	ForceStopped bool               `json:"force_stopped,omitempty"`
}

func newTickReport(t monitor.Tick) tickReport {
	signals := t.Signals
	if signals == nil {
		signals = []model.Signal{}
	}
	return tickReport{
		Iteration:    t.Iteration,
		State:        t.State,
		Snapshot:     t.Snapshot,
		Signals:      signals,
		ForceStopped: t.ForceStopped,
	}
}

func newMonitorCmd(opts *rootOptions) *cobra.Command {
	mo := &monitorOptions{}
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch system resources and enforce thresholds on the server",
		Long: `Samples CPU, memory, GPU, battery, temperature, disk and network usage every
interval and applies the configured thresholds: warnings are logged, a hot
CPU or GPU lowers the server's priority one step, and a critical battery
stops the server, after which the monitor exits.

Runs until interrupted or until --iterations ticks have completed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd, opts, mo)
		},
	}
	f := cmd.Flags()
	f.IntVar(&mo.interval, "interval", 0, "seconds between samples (default from config, 60)")
	f.StringVar(&mo.logFile, "log-file", "", "file receiving a copy of the log (default ~/ollama_service.log)")
	f.IntVar(&mo.iterations, "iterations", 0, "stop after this many ticks, 0 runs until interrupted")
	f.BoolVar(&mo.asJSON, "json", false, "print one JSON object per tick on stdout")
	f.BoolVar(&mo.tui, "tui", false, "show a live dashboard instead of log lines")
	f.StringVar(&mo.publishURL, "publish", "", "WebSocket URL receiving snapshot messages")
	cmd.MarkFlagsMutuallyExclusive("json", "tui")
	return cmd
}

func runMonitor(cmd *cobra.Command, opts *rootOptions, mo *monitorOptions) error {
	if mo.tui && !term.IsTerminal(int(os.Stdout.Fd())) {
		return errors.New("--tui needs a terminal on stdout")
	}
	logFile := mo.logFile
	if logFile == "" {
		logFile = defaultMonitorLog()
	}
	a, err := opts.newApp(logger.Options{File: logFile, Quiet: mo.tui})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context())
	defer cancel()

	cfg := a.cfg
	probe := monitor.NewProbe(a.logger, monitor.ProbeOptions{
		Timeout:  cfg.Monitor.ProbeTimeout.Std(),
		DiskPath: cfg.Monitor.DiskPath,
	})
	loop := monitor.NewLoop(monitor.LoopConfig{
		Thresholds: cfg.Thresholds,
		Interval:   cfg.Monitor.Interval.Std(),
		WarnEvery:  cfg.Monitor.WarnEvery,
	}, probe, a.ctrl, clock.Real{}, a.logger)

	w := watcher.New(cfg.StatePath(), a.logger)
	w.TailServerLog(cfg.ServerLogPath(), func(lines []string) {
		for _, line := range lines {
			a.logger.Info("[server] %s", line)
		}
	})
	if err := w.Start(); err != nil {
		a.logger.Warn("State file watcher unavailable: %v", err)
	} else {
		defer w.Stop()
		loop.WatchChanges(w)
	}

	var sinks []func(monitor.Tick)
	if mo.asJSON {
		sinks = append(sinks, jsonSink(cmd.OutOrStdout(), a.logger))
	}
	if mo.publishURL != "" {
		pub := publisher.New(mo.publishURL, a.logger)
		pub.Start()
		defer pub.Close()
		sinks = append(sinks, func(t monitor.Tick) {
			pub.Publish(t.State, t.Snapshot, t.Signals)
		})
	}

	runOpts := monitor.Options{
		Interval:      time.Duration(mo.interval) * time.Second,
		MaxIterations: mo.iterations,
	}
	if !mo.tui {
		runOpts.OnTick = fanOut(sinks)
		return loop.Run(ctx, runOpts)
	}
	return runDashboard(ctx, cancel, loop, runOpts, sinks)
}

// runDashboard runs the loop on its own goroutine and the dashboard on this one
func runDashboard(ctx context.Context, cancel context.CancelFunc, loop *monitor.Loop, runOpts monitor.Options, sinks []func(monitor.Tick)) error {
	ticks := make(chan monitor.Tick, 8)
	sinks = append(sinks, func(t monitor.Tick) {
		select {
		case ticks <- t:
		default:
			// dashboard is behind, it only shows the latest tick anyway
		}
	})
	runOpts.OnTick = fanOut(sinks)

	var g errgroup.Group
	g.Go(func() error {
		defer close(ticks)
		return loop.Run(ctx, runOpts)
	})

	_, err := tea.NewProgram(ui.New(ticks, cancel), tea.WithAltScreen()).Run()
	cancel()
	if loopErr := g.Wait(); err == nil {
		err = loopErr
	}
	return err
}

func jsonSink(out io.Writer, log *logger.Logger) func(monitor.Tick) {
	enc := json.NewEncoder(out)
	return func(t monitor.Tick) {
		if err := enc.Encode(newTickReport(t)); err != nil {
			log.Warn("Failed to write tick: %v", err)
		}
	}
}

func fanOut(sinks []func(monitor.Tick)) func(monitor.Tick) {
	if len(sinks) == 0 {
		return nil
	}
	return func(t monitor.Tick) {
		for _, sink := range sinks {
			sink(t)
		}
	}
}
