package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"ollama_run/config"
	"ollama_run/internal/clock"
	_const "ollama_run/internal/const"
	"ollama_run/internal/database"
	"ollama_run/internal/logger"
	"ollama_run/internal/network"
	"ollama_run/internal/process"
	"ollama_run/internal/runtime"
	"ollama_run/model"
)

// app holds everything one command invocation needs
type app struct {
	cfg     *config.Config
	logger  *logger.Logger
	history *database.Client
	health  *network.HealthChecker
	ctrl    *process.Controller
	session string
}

// configPath resolves --config, then OLLAMA_RUN_CONFIG, then the default location
func (o *rootOptions) configPath() string {
	if o.configFile != "" {
		return o.configFile
	}
	if v := os.Getenv(_const.EnvConfig); v != "" {
		return v
	}
	return config.DefaultPath()
}

// loadConfig reads the configuration and applies the flags shared by every command
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configPath()
	var (
		cfg *config.Config
		err error
	)
	if o.configFile != "" {
		// an explicit file must exist
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOrDefault(path)
	}
	if err != nil {
		return nil, err
	}
	if o.stateDir != "" {
		cfg.Service.StateDir = o.stateDir
	}
	return cfg, nil
}

// newApp wires the controller and its collaborators. --verbose overrides logOpts.Verbose.
func (o *rootOptions) newApp(logOpts logger.Options) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logOpts.Verbose = logOpts.Verbose || o.verbose
	log, err := logger.NewWithOptions(logOpts)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Service.StateDir, 0o755); err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  log,
		health:  network.NewHealthChecker(_const.HealthDialTimeout),
		session: uuid.NewString(),
	}

	var history process.TransitionLog
	db := database.New(cfg.HistoryPath(), log)
	if err := db.Initialize(); err != nil {
		log.Warn("Transition history unavailable: %v", err)
	} else {
		a.history = db
		history = db
	}

	spec := launchSpec(cfg)
	if path, err := runtime.NewDetector(log).DetectServerBinary(spec.Command); err == nil {
		spec.Command = path
	} else {
		// Launch reports the missing binary as a spawn failure
		log.Debug("%v", err)
	}

	a.ctrl, err = process.NewController(process.Options{
		Launch:        spec,
		HealthAddress: cfg.Service.HealthAddress,
		StartTimeout:  cfg.Service.StartTimeout.Std(),
		GracePeriod:   cfg.Service.GracePeriod.Std(),
		StatePath:     cfg.StatePath(),
		LockPath:      cfg.LockPath(),
		DegradeAfter:  cfg.Monitor.DegradeAfter,
		SessionID:     a.session,
	}, process.NewPlatform(log), a.health, clock.Real{}, history, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load service state: %w", err)
	}
	log.Debug("Session %s, state dir %s", a.session, cfg.Service.StateDir)
	return a, nil
}

// Close releases the history database and flushes the logger
func (a *app) Close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn("Failed to close history: %v", err)
		}
	}
	a.logger.Close()
}

// launchSpec builds the server command line. A non-default health address is
// handed to the server through OLLAMA_HOST so it listens where it is probed.
func launchSpec(cfg *config.Config) model.LaunchSpec {
	env := append([]string(nil), cfg.Service.Env...)
	defaultAddr := net.JoinHostPort(_const.DefaultHealthHost, strconv.Itoa(_const.DefaultHealthPort))
	if os.Getenv(_const.EnvOllamaHost) == "" && cfg.Service.HealthAddress != defaultAddr {
		env = append(env, _const.EnvOllamaHost+"="+cfg.Service.HealthAddress)
	}
	return model.LaunchSpec{
		Command: cfg.Service.Command,
		Args:    cfg.Service.Args,
		Env:     env,
		LogPath: cfg.ServerLogPath(),
	}
}

// defaultMonitorLog is ~/ollama_service.log
func defaultMonitorLog() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return _const.MonitorLogFileName
	}
	return filepath.Join(home, _const.MonitorLogFileName)
}
