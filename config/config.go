package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	_const "ollama_run/internal/const"
	"ollama_run/model"
)

// ErrInvalid marks configuration that could not be decoded or failed validation
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration that decodes from "90s"-style strings or plain seconds
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
		return nil
	case string:
		parsed, err := parseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("duration must be a string or number of seconds, got %s", string(data))
	}
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	parsed, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// parseDuration accepts Go duration strings and bare seconds ("30", "1.5")
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// ServiceConfig describes the managed server process
type ServiceConfig struct {
	Command       string   `json:"command" yaml:"command" validate:"required"`
	Args          []string `json:"args" yaml:"args"`
	Env           []string `json:"env,omitempty" yaml:"env,omitempty"`
	HealthAddress string   `json:"health_address" yaml:"health_address" validate:"required,hostname_port"`
	StartTimeout  Duration `json:"start_timeout" yaml:"start_timeout" validate:"gt=0"`
	GracePeriod   Duration `json:"grace_period" yaml:"grace_period" validate:"gt=0"`
	StateDir      string   `json:"state_dir" yaml:"state_dir" validate:"required"`
	ServerLog     string   `json:"server_log,omitempty" yaml:"server_log,omitempty"`
}

// MonitorConfig tunes the polling loop
type MonitorConfig struct {
	Interval     Duration `json:"interval" yaml:"interval" validate:"gt=0"`
	WarnEvery    int      `json:"warn_every" yaml:"warn_every" validate:"gte=1"`
	DegradeAfter int      `json:"degrade_after" yaml:"degrade_after" validate:"gte=1"`
	ProbeTimeout Duration `json:"probe_timeout" yaml:"probe_timeout" validate:"gt=0"`
	DiskPath     string   `json:"disk_path" yaml:"disk_path" validate:"required"`
}

// Config holds the configuration for ollama_run.
// Threshold keys live at the top level so existing resource_config.json files keep working.
type Config struct {
	model.Thresholds `yaml:",inline"`
	Service          ServiceConfig `json:"service" yaml:"service"`
	Monitor          MonitorConfig `json:"monitor" yaml:"monitor"`
}

// DefaultStateDir returns ~/.ollama, or a relative .ollama when the home directory is unknown
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return _const.DefaultStateDirName
	}
	return filepath.Join(home, _const.DefaultStateDirName)
}

// DefaultPath is where the optional configuration file is looked up
func DefaultPath() string {
	return filepath.Join(DefaultStateDir(), _const.DefaultConfigFileName)
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Thresholds: model.DefaultThresholds(),
		Service: ServiceConfig{
			Command:       _const.DefaultCommand,
			Args:          _const.DefaultArgs(),
			HealthAddress: net.JoinHostPort(_const.DefaultHealthHost, strconv.Itoa(_const.DefaultHealthPort)),
			StartTimeout:  Duration(_const.DefaultStartTimeout),
			GracePeriod:   Duration(_const.DefaultGracePeriod),
			StateDir:      DefaultStateDir(),
		},
		Monitor: MonitorConfig{
			Interval:     Duration(_const.DefaultMonitorInterval),
			WarnEvery:    _const.DefaultWarnEvery,
			DegradeAfter: _const.DefaultDegradeAfter,
			ProbeTimeout: Duration(_const.DefaultProbeTimeout),
			DiskPath:     "/",
		},
	}
}

// Load reads filename over the defaults, applies environment overrides and validates.
// Fields missing from the file keep their defaults; unknown keys are ignored.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := decode(filename, data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, filename, err)
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but treats a missing file as an empty one
func LoadOrDefault(filename string) (*Config, error) {
	cfg, err := Load(filename)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg = Default()
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(filename string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// applyEnvOverrides applies OLLAMA_HOST and OLLAMA_RUN_* variables
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(_const.EnvOllamaHost); v != "" {
		addr, err := HealthAddressFromHost(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, _const.EnvOllamaHost, err)
		}
		c.Service.HealthAddress = addr
	}
	if v := os.Getenv(_const.EnvStateDir); v != "" {
		c.Service.StateDir = v
	}
	if v := os.Getenv(_const.EnvInterval); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, _const.EnvInterval, err)
		}
		c.Monitor.Interval = Duration(d)
	}
	return nil
}

// HealthAddressFromHost converts an OLLAMA_HOST value ("host", "host:port",
// ":port" or "http://host:port") to a dialable host:port
func HealthAddressFromHost(v string) (string, error) {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "://") {
		u, err := url.Parse(v)
		if err != nil {
			return "", err
		}
		v = u.Host
	}
	host, port, err := net.SplitHostPort(v)
	if err != nil {
		// no port given
		host, port = v, strconv.Itoa(_const.DefaultHealthPort)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = _const.DefaultHealthHost
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("bad port %q", port)
	}
	return net.JoinHostPort(host, port), nil
}

// Validate checks ranges of every field
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// StatePath is the persisted service state record
func (c *Config) StatePath() string {
	return filepath.Join(c.Service.StateDir, _const.StateFileName)
}

// LockPath guards start/stop against concurrent invocations
func (c *Config) LockPath() string {
	return filepath.Join(c.Service.StateDir, _const.LockFileName)
}

// HistoryPath is the sqlite transition log
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Service.StateDir, _const.HistoryDBFileName)
}

// ServerLogPath receives the managed server's output
func (c *Config) ServerLogPath() string {
	if c.Service.ServerLog != "" {
		return c.Service.ServerLog
	}
	return filepath.Join(c.Service.StateDir, _const.ServerLogFileName)
}

// Save saves configuration to a JSON file
func (c *Config) Save(filename string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
