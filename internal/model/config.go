package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	ConfigFileName = "config.yaml"
	EnvFileName    = ".env"
	SocketName     = "beamq.sock"
)

type Config struct {
	Consumer ConsumerConfig `yaml:"consumer"`
	Store    StoreConfig    `yaml:"store"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Inbox    InboxConfig    `yaml:"inbox"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ConsumerConfig struct {
	QueueName         string `yaml:"queue_name"`
	Name              string `yaml:"name"`
	Beamline          string `yaml:"beamline"`
	Runner            string `yaml:"runner"` // "exec" or "simulate"
	StatusIntervalSec int    `yaml:"status_interval_sec"`
	PauseOnStart      bool   `yaml:"pause_on_start"`
	RestartSupported  bool   `yaml:"restart_supported"`
	Autostart         bool   `yaml:"autostart"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // "yaml", "sqlite" or "memory"
	Path   string `yaml:"path"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	CommandTimeoutSec  int `yaml:"command_timeout_sec"`
	BusBufferSize      int `yaml:"bus_buffer_size"`
}

type InboxConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type CleanupConfig struct {
	Enabled           bool `yaml:"enabled"`
	IntervalSec       int  `yaml:"interval_sec"`
	MaxRunningAgeSec  int  `yaml:"max_running_age_sec"`
	MaxCompleteAgeSec int  `yaml:"max_complete_age_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig is the configuration used when no config.yaml exists.
func DefaultConfig() Config {
	var cfg Config
	cfg.Consumer.Autostart = true
	cfg.Inbox.Enabled = true
	cfg.Cleanup.Enabled = true
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Consumer.QueueName == "" {
		c.Consumer.QueueName = "beamq.submission.queue"
	}
	if c.Consumer.Name == "" {
		c.Consumer.Name = "Consumer " + c.Consumer.QueueName
	}
	if c.Consumer.Runner == "" {
		c.Consumer.Runner = "exec"
	}
	if c.Consumer.StatusIntervalSec <= 0 {
		c.Consumer.StatusIntervalSec = 2
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "yaml"
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Daemon.CommandTimeoutSec <= 0 {
		c.Daemon.CommandTimeoutSec = 10
	}
	if c.Daemon.BusBufferSize <= 0 {
		c.Daemon.BusBufferSize = 256
	}
	if c.Inbox.Dir == "" {
		c.Inbox.Dir = "inbox"
	}
	if c.Monitor.Addr == "" {
		c.Monitor.Addr = "127.0.0.1:8765"
	}
	if c.Cleanup.IntervalSec <= 0 {
		c.Cleanup.IntervalSec = 600
	}
	if c.Cleanup.MaxRunningAgeSec <= 0 {
		c.Cleanup.MaxRunningAgeSec = 2 * 24 * 3600
	}
	if c.Cleanup.MaxCompleteAgeSec <= 0 {
		c.Cleanup.MaxCompleteAgeSec = 7 * 24 * 3600
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// ApplyEnv overlays BEAMLINE and BEAMQ_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv("BEAMLINE"); ok && c.Consumer.Beamline == "" {
		c.Consumer.Beamline = v
	}
	if v, ok := os.LookupEnv("BEAMQ_QUEUE"); ok && v != "" {
		c.Consumer.QueueName = v
	}
	if v, ok := os.LookupEnv("BEAMQ_STORE"); ok && v != "" {
		c.Store.Driver = v
	}
	if v, ok := os.LookupEnv("BEAMQ_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := os.LookupEnv("BEAMQ_PAUSE_ON_START"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse BEAMQ_PAUSE_ON_START: %w", err)
		}
		c.Consumer.PauseOnStart = b
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case "yaml", "sqlite", "memory":
	default:
		return fmt.Errorf("store.driver must be yaml|sqlite|memory, got %q", c.Store.Driver)
	}
	switch c.Consumer.Runner {
	case "exec", "simulate":
	default:
		return fmt.Errorf("consumer.runner must be exec|simulate, got %q", c.Consumer.Runner)
	}
	return nil
}

// LoadConfig reads <dir>/config.yaml, loads <dir>/.env into the process
// environment and applies environment overrides and defaults. A missing
// config file yields DefaultConfig.
func LoadConfig(dir string) (Config, error) {
	if err := godotenv.Load(filepath.Join(dir, EnvFileName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", EnvFileName, err)
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read %s: %w", ConfigFileName, err)
	default:
		cfg = Config{}
		if err := yamlv3.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", ConfigFileName, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
