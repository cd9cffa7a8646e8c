// Package config loads the orchestrator's YAML configuration with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const configFileName = "config.yaml"

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// SupervisorConfig controls the periodic maintenance sweeps.
type SupervisorConfig struct {
	// Schedule is a 5-field cron expression for the sweep cadence.
	// Empty uses IntervalSeconds instead.
	Schedule        string `yaml:"schedule"`
	IntervalSeconds int    `yaml:"interval_seconds"`

	// StuckAgentThresholdSeconds is how long a WORKING agent may go
	// without activity before it is considered stuck.
	StuckAgentThresholdSeconds int `yaml:"stuck_agent_threshold_seconds"`

	// StaleSessionThresholdSeconds is how long an active runner session
	// may go unseen before it is deactivated.
	StaleSessionThresholdSeconds int `yaml:"stale_session_threshold_seconds"`

	// AutoRetry enables the automatic retry sweep for FAILED tasks.
	AutoRetry bool `yaml:"auto_retry"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// OperatorToken authorizes dashboard/operator API calls. Runner calls
	// authenticate with per-session bearer tokens instead.
	OperatorToken string `yaml:"operator_token"`

	// DBPath overrides the default SQLite location under HomeDir.
	DBPath string `yaml:"db_path"`

	// LockTTLSeconds is the default file-lock lifetime when a caller does
	// not supply one. 0 means locks never expire on their own.
	LockTTLSeconds int `yaml:"lock_ttl_seconds"`

	// AllowOrigins lists origins permitted to open WebSocket connections
	// from a browser. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	Supervisor SupervisorConfig `yaml:"supervisor"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// DefaultHomeDir returns ~/.orchestrator, falling back to the working directory.
func DefaultHomeDir() string {
	if env := os.Getenv("ORCHESTRATOR_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".orchestrator")
}

// Load reads config.yaml from the home directory, applies defaults and
// environment overrides. A missing file is not an error: defaults apply.
func Load() (*Config, error) {
	homeDir := DefaultHomeDir()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	cfg := &Config{HomeDir: homeDir}
	path := filepath.Join(homeDir, configFileName)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configFileName, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read %s: %w", configFileName, err)
	}
	cfg.HomeDir = homeDir

	applyEnvOverrides(cfg)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORCHESTRATOR_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("ORCHESTRATOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ORCHESTRATOR_OPERATOR_TOKEN"); v != "" {
		cfg.OperatorToken = v
	}
	if v := os.Getenv("ORCHESTRATOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ORCHESTRATOR_LOCK_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.LockTTLSeconds = n
		}
	}
	if v := os.Getenv("ORCHESTRATOR_ALLOW_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.AllowOrigins = origins
	}
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:8790"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "orchestrator.db")
	}
	if c.LockTTLSeconds == 0 {
		c.LockTTLSeconds = 1800
	}
	if c.Supervisor.IntervalSeconds <= 0 {
		c.Supervisor.IntervalSeconds = 60
	}
	if c.Supervisor.StuckAgentThresholdSeconds <= 0 {
		c.Supervisor.StuckAgentThresholdSeconds = 600
	}
	if c.Supervisor.StaleSessionThresholdSeconds <= 0 {
		c.Supervisor.StaleSessionThresholdSeconds = 900
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "none"
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.BindAddr) == "" {
		return fmt.Errorf("bind_addr must not be empty")
	}
	if c.LockTTLSeconds < 0 {
		return fmt.Errorf("lock_ttl_seconds must be >= 0")
	}
	return nil
}

// LockTTL returns the default lock lifetime as a duration.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// SupervisorInterval returns the sweep interval as a duration.
func (c *Config) SupervisorInterval() time.Duration {
	return time.Duration(c.Supervisor.IntervalSeconds) * time.Second
}

// StuckAgentThreshold returns the stuck-agent detection threshold.
func (c *Config) StuckAgentThreshold() time.Duration {
	return time.Duration(c.Supervisor.StuckAgentThresholdSeconds) * time.Second
}

// StaleSessionThreshold returns the stale-session detection threshold.
func (c *Config) StaleSessionThreshold() time.Duration {
	return time.Duration(c.Supervisor.StaleSessionThresholdSeconds) * time.Second
}
