// Package config loads and validates the forge configuration file,
// config.yaml at the work directory root.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"forge/pkg/fsutil"
)

// ErrInvalid is wrapped by all validation failures.
var ErrInvalid = errors.New("invalid configuration")

// Master configures the master agent.
type Master struct {
	Enabled bool     `yaml:"enabled"`
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
}

// Workers configures the worker pool.
type Workers struct {
	Count   int      `yaml:"count"`
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
}

// Monitoring configures the health monitor.
type Monitoring struct {
	HealthCheckInterval int `yaml:"health_check_interval"` // seconds
	RetryAttempts       int `yaml:"retry_attempts"`
	RetryDelay          int `yaml:"retry_delay"` // seconds
}

// Communication configures the mailbox protocol.
type Communication struct {
	Format   string `yaml:"format"`
	Encoding string `yaml:"encoding"`
}

// Logging configures the log sink.
type Logging struct {
	Level string `yaml:"level"`
}

// Tmux configures the pane host.
type Tmux struct {
	SessionName string `yaml:"session_name"`
	Layout      string `yaml:"layout"`
}

// Config is the full forge configuration.
type Config struct {
	Version       string        `yaml:"version"`
	AgentType     string        `yaml:"agent_type"`
	Master        Master        `yaml:"master"`
	Workers       Workers       `yaml:"workers"`
	Monitoring    Monitoring    `yaml:"monitoring"`
	Communication Communication `yaml:"communication"`
	Logging       Logging       `yaml:"logging"`
	Tmux          Tmux          `yaml:"tmux"`
}

// FileName is the configuration file name inside the work directory.
const FileName = "config.yaml"

// Default returns a fully populated configuration.
func Default() Config {
	return Config{
		Version:   "1.0",
		AgentType: "claude",
		Master:    Master{Enabled: true},
		Workers:   Workers{Count: 1},
		Monitoring: Monitoring{
			HealthCheckInterval: 30,
			RetryAttempts:       3,
			RetryDelay:          5,
		},
		Communication: Communication{Format: "markdown", Encoding: "utf-8"},
		Logging:       Logging{Level: "info"},
		Tmux:          Tmux{SessionName: "forge", Layout: "even-horizontal"},
	}
}

// knownAgentTypes are the agent types with builtin profiles. Profile
// overrides may add more; validation only rejects an empty type.
var knownAgentTypes = map[string]bool{"claude": true, "gemini": true, "codex": true}

// Validate checks the configuration for structural problems. An unknown
// agent type is allowed when a profile override could define it, so only
// hard errors are reported.
func (c Config) Validate() error {
	if c.Workers.Count < 1 {
		return fmt.Errorf("%w: workers.count must be at least 1, got %d", ErrInvalid, c.Workers.Count)
	}
	if c.AgentType == "" {
		return fmt.Errorf("%w: agent_type must be set", ErrInvalid)
	}
	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("%w: monitoring.health_check_interval must be positive", ErrInvalid)
	}
	if c.Monitoring.RetryAttempts < 0 {
		return fmt.Errorf("%w: monitoring.retry_attempts must not be negative", ErrInvalid)
	}
	if c.Tmux.SessionName == "" {
		return fmt.Errorf("%w: tmux.session_name must be set", ErrInvalid)
	}
	return nil
}

// KnownAgentType reports whether the agent type has a builtin profile.
func (c Config) KnownAgentType() bool {
	return knownAgentTypes[c.AgentType]
}

// HealthCheckInterval returns the monitoring interval as a duration.
func (c Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.Monitoring.HealthCheckInterval) * time.Second
}

// RetryDelay returns the recovery delay as a duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Monitoring.RetryDelay) * time.Second
}

// Load reads and validates the configuration under workDir. A missing
// file yields the defaults, so a bare work directory is usable.
func Load(workDir string) (Config, error) {
	path := filepath.Join(workDir, FileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	// Unset fields keep their default values rather than zeroing.
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", FileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the configuration to workDir atomically.
func Save(workDir string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(workDir, FileName)
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}
