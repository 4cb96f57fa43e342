// Package config loads and validates warren.yml.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelhq/warren/internal/thermostat"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// WarrenConfig represents the top-level warren.yml configuration.
type WarrenConfig struct {
	Version    string             `yaml:"version"`
	Instance   string             `yaml:"instance"`
	Redis      RedisConfig        `yaml:"redis"`
	Scheduler  SchedulerConfig    `yaml:"scheduler"`
	Registry   RegistryConfig     `yaml:"registry"`
	Checkpoint CheckpointConfig   `yaml:"checkpoint"`
	Thermostat *thermostat.Config `yaml:"thermostat,omitempty"`
	Agents     map[string]Agent   `yaml:"agents"`
}

// RedisConfig locates the journal backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// SchedulerConfig tunes the task scheduler.
type SchedulerConfig struct {
	Limit    int      `yaml:"limit"`
	Attempts int      `yaml:"attempts"`
	Backoff  Duration `yaml:"backoff,omitempty"`
}

// RegistryConfig locates the agent registry file and sets its liveness
// timeout.
type RegistryConfig struct {
	Path             string   `yaml:"path"`
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
}

// CheckpointConfig selects and configures the checkpoint store.
type CheckpointConfig struct {
	Store    string   `yaml:"store"`              // "file", "redis", or "bucket"
	Path     string   `yaml:"path,omitempty"`     // file: checkpoint path; bucket: directory
	Interval Duration `yaml:"interval,omitempty"` // Snapshot period; 0 disables the ticker
}

// Agent configures one worker container the fleet manager launches.
type Agent struct {
	Image        string   `yaml:"image"`
	Command      []string `yaml:"command,omitempty"`
	Environment  []string `yaml:"environment,omitempty"`
	Replicas     *int     `yaml:"replicas,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Region       string   `yaml:"region,omitempty"`
}

// Validate performs strict validation and applies defaults in place.
func (c *WarrenConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}
	if c.Instance == "" {
		return fmt.Errorf("instance is required")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	if c.Scheduler.Limit == 0 {
		c.Scheduler.Limit = 4
	}
	if c.Scheduler.Limit < 1 {
		return fmt.Errorf("scheduler.limit must be >= 1, got %d", c.Scheduler.Limit)
	}
	if c.Scheduler.Attempts == 0 {
		c.Scheduler.Attempts = 1
	}
	if c.Scheduler.Attempts < 1 {
		return fmt.Errorf("scheduler.attempts must be >= 1, got %d", c.Scheduler.Attempts)
	}
	if c.Scheduler.Backoff < 0 {
		return fmt.Errorf("scheduler.backoff must be non-negative")
	}

	if c.Registry.Path == "" {
		return fmt.Errorf("registry.path is required")
	}
	if c.Registry.HeartbeatTimeout <= 0 {
		c.Registry.HeartbeatTimeout = Duration(30 * time.Second)
	}

	switch c.Checkpoint.Store {
	case "":
		c.Checkpoint.Store = "file"
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint.path is required for the file store")
		}
	case "file", "bucket":
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint.path is required for the %s store", c.Checkpoint.Store)
		}
	case "redis":
		// Shares the journal connection; nothing extra to check.
	default:
		return fmt.Errorf("invalid checkpoint.store: %s (must be 'file', 'redis', or 'bucket')", c.Checkpoint.Store)
	}
	if c.Checkpoint.Interval < 0 {
		return fmt.Errorf("checkpoint.interval must be non-negative")
	}

	if c.Thermostat != nil {
		if err := c.Thermostat.Validate(); err != nil {
			return fmt.Errorf("thermostat: %w", err)
		}
	}

	for name, agent := range c.Agents {
		if err := agent.Validate(name); err != nil {
			return err
		}
		if agent.Replicas == nil {
			one := 1
			agent.Replicas = &one
			c.Agents[name] = agent
		}
	}

	return nil
}

// Validate performs validation on a single agent configuration.
func (a *Agent) Validate(name string) error {
	if a.Image == "" {
		return fmt.Errorf("agent '%s': image is required", name)
	}
	if a.Replicas != nil && *a.Replicas < 0 {
		return fmt.Errorf("agent '%s': replicas must be >= 0, got %d", name, *a.Replicas)
	}
	return nil
}

// Load reads and validates warren.yml from the specified path.
func Load(path string) (*WarrenConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config WarrenConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
