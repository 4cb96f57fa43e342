package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "warren.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
instance: "prod-1"
redis:
  addr: "redis:6379"
scheduler:
  limit: 8
  attempts: 3
  backoff: "500ms"
registry:
  path: "/var/lib/warren/registry.json"
  heartbeat_timeout: "45s"
checkpoint:
  store: "file"
  path: "/var/lib/warren/checkpoint.json"
  interval: "1m"
agents:
  crawler:
    image: "warren-crawler:latest"
    command: ["./crawl"]
    capabilities: ["fetch", "parse"]
    region: "eu-west"
`)

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "prod-1", config.Instance)
	assert.Equal(t, "redis:6379", config.Redis.Addr)
	assert.Equal(t, 8, config.Scheduler.Limit)
	assert.Equal(t, 3, config.Scheduler.Attempts)
	assert.Equal(t, 500*time.Millisecond, config.Scheduler.Backoff.Std())
	assert.Equal(t, 45*time.Second, config.Registry.HeartbeatTimeout.Std())
	assert.Equal(t, "file", config.Checkpoint.Store)
	assert.Equal(t, time.Minute, config.Checkpoint.Interval.Std())

	crawler := config.Agents["crawler"]
	assert.Equal(t, "warren-crawler:latest", crawler.Image)
	require.NotNil(t, crawler.Replicas)
	assert.Equal(t, 1, *crawler.Replicas, "replicas defaults to 1")
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
instance: "dev"
registry:
  path: "registry.json"
checkpoint:
  path: "checkpoint.json"
`)

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", config.Redis.Addr)
	assert.Equal(t, 4, config.Scheduler.Limit)
	assert.Equal(t, 1, config.Scheduler.Attempts)
	assert.Equal(t, 30*time.Second, config.Registry.HeartbeatTimeout.Std())
	assert.Equal(t, "file", config.Checkpoint.Store, "store defaults to file")
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/warren.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
agents:
  - this is invalid
    yaml syntax
`)

	config, err := Load(configPath)
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_UnsupportedVersion(t *testing.T) {
	configPath := writeConfig(t, `version: "2.0"
instance: "dev"
registry:
  path: "registry.json"
checkpoint:
  path: "checkpoint.json"
`)

	_, err := Load(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestValidate_Failures(t *testing.T) {
	base := func() WarrenConfig {
		return WarrenConfig{
			Version:  "1.0",
			Instance: "dev",
			Registry: RegistryConfig{Path: "registry.json"},
			Checkpoint: CheckpointConfig{
				Store: "file",
				Path:  "checkpoint.json",
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*WarrenConfig)
		wantErr string
	}{
		{
			name:    "missing instance",
			mutate:  func(c *WarrenConfig) { c.Instance = "" },
			wantErr: "instance is required",
		},
		{
			name:    "negative scheduler limit",
			mutate:  func(c *WarrenConfig) { c.Scheduler.Limit = -1 },
			wantErr: "scheduler.limit",
		},
		{
			name:    "missing registry path",
			mutate:  func(c *WarrenConfig) { c.Registry.Path = "" },
			wantErr: "registry.path is required",
		},
		{
			name:    "bad checkpoint store",
			mutate:  func(c *WarrenConfig) { c.Checkpoint.Store = "s3" },
			wantErr: "invalid checkpoint.store",
		},
		{
			name: "file store without path",
			mutate: func(c *WarrenConfig) {
				c.Checkpoint.Store = "file"
				c.Checkpoint.Path = ""
			},
			wantErr: "checkpoint.path is required",
		},
		{
			name: "agent without image",
			mutate: func(c *WarrenConfig) {
				c.Agents = map[string]Agent{"bad": {}}
			},
			wantErr: "image is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_RedisStoreNeedsNoPath(t *testing.T) {
	cfg := WarrenConfig{
		Version:    "1.0",
		Instance:   "dev",
		Registry:   RegistryConfig{Path: "registry.json"},
		Checkpoint: CheckpointConfig{Store: "redis"},
	}
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ThermostatSection(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
instance: "dev"
registry:
  path: "registry.json"
checkpoint:
  path: "checkpoint.json"
thermostat:
  target: 1.5
  lower_margin: 0.2
  upper_margin: 0.1
  window: 6
  bias_step: 0.1
  bias_min: 0.5
  bias_max: 2.0
  temp_step: 0.05
  temp_min: 0.2
  temp_max: 1.2
  cooldown: 4
  advisory: true
`)

	config, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, config.Thermostat)
	assert.Equal(t, 1.5, config.Thermostat.Target)
	assert.Equal(t, 6, config.Thermostat.Window)
	assert.True(t, config.Thermostat.Advisory)
}

func TestLoad_BadThermostatSection(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
instance: "dev"
registry:
  path: "registry.json"
checkpoint:
  path: "checkpoint.json"
thermostat:
  target: 1.5
  window: 0
`)

	_, err := Load(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window must be positive")
}

func TestLoad_BadDuration(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
instance: "dev"
registry:
  path: "registry.json"
  heartbeat_timeout: "soon"
checkpoint:
  path: "checkpoint.json"
`)

	_, err := Load(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}
