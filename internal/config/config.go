// Package config loads swarm configuration and resolves the state root.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides. These win over config.yaml values.
const (
	EnvStateDir   = "SWARM_STATE_DIR"
	EnvTmuxSocket = "SWARM_TMUX_SOCKET"
)

// DefaultStateDirName is the directory under the user's home that holds all
// swarm state when no override is set.
const DefaultStateDirName = ".swarm"

// Config holds user-tunable defaults. All fields are optional; zero values
// fall back to the constants below.
type Config struct {
	StateDir           string `yaml:"state_dir,omitempty"`
	TmuxSocket         string `yaml:"tmux_socket,omitempty"`
	Session            string `yaml:"session,omitempty"`
	ReadyTimeoutSecs   int    `yaml:"ready_timeout_seconds,omitempty"`
	InactivitySecs     int    `yaml:"inactivity_timeout_seconds,omitempty"`
	HeartbeatPollSecs  int    `yaml:"heartbeat_poll_seconds,omitempty"`
	WorktreeParent     string `yaml:"worktree_parent,omitempty"`
}

// Defaults applied when neither config.yaml nor flags specify a value.
const (
	DefaultReadyTimeout      = 120 * time.Second
	DefaultInactivityTimeout = 180 * time.Second
	DefaultHeartbeatPoll     = 30 * time.Second
)

// Load reads <stateRoot>/config.yaml if present. A missing file is not an
// error; a malformed file is, so the user finds out rather than silently
// running with defaults.
func Load(stateRoot string) (*Config, error) {
	path := filepath.Join(stateRoot, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the config back to <stateRoot>/config.yaml.
func Save(stateRoot string, cfg *Config) error {
	if err := os.MkdirAll(stateRoot, 0755); err != nil {
		return fmt.Errorf("creating state root: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stateRoot, "config.yaml"), data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// StateRoot resolves the swarm state directory: SWARM_STATE_DIR env var if
// set, otherwise ~/.swarm.
func StateRoot() (string, error) {
	if dir := os.Getenv(EnvStateDir); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", fmt.Errorf("resolving %s: %w", EnvStateDir, err)
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, DefaultStateDirName), nil
}

// TmuxSocket returns the socket override, preferring the environment over
// the config file. Empty means the default tmux server.
func (c *Config) TmuxSocketName() string {
	if s := os.Getenv(EnvTmuxSocket); s != "" {
		return s
	}
	return c.TmuxSocket
}

// ReadyTimeout returns the configured readiness-wait timeout.
func (c *Config) ReadyTimeout() time.Duration {
	if c.ReadyTimeoutSecs > 0 {
		return time.Duration(c.ReadyTimeoutSecs) * time.Second
	}
	return DefaultReadyTimeout
}

// InactivityTimeout returns the configured ralph inactivity timeout.
func (c *Config) InactivityTimeout() time.Duration {
	if c.InactivitySecs > 0 {
		return time.Duration(c.InactivitySecs) * time.Second
	}
	return DefaultInactivityTimeout
}

// HeartbeatPoll returns the scheduler's poll cadence.
func (c *Config) HeartbeatPoll() time.Duration {
	if c.HeartbeatPollSecs > 0 {
		return time.Duration(c.HeartbeatPollSecs) * time.Second
	}
	return DefaultHeartbeatPoll
}
