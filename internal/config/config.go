// Package config handles configuration loading and management for specbatch.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides,
// e.g. SPECBATCH_DEFAULTS_MAX_PARALLEL.
const EnvPrefix = "SPECBATCH"

// ProjectConfigName is the project-level config file searched upward from
// the working directory.
const ProjectConfigName = ".specbatch.yaml"

// Config holds all configuration for specbatch.
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	Defaults DefaultsConfig `mapstructure:"defaults"`
	Stop     StopConfig     `mapstructure:"stop"`
	Watch    WatchConfig    `mapstructure:"watch"`
	State    StateConfig    `mapstructure:"state"`
}

// AgentConfig describes the worker command spawned for each spec.
type AgentConfig struct {
	// Command is the executable to run.
	Command string `mapstructure:"command"`
	// Args may use {{spec}}, {{run}} and {{attempt}} placeholders.
	Args []string `mapstructure:"args"`
	// Env holds NAME=value entries added to the worker environment. A list
	// keeps variable names case-sensitive, which viper map keys are not.
	Env []string `mapstructure:"env"`
	// PTY runs workers attached to a pseudo-terminal.
	PTY bool `mapstructure:"pty"`
	// Timeout kills an attempt that runs longer. Zero disables it.
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultsConfig holds default values for runs.
type DefaultsConfig struct {
	MaxParallel int    `mapstructure:"max_parallel"`
	MaxRetries  int    `mapstructure:"max_retries"`
	Manifest    string `mapstructure:"manifest"`
}

// StopConfig holds stop timing.
type StopConfig struct {
	// GracePeriod is the delay between SIGTERM and SIGKILL.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// AckTimeout is how long a separate stop invocation waits for the
	// coordinator to act on a stop request before killing workers itself.
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
}

// WatchConfig holds status watch settings.
type WatchConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// StateConfig locates the state directory.
type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (SPECBATCH_*)
// 2. Project config (.specbatch.yaml in current directory or parent)
// 3. User config (~/.config/specbatch/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load user config from XDG path
	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		// Merge project config (takes precedence)
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	bindEnv(v)

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
// Environment overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	bindEnv(v)

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Agent.Command = expandEnv(cfg.Agent.Command)
	for i, entry := range cfg.Agent.Env {
		cfg.Agent.Env[i] = expandEnv(entry)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnv maps SPECBATCH_SECTION_KEY variables onto section.key settings.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Validate checks values that would make every run fail.
func (c *Config) Validate() error {
	if c.Defaults.MaxParallel < 1 {
		return fmt.Errorf("defaults.max_parallel must be at least 1, got %d", c.Defaults.MaxParallel)
	}
	if c.Defaults.MaxRetries < 0 {
		return fmt.Errorf("defaults.max_retries must not be negative, got %d", c.Defaults.MaxRetries)
	}
	for _, entry := range c.Agent.Env {
		if name, _, ok := strings.Cut(entry, "="); !ok || name == "" {
			return fmt.Errorf("agent.env entry %q must be NAME=value", entry)
		}
	}
	if c.Agent.Timeout < 0 {
		return fmt.Errorf("agent.timeout must not be negative, got %s", c.Agent.Timeout)
	}
	return nil
}

// EnvMap returns the worker environment entries as a map.
func (a AgentConfig) EnvMap() map[string]string {
	env := make(map[string]string, len(a.Env))
	for _, entry := range a.Env {
		if name, value, ok := strings.Cut(entry, "="); ok && name != "" {
			env[name] = value
		}
	}
	return env
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveToPath(cfg, filepath.Join(userConfigDir, "config.yaml"))
}

// SaveToPath writes the configuration to path.
func SaveToPath(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)

	v.Set("agent.command", cfg.Agent.Command)
	v.Set("agent.args", cfg.Agent.Args)
	v.Set("agent.env", cfg.Agent.Env)
	v.Set("agent.pty", cfg.Agent.PTY)
	v.Set("agent.timeout", cfg.Agent.Timeout.String())
	v.Set("defaults.max_parallel", cfg.Defaults.MaxParallel)
	v.Set("defaults.max_retries", cfg.Defaults.MaxRetries)
	v.Set("defaults.manifest", cfg.Defaults.Manifest)
	v.Set("stop.grace_period", cfg.Stop.GracePeriod.String())
	v.Set("stop.ack_timeout", cfg.Stop.AckTimeout.String())
	v.Set("watch.interval", cfg.Watch.Interval.String())
	v.Set("state.dir", cfg.State.Dir)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	// Worker defaults
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{"--print", "Implement spec {{spec}}"})
	v.SetDefault("agent.env", []string{})
	v.SetDefault("agent.pty", false)
	v.SetDefault("agent.timeout", "0s")

	// Run defaults
	v.SetDefault("defaults.max_parallel", 3)
	v.SetDefault("defaults.max_retries", 2)
	v.SetDefault("defaults.manifest", "specs.yaml")

	// Stop defaults
	v.SetDefault("stop.grace_period", "5s")
	v.SetDefault("stop.ack_timeout", "10s")

	v.SetDefault("watch.interval", "1s")
	v.SetDefault("state.dir", ".specbatch")
}

// getUserConfigDir returns the XDG config directory for specbatch.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "specbatch")
	}

	// Fall back to ~/.config/specbatch
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "specbatch")
	}
	return filepath.Join(home, ".config", "specbatch")
}

// findProjectConfig searches for .specbatch.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Command: "claude",
			Args:    []string{"--print", "Implement spec {{spec}}"},
		},
		Defaults: DefaultsConfig{
			MaxParallel: 3,
			MaxRetries:  2,
			Manifest:    "specs.yaml",
		},
		Stop: StopConfig{
			GracePeriod: 5 * time.Second,
			AckTimeout:  10 * time.Second,
		},
		Watch: WatchConfig{
			Interval: time.Second,
		},
		State: StateConfig{
			Dir: ".specbatch",
		},
	}
}
