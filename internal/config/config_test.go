package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Agent.Command != "claude" {
		t.Errorf("expected default command 'claude', got %q", cfg.Agent.Command)
	}

	if cfg.Defaults.MaxParallel != 3 {
		t.Errorf("expected default max_parallel 3, got %d", cfg.Defaults.MaxParallel)
	}

	if cfg.Defaults.MaxRetries != 2 {
		t.Errorf("expected default max_retries 2, got %d", cfg.Defaults.MaxRetries)
	}

	if cfg.Agent.Timeout != 0 {
		t.Errorf("expected no default timeout, got %v", cfg.Agent.Timeout)
	}

	if cfg.Stop.GracePeriod != 5*time.Second {
		t.Errorf("expected grace period 5s, got %v", cfg.Stop.GracePeriod)
	}

	if cfg.Stop.AckTimeout != 10*time.Second {
		t.Errorf("expected ack timeout 10s, got %v", cfg.Stop.AckTimeout)
	}

	if cfg.State.Dir != ".specbatch" {
		t.Errorf("expected state dir .specbatch, got %q", cfg.State.Dir)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadFromPath(t *testing.T) {
	configPath := writeConfig(t, `
agent:
  command: my-agent
  args: ["run", "{{spec}}"]
  env:
    - GITHUB_TOKEN=abc
  pty: true
  timeout: 30m
defaults:
  max_parallel: 5
  max_retries: 0
  manifest: plan/specs.yaml
stop:
  grace_period: 2s
  ack_timeout: 3s
watch:
  interval: 250ms
`)

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Agent.Command != "my-agent" {
		t.Errorf("expected command 'my-agent', got %q", cfg.Agent.Command)
	}

	if len(cfg.Agent.Args) != 2 || cfg.Agent.Args[1] != "{{spec}}" {
		t.Errorf("unexpected args %v", cfg.Agent.Args)
	}

	if cfg.Agent.EnvMap()["GITHUB_TOKEN"] != "abc" {
		t.Errorf("env name should keep its case, got %v", cfg.Agent.Env)
	}

	if !cfg.Agent.PTY {
		t.Error("expected agent.pty to be true")
	}

	if cfg.Agent.Timeout != 30*time.Minute {
		t.Errorf("expected timeout 30m, got %v", cfg.Agent.Timeout)
	}

	if cfg.Defaults.MaxParallel != 5 || cfg.Defaults.MaxRetries != 0 {
		t.Errorf("unexpected defaults %+v", cfg.Defaults)
	}

	if cfg.Stop.GracePeriod != 2*time.Second || cfg.Stop.AckTimeout != 3*time.Second {
		t.Errorf("unexpected stop config %+v", cfg.Stop)
	}

	if cfg.Watch.Interval != 250*time.Millisecond {
		t.Errorf("expected watch interval 250ms, got %v", cfg.Watch.Interval)
	}

	// Unset keys keep their defaults.
	if cfg.State.Dir != ".specbatch" {
		t.Errorf("expected default state dir, got %q", cfg.State.Dir)
	}
}

func TestLoadFromPath_EnvOverride(t *testing.T) {
	t.Setenv("SPECBATCH_DEFAULTS_MAX_PARALLEL", "7")
	t.Setenv("SPECBATCH_AGENT_COMMAND", "env-agent")

	cfg, err := LoadFromPath(writeConfig(t, "defaults:\n  max_parallel: 2\n"))
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Defaults.MaxParallel != 7 {
		t.Errorf("env should override file, got max_parallel %d", cfg.Defaults.MaxParallel)
	}
	if cfg.Agent.Command != "env-agent" {
		t.Errorf("env should override default, got command %q", cfg.Agent.Command)
	}
}

func TestLoadFromPath_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero parallel", "defaults:\n  max_parallel: 0\n"},
		{"negative retries", "defaults:\n  max_retries: -1\n"},
		{"bad env entry", "agent:\n  env: [NOVALUE]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFromPath(writeConfig(t, tt.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_ProjectConfigOverridesUser(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	if err := os.MkdirAll(filepath.Join(xdg, "specbatch"), 0755); err != nil {
		t.Fatal(err)
	}
	userConfig := "defaults:\n  max_parallel: 4\n  max_retries: 5\n"
	if err := os.WriteFile(filepath.Join(xdg, "specbatch", "config.yaml"), []byte(userConfig), 0644); err != nil {
		t.Fatal(err)
	}

	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, ProjectConfigName), []byte("defaults:\n  max_parallel: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(project, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	wd, _ := os.Getwd()
	if err := os.Chdir(nested); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Defaults.MaxParallel != 1 {
		t.Errorf("project config should win, got max_parallel %d", cfg.Defaults.MaxParallel)
	}
	if cfg.Defaults.MaxRetries != 5 {
		t.Errorf("user config should fill unset project keys, got max_retries %d", cfg.Defaults.MaxRetries)
	}
}

func TestSaveToPathRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Agent.Env = []string{"API_TOKEN=xyz"}
	cfg.Agent.Timeout = 90 * time.Second
	cfg.Defaults.MaxParallel = 6

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := SaveToPath(cfg, path); err != nil {
		t.Fatalf("SaveToPath failed: %v", err)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if loaded.Defaults.MaxParallel != 6 || loaded.Agent.Timeout != 90*time.Second {
		t.Errorf("saved values not loaded back: %+v", loaded)
	}
	if loaded.Agent.EnvMap()["API_TOKEN"] != "xyz" {
		t.Errorf("env not loaded back: %v", loaded.Agent.Env)
	}
}

func TestExpandEnv(t *testing.T) {
	// Set environment variable
	os.Setenv("TEST_VAR", "expanded-value")
	defer os.Unsetenv("TEST_VAR")

	result := expandEnv("${TEST_VAR}")
	if result != "expanded-value" {
		t.Errorf("expected 'expanded-value', got %q", result)
	}

	result = expandEnv("prefix-${TEST_VAR}-suffix")
	if result != "prefix-expanded-value-suffix" {
		t.Errorf("expected 'prefix-expanded-value-suffix', got %q", result)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	// Test with XDG_CONFIG_HOME set
	os.Setenv("XDG_CONFIG_HOME", "/custom/config")
	defer os.Unsetenv("XDG_CONFIG_HOME")

	dir := getUserConfigDir()
	expected := "/custom/config/specbatch"
	if dir != expected {
		t.Errorf("expected %q, got %q", expected, dir)
	}
}
