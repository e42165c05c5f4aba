package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenNoPath(t *testing.T) {
	t.Setenv("ORCHESTRA_HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Executor.MaxConcurrentTasks != 16 {
		t.Fatalf("MaxConcurrentTasks = %d, want 16", cfg.Executor.MaxConcurrentTasks)
	}
	if cfg.Subscription.BufferCapacity != 500 {
		t.Fatalf("BufferCapacity = %d, want 500", cfg.Subscription.BufferCapacity)
	}
	if cfg.Subscription.TTLMinutes != 5 {
		t.Fatalf("TTLMinutes = %d, want 5", cfg.Subscription.TTLMinutes)
	}
	if cfg.Subscription.InactivityMinutes != 30 {
		t.Fatalf("InactivityMinutes = %d, want 30", cfg.Subscription.InactivityMinutes)
	}
}

func TestLoad_ParsesTOMLFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ORCHESTRA_HOME", dir)

	configPath := filepath.Join(dir, "config.toml")
	contents := `
bind_addr = ":9999"

[executor]
max_concurrent_tasks = 4
task_timeout_seconds = 30
max_retries = 1

[[plans]]
agent_id = "coding-agent"
agent_type = "Coding"
steps = ["plan", "write", "verify"]
`
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != ":9999" {
		t.Fatalf("BindAddr = %q, want :9999", cfg.BindAddr)
	}
	if cfg.Executor.MaxConcurrentTasks != 4 {
		t.Fatalf("MaxConcurrentTasks = %d, want 4", cfg.Executor.MaxConcurrentTasks)
	}
	if len(cfg.Plans) != 1 || cfg.Plans[0].AgentID != "coding-agent" {
		t.Fatalf("unexpected plans: %+v", cfg.Plans)
	}
}

func TestLoad_RejectsInvalidPlan(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ORCHESTRA_HOME", dir)

	configPath := filepath.Join(dir, "config.toml")
	contents := `
[[plans]]
agent_type = "Coding"
`
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("expected an error for a plan missing agent_id")
	}
}

func TestLoad_EnvOverridesLogLevel(t *testing.T) {
	t.Setenv("ORCHESTRA_HOME", t.TempDir())
	t.Setenv("ORCHESTRA_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	t.Setenv("ORCHESTRA_HOME", t.TempDir())
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
