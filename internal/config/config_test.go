package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/moltq/moltq/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.Engine.MaxWorkers != 10 {
		t.Errorf("engine.max_workers = %d", cfg.Engine.MaxWorkers)
	}
	if cfg.Engine.MaxConcurrentTasks != 100 {
		t.Errorf("engine.max_concurrent_tasks = %d", cfg.Engine.MaxConcurrentTasks)
	}
	if cfg.Engine.RetryTimes != 3 {
		t.Errorf("engine.retry_times = %d", cfg.Engine.RetryTimes)
	}
	if cfg.Engine.BackoffBase != time.Second || cfg.Engine.BackoffMax != time.Minute {
		t.Errorf("backoff = %v/%v", cfg.Engine.BackoffBase, cfg.Engine.BackoffMax)
	}
	if cfg.Redis.Enabled {
		t.Error("redis enabled by default")
	}
	if cfg.Providers.SelectionStrategy != "availability" {
		t.Errorf("providers.selection_strategy = %q", cfg.Providers.SelectionStrategy)
	}
	if cfg.Providers.DefaultModel != "gpt-3.5-turbo" {
		t.Errorf("providers.default_model = %q", cfg.Providers.DefaultModel)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moltq.yaml")
	body := `
listen_addr: ":9090"
engine:
  max_workers: 4
  task_timeout: 90s
providers:
  selection_strategy: cost
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.Engine.MaxWorkers != 4 {
		t.Errorf("engine.max_workers = %d", cfg.Engine.MaxWorkers)
	}
	if cfg.Engine.TaskTimeout != 90*time.Second {
		t.Errorf("engine.task_timeout = %v", cfg.Engine.TaskTimeout)
	}
	if cfg.Providers.SelectionStrategy != "cost" {
		t.Errorf("providers.selection_strategy = %q", cfg.Providers.SelectionStrategy)
	}
	// Unset keys keep their defaults.
	if cfg.Engine.RetryTimes != 3 {
		t.Errorf("engine.retry_times = %d", cfg.Engine.RetryTimes)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MOLTQ_LISTEN_ADDR", ":7070")
	t.Setenv("MOLTQ_ENGINE_MAX_WORKERS", "2")
	t.Setenv("MOLTQ_REDIS_ADDR", "redis.internal:6379")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.Engine.MaxWorkers != 2 {
		t.Errorf("engine.max_workers = %d", cfg.Engine.MaxWorkers)
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("redis.addr = %q", cfg.Redis.Addr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load with missing file: expected error")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := config.ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
