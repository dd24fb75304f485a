package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full daemon configuration. Values come from defaults, an
// optional YAML file, and MOLTQ_* environment variables, in that order of
// precedence (lowest first).
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DBPath     string `mapstructure:"db_path"`
	LogLevel   string `mapstructure:"log_level"`

	// Engine holds worker-pool and retry settings.
	Engine EngineConfig `mapstructure:"engine"`
	// Redis holds distributed-coordination settings.
	Redis RedisConfig `mapstructure:"redis"`
	// Providers holds model-selection settings.
	Providers ProviderConfig `mapstructure:"providers"`
}

// EngineConfig controls the execution engine and retry policy.
type EngineConfig struct {
	// MaxWorkers is the size of the worker pool.
	MaxWorkers int `mapstructure:"max_workers"`
	// MaxConcurrentTasks caps how many tasks may be running at once,
	// independent of the pool size. This is the global backpressure valve.
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
	// TaskTimeout bounds a single provider invocation.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// RetryTimes is the maximum number of attempts per task.
	RetryTimes int `mapstructure:"retry_times"`
	// BackoffBase and BackoffMax shape the exponential retry delay:
	// base * 2^(attempt-1), capped at max.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	// LockLease is the lease duration requested for the per-task
	// distributed lock.
	LockLease time.Duration `mapstructure:"lock_lease"`
}

// RedisConfig controls the distributed coordinator. When Enabled is false the
// engine falls back to an in-process coordinator with identical semantics.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ProviderConfig controls provider selection and health tracking.
type ProviderConfig struct {
	// DefaultModel is the capability assigned to tasks submitted without one.
	DefaultModel string `mapstructure:"default_model"`
	// SelectionStrategy is one of "availability", "load", "cost".
	SelectionStrategy string `mapstructure:"selection_strategy"`
	// FailureThreshold is the consecutive-failure streak that marks a
	// provider unhealthy.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// CooldownBase seeds the exponential unhealthy cool-down.
	CooldownBase time.Duration `mapstructure:"cooldown_base"`
}

// Load reads configuration from the optional file at path (empty means
// defaults plus environment only) and MOLTQ_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "moltq.db")
	v.SetDefault("log_level", "info")

	v.SetDefault("engine.max_workers", 10)
	v.SetDefault("engine.max_concurrent_tasks", 100)
	v.SetDefault("engine.task_timeout", 5*time.Minute)
	v.SetDefault("engine.retry_times", 3)
	v.SetDefault("engine.backoff_base", time.Second)
	v.SetDefault("engine.backoff_max", time.Minute)
	v.SetDefault("engine.lock_lease", 30*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("providers.default_model", "gpt-3.5-turbo")
	v.SetDefault("providers.selection_strategy", "availability")
	v.SetDefault("providers.failure_threshold", 3)
	v.SetDefault("providers.cooldown_base", 30*time.Second)

	v.SetEnvPrefix("MOLTQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
