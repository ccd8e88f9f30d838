// Package config provides configuration management for AgentGate.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for AgentGate.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Resources ResourceConfig  `mapstructure:"resources"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Health    HealthConfig    `mapstructure:"health"`
	Store     StoreConfig     `mapstructure:"store"`
	GatePlans GatePlanConfig  `mapstructure:"gatePlans"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// EngineConfig holds execution-engine configuration.
type EngineConfig struct {
	MaxConcurrentRuns int `mapstructure:"maxConcurrentRuns"`
	// DefaultMaxIterations applies when a work order does not set a limit.
	DefaultMaxIterations int `mapstructure:"defaultMaxIterations"`
	// DefaultMaxWallClockSec applies when a work order does not set a limit.
	DefaultMaxWallClockSec int `mapstructure:"defaultMaxWallClockSec"`
	// PhaseTimeoutSec bounds a single capability invocation.
	PhaseTimeoutSec int `mapstructure:"phaseTimeoutSec"`
	// ResultsDir is the root under which run artifacts are persisted.
	ResultsDir string `mapstructure:"resultsDir"`
}

// SchedulerConfig holds queue and claim-loop configuration.
type SchedulerConfig struct {
	PollIntervalMs  int `mapstructure:"pollIntervalMs"`
	StaggerDelayMs  int `mapstructure:"staggerDelayMs"`
	MaxQueueDepth   int `mapstructure:"maxQueueDepth"` // 0 means unlimited
	PriorityEnabled bool `mapstructure:"priorityEnabled"`
}

// ResourceConfig holds slot-pool and memory-gauge configuration.
type ResourceConfig struct {
	// MaxSlots caps concurrent executions; 0 means number of logical cores.
	MaxSlots int `mapstructure:"maxSlots"`
	// MemoryBudgetBytes is the heap budget the pressure gauge measures
	// against; 0 disables pressure reporting (always ok).
	MemoryBudgetBytes int64 `mapstructure:"memoryBudgetBytes"`
	// SampleIntervalMs controls how often memory pressure is sampled.
	SampleIntervalMs int     `mapstructure:"sampleIntervalMs"`
	WarningFraction  float64 `mapstructure:"warningFraction"`
	CriticalFraction float64 `mapstructure:"criticalFraction"`
}

// RetryConfig holds backoff configuration for delayed re-enqueues.
type RetryConfig struct {
	BaseDelayMs  int     `mapstructure:"baseDelayMs"`
	MaxDelayMs   int     `mapstructure:"maxDelayMs"`
	Multiplier   float64 `mapstructure:"multiplier"`
	JitterFactor float64 `mapstructure:"jitterFactor"`
	MaxRetries   int     `mapstructure:"maxRetries"`
}

// HealthConfig holds thresholds for the health checker.
type HealthConfig struct {
	QueueDepthWarning      int     `mapstructure:"queueDepthWarning"`
	QueueDepthCritical     int     `mapstructure:"queueDepthCritical"`
	MemoryWarningFraction  float64 `mapstructure:"memoryWarningFraction"`
	MemoryCriticalFraction float64 `mapstructure:"memoryCriticalFraction"`
	PendingRetriesWarning  int     `mapstructure:"pendingRetriesWarning"`
	StuckPreparingSec      int     `mapstructure:"stuckPreparingSec"`
}

// StoreConfig holds the SQLite store configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// GatePlanConfig holds gate-plan resolution configuration.
type GatePlanConfig struct {
	// ProfileDir is where named gate profiles (<name>.yaml) live.
	ProfileDir string `mapstructure:"profileDir"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Service  string `mapstructure:"service"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PollInterval returns the scheduler poll interval as a time.Duration.
func (s *SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// StaggerDelay returns the minimum inter-claim delay as a time.Duration.
func (s *SchedulerConfig) StaggerDelay() time.Duration {
	return time.Duration(s.StaggerDelayMs) * time.Millisecond
}

// BaseDelay returns the retry base delay as a time.Duration.
func (r *RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the retry delay ceiling as a time.Duration.
func (r *RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// PhaseTimeout returns the per-phase timeout as a time.Duration.
func (e *EngineConfig) PhaseTimeout() time.Duration {
	return time.Duration(e.PhaseTimeoutSec) * time.Second
}

// DefaultMaxWallClock returns the default wall-clock budget as a time.Duration.
func (e *EngineConfig) DefaultMaxWallClock() time.Duration {
	return time.Duration(e.DefaultMaxWallClockSec) * time.Second
}

// SampleInterval returns the memory sample interval as a time.Duration.
func (r *ResourceConfig) SampleInterval() time.Duration {
	return time.Duration(r.SampleIntervalMs) * time.Millisecond
}

// StuckPreparing returns the stuck-in-PREPARING threshold as a time.Duration.
func (h *HealthConfig) StuckPreparing() time.Duration {
	return time.Duration(h.StuckPreparingSec) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTGATE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Engine defaults
	v.SetDefault("engine.maxConcurrentRuns", runtime.NumCPU())
	v.SetDefault("engine.defaultMaxIterations", 3)
	v.SetDefault("engine.defaultMaxWallClockSec", 1800)
	v.SetDefault("engine.phaseTimeoutSec", 300)
	v.SetDefault("engine.resultsDir", "~/.agentgate/runs")

	// Scheduler defaults
	v.SetDefault("scheduler.pollIntervalMs", 1000)
	v.SetDefault("scheduler.staggerDelayMs", 2000)
	v.SetDefault("scheduler.maxQueueDepth", 0)
	v.SetDefault("scheduler.priorityEnabled", true)

	// Resource defaults - 0 slots means one per logical core
	v.SetDefault("resources.maxSlots", 0)
	v.SetDefault("resources.memoryBudgetBytes", 0)
	v.SetDefault("resources.sampleIntervalMs", 5000)
	v.SetDefault("resources.warningFraction", 0.8)
	v.SetDefault("resources.criticalFraction", 0.9)

	// Retry defaults
	v.SetDefault("retry.baseDelayMs", 5000)
	v.SetDefault("retry.maxDelayMs", 300000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitterFactor", 0.1)
	v.SetDefault("retry.maxRetries", 3)

	// Health defaults
	v.SetDefault("health.queueDepthWarning", 50)
	v.SetDefault("health.queueDepthCritical", 100)
	v.SetDefault("health.memoryWarningFraction", 0.8)
	v.SetDefault("health.memoryCriticalFraction", 0.9)
	v.SetDefault("health.pendingRetriesWarning", 10)
	v.SetDefault("health.stuckPreparingSec", 300)

	// Store defaults
	v.SetDefault("store.path", "~/.agentgate/agentgate.db")

	// Gate plan defaults
	v.SetDefault("gatePlans.profileDir", "~/.agentgate/gate-profiles")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentgate")
	v.SetDefault("nats.maxReconnects", 10)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service", "agentgate")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTGATE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentgate/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("engine.maxConcurrentRuns", "AGENTGATE_ENGINE_MAX_CONCURRENT_RUNS")
	_ = v.BindEnv("engine.resultsDir", "AGENTGATE_ENGINE_RESULTS_DIR")
	_ = v.BindEnv("scheduler.maxQueueDepth", "AGENTGATE_SCHEDULER_MAX_QUEUE_DEPTH")
	_ = v.BindEnv("store.path", "AGENTGATE_STORE_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentgate/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Engine.MaxConcurrentRuns <= 0 {
		errs = append(errs, "engine.maxConcurrentRuns must be positive")
	}
	if cfg.Engine.DefaultMaxIterations <= 0 {
		errs = append(errs, "engine.defaultMaxIterations must be positive")
	}
	if cfg.Engine.PhaseTimeoutSec <= 0 {
		errs = append(errs, "engine.phaseTimeoutSec must be positive")
	}

	if cfg.Scheduler.PollIntervalMs <= 0 {
		errs = append(errs, "scheduler.pollIntervalMs must be positive")
	}
	if cfg.Scheduler.StaggerDelayMs < 0 {
		errs = append(errs, "scheduler.staggerDelayMs must not be negative")
	}
	if cfg.Scheduler.MaxQueueDepth < 0 {
		errs = append(errs, "scheduler.maxQueueDepth must not be negative")
	}

	if cfg.Resources.MaxSlots < 0 {
		errs = append(errs, "resources.maxSlots must not be negative")
	}
	if cfg.Resources.WarningFraction <= 0 || cfg.Resources.WarningFraction >= cfg.Resources.CriticalFraction {
		errs = append(errs, "resources.warningFraction must be positive and below criticalFraction")
	}
	if cfg.Resources.CriticalFraction > 1 {
		errs = append(errs, "resources.criticalFraction must not exceed 1")
	}

	if cfg.Retry.BaseDelayMs <= 0 {
		errs = append(errs, "retry.baseDelayMs must be positive")
	}
	if cfg.Retry.MaxDelayMs < cfg.Retry.BaseDelayMs {
		errs = append(errs, "retry.maxDelayMs must be at least baseDelayMs")
	}
	if cfg.Retry.Multiplier < 1 {
		errs = append(errs, "retry.multiplier must be at least 1")
	}
	if cfg.Retry.JitterFactor < 0 || cfg.Retry.JitterFactor >= 1 {
		errs = append(errs, "retry.jitterFactor must be in [0, 1)")
	}
	if cfg.Retry.MaxRetries < 0 {
		errs = append(errs, "retry.maxRetries must not be negative")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
