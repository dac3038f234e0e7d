package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment   string              `toml:"environment"` // "development" or "production"
	Server        ServerConfig        `toml:"server"`
	Storage       StorageConfig       `toml:"storage"`
	Ephemeral     EphemeralConfig     `toml:"ephemeral"`
	Queue         QueueConfig         `toml:"queue"`
	Workers       WorkersConfig       `toml:"workers"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Notifications NotificationsConfig `toml:"notifications"`
	WebSocket     WebSocketConfig     `toml:"websocket"`
	Logging       LoggingConfig       `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration for the durable store
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// EphemeralConfig configures the short-TTL store (queues, live progress, caches)
type EphemeralConfig struct {
	Path     string `toml:"path"`      // Directory path; empty = in-memory
	InMemory bool   `toml:"in_memory"` // Force in-memory mode regardless of path
}

type QueueConfig struct {
	PollInterval string `toml:"poll_interval"` // e.g. "1s" - worker poll interval when queue is empty
}

type WorkersConfig struct {
	Concurrency       int    `toml:"concurrency"`         // Number of concurrent workers
	DefaultTimeout    string `toml:"default_timeout"`     // Per-job execution timeout, e.g. "1h"
	StaleAfterMinutes int    `toml:"stale_after_minutes"` // Running jobs without progress beyond this are failed
	Simulate          bool   `toml:"simulate"`            // Use the simulated executor (no external API calls)
}

type SchedulerConfig struct {
	Tick    string `toml:"tick"`    // Scheduler wake interval, e.g. "30s"
	Enabled bool   `toml:"enabled"` // Allow disabling schedule-driven job creation
}

type NotificationsConfig struct {
	EmailRateLimit string `toml:"email_rate_limit"` // Minimum interval between email deliveries, e.g. "1s"
	SMSRateLimit   string `toml:"sms_rate_limit"`   // Minimum interval between SMS deliveries
}

// WebSocketConfig contains configuration for live event streaming to dashboards
type WebSocketConfig struct {
	MinLevel string `toml:"min_level"` // Minimum log level to broadcast
	// Throttle intervals for high-frequency events. Map of event type to duration string.
	// Example: {"job_progress": "1s"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/state",
			},
		},
		Ephemeral: EphemeralConfig{
			Path: "./data/ephemeral",
		},
		Queue: QueueConfig{
			PollInterval: "1s",
		},
		Workers: WorkersConfig{
			Concurrency:       4,
			DefaultTimeout:    "1h",
			StaleAfterMinutes: 15,
			Simulate:          true,
		},
		Scheduler: SchedulerConfig{
			Tick:    "30s",
			Enabled: true,
		},
		Notifications: NotificationsConfig{
			EmailRateLimit: "1s",
			SMSRateLimit:   "1s",
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info",
			ThrottleIntervals: map[string]string{
				"job_progress": "500ms",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration from defaults, then the given TOML files
// in order (later files override earlier ones), then environment variables.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := NewDefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies KEYWATCH_* environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KEYWATCH_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KEYWATCH_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("KEYWATCH_STORAGE_PATH"); v != "" {
		cfg.Storage.Badger.Path = v
	}
	if v := os.Getenv("KEYWATCH_EPHEMERAL_PATH"); v != "" {
		cfg.Ephemeral.Path = v
	}
	if v := os.Getenv("KEYWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KEYWATCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers.Concurrency = n
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(cfg *Config, port int, host string) {
	if port != 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be positive, got %d", c.Workers.Concurrency)
	}
	if _, err := time.ParseDuration(c.Scheduler.Tick); err != nil {
		return fmt.Errorf("invalid scheduler.tick: %w", err)
	}
	if _, err := time.ParseDuration(c.Queue.PollInterval); err != nil {
		return fmt.Errorf("invalid queue.poll_interval: %w", err)
	}
	env := strings.ToLower(c.Environment)
	if env != "development" && env != "production" {
		return fmt.Errorf("environment must be development or production, got %q", c.Environment)
	}
	return nil
}

// Duration parses a duration string field with a fallback default
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
