// Package core provides service configuration for the orchestration core.
//
// Configuration is layered: defaults, then an optional YAML file, then
// environment variable overrides. Precedence (highest wins):
//  1. Environment variables (ENSEMBLE_*)
//  2. YAML configuration file
//  3. Built-in defaults
package core

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	ServiceName string            `yaml:"service_name" json:"service_name"`
	HTTP        HTTPConfig        `yaml:"http" json:"http"`
	Redis       RedisConfig       `yaml:"redis" json:"redis"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" json:"scheduler"`
	HITL        HITLConfig        `yaml:"hitl" json:"hitl"`
	Events      EventsConfig      `yaml:"events" json:"events"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Development DevelopmentConfig `yaml:"development" json:"development"`
}

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	URL       string `yaml:"url" json:"url"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// SchedulerConfig contains worker pool configuration.
type SchedulerConfig struct {
	// WorkerCount is the number of concurrent workers.
	// Default: number of cores x 2.
	WorkerCount int `yaml:"worker_count" json:"worker_count"`

	// AttemptTimeout is the soft deadline per task attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`

	// CancelGrace is how long a working task gets to observe
	// cooperative cancellation before it is abandoned.
	CancelGrace time.Duration `yaml:"cancel_grace" json:"cancel_grace"`

	// OrphanThreshold is the heartbeat age beyond which a working
	// task is considered orphaned on recovery scans.
	OrphanThreshold time.Duration `yaml:"orphan_threshold" json:"orphan_threshold"`

	// QueueHighWater bounds the queue length; beyond it Submit blocks
	// or fails fast with ErrQueueFull when the caller opts in.
	QueueHighWater int `yaml:"queue_high_water" json:"queue_high_water"`
}

// HITLConfig contains human-in-the-loop defaults.
type HITLConfig struct {
	// ApprovalTTL is how long an approval waits before expiring.
	ApprovalTTL time.Duration `yaml:"approval_ttl" json:"approval_ttl"`

	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// CounterInitial seeds each new project's auto-approval budget.
	CounterInitial int `yaml:"counter_initial" json:"counter_initial"`

	// CounterEnabled toggles the counter for new projects.
	CounterEnabled bool `yaml:"counter_enabled" json:"counter_enabled"`
}

// EventsConfig contains event fabric configuration.
type EventsConfig struct {
	// SubscriberQueueSize is the per-subscriber outstanding queue
	// high-water mark; a subscriber exceeding it is dropped and must
	// replay to recover.
	SubscriberQueueSize int `yaml:"subscriber_queue_size" json:"subscriber_queue_size"`

	// RetentionTTL is how long events remain replayable.
	RetentionTTL time.Duration `yaml:"retention_ttl" json:"retention_ttl"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, text
	Output string `yaml:"output" json:"output"` // stdout, stderr
}

// DevelopmentConfig contains development-only toggles.
type DevelopmentConfig struct {
	PrettyLogs bool `yaml:"pretty_logs" json:"pretty_logs"`
}

// DefaultConfig returns sensible defaults suitable for production.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "ensemble",
		HTTP: HTTPConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			URL:       "redis://localhost:6379",
			DB:        0,
			KeyPrefix: "ensemble",
		},
		Scheduler: SchedulerConfig{
			WorkerCount:     runtime.NumCPU() * 2,
			AttemptTimeout:  5 * time.Minute,
			CancelGrace:     30 * time.Second,
			OrphanThreshold: 2 * time.Minute,
			QueueHighWater:  1024,
		},
		HITL: HITLConfig{
			ApprovalTTL:    24 * time.Hour,
			SweepInterval:  30 * time.Second,
			CounterInitial: 10,
			CounterEnabled: true,
		},
		Events: EventsConfig{
			SubscriberQueueSize: 1024,
			RetentionTTL:        7 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadConfig reads configuration from the given YAML file (optional; pass
// "" to skip) and applies environment overrides on top of defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENSEMBLE_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("ENSEMBLE_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("ENSEMBLE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("ENSEMBLE_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = port
		}
	}
	if v := os.Getenv("ENSEMBLE_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.WorkerCount = n
		}
	}
	if v := os.Getenv("ENSEMBLE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ENSEMBLE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// Validate checks for configuration mistakes that would only surface at
// runtime otherwise.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: http port %d out of range", ErrInvalidConfiguration, c.HTTP.Port)
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("%w: redis url is required", ErrInvalidConfiguration)
	}
	if c.Scheduler.WorkerCount <= 0 {
		return fmt.Errorf("%w: worker count must be positive", ErrInvalidConfiguration)
	}
	if c.Events.SubscriberQueueSize <= 0 {
		return fmt.Errorf("%w: subscriber queue size must be positive", ErrInvalidConfiguration)
	}
	return nil
}
