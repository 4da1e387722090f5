// Package common provides shared utilities for Conveyor
package common

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Backoff policy names accepted in queue configuration.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Config holds all configuration for Conveyor
type Config struct {
	Environment string           `toml:"environment"`
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Broker      BrokerConfig     `toml:"broker"`
	Dispatcher  DispatcherConfig `toml:"dispatcher"`
	Logging     LoggingConfig    `toml:"logging"`
	Queues      []QueueConfig    `toml:"queues"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds durable store configuration. The sqlite driver uses
// Name as the database file path; host/port/user/password/ssl are accepted
// for server-backed drivers and ignored by sqlite.
type StorageConfig struct {
	Driver   string `toml:"driver"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Name     string `toml:"name"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	SSL      bool   `toml:"ssl"`
	MaxConns int    `toml:"max_conns"`
}

// BrokerConfig holds broker backend configuration. The in-memory broker
// ignores the Redis fields; they are recognized so a Redis-backed broker can
// be dropped in without config changes.
type BrokerConfig struct {
	RedisHost     string `toml:"redis_host"`
	RedisPort     int    `toml:"redis_port"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// DispatcherConfig holds scheduler/dispatcher tuning.
type DispatcherConfig struct {
	PromoteInterval string `toml:"promote_interval"` // delayed→ready sweep cadence
	ShutdownGrace   string `toml:"shutdown_grace"`   // wait for in-flight handlers
	StaleThreshold  string `toml:"stale_threshold"`  // recovery: active older than this is a failed attempt
	MaxRetryDelay   string `toml:"max_retry_delay"`  // backoff ceiling
	HandlerTimeout  string `toml:"handler_timeout"`  // per-attempt timeout, "0" disables
}

// GetPromoteInterval parses and returns the promote sweep interval.
func (c *DispatcherConfig) GetPromoteInterval() time.Duration {
	return parseDurationOr(c.PromoteInterval, 200*time.Millisecond)
}

// GetShutdownGrace parses and returns the shutdown grace period.
func (c *DispatcherConfig) GetShutdownGrace() time.Duration {
	return parseDurationOr(c.ShutdownGrace, 30*time.Second)
}

// GetStaleThreshold parses and returns the recovery stale threshold.
func (c *DispatcherConfig) GetStaleThreshold() time.Duration {
	return parseDurationOr(c.StaleThreshold, 60*time.Second)
}

// GetMaxRetryDelay parses and returns the retry delay ceiling.
func (c *DispatcherConfig) GetMaxRetryDelay() time.Duration {
	return parseDurationOr(c.MaxRetryDelay, 10*time.Minute)
}

// GetHandlerTimeout parses and returns the per-attempt handler timeout.
// Zero means no timeout.
func (c *DispatcherConfig) GetHandlerTimeout() time.Duration {
	return parseDurationOr(c.HandlerTimeout, 0)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// QueueConfig holds per-type queue tuning.
type QueueConfig struct {
	Name          string `toml:"name"`
	Concurrency   int    `toml:"concurrency"`
	MaxRetries    int    `toml:"max_retries"`
	RetryDelayMS  int    `toml:"retry_delay_ms"`
	Backoff       string `toml:"backoff"` // "fixed" or "exponential"
	KeepCompleted int    `toml:"keep_completed"`
	KeepFailed    int    `toml:"keep_failed"`
}

// defaultQueueNames is the built-in queue set. Additional queues can be
// declared in the config file; each needs a registered handler at startup.
var defaultQueueNames = []string{"email", "image", "file", "export", "api", "cleanup"}

// NewDefaultQueueConfig returns the default tuning for a queue type.
func NewDefaultQueueConfig(name string) QueueConfig {
	return QueueConfig{
		Name:          name,
		Concurrency:   2,
		MaxRetries:    3,
		RetryDelayMS:  1000,
		Backoff:       BackoffExponential,
		KeepCompleted: 100,
		KeepFailed:    500,
	}
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	queues := make([]QueueConfig, 0, len(defaultQueueNames))
	for _, name := range defaultQueueNames {
		queues = append(queues, NewDefaultQueueConfig(name))
	}
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Storage: StorageConfig{
			Driver:   "sqlite",
			Name:     "data/conveyor.db",
			MaxConns: 20,
		},
		Dispatcher: DispatcherConfig{
			PromoteInterval: "200ms",
			ShutdownGrace:   "30s",
			StaleThreshold:  "60s",
			MaxRetryDelay:   "10m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Queues: queues,
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Apply environment overrides
	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks queue tuning for out-of-range values and normalizes
// missing fields to their defaults.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i := range c.Queues {
		q := &c.Queues[i]
		if q.Name == "" {
			return fmt.Errorf("queue %d: name is required", i)
		}
		if seen[q.Name] {
			return fmt.Errorf("queue %q: declared twice", q.Name)
		}
		seen[q.Name] = true
		if q.Concurrency < 1 {
			q.Concurrency = 1
		}
		if q.MaxRetries < 0 {
			return fmt.Errorf("queue %q: max_retries must be >= 0", q.Name)
		}
		if q.RetryDelayMS < 0 {
			return fmt.Errorf("queue %q: retry_delay_ms must be >= 0", q.Name)
		}
		switch q.Backoff {
		case BackoffFixed, BackoffExponential:
		case "":
			q.Backoff = BackoffExponential
		default:
			return fmt.Errorf("queue %q: backoff must be %q or %q", q.Name, BackoffFixed, BackoffExponential)
		}
		if q.KeepCompleted < 0 || q.KeepFailed < 0 {
			return fmt.Errorf("queue %q: keep_completed and keep_failed must be >= 0", q.Name)
		}
	}
	return nil
}

// QueueByName returns the config for a queue type, or false if undeclared.
func (c *Config) QueueByName(name string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueConfig{}, false
}

// QueueNames returns the declared queue names, sorted.
func (c *Config) QueueNames() []string {
	names := make([]string, 0, len(c.Queues))
	for _, q := range c.Queues {
		names = append(names, q.Name)
	}
	sort.Strings(names)
	return names
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("CONVEYOR_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("NODE_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("CONVEYOR_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	// Durable store overrides
	if v := os.Getenv("DB_HOST"); v != "" {
		config.Storage.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			config.Storage.Port = p
		}
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		config.Storage.Name = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		config.Storage.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		config.Storage.Password = v
	}
	if v := os.Getenv("DB_SSL"); v != "" {
		config.Storage.SSL = v == "true" || v == "1"
	}

	// Broker backend overrides
	if v := os.Getenv("REDIS_HOST"); v != "" {
		config.Broker.RedisHost = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			config.Broker.RedisPort = p
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Broker.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			config.Broker.RedisDB = d
		}
	}

	// Per-queue overrides: {TYPE}_CONCURRENCY, {TYPE}_MAX_RETRIES,
	// {TYPE}_RETRY_DELAY (ms), {TYPE}_BACKOFF, {TYPE}_KEEP_COMPLETED,
	// {TYPE}_KEEP_FAILED
	for i := range config.Queues {
		q := &config.Queues[i]
		prefix := strings.ToUpper(q.Name) + "_"

		if v := os.Getenv(prefix + "CONCURRENCY"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 1 {
				q.Concurrency = n
			}
		}
		if v := os.Getenv(prefix + "MAX_RETRIES"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				q.MaxRetries = n
			}
		}
		if v := os.Getenv(prefix + "RETRY_DELAY"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				q.RetryDelayMS = n
			}
		}
		if v := os.Getenv(prefix + "BACKOFF"); v != "" {
			q.Backoff = v
		}
		if v := os.Getenv(prefix + "KEEP_COMPLETED"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				q.KeepCompleted = n
			}
		}
		if v := os.Getenv(prefix + "KEEP_FAILED"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				q.KeepFailed = n
			}
		}
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// IsDevelopment returns true if running in development mode. Error messages
// on the HTTP surface are verbose only in development.
func (c *Config) IsDevelopment() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "development" || env == "dev" || env == ""
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
