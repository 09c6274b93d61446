package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Queue drivers
const (
	QueueDriverRiver  = "river"
	QueueDriverMemory = "memory"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string          `mapstructure:"database_url"`
	LogLevel    string          `mapstructure:"log_level"`
	Queue       QueueConfig     `mapstructure:"queue"`
	Delivery    DeliveryConfig  `mapstructure:"delivery"`
	Retry       RetryConfig     `mapstructure:"retry"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
}

// QueueConfig selects the work queue that carries delivery IDs to the executor pool
type QueueConfig struct {
	Driver  string `mapstructure:"driver"`
	Workers int    `mapstructure:"workers"`
}

// DeliveryConfig controls outbound webhook requests
type DeliveryConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// RetryConfig controls the retry scheduler sweep
type RetryConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
}

// TelemetryConfig holds OpenTelemetry exporter settings
type TelemetryConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	Endpoint       string            `mapstructure:"endpoint"`
	Insecure       bool              `mapstructure:"insecure"`
	Headers        map[string]string `mapstructure:"headers"`
	ServiceName    string            `mapstructure:"service_name"`
	Environment    string            `mapstructure:"environment"`
	SampleRate     float64           `mapstructure:"sample_rate"`
	MetricInterval time.Duration     `mapstructure:"metric_interval"`
}

// UsesMemoryStore reports whether no database is configured
func (c *Config) UsesMemoryStore() bool {
	return c.DatabaseURL == ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("queue.driver", "")
	v.SetDefault("queue.workers", 8)

	v.SetDefault("delivery.timeout", 30*time.Second)
	v.SetDefault("delivery.max_response_bytes", 1000)
	v.SetDefault("delivery.user_agent", "tenanthooks-webhook/1.0")

	v.SetDefault("retry.interval", 30*time.Second)
	v.SetDefault("retry.batch_size", 100)
	v.SetDefault("retry.claim_timeout", 5*time.Minute)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", "tenanthooks")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.sample_rate", 1.0)
	v.SetDefault("telemetry.metric_interval", 30*time.Second)
}

// Load loads configuration from defaults, an optional tenanthooks.yaml and
// environment variables. Nested keys map to env vars with dots replaced by
// underscores, so queue.workers is read from QUEUE_WORKERS.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("tenanthooks")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Queue.Driver == "" {
		if cfg.UsesMemoryStore() {
			cfg.Queue.Driver = QueueDriverMemory
		} else {
			cfg.Queue.Driver = QueueDriverRiver
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Queue.Driver {
	case QueueDriverMemory:
	case QueueDriverRiver:
		if c.UsesMemoryStore() {
			return fmt.Errorf("invalid config: queue driver %q requires database_url", c.Queue.Driver)
		}
	default:
		return fmt.Errorf("invalid config: unknown queue driver %q", c.Queue.Driver)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("invalid config: queue.workers must be at least 1, got %d", c.Queue.Workers)
	}
	if c.Delivery.Timeout <= 0 {
		return fmt.Errorf("invalid config: delivery.timeout must be positive")
	}
	if c.Delivery.MaxResponseBytes <= 0 {
		return fmt.Errorf("invalid config: delivery.max_response_bytes must be positive")
	}
	if c.Retry.Interval <= 0 {
		return fmt.Errorf("invalid config: retry.interval must be positive")
	}
	if c.Retry.BatchSize < 1 {
		return fmt.Errorf("invalid config: retry.batch_size must be at least 1")
	}
	if c.Retry.ClaimTimeout <= c.Delivery.Timeout {
		return fmt.Errorf("invalid config: retry.claim_timeout must exceed delivery.timeout")
	}
	return nil
}
