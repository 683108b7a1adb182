// Package config loads application configuration from YAML with
// environment variable overrides.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/automation-engine/internal/domain"
	"github.com/ignite/automation-engine/internal/pkg/retry"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	SES        SESConfig        `yaml:"ses"`
	Automation AutomationConfig `yaml:"automation"`
	ABTest     ABTestConfig     `yaml:"abtest"`
	Batch      BatchConfig      `yaml:"batch"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings for the execution queue
// and distributed locks
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SESConfig holds AWS SES delivery credentials
type SESConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// AutomationConfig holds workflow engine settings
type AutomationConfig struct {
	Workers               int `yaml:"workers"`
	PollIntervalSeconds   int `yaml:"poll_interval_seconds"`
	LeaseTTLSeconds       int `yaml:"lease_ttl_seconds"`
	WebhookTimeoutSeconds int `yaml:"webhook_timeout_seconds"`
}

// PollInterval returns the worker poll interval as a duration
func (c AutomationConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// LeaseTTL returns the execution lease TTL as a duration
func (c AutomationConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// ABTestConfig holds statistical engine defaults
type ABTestConfig struct {
	DefaultConfidenceLevel float64 `yaml:"default_confidence_level"`
	DefaultMinSampleSize   int     `yaml:"default_min_sample_size"`
	EventBufferSize        int     `yaml:"event_buffer_size"`
}

// BatchConfig holds bulk-operation runner settings: fan-out width and
// the retry schedule applied to sends, webhooks and registrations.
type BatchConfig struct {
	Concurrency     int `yaml:"concurrency"`
	MaxAttempts     int `yaml:"max_attempts"`
	BaseDelayMs     int `yaml:"base_delay_ms"`
	MaxDelaySeconds int `yaml:"max_delay_seconds"`
}

// Policy builds the retry policy from the configured schedule, keeping
// the default multiplier, jitter and retryable set.
func (c BatchConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.MaxAttempts
	p.BaseDelay = time.Duration(c.BaseDelayMs) * time.Millisecond
	p.MaxDelay = time.Duration(c.MaxDelaySeconds) * time.Second
	return p
}

// MetricsConfig holds collector settings and alert thresholds
type MetricsConfig struct {
	IntervalSeconds int                     `yaml:"interval_seconds"`
	RetentionHours  int                     `yaml:"retention_hours"`
	Thresholds      []domain.AlertThreshold `yaml:"thresholds"`
}

// Interval returns the collection interval as a duration
func (c MetricsConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Retention returns the sample retention window as a duration
func (c MetricsConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.Automation.Workers == 0 {
		cfg.Automation.Workers = 4
	}
	if cfg.Automation.PollIntervalSeconds == 0 {
		cfg.Automation.PollIntervalSeconds = 1
	}
	if cfg.Automation.LeaseTTLSeconds == 0 {
		cfg.Automation.LeaseTTLSeconds = 30
	}
	if cfg.Automation.WebhookTimeoutSeconds == 0 {
		cfg.Automation.WebhookTimeoutSeconds = 15
	}
	if cfg.ABTest.DefaultConfidenceLevel == 0 {
		cfg.ABTest.DefaultConfidenceLevel = 95
	}
	if cfg.ABTest.DefaultMinSampleSize == 0 {
		cfg.ABTest.DefaultMinSampleSize = 100
	}
	if cfg.ABTest.EventBufferSize == 0 {
		cfg.ABTest.EventBufferSize = 1024
	}
	if cfg.Batch.Concurrency == 0 {
		cfg.Batch.Concurrency = 10
	}
	if cfg.Batch.MaxAttempts == 0 {
		cfg.Batch.MaxAttempts = 4
	}
	if cfg.Batch.BaseDelayMs == 0 {
		cfg.Batch.BaseDelayMs = 1000
	}
	if cfg.Batch.MaxDelaySeconds == 0 {
		cfg.Batch.MaxDelaySeconds = 30
	}
	if cfg.Metrics.IntervalSeconds == 0 {
		cfg.Metrics.IntervalSeconds = 60
	}
	if cfg.Metrics.RetentionHours == 0 {
		cfg.Metrics.RetentionHours = 24
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets
// can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}

	return cfg, nil
}
