package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/automation-engine/internal/domain"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://localhost/automation_test"

redis:
  addr: "localhost:6380"

automation:
  workers: 8
  poll_interval_seconds: 2
  lease_ttl_seconds: 45

metrics:
  interval_seconds: 30
  retention_hours: 48
  thresholds:
    - id: "error-rate-high"
      metric: "error_rate"
      comparator: "gt"
      value: 0.05
      severity: "critical"
      cooldown_minutes: 15
      enabled: true
    - id: "queue-deep"
      metric: "queue_depth"
      comparator: "gte"
      value: 10000
      severity: "warning"
      cooldown_minutes: 5
      enabled: true
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Explicit values
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "postgres://localhost/automation_test", cfg.Database.URL)
	assert.Equal(t, "localhost:6380", cfg.Redis.Addr)
	assert.Equal(t, 8, cfg.Automation.Workers)
	assert.Equal(t, 2*time.Second, cfg.Automation.PollInterval())
	assert.Equal(t, 45*time.Second, cfg.Automation.LeaseTTL())
	assert.Equal(t, 30*time.Second, cfg.Metrics.Interval())
	assert.Equal(t, 48*time.Hour, cfg.Metrics.Retention())

	// Thresholds
	require.Len(t, cfg.Metrics.Thresholds, 2)
	assert.Equal(t, "error_rate", cfg.Metrics.Thresholds[0].Metric)
	assert.Equal(t, domain.CompareGT, cfg.Metrics.Thresholds[0].Comparator)
	assert.Equal(t, domain.SeverityCritical, cfg.Metrics.Thresholds[0].Severity)
	assert.Equal(t, 15, cfg.Metrics.Thresholds[0].CooldownMinutes)
	assert.True(t, cfg.Metrics.Thresholds[1].Enabled)

	// Defaults for omitted sections
	assert.Equal(t, 95.0, cfg.ABTest.DefaultConfidenceLevel)
	assert.Equal(t, 100, cfg.ABTest.DefaultMinSampleSize)
	assert.Equal(t, 10, cfg.Batch.Concurrency)
	assert.Equal(t, 4, cfg.Batch.MaxAttempts)
	assert.Equal(t, "us-east-1", cfg.SES.Region)

	// The batch schedule round-trips into a retry policy.
	policy := cfg.Batch.Policy()
	assert.Equal(t, 4, policy.MaxAttempts)
	assert.Equal(t, time.Second, policy.BaseDelay)
	assert.Equal(t, 30*time.Second, policy.MaxDelay)
	assert.True(t, policy.Jitter)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 8080\n"), 0644))

	t.Setenv("DATABASE_URL", "postgres://env-host/automation")
	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("AWS_SES_REGION", "eu-west-1")

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env-host/automation", cfg.Database.URL)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "eu-west-1", cfg.SES.Region)
}
