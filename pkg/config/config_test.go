package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AppliesDefaults(t *testing.T) {
	c, err := Parse([]byte("environment: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "test", c.Environment)
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, 60*time.Second, c.Forecast.CacheTTL)
	assert.Equal(t, "ewma", c.Forecast.BaselineMethod)
	assert.Equal(t, 0.5, c.Breaker.FailureRateToOpen)
	assert.Equal(t, "memory", c.Cache.Backend)
	assert.Equal(t, "/v1/forecast", c.Tollama.Path)
}

func TestParse_OverridesDefaults(t *testing.T) {
	c, err := Parse([]byte(`
forecast:
  min_points_for_backend: 5
  baseline_only_buckets: [thin, dead]
breaker:
  min_requests: 2
  half_open_probe_requests: 1
  half_open_successes_to_close: 1
`))
	require.NoError(t, err)
	assert.Equal(t, 5, c.Forecast.MinPointsForBackend)
	assert.Equal(t, []string{"thin", "dead"}, c.Forecast.BaselineOnlyBuckets)
	assert.Equal(t, 2, c.Breaker.MinRequests)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad cache backend", func(c *Config) { c.Cache.Backend = "disk" }},
		{"bad baseline", func(c *Config) { c.Forecast.BaselineMethod = "arima" }},
		{"inverted widths", func(c *Config) { c.Repair.MinIntervalWidth, c.Repair.MaxIntervalWidth = 0.5, 0.4 }},
		{"failure rate", func(c *Config) { c.Breaker.FailureRateToOpen = 1.5 }},
		{"probe accounting", func(c *Config) { c.Breaker.HalfOpenSuccessesToClose = 5 }},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true }},
		{"clickhouse without host", func(c *Config) { c.ClickHouse.Enabled = true }},
		{"zero ttl", func(c *Config) { c.Forecast.CacheTTL = 0 }},
	}
	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"QUANTSERVE_PORT":            "9090",
		"QUANTSERVE_TOLLAMA_URL":     "http://tollama:8000",
		"QUANTSERVE_TOLLAMA_TIMEOUT": "750ms",
		"QUANTSERVE_DEGRADED":        "true",
		"QUANTSERVE_KAFKA_BROKERS":   "a:9092,b:9092",
	}
	c := Default()
	require.NoError(t, c.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, 9090, c.Server.Port)
	assert.Equal(t, "http://tollama:8000", c.Tollama.BaseURL)
	assert.Equal(t, 750*time.Millisecond, c.Tollama.Timeout)
	assert.True(t, c.Forecast.Degraded)
	assert.True(t, c.Kafka.Enabled)
	assert.Equal(t, []string{"a:9092", "b:9092"}, c.Kafka.Brokers)

	bad := Default()
	assert.Error(t, bad.applyEnv(func(k string) (string, bool) {
		if k == "QUANTSERVE_PORT" {
			return "http", true
		}
		return "", false
	}))
}

func TestLoadWithEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	t.Setenv("QUANTSERVE_LOG_LEVEL", "warn")

	c, err := LoadWithEnv(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", c.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_RepoConfig(t *testing.T) {
	c, err := Load("../../config/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"illiquid"}, c.Forecast.BaselineOnlyBuckets)
}
