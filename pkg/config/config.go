package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "QUANTSERVE_"

type Config struct {
	Environment string `yaml:"environment" default:"development"`
	Server      struct {
		Port            int           `yaml:"port" default:"8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
		BodyLimit       string        `yaml:"body_limit" default:"2M"`
		CORS            bool          `yaml:"cors" default:"true"`
		RateLimitRPS    float64       `yaml:"rate_limit_rps"`
		RateLimitBurst  int           `yaml:"rate_limit_burst" default:"20"`
		AdminToken      string        `yaml:"admin_token"`
	} `yaml:"server"`
	Log struct {
		Level      string `yaml:"level" default:"info"`
		Format     string `yaml:"format" default:"json"`
		Output     string `yaml:"output" default:"stdout"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxAgeDays int    `yaml:"max_age_days"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"log"`
	Forecast struct {
		MinPointsForBackend int           `yaml:"min_points_for_backend" default:"32"`
		BaselineOnlyBuckets []string      `yaml:"baseline_only_buckets"`
		MaxGapSeconds       int64         `yaml:"max_gap_seconds"`
		CacheTTL            time.Duration `yaml:"cache_ttl" default:"60s"`
		StaleRetention      time.Duration `yaml:"stale_retention" default:"1h"`
		BaselineMethod      string        `yaml:"baseline_method" default:"ewma"`
		RollingWindow       int           `yaml:"rolling_window" default:"50"`
		Degraded            bool          `yaml:"degraded"`
		SinkTimeout         time.Duration `yaml:"sink_timeout" default:"5s"`
	} `yaml:"forecast"`
	Repair struct {
		MinIntervalWidth float64 `yaml:"min_interval_width" default:"0.02"`
		MaxIntervalWidth float64 `yaml:"max_interval_width" default:"0.98"`
	} `yaml:"repair"`
	Breaker struct {
		WindowSeconds            float64 `yaml:"window_seconds" default:"60"`
		MinRequests              int     `yaml:"min_requests" default:"20"`
		FailureRateToOpen        float64 `yaml:"failure_rate_to_open" default:"0.5"`
		CooldownSeconds          float64 `yaml:"cooldown_seconds" default:"30"`
		HalfOpenProbeRequests    int     `yaml:"half_open_probe_requests" default:"3"`
		HalfOpenSuccessesToClose int     `yaml:"half_open_successes_to_close" default:"2"`
	} `yaml:"breaker"`
	Tollama struct {
		BaseURL string        `yaml:"base_url" default:"http://localhost:8000"`
		Path    string        `yaml:"path" default:"/v1/forecast"`
		Timeout time.Duration `yaml:"timeout" default:"2s"`
		Retries int           `yaml:"retries" default:"1"`
	} `yaml:"tollama"`
	Cache struct {
		Backend         string        `yaml:"backend" default:"memory"` // memory | redis | layered
		MaxEntries      int           `yaml:"max_entries" default:"10000"`
		CleanupInterval time.Duration `yaml:"cleanup_interval" default:"1m"`
		L1TTL           time.Duration `yaml:"l1_ttl" default:"30s"`
		Redis           struct {
			Host     string `yaml:"host" default:"localhost"`
			Port     int    `yaml:"port" default:"6379"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix" default:"quantserve"`
		} `yaml:"redis"`
	} `yaml:"cache"`
	Conformal struct {
		AdjustmentPath string `yaml:"adjustment_path"`
		Bucket         string `yaml:"bucket"`
	} `yaml:"conformal"`
	Kafka struct {
		Enabled          bool     `yaml:"enabled"`
		Brokers          []string `yaml:"brokers"`
		AdjustmentsTopic string   `yaml:"adjustments_topic" default:"quantserve.adjustments"`
		ForecastsTopic   string   `yaml:"forecasts_topic"`
		Compression      string   `yaml:"compression" default:"snappy"`
		Producer         struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			BatchTimeout time.Duration `yaml:"batch_timeout" default:"200ms"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" default:"quantserve"`
			Workers    int           `yaml:"workers" default:"1"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic   string        `yaml:"dlq_topic"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"default"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		Table            string        `yaml:"table" default:"forecast_log"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
		InitSchema       bool          `yaml:"init_schema"`
	} `yaml:"clickhouse"`
}

// Load reads and parses a YAML configuration file. Missing fields take
// their defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := c.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// Default returns a validated config built from defaults only.
func Default() *Config {
	var c Config
	_ = c.ApplyDefaults()
	return &c
}

// ApplyDefaults fills zero-valued fields from their default tags.
func (c *Config) ApplyDefaults() error {
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("config defaults: %w", err)
	}
	return nil
}

// LoadWithEnv loads config from YAML and overrides with environment
// variables. A .env file next to the process is read first if present.
func LoadWithEnv(path string) (*Config, error) {
	_ = godotenv.Load() // optional

	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return v, ok && v != ""
	}

	if v, ok := get("ENV"); ok {
		c.Environment = v
	}
	if v, ok := get("PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPORT: %w", EnvPrefix, err)
		}
		c.Server.Port = n
	}
	if v, ok := get("ADMIN_TOKEN"); ok {
		c.Server.AdminToken = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := get("TOLLAMA_URL"); ok {
		c.Tollama.BaseURL = v
	}
	if v, ok := get("TOLLAMA_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sTOLLAMA_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Tollama.Timeout = d
	}
	if v, ok := get("DEGRADED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDEGRADED: %w", EnvPrefix, err)
		}
		c.Forecast.Degraded = b
	}
	if v, ok := get("CACHE_BACKEND"); ok {
		c.Cache.Backend = v
	}
	if v, ok := get("REDIS_HOST"); ok {
		c.Cache.Redis.Host = v
	}
	if v, ok := get("REDIS_PASSWORD"); ok {
		c.Cache.Redis.Password = v
	}
	if v, ok := get("KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v, ok := get("CLICKHOUSE_HOST"); ok {
		c.ClickHouse.Host = v
		c.ClickHouse.Enabled = true
	}
	if v, ok := get("CLICKHOUSE_PASSWORD"); ok {
		c.ClickHouse.Password = v
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Forecast.MinPointsForBackend < 1 {
		errs = append(errs, errors.New("forecast.min_points_for_backend must be >= 1"))
	}
	if c.Forecast.CacheTTL <= 0 {
		errs = append(errs, errors.New("forecast.cache_ttl must be positive"))
	}
	switch c.Forecast.BaselineMethod {
	case "ewma", "rolling_quantile", "kalman":
	default:
		errs = append(errs, fmt.Errorf("forecast.baseline_method %q is not one of ewma, rolling_quantile, kalman", c.Forecast.BaselineMethod))
	}
	if c.Repair.MinIntervalWidth < 0 || c.Repair.MaxIntervalWidth > 1 {
		errs = append(errs, errors.New("repair widths must lie in [0,1]"))
	}
	if c.Repair.MaxIntervalWidth > 0 && c.Repair.MinIntervalWidth > c.Repair.MaxIntervalWidth {
		errs = append(errs, errors.New("repair.min_interval_width exceeds max_interval_width"))
	}
	if c.Breaker.WindowSeconds <= 0 || c.Breaker.CooldownSeconds <= 0 {
		errs = append(errs, errors.New("breaker window_seconds and cooldown_seconds must be positive"))
	}
	if !(c.Breaker.FailureRateToOpen > 0 && c.Breaker.FailureRateToOpen <= 1) {
		errs = append(errs, fmt.Errorf("breaker.failure_rate_to_open %v outside (0,1]", c.Breaker.FailureRateToOpen))
	}
	if c.Breaker.HalfOpenSuccessesToClose > c.Breaker.HalfOpenProbeRequests {
		errs = append(errs, errors.New("breaker.half_open_successes_to_close exceeds half_open_probe_requests"))
	}
	if c.Tollama.BaseURL == "" {
		errs = append(errs, errors.New("tollama.base_url is required"))
	}
	if c.Tollama.Timeout <= 0 {
		errs = append(errs, errors.New("tollama.timeout must be positive"))
	}
	switch c.Cache.Backend {
	case "memory", "redis", "layered":
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be 'memory', 'redis' or 'layered', got '%s'", c.Cache.Backend))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers cannot be empty when kafka is enabled"))
	}
	if c.ClickHouse.Enabled && c.ClickHouse.Host == "" {
		errs = append(errs, errors.New("clickhouse.host is required when clickhouse is enabled"))
	}
	return errors.Join(errs...)
}
