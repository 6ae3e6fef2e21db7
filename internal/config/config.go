// Package config handles configuration loading for the risk engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"security-risk-engine/internal/alerting"
	"security-risk-engine/internal/cache"
	"security-risk-engine/internal/correlation"
	"security-risk-engine/internal/geoip"
	"security-risk-engine/internal/kafka"
	"security-risk-engine/internal/middleware"
	"security-risk-engine/internal/reporting"
	"security-risk-engine/internal/scoring"
	"security-risk-engine/internal/storage"
	"security-risk-engine/internal/storage/boltstore"
	"security-risk-engine/internal/storage/s3"
)

// Storage drivers.
const (
	DriverClickHouse = "clickhouse"
	DriverBolt       = "bolt"
	DriverMemory     = "memory"
)

// Config holds the complete application configuration.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Logging     LoggingConfig      `yaml:"logging"`
	Storage     StorageConfig      `yaml:"storage"`
	Encryption  EncryptionConfig   `yaml:"encryption"`
	Secrets     SecretsConfig      `yaml:"secrets"`
	Scoring     scoring.Config     `yaml:"scoring"`
	Correlation correlation.Config `yaml:"correlation"`
	Alerting    AlertingConfig     `yaml:"alerting"`
	Redis       RedisConfig        `yaml:"redis"`
	GeoIP       GeoIPConfig        `yaml:"geoip"`
	Reporting   ReportingConfig    `yaml:"reporting"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	// Production hides internal error detail from API responses.
	Production bool `yaml:"production"`

	APIKey          middleware.APIKeyConfig          `yaml:"api_key"`
	RateLimit       middleware.RateLimitConfig       `yaml:"rate_limit"`
	SecurityHeaders middleware.SecurityHeadersConfig `yaml:"security_headers"`
	GatewayEvents   GatewayEventsConfig              `yaml:"gateway_events"`
}

// GatewayEventsConfig controls how rejected requests are recorded as
// security events.
type GatewayEventsConfig struct {
	QueueSize int `yaml:"queue_size"`
	// Window records one event per address and event type per window; the
	// next recorded event carries the number suppressed. Zero records every
	// rejection.
	Window  time.Duration `yaml:"window"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig selects and configures the audit store.
type StorageConfig struct {
	Driver     string                   `yaml:"driver"`
	ClickHouse storage.ClickHouseConfig `yaml:"clickhouse"`
	Bolt       boltstore.Config         `yaml:"bolt"`
	Retention  storage.RetentionConfig  `yaml:"retention"`
	// PurgeInterval drives expired-row purging for the bolt and memory
	// drivers. ClickHouse relies on table TTLs.
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// EncryptionConfig holds metadata encryption settings.
type EncryptionConfig struct {
	Enabled bool `yaml:"enabled"`
	// KeyRef is a secret reference such as "env:encryption_key" or
	// "kms:encryption_key" resolving to a base64 master key.
	KeyRef     string `yaml:"key_ref"`
	KeyVersion int    `yaml:"key_version"`
	// PreviousKeyRefs maps retired key versions to their references so old
	// ciphertexts stay readable after rotation.
	PreviousKeyRefs map[int]string `yaml:"previous_key_refs"`
}

// SecretsConfig configures the secret providers.
type SecretsConfig struct {
	EnableEnv  bool          `yaml:"enable_env"`
	EnvPrefix  string        `yaml:"env_prefix"`
	EnableFile bool          `yaml:"enable_file"`
	FileDir    string        `yaml:"file_dir"`
	EnableKMS  bool          `yaml:"enable_kms"`
	KMSKeyID   string        `yaml:"kms_key_id"`
	KMSRegion  string        `yaml:"kms_region"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// AlertingConfig holds the dispatcher and its broadcasters.
type AlertingConfig struct {
	alerting.Config `yaml:",inline"`

	Kafka KafkaConfig `yaml:"kafka"`
	// Redis publishes alerts on the Redis connection from the top-level
	// redis section.
	Redis bool `yaml:"redis"`
	// Log writes every alert to the application log.
	Log bool `yaml:"log"`
}

// KafkaConfig enables the Kafka broadcaster.
type KafkaConfig struct {
	kafka.Config `yaml:",inline"`

	Enabled bool `yaml:"enabled"`
	// EnsureTopic creates the topic at startup when missing.
	EnsureTopic bool `yaml:"ensure_topic"`
}

// RedisConfig enables the shared Redis connection.
type RedisConfig struct {
	cache.RedisConfig `yaml:",inline"`

	Enabled bool `yaml:"enabled"`
}

// GeoIPConfig configures geolocation.
type GeoIPConfig struct {
	geoip.HTTPConfig `yaml:",inline"`

	Enabled       bool          `yaml:"enabled"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

// ReportingConfig holds aggregator settings and the optional archive.
type ReportingConfig struct {
	reporting.Config `yaml:",inline"`

	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig enables the S3 report archive.
type ArchiveConfig struct {
	s3.Config `yaml:",inline"`

	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			APIKey:          middleware.DefaultAPIKeyConfig(),
			RateLimit:       middleware.DefaultRateLimitConfig(),
			SecurityHeaders: middleware.DefaultSecurityHeadersConfig(),
			GatewayEvents: GatewayEventsConfig{
				QueueSize: 256,
				Window:    time.Minute,
				Timeout:   10 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Driver:        DriverMemory,
			ClickHouse:    storage.DefaultClickHouseConfig(),
			Bolt:          boltstore.DefaultConfig(),
			Retention:     storage.DefaultRetentionConfig(),
			PurgeInterval: time.Hour,
		},
		Encryption: EncryptionConfig{
			Enabled:    false,
			KeyRef:     "env:encryption_key",
			KeyVersion: 1,
		},
		Secrets: SecretsConfig{
			EnableEnv: true,
			EnvPrefix: "RISK_ENGINE_",
			FileDir:   "/etc/risk-engine/secrets",
			CacheTTL:  5 * time.Minute,
		},
		Scoring:     scoring.DefaultConfig(),
		Correlation: correlation.DefaultConfig(),
		Alerting: AlertingConfig{
			Config: alerting.DefaultConfig(),
			Kafka:  KafkaConfig{Config: *kafka.DefaultConfig()},
			Log:    true,
		},
		Redis: RedisConfig{RedisConfig: cache.DefaultRedisConfig()},
		GeoIP: GeoIPConfig{
			HTTPConfig:    geoip.DefaultHTTPConfig(),
			CacheTTL:      24 * time.Hour,
			LookupTimeout: 2 * time.Second,
		},
		Reporting: ReportingConfig{
			Config:  reporting.DefaultConfig(),
			Archive: ArchiveConfig{Config: *s3.DefaultConfig()},
		},
	}
}

// Load reads the optional .env file, the YAML file named by
// RISK_ENGINE_CONFIG_PATH (default configs/config.yaml) and then applies
// environment overrides. A missing file yields the defaults.
func Load() (*Config, error) {
	envFile := os.Getenv("RISK_ENGINE_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	configPath := os.Getenv("RISK_ENGINE_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path and applies environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	var errs []error
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	setInt("RISK_ENGINE_HTTP_PORT", &c.Server.HTTPPort)
	setBool("RISK_ENGINE_PRODUCTION", &c.Server.Production)
	if keys := os.Getenv("RISK_ENGINE_API_KEYS"); keys != "" {
		c.Server.APIKey.Keys = splitAndTrim(keys, ",")
		c.Server.APIKey.Enabled = true
	}
	setBool("RISK_ENGINE_RATE_LIMIT_ENABLED", &c.Server.RateLimit.Enabled)
	setString("RISK_ENGINE_LOG_LEVEL", &c.Logging.Level)
	setString("RISK_ENGINE_LOG_FORMAT", &c.Logging.Format)

	setString("RISK_ENGINE_STORAGE_DRIVER", &c.Storage.Driver)
	setString("RISK_ENGINE_BOLT_PATH", &c.Storage.Bolt.Path)
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = splitAndTrim(host, ",")
	}
	setString("CLICKHOUSE_DATABASE", &c.Storage.ClickHouse.Database)
	setString("CLICKHOUSE_USER", &c.Storage.ClickHouse.Username)
	setString("CLICKHOUSE_PASSWORD", &c.Storage.ClickHouse.Password)

	setBool("RISK_ENGINE_ENCRYPTION_ENABLED", &c.Encryption.Enabled)
	setString("RISK_ENGINE_ENCRYPTION_KEY_REF", &c.Encryption.KeyRef)
	setInt("RISK_ENGINE_ENCRYPTION_KEY_VERSION", &c.Encryption.KeyVersion)

	setInt("RISK_ENGINE_ALERT_THRESHOLD", &c.Alerting.RiskThreshold)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Alerting.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Alerting.Kafka.Enabled = true
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	setString("REDIS_PASSWORD", &c.Redis.Password)

	setBool("RISK_ENGINE_GEOIP_ENABLED", &c.GeoIP.Enabled)
	setBool("RISK_ENGINE_ARCHIVE_ENABLED", &c.Reporting.Archive.Enabled)
	setString("RISK_ENGINE_ARCHIVE_BUCKET", &c.Reporting.Archive.Bucket)

	return errors.Join(errs...)
}

// splitAndTrim splits s by sep, trims each part and drops empty ones.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration, including every component section.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	if err := c.Server.APIKey.Validate(); err != nil {
		return err
	}
	if err := c.Server.RateLimit.Validate(); err != nil {
		return err
	}
	if c.Server.GatewayEvents.QueueSize < 1 {
		return fmt.Errorf("gateway_events.queue_size must be at least 1")
	}
	if c.Server.GatewayEvents.Window < 0 {
		return fmt.Errorf("gateway_events.window must not be negative")
	}
	if c.Server.GatewayEvents.Timeout <= 0 {
		return fmt.Errorf("gateway_events.timeout must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	switch c.Storage.Driver {
	case DriverClickHouse:
		if len(c.Storage.ClickHouse.Hosts) == 0 {
			return fmt.Errorf("clickhouse driver needs at least one host")
		}
	case DriverBolt:
		if c.Storage.Bolt.Path == "" {
			return fmt.Errorf("bolt driver needs a path")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}
	if c.Storage.Driver != DriverClickHouse && c.Storage.PurgeInterval <= 0 {
		return fmt.Errorf("purge_interval must be positive for the %s driver", c.Storage.Driver)
	}

	if c.Encryption.Enabled {
		if c.Encryption.KeyRef == "" {
			return fmt.Errorf("encryption enabled without key_ref")
		}
		if c.Encryption.KeyVersion < 1 || c.Encryption.KeyVersion > 255 {
			return fmt.Errorf("encryption key_version must be in [1,255]")
		}
	}

	if err := c.Scoring.Validate(); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	if err := c.Correlation.Validate(); err != nil {
		return err
	}
	if err := c.Alerting.Config.Validate(); err != nil {
		return err
	}
	if c.Alerting.Kafka.Enabled {
		if err := c.Alerting.Kafka.Config.Validate(); err != nil {
			return fmt.Errorf("alerting kafka: %w", err)
		}
	}
	if c.Alerting.Redis && !c.Redis.Enabled {
		return fmt.Errorf("alerting.redis requires the redis section to be enabled")
	}
	if err := c.Reporting.Config.Validate(); err != nil {
		return err
	}
	if c.Reporting.Archive.Enabled {
		if err := c.Reporting.Archive.Config.Validate(); err != nil {
			return fmt.Errorf("reporting archive: %w", err)
		}
	}
	return nil
}
