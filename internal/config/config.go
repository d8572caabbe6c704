package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

const redacted = "********"

// Config represents the sync service configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Redis       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Sync        SyncConfig        `mapstructure:"sync" yaml:"sync"`
	Auth        AuthConfig        `mapstructure:"auth" yaml:"auth"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter" yaml:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// DatabaseConfig selects and configures the record store
type DatabaseConfig struct {
	Driver         string `mapstructure:"driver" yaml:"driver"`
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	Database       string `mapstructure:"database" yaml:"database"`
	User           string `mapstructure:"user" yaml:"user"`
	Password       string `mapstructure:"password" yaml:"password"`
	SSLMode        string `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
	MinConnections int    `mapstructure:"min_connections" yaml:"min_connections"`
	SQLitePath     string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	AutoMigrate    bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// RedisConfig represents Redis idempotency store configuration
type RedisConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	Password       string        `mapstructure:"password" yaml:"password"`
	DB             int           `mapstructure:"db" yaml:"db"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl" yaml:"idempotency_ttl"`
}

// CacheConfig represents in-process cache configuration
type CacheConfig struct {
	DeviceTTL time.Duration `mapstructure:"device_ttl" yaml:"device_ttl"`
	MaxSize   int           `mapstructure:"max_size" yaml:"max_size"`
}

// SyncConfig tunes the sync engine
type SyncConfig struct {
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	PullDefaultLimit int           `mapstructure:"pull_default_limit" yaml:"pull_default_limit"`
	PullMaxLimit     int           `mapstructure:"pull_max_limit" yaml:"pull_max_limit"`
	MaxBatchSize     int           `mapstructure:"max_batch_size" yaml:"max_batch_size"`
	PushConcurrency  int           `mapstructure:"push_concurrency" yaml:"push_concurrency"`
	MaxPayloadBytes  int           `mapstructure:"max_payload_bytes" yaml:"max_payload_bytes"`
}

// APIKey maps a static API key to the tenant it authenticates
type APIKey struct {
	Key      string `mapstructure:"key" yaml:"key"`
	TenantID string `mapstructure:"tenant_id" yaml:"tenant_id"`
}

// AuthConfig configures the static API key resolver. With auth disabled every
// request is attributed to DefaultTenant.
type AuthConfig struct {
	Enabled       bool     `mapstructure:"enabled" yaml:"enabled"`
	DefaultTenant string   `mapstructure:"default_tenant" yaml:"default_tenant"`
	APIKeys       []APIKey `mapstructure:"api_keys" yaml:"api_keys"`
}

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size" yaml:"burst_size"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig represents logging configuration. When File is set, logs are
// also written to a size-rotated file.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return errors.New("database.sqlite_path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver must be one of: postgres, sqlite, memory (got %q)", c.Database.Driver)
	}

	if c.Redis.Enabled && c.Redis.Host == "" {
		return errors.New("redis.host is required when redis is enabled")
	}
	if c.Redis.IdempotencyTTL <= 0 {
		return errors.New("redis.idempotency_ttl must be positive")
	}

	if c.Sync.MaxRetries < 0 {
		return errors.New("sync.max_retries cannot be negative")
	}
	if c.Sync.RetryMaxDelay < c.Sync.RetryBaseDelay {
		return errors.New("sync.retry_max_delay must not be less than sync.retry_base_delay")
	}
	if c.Sync.PullDefaultLimit <= 0 || c.Sync.PullMaxLimit <= 0 {
		return errors.New("sync pull limits must be positive")
	}
	if c.Sync.PullDefaultLimit > c.Sync.PullMaxLimit {
		return errors.New("sync.pull_default_limit cannot exceed sync.pull_max_limit")
	}
	if c.Sync.MaxBatchSize <= 0 {
		return errors.New("sync.max_batch_size must be positive")
	}
	if c.Sync.PushConcurrency <= 0 {
		return errors.New("sync.push_concurrency must be positive")
	}

	if !c.Auth.Enabled && c.Auth.DefaultTenant == "" {
		return errors.New("auth.default_tenant is required when auth is disabled")
	}
	seen := make(map[string]struct{}, len(c.Auth.APIKeys))
	for i, k := range c.Auth.APIKeys {
		if k.Key == "" || k.TenantID == "" {
			return fmt.Errorf("auth.api_keys[%d] needs both key and tenant_id", i)
		}
		if _, dup := seen[k.Key]; dup {
			return fmt.Errorf("auth.api_keys[%d] duplicates an earlier key", i)
		}
		seen[k.Key] = struct{}{}
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return errors.New("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return errors.New("rate limiter burst size must be positive")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console (got %q)", c.Logging.Format)
	}
	return nil
}

// Redacted returns a copy with secrets masked
func (c Config) Redacted() Config {
	out := c
	if out.Database.Password != "" {
		out.Database.Password = redacted
	}
	if out.Redis.Password != "" {
		out.Redis.Password = redacted
	}
	out.Auth.APIKeys = make([]APIKey, len(c.Auth.APIKeys))
	for i, k := range c.Auth.APIKeys {
		out.Auth.APIKeys[i] = APIKey{Key: redacted, TenantID: k.TenantID}
	}
	return out
}

// YAML renders the redacted configuration
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}
