package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.True(t, cfg.Database.AutoMigrate)
	assert.Equal(t, 4, cfg.Sync.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Sync.RetryBaseDelay)
	assert.Equal(t, 24*time.Hour, cfg.Redis.IdempotencyTTL)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
database:
  driver: postgres
  host: db.internal
  database: sync
  user: syncd
auth:
  api_keys:
    - key: CaseSensitiveKey
      tenant_id: tenant-a
sync:
  pull_max_limit: 50
  pull_default_limit: 25
`)
	t.Setenv("SYNCD_DATABASE_PASSWORD", "s3cret")
	t.Setenv("SYNCD_SYNC_MAX_RETRIES", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, 7, cfg.Sync.MaxRetries)
	assert.Equal(t, 25, cfg.Sync.PullDefaultLimit)
	require.Len(t, cfg.Auth.APIKeys, 1)
	assert.Equal(t, "CaseSensitiveKey", cfg.Auth.APIKeys[0].Key)
	assert.Equal(t, "tenant-a", cfg.Auth.APIKeys[0].TenantID)
}

func TestLoad_ValidationFailure(t *testing.T) {
	_, err := Load(writeConfig(t, "database:\n  driver: mongodb\n"))
	assert.ErrorContains(t, err, "database.driver")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(writeConfig(t, "{}\n"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server port"},
		{"sqlite without path", func(c *Config) { c.Database.SQLitePath = "" }, "sqlite_path"},
		{"postgres without host", func(c *Config) { c.Database.Driver = DriverPostgres; c.Database.Host = "" }, "database.host"},
		{"default limit above max", func(c *Config) { c.Sync.PullDefaultLimit = c.Sync.PullMaxLimit + 1 }, "pull_default_limit"},
		{"incomplete api key", func(c *Config) { c.Auth.APIKeys = []APIKey{{Key: "k"}} }, "tenant_id"},
		{"duplicate api key", func(c *Config) {
			c.Auth.APIKeys = []APIKey{{Key: "k", TenantID: "a"}, {Key: "k", TenantID: "b"}}
		}, "duplicates"},
		{"auth off without tenant", func(c *Config) { c.Auth.Enabled = false; c.Auth.DefaultTenant = "" }, "default_tenant"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestConfig_YAMLRedactsSecrets(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	cfg.Database.Password = "hunter2"
	cfg.Auth.APIKeys = []APIKey{{Key: "sk-live", TenantID: "tenant-a"}}

	out, err := cfg.YAML()
	require.NoError(t, err)

	assert.NotContains(t, string(out), "hunter2")
	assert.NotContains(t, string(out), "sk-live")
	assert.Contains(t, string(out), "tenant-a")
	assert.Contains(t, string(out), "retry_base_delay: 10ms")
	assert.Equal(t, "hunter2", cfg.Database.Password)
}
