package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/documentd/documentd/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSecret = "0123456789abcdef0123456789abcdef"

func TestLoadServerConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
listen: ":9000"
log_level: debug
data_dir: /srv/documentd
timezone: UTC
index:
  url: http://index:7700
  api_key: masterKey
  prefix: prod_
  timeout: 5s
  gzip: true
storage:
  backend: s3
  s3:
    endpoint: http://minio:9000
    bucket: documents
    access_key: ak
    secret_key: sk
    path_style: true
admin:
  jwt_secret: "` + validSecret + `"
maintenance:
  reconcile_interval: 12h
  sweep_interval: 1h
  drain_timeout: 45s
  retention_days: 3
tokens:
  ttl: 5m
  public_url: https://docs.example.com
`
	configPath := testutil.TempFile(t, dir, "documentd.yaml", content)

	cfg, err := LoadServerConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "prod_", cfg.Index.Prefix)
	assert.Equal(t, 5*time.Second, cfg.Index.Timeout.Std())
	assert.True(t, cfg.Index.Gzip)
	assert.Equal(t, BackendS3, cfg.Storage.Backend)
	assert.Equal(t, "documents", cfg.Storage.S3.Bucket)
	assert.True(t, cfg.Storage.S3.PathStyle)
	assert.Equal(t, 12*time.Hour, cfg.Maintenance.ReconcileInterval.Std())
	assert.Equal(t, time.Hour, cfg.Maintenance.SweepInterval.Std())
	assert.Equal(t, 45*time.Second, cfg.Maintenance.DrainTimeout.Std())
	assert.Equal(t, 3, cfg.Maintenance.RetentionDays)
	assert.Equal(t, 5*time.Minute, cfg.Tokens.TTL.Std())
	assert.Equal(t, "/srv/documentd/journal.db", cfg.JournalPath())
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "documentd.yaml", "index:\n  url: http://127.0.0.1:7700\n")

	cfg, err := LoadServerConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Listen)
	assert.Equal(t, "/var/lib/documentd", cfg.DataDir)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.Equal(t, BackendLocal, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/documentd/files", cfg.Storage.BaseDir)
	assert.Equal(t, 30*time.Second, cfg.Index.Timeout.Std())
	assert.True(t, cfg.IsAdminEnabled())

	m := cfg.Maintenance
	assert.Equal(t, 24*time.Hour, m.ReconcileInterval.Std())
	assert.Equal(t, time.Second, m.ReconcileDelay.Std())
	assert.Equal(t, 6*time.Hour, m.SweepInterval.Std())
	assert.Equal(t, time.Minute, m.SweepDelay.Std())
	assert.Equal(t, 30*time.Second, m.DrainTimeout.Std())
	assert.Equal(t, 10*time.Second, m.AdmissionTimeout.Std())
	assert.Equal(t, 5, m.ConvergenceAttempts)
	assert.Equal(t, time.Second, m.ConvergenceInterval.Std())
	assert.Equal(t, 100, m.PageSize)
	assert.Equal(t, 7, m.RetentionDays)
	assert.Equal(t, 10*time.Minute, cfg.Tokens.TTL.Std())
	assert.Empty(t, cfg.Loki.URL)
	assert.Zero(t, cfg.Loki.BatchSize, "loki defaults only apply when shipping is enabled")
}

func TestLoadServerConfig_Loki(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := "index:\n  url: http://127.0.0.1:7700\nloki:\n  url: http://127.0.0.1:3100\n  labels:\n    env: prod\n"
	cfg, err := LoadServerConfig(testutil.TempFile(t, dir, "documentd.yaml", content))
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Loki.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Loki.FlushInterval.Std())
	assert.Equal(t, map[string]string{"env": "prod"}, cfg.Loki.Labels)
}

func TestLoadServerConfig_EnvOverridesSecrets(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	t.Setenv(EnvIndexAPIKey, "from-env")
	t.Setenv(EnvJWTSecret, validSecret)

	configPath := testutil.TempFile(t, dir, "documentd.yaml", "index:\n  url: http://127.0.0.1:7700\n  api_key: from-file\n")
	cfg, err := LoadServerConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Index.APIKey)
	assert.Equal(t, validSecret, cfg.Admin.JWTSecret)
	require.NoError(t, cfg.Validate())
}

func TestLoadServerConfig_InvalidDuration(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "documentd.yaml", "maintenance:\n  drain_timeout: soon\n")
	_, err := LoadServerConfig(configPath)
	assert.Error(t, err)
}

func TestLoadServerConfig_MissingFile(t *testing.T) {
	_, err := LoadServerConfig("/nonexistent/documentd.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *ServerConfig {
		cfg := &ServerConfig{
			Index: IndexConfig{URL: "http://127.0.0.1:7700"},
			Admin: AdminConfig{JWTSecret: validSecret},
		}
		cfg.ApplyDefaults()
		return cfg
	}
	disabled := false

	tests := []struct {
		name   string
		modify func(*ServerConfig)
		errMsg string
	}{
		{"valid", func(*ServerConfig) {}, ""},
		{"missing index url", func(c *ServerConfig) { c.Index.URL = "" }, "index.url is required"},
		{"bad index url", func(c *ServerConfig) { c.Index.URL = "ftp://x" }, "index.url must be"},
		{"bad timezone", func(c *ServerConfig) { c.Timezone = "Mars/Olympus" }, "invalid timezone"},
		{"unknown backend", func(c *ServerConfig) { c.Storage.Backend = "tape" }, "storage.backend"},
		{"s3 without bucket", func(c *ServerConfig) { c.Storage.Backend = BackendS3 }, "storage.s3.bucket"},
		{"s3 half credentials", func(c *ServerConfig) {
			c.Storage.Backend = BackendS3
			c.Storage.S3.Bucket = "b"
			c.Storage.S3.AccessKey = "ak"
		}, "must be set together"},
		{"short secret", func(c *ServerConfig) { c.Admin.JWTSecret = "short" }, "jwt_secret"},
		{"admin disabled needs no secret", func(c *ServerConfig) {
			c.Admin.Enabled = &disabled
			c.Admin.JWTSecret = ""
		}, ""},
		{"bad loki url", func(c *ServerConfig) { c.Loki.URL = "loki:3100" }, "loki.url"},
		{"page size", func(c *ServerConfig) { c.Maintenance.PageSize = 5000 }, "page_size"},
		{"negative interval", func(c *ServerConfig) { c.Maintenance.SweepInterval = Duration(-time.Second) }, "sweep_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestWriteDefault(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "etc", "documentd.yaml")

	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false), "existing file is kept")
	require.NoError(t, WriteDefault(path, true))

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Admin.JWTSecret, 64)
	assert.NoError(t, cfg.Validate())
}

func TestApplyLogLevel(t *testing.T) {
	originalLevel := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(originalLevel)

	tests := []struct {
		level         string
		expectApplied bool
		expectLevel   zerolog.Level
	}{
		{"", false, zerolog.InfoLevel},
		{"trace", true, zerolog.TraceLevel},
		{"debug", true, zerolog.DebugLevel},
		{"INFO", true, zerolog.InfoLevel},
		{"warn", true, zerolog.WarnLevel},
		{"error", true, zerolog.ErrorLevel},
		{"invalid", false, zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			assert.Equal(t, tt.expectApplied, ApplyLogLevel(tt.level))
			assert.Equal(t, tt.expectLevel, zerolog.GlobalLevel())
		})
	}
}
