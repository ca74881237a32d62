// Package config handles configuration loading and validation for documentd.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // timezone names resolve without a system zoneinfo

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding secrets from the config file.
const (
	EnvIndexAPIKey = "DOCUMENTD_INDEX_API_KEY"
	EnvJWTSecret   = "DOCUMENTD_JWT_SECRET"
	EnvS3SecretKey = "DOCUMENTD_S3_SECRET_KEY"
)

// Storage backends.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// Duration is a time.Duration written as a string such as "30s" or "6h".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// IndexConfig holds the connection to the search index.
type IndexConfig struct {
	URL     string   `yaml:"url"`
	APIKey  string   `yaml:"api_key"`
	Prefix  string   `yaml:"prefix"`  // Prepended to "users" and "documents"
	Timeout Duration `yaml:"timeout"` // Per request (default: 30s)
	Gzip    bool     `yaml:"gzip"`    // Compress request bodies
}

// S3Config holds the bucket used by the s3 storage backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}

// StorageConfig selects where document files are stored.
type StorageConfig struct {
	Backend string   `yaml:"backend"`  // "local" (default) or "s3"
	BaseDir string   `yaml:"base_dir"` // Root of the local tree (default: <data_dir>/files)
	S3      S3Config `yaml:"s3"`
}

// AdminConfig holds configuration for the admin API.
type AdminConfig struct {
	Enabled   *bool  `yaml:"enabled"`    // Default: true
	JWTSecret string `yaml:"jwt_secret"` // HS256 secret for bearer tokens
	TLSCert   string `yaml:"tls_cert"`   // PEM certificate; empty serves plain HTTP
	TLSKey    string `yaml:"tls_key"`
}

// MaintenanceConfig holds schedules and limits of the maintenance jobs.
type MaintenanceConfig struct {
	ReconcileInterval   Duration `yaml:"reconcile_interval"`   // Default: 24h
	ReconcileDelay      Duration `yaml:"reconcile_delay"`      // Default: 1s
	SweepInterval       Duration `yaml:"sweep_interval"`       // Default: 6h
	SweepDelay          Duration `yaml:"sweep_delay"`          // Default: 1m
	RetentionDays       int      `yaml:"retention_days"`       // Deletion dates looked back on (default: 7)
	DrainTimeout        Duration `yaml:"drain_timeout"`        // Default: 30s
	AdmissionTimeout    Duration `yaml:"admission_timeout"`    // Default: 10s
	ConvergenceAttempts int      `yaml:"convergence_attempts"` // Default: 5
	ConvergenceInterval Duration `yaml:"convergence_interval"` // Default: 1s
	PageSize            int      `yaml:"page_size"`            // Default: 100
	JournalRetention    Duration `yaml:"journal_retention"`    // Default: 720h
}

// TokenConfig holds configuration for document access tokens.
type TokenConfig struct {
	TTL       Duration `yaml:"ttl"`        // Default: 10m
	PublicURL string   `yaml:"public_url"` // Base URL of /open links
}

// LokiConfig configures log shipping to Grafana Loki.
type LokiConfig struct {
	URL           string            `yaml:"url"`            // Empty disables shipping
	Labels        map[string]string `yaml:"labels"`         // Extra stream labels
	BatchSize     int               `yaml:"batch_size"`     // Default: 100
	FlushInterval Duration          `yaml:"flush_interval"` // Default: 5s
	Gzip          bool              `yaml:"gzip"`
}

// ServerConfig holds configuration for the documentd daemon.
type ServerConfig struct {
	Listen      string            `yaml:"listen"`
	LogLevel    string            `yaml:"log_level"`
	DataDir     string            `yaml:"data_dir"` // Journal and local files (default: /var/lib/documentd)
	Timezone    string            `yaml:"timezone"` // Calendar of deletion dates (default: Europe/Berlin)
	Index       IndexConfig       `yaml:"index"`
	Storage     StorageConfig     `yaml:"storage"`
	Admin       AdminConfig       `yaml:"admin"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Tokens      TokenConfig       `yaml:"tokens"`
	Loki        LokiConfig        `yaml:"loki"`
}

// LoadServerConfig loads server configuration from a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *ServerConfig) applyEnv() {
	if v := os.Getenv(EnvIndexAPIKey); v != "" {
		c.Index.APIKey = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Admin.JWTSecret = v
	}
	if v := os.Getenv(EnvS3SecretKey); v != "" {
		c.Storage.S3.SecretKey = v
	}
}

// ApplyDefaults fills every unset field with its default.
func (c *ServerConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8090"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/documentd"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Timezone == "" {
		c.Timezone = "Europe/Berlin"
	}

	if c.Index.Timeout == 0 {
		c.Index.Timeout = Duration(30 * time.Second)
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendLocal
	}
	if c.Storage.BaseDir == "" {
		c.Storage.BaseDir = filepath.Join(c.DataDir, "files")
	}
	c.Storage.BaseDir = expandHome(c.Storage.BaseDir)
	if c.Storage.S3.Region == "" {
		c.Storage.S3.Region = "us-east-1"
	}

	m := &c.Maintenance
	setDuration(&m.ReconcileInterval, 24*time.Hour)
	setDuration(&m.ReconcileDelay, time.Second)
	setDuration(&m.SweepInterval, 6*time.Hour)
	setDuration(&m.SweepDelay, time.Minute)
	setDuration(&m.DrainTimeout, 30*time.Second)
	setDuration(&m.AdmissionTimeout, 10*time.Second)
	setDuration(&m.ConvergenceInterval, time.Second)
	setDuration(&m.JournalRetention, 30*24*time.Hour)
	if m.RetentionDays == 0 {
		m.RetentionDays = 7
	}
	if m.ConvergenceAttempts == 0 {
		m.ConvergenceAttempts = 5
	}
	if m.PageSize == 0 {
		m.PageSize = 100
	}

	setDuration(&c.Tokens.TTL, 10*time.Minute)

	if c.Loki.URL != "" {
		if c.Loki.BatchSize == 0 {
			c.Loki.BatchSize = 100
		}
		setDuration(&c.Loki.FlushInterval, 5*time.Second)
	}
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(homeDir, p[2:])
}

// IsAdminEnabled returns whether the admin API is served.
// Defaults to true when not explicitly set.
func (c *ServerConfig) IsAdminEnabled() bool {
	if c.Admin.Enabled == nil {
		return true
	}
	return *c.Admin.Enabled
}

// JournalPath returns the location of the maintenance journal.
func (c *ServerConfig) JournalPath() string {
	return filepath.Join(c.DataDir, "journal.db")
}

// Location returns the configured timezone.
func (c *ServerConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks if the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Index.URL == "" {
		return fmt.Errorf("index.url is required")
	}
	if u, err := url.Parse(c.Index.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("index.url must be an http(s) URL")
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required")
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}
		if (c.Storage.S3.AccessKey == "") != (c.Storage.S3.SecretKey == "") {
			return fmt.Errorf("storage.s3.access_key and secret_key must be set together")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendLocal, BackendS3, c.Storage.Backend)
	}

	if c.IsAdminEnabled() && len(c.Admin.JWTSecret) < 32 {
		return fmt.Errorf("admin.jwt_secret must be at least 32 characters (or set %s)", EnvJWTSecret)
	}

	if c.Loki.URL != "" {
		if u, err := url.Parse(c.Loki.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("loki.url must be an http(s) URL")
		}
	}

	if (c.Admin.TLSCert == "") != (c.Admin.TLSKey == "") {
		return fmt.Errorf("admin.tls_cert and tls_key must be set together")
	}

	m := c.Maintenance
	if m.RetentionDays < 1 {
		return fmt.Errorf("maintenance.retention_days must be at least 1")
	}
	if m.ConvergenceAttempts < 1 {
		return fmt.Errorf("maintenance.convergence_attempts must be at least 1")
	}
	if m.PageSize < 1 || m.PageSize > 1000 {
		return fmt.Errorf("maintenance.page_size must be between 1 and 1000")
	}
	for name, d := range map[string]Duration{
		"maintenance.reconcile_interval": m.ReconcileInterval,
		"maintenance.sweep_interval":     m.SweepInterval,
		"maintenance.drain_timeout":      m.DrainTimeout,
		"maintenance.admission_timeout":  m.AdmissionTimeout,
		"tokens.ttl":                     c.Tokens.TTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// ApplyLogLevel sets the global zerolog level from a level name.
// Returns false for an empty or unknown name, leaving the level unchanged.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}

// DefaultConfigYAML is written by `documentd init`.
const DefaultConfigYAML = `# documentd configuration
listen: ":8090"
log_level: info
data_dir: /var/lib/documentd
timezone: Europe/Berlin

index:
  url: http://127.0.0.1:7700
  api_key: ""          # or DOCUMENTD_INDEX_API_KEY
  prefix: ""
  timeout: 30s
  gzip: false

storage:
  backend: local       # local or s3
  base_dir: /var/lib/documentd/files
  s3:
    endpoint: ""
    region: us-east-1
    bucket: ""
    prefix: ""
    access_key: ""
    secret_key: ""     # or DOCUMENTD_S3_SECRET_KEY
    path_style: false

admin:
  enabled: true
  jwt_secret: ""       # at least 32 characters, or DOCUMENTD_JWT_SECRET
  tls_cert: ""
  tls_key: ""

maintenance:
  reconcile_interval: 24h
  reconcile_delay: 1s
  sweep_interval: 6h
  sweep_delay: 1m
  retention_days: 7
  drain_timeout: 30s
  admission_timeout: 10s
  convergence_attempts: 5
  convergence_interval: 1s
  page_size: 100
  journal_retention: 720h

tokens:
  ttl: 10m
  public_url: ""

loki:
  url: ""              # e.g. http://127.0.0.1:3100, empty disables shipping
  labels: {}
  gzip: true
`

// WriteDefault writes DefaultConfigYAML to path with a freshly generated
// jwt_secret. It refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate jwt secret: %w", err)
	}
	content := strings.Replace(DefaultConfigYAML, `jwt_secret: ""`, `jwt_secret: "`+hex.EncodeToString(secret)+`"`, 1)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
