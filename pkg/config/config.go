package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// WAVEKEEPER_RESULTS_DIR overrides results.dir.
	EnvPrefix = "WAVEKEEPER"

	// DefaultIndexInterval is the default results directory scan interval.
	DefaultIndexInterval = "5m"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultResultsDir is the default directory for session results.
	DefaultResultsDir = "./results"

	// DefaultTestsDir is the default directory tests are discovered from.
	DefaultTestsDir = "./tests"

	// DefaultFlushThreshold is the number of completed tests buffered per
	// session before cached results are flushed to disk.
	DefaultFlushThreshold = 5

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultMaxImportSize bounds the size of uploaded import archives.
	DefaultMaxImportSize = "64MB"

	// DefaultWebhookTimeout is the default per-request webhook timeout.
	DefaultWebhookTimeout = "10s"

	// DefaultWebhookRequestsPerSecond bounds outbound webhook traffic.
	DefaultWebhookRequestsPerSecond = 5

	// DefaultRequestsPerMinute is the default per-IP API rate limit.
	DefaultRequestsPerMinute = 600
)

// Config is the root configuration for wavekeeper.
type Config struct {
	Global   GlobalConfig  `yaml:"global" mapstructure:"global"`
	Results  ResultsConfig `yaml:"results" mapstructure:"results"`
	Tests    TestsConfig   `yaml:"tests" mapstructure:"tests"`
	Server   ServerConfig  `yaml:"server" mapstructure:"server"`
	Webhooks WebhookConfig `yaml:"webhooks" mapstructure:"webhooks"`
	Index    *IndexConfig  `yaml:"index,omitempty" mapstructure:"index"`
	Upload   *UploadConfig `yaml:"upload,omitempty" mapstructure:"upload"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ResultsConfig controls where and how session results are persisted.
type ResultsConfig struct {
	Dir               string `yaml:"dir" mapstructure:"dir"`
	FlushThreshold    int    `yaml:"flush_threshold" mapstructure:"flush_threshold"`
	Owner             string `yaml:"owner,omitempty" mapstructure:"owner"`
	ImportEnabled     bool   `yaml:"import_enabled" mapstructure:"import_enabled"`
	ReportsEnabled    bool   `yaml:"reports_enabled" mapstructure:"reports_enabled"`
	ExportTemplateDir string `yaml:"export_template_dir,omitempty" mapstructure:"export_template_dir"`
}

// TestsConfig points at the test tree sessions select tests from.
type TestsConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen        string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins   []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	MaxImportSize string          `yaml:"max_import_size,omitempty" mapstructure:"max_import_size"`
	RateLimit     RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// WebhookConfig configures forwarding of session status changes to the
// webhook URLs registered on each session.
type WebhookConfig struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	Timeout           string  `yaml:"timeout,omitempty" mapstructure:"timeout"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" mapstructure:"requests_per_second"`
}

// IndexConfig configures the session index database.
type IndexConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Interval between scans of the results directory that pick up
	// sessions changed outside the server.
	Interval string         `yaml:"interval,omitempty" mapstructure:"interval"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// UploadConfig configures uploading of session result directories.
type UploadConfig struct {
	S3 *S3UploadConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3UploadConfig contains S3-compatible storage settings.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	OnComplete      bool   `yaml:"on_complete" mapstructure:"on_complete"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
}

// Load reads and merges the given configuration files in order. Later files
// override earlier ones and WAVEKEEPER_* environment variables override both.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for i, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Default returns a configuration with every default applied, for use when
// no config file is given.
func Default() *Config {
	cfg := &Config{
		Results: ResultsConfig{ReportsEnabled: true},
	}
	cfg.applyDefaults()

	return cfg
}

// setDefaults registers defaults with viper so that environment overrides
// also apply to keys absent from every config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("results.dir", DefaultResultsDir)
	v.SetDefault("results.flush_threshold", DefaultFlushThreshold)
	v.SetDefault("results.owner", "")
	v.SetDefault("results.import_enabled", false)
	v.SetDefault("results.reports_enabled", true)
	v.SetDefault("results.export_template_dir", "")
	v.SetDefault("tests.dir", DefaultTestsDir)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.max_import_size", DefaultMaxImportSize)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.requests_per_minute", DefaultRequestsPerMinute)
	v.SetDefault("webhooks.enabled", false)
	v.SetDefault("webhooks.timeout", DefaultWebhookTimeout)
	v.SetDefault("webhooks.requests_per_second", DefaultWebhookRequestsPerSecond)
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Results.Dir == "" {
		c.Results.Dir = DefaultResultsDir
	}

	if c.Results.FlushThreshold <= 0 {
		c.Results.FlushThreshold = DefaultFlushThreshold
	}

	if c.Tests.Dir == "" {
		c.Tests.Dir = DefaultTestsDir
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.MaxImportSize == "" {
		c.Server.MaxImportSize = DefaultMaxImportSize
	}

	if c.Server.RateLimit.RequestsPerMinute <= 0 {
		c.Server.RateLimit.RequestsPerMinute = DefaultRequestsPerMinute
	}

	if c.Webhooks.Timeout == "" {
		c.Webhooks.Timeout = DefaultWebhookTimeout
	}

	if c.Webhooks.RequestsPerSecond <= 0 {
		c.Webhooks.RequestsPerSecond = DefaultWebhookRequestsPerSecond
	}

	if c.Index != nil && c.Index.Database.Driver == "" {
		c.Index.Database.Driver = "sqlite"
	}

	if c.Index != nil && c.Index.Interval == "" {
		c.Index.Interval = DefaultIndexInterval
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Results.Dir != "" {
		dir := filepath.Dir(filepath.Clean(c.Results.Dir))
		if dir != "." && dir != ".." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("results directory parent %q does not exist", dir)
			}
		}
	}

	if _, err := c.MaxImportBytes(); err != nil {
		return err
	}

	if _, err := c.WebhookTimeout(); err != nil {
		return err
	}

	if c.Index != nil && c.Index.Enabled {
		if _, err := c.IndexInterval(); err != nil {
			return err
		}

		switch c.Index.Database.Driver {
		case "sqlite":
			if c.Index.Database.SQLite.Path == "" {
				return fmt.Errorf("index.database.sqlite.path is required")
			}
		case "postgres":
			if c.Index.Database.Postgres.Host == "" {
				return fmt.Errorf("index.database.postgres.host is required")
			}
		default:
			return fmt.Errorf("unsupported index database driver %q", c.Index.Database.Driver)
		}
	}

	if s3 := c.S3Upload(); s3 != nil && s3.Bucket == "" {
		return fmt.Errorf("upload.s3.bucket is required when s3 upload is enabled")
	}

	return nil
}

// MaxImportBytes parses server.max_import_size (e.g. "64MB").
func (c *Config) MaxImportBytes() (int64, error) {
	n, err := units.FromHumanSize(c.Server.MaxImportSize)
	if err != nil {
		return 0, fmt.Errorf("parsing server.max_import_size %q: %w", c.Server.MaxImportSize, err)
	}

	return n, nil
}

// WebhookTimeout parses webhooks.timeout.
func (c *Config) WebhookTimeout() (time.Duration, error) {
	return c.Webhooks.ParseTimeout()
}

// ParseTimeout parses the per-request webhook timeout.
func (w *WebhookConfig) ParseTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(w.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parsing webhooks.timeout %q: %w", w.Timeout, err)
	}

	return d, nil
}

// IndexInterval parses index.interval.
func (c *Config) IndexInterval() (time.Duration, error) {
	if c.Index == nil {
		return 0, fmt.Errorf("index is not configured")
	}

	interval := c.Index.Interval
	if interval == "" {
		interval = DefaultIndexInterval
	}

	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("parsing index.interval %q: %w", c.Index.Interval, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("index.interval must be positive, got %s", d)
	}

	return d, nil
}

// S3Upload returns the S3 upload settings when enabled, nil otherwise.
func (c *Config) S3Upload() *S3UploadConfig {
	if c.Upload == nil || c.Upload.S3 == nil || !c.Upload.S3.Enabled {
		return nil
	}

	return c.Upload.S3
}
