package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Paths      PathsConfig      `yaml:"paths" mapstructure:"paths"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Continuous ContinuousConfig `yaml:"continuous" mapstructure:"continuous"`
	Build      BuildConfig      `yaml:"build" mapstructure:"build"`
	Ledger     LedgerConfig     `yaml:"ledger" mapstructure:"ledger"`
	Warehouse  WarehouseConfig  `yaml:"warehouse" mapstructure:"warehouse"`
	Publish    PublishConfig    `yaml:"publish" mapstructure:"publish"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// PathsConfig locates the registry and every on-disk tree the builder writes to.
type PathsConfig struct {
	DataDir      string `yaml:"data_dir" mapstructure:"data_dir"`
	ManifestDir  string `yaml:"manifest_dir" mapstructure:"manifest_dir"`
	RegistryPath string `yaml:"registry_path" mapstructure:"registry_path"`
	CacheDir     string `yaml:"cache_dir" mapstructure:"cache_dir"`
}

// FetchConfig configures the source connectors.
type FetchConfig struct {
	UserAgent          string  `yaml:"user_agent" mapstructure:"user_agent"`
	RequestTimeoutSecs int     `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	MaxAttempts        int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryBackoffMillis int     `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	RatePerSec         float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// RequestTimeout returns the per-request timeout as a duration.
func (f FetchConfig) RequestTimeout() time.Duration {
	return time.Duration(f.RequestTimeoutSecs) * time.Second
}

// RetryBackoff returns the fixed delay between fetch attempts.
func (f FetchConfig) RetryBackoff() time.Duration {
	return time.Duration(f.RetryBackoffMillis) * time.Millisecond
}

// ContinuousConfig configures the continuous ingestion pass.
type ContinuousConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
}

// BuildConfig configures a single dataset build.
type BuildConfig struct {
	// TimeoutMinutes bounds a whole build. Zero means no deadline.
	TimeoutMinutes int `yaml:"timeout_minutes" mapstructure:"timeout_minutes"`
}

// Timeout returns the build deadline, or zero when builds are unbounded.
func (b BuildConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMinutes) * time.Minute
}

// LedgerConfig configures the sqlite build ledger.
type LedgerConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// WarehouseConfig configures the optional Postgres load of gold tables.
type WarehouseConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Schema      string `yaml:"schema" mapstructure:"schema"`
}

// Enabled reports whether a warehouse load should run after the gold write.
func (w WarehouseConfig) Enabled() bool {
	return w.DatabaseURL != ""
}

// PublishConfig holds S3-compatible catalog credentials.
type PublishConfig struct {
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey   string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey   string `yaml:"secret_key" mapstructure:"secret_key"`
	Bucket      string `yaml:"bucket" mapstructure:"bucket"`
	Region      string `yaml:"region" mapstructure:"region"`
	UseSSL      bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
	Prefix      string `yaml:"prefix" mapstructure:"prefix"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// ServerConfig configures the read-only API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// TemporalConfig configures the flow worker.
type TemporalConfig struct {
	Address   string `yaml:"address" mapstructure:"address"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// MonitoringConfig configures build health checks and alert delivery.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	// StaleFactor multiplies a dataset's continuous interval; a continuous
	// dataset whose latest build is older than that is reported stale.
	StaleFactor int `yaml:"stale_factor" mapstructure:"stale_factor"`
	// StreakThreshold is the count of consecutive failed builds of one
	// continuous dataset that raises a failing_streak alert.
	StreakThreshold int `yaml:"streak_threshold" mapstructure:"streak_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("HDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("paths.data_dir", "./data")
	v.SetDefault("paths.manifest_dir", "./manifests")
	v.SetDefault("paths.registry_path", "./datasets/registry.yaml")
	v.SetDefault("paths.cache_dir", ".cache/hdb")
	v.SetDefault("fetch.user_agent", "health-dataset-builder/0.1 (+https://example.org)")
	v.SetDefault("fetch.request_timeout_secs", 30)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.retry_backoff_ms", 1000)
	v.SetDefault("fetch.rate_per_sec", 5.0)
	v.SetDefault("continuous.failure_threshold", 3)
	v.SetDefault("build.timeout_minutes", 0)
	v.SetDefault("ledger.path", "")
	v.SetDefault("warehouse.database_url", "")
	v.SetDefault("warehouse.schema", "health")
	v.SetDefault("publish.endpoint", "")
	v.SetDefault("publish.access_key", "")
	v.SetDefault("publish.secret_key", "")
	v.SetDefault("publish.bucket", "health-datasets")
	v.SetDefault("publish.region", "")
	v.SetDefault("publish.use_ssl", true)
	v.SetDefault("publish.prefix", "datasets")
	v.SetDefault("publish.concurrency", 4)
	v.SetDefault("server.port", 8000)
	v.SetDefault("temporal.address", "127.0.0.1:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "health-dataset-builder")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.stale_factor", 3)
	v.SetDefault("monitoring.streak_threshold", 3)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = filepath.Join(cfg.Paths.CacheDir, "ledger.db")
	}

	return &cfg, nil
}

// Validate checks the configuration required by the given command mode.
// Modes: "build", "continuous", "publish", "serve", "worker".
func (c *Config) Validate(mode string) error {
	var errs []string

	if c.Paths.DataDir == "" {
		errs = append(errs, "paths.data_dir is required")
	}
	if c.Paths.ManifestDir == "" {
		errs = append(errs, "paths.manifest_dir is required")
	}
	if c.Paths.CacheDir == "" {
		errs = append(errs, "paths.cache_dir is required")
	}

	switch mode {
	case "build":
		errs = append(errs, c.validateBuild()...)
	case "continuous":
		errs = append(errs, c.validateBuild()...)
		if c.Continuous.FailureThreshold < 1 {
			errs = append(errs, fmt.Sprintf("continuous.failure_threshold must be >= 1, got %d", c.Continuous.FailureThreshold))
		}
	case "publish":
		if c.Publish.Endpoint == "" {
			errs = append(errs, "publish.endpoint is required")
		}
		if c.Publish.AccessKey == "" || c.Publish.SecretKey == "" {
			errs = append(errs, "publish.access_key and publish.secret_key are required")
		}
		if c.Publish.Bucket == "" {
			errs = append(errs, "publish.bucket is required")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "worker":
		errs = append(errs, c.validateBuild()...)
		if c.Temporal.Address == "" || c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.address and temporal.task_queue are required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateBuild() []string {
	var errs []string
	if c.Paths.RegistryPath == "" {
		errs = append(errs, "paths.registry_path is required")
	}
	if c.Fetch.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("fetch.max_attempts must be >= 1, got %d", c.Fetch.MaxAttempts))
	}
	if c.Fetch.RequestTimeoutSecs <= 0 {
		errs = append(errs, "fetch.request_timeout_secs must be > 0")
	}
	if c.Build.TimeoutMinutes < 0 {
		errs = append(errs, fmt.Sprintf("build.timeout_minutes must be >= 0, got %d", c.Build.TimeoutMinutes))
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
