package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.Paths.DataDir)
	assert.Equal(t, "./manifests", cfg.Paths.ManifestDir)
	assert.Equal(t, "./datasets/registry.yaml", cfg.Paths.RegistryPath)
	assert.Equal(t, ".cache/hdb", cfg.Paths.CacheDir)
	assert.Equal(t, filepath.Join(".cache/hdb", "ledger.db"), cfg.Ledger.Path)
	assert.Equal(t, 30, cfg.Fetch.RequestTimeoutSecs)
	assert.Equal(t, 30*time.Second, cfg.Fetch.RequestTimeout())
	assert.Equal(t, 3, cfg.Fetch.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Fetch.RetryBackoff())
	assert.Equal(t, 3, cfg.Continuous.FailureThreshold)
	assert.Equal(t, time.Duration(0), cfg.Build.Timeout())
	assert.False(t, cfg.Warehouse.Enabled())
	assert.Equal(t, "health", cfg.Warehouse.Schema)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "health-dataset-builder", cfg.Temporal.TaskQueue)
	assert.Equal(t, 0.25, cfg.Monitoring.FailureRateThreshold)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.Equal(t, 3, cfg.Monitoring.StaleFactor)
	assert.Equal(t, 3, cfg.Monitoring.StreakThreshold)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
paths:
  data_dir: /srv/hdb/data
continuous:
  failure_threshold: 5
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/hdb/data", cfg.Paths.DataDir)
	assert.Equal(t, 5, cfg.Continuous.FailureThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, "./manifests", cfg.Paths.ManifestDir)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("HDB_LOG_LEVEL", "warn")
	t.Setenv("HDB_PATHS_MANIFEST_DIR", "/tmp/manifests")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/tmp/manifests", cfg.Paths.ManifestDir)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("HDB_CONTINUOUS_FAILURE_THRESHOLD", "7")
	t.Setenv("HDB_LEDGER_PATH", "/var/lib/hdb/ledger.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Continuous.FailureThreshold)
	assert.Equal(t, "/var/lib/hdb/ledger.db", cfg.Ledger.Path)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Paths = PathsConfig{
		DataDir:      "data",
		ManifestDir:  "manifests",
		RegistryPath: "registry.yaml",
		CacheDir:     ".cache",
	}
	cfg.Fetch.MaxAttempts = 3
	cfg.Fetch.RequestTimeoutSecs = 30
	cfg.Continuous.FailureThreshold = 3
	cfg.Server.Port = 8000
	cfg.Temporal.Address = "127.0.0.1:7233"
	cfg.Temporal.TaskQueue = "q"
	return cfg
}

func TestValidateBuild_Valid(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("build"))
}

func TestValidateBuild_MissingPaths(t *testing.T) {
	cfg := validDefaults()
	cfg.Paths.DataDir = ""
	cfg.Paths.RegistryPath = ""

	err := cfg.Validate("build")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paths.data_dir is required")
	assert.Contains(t, err.Error(), "paths.registry_path is required")
}

func TestValidateBuild_NegativeTimeout(t *testing.T) {
	cfg := validDefaults()
	cfg.Build.TimeoutMinutes = -1

	err := cfg.Validate("build")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build.timeout_minutes")
}

func TestValidateContinuous_Threshold(t *testing.T) {
	cfg := validDefaults()
	cfg.Continuous.FailureThreshold = 0

	err := cfg.Validate("continuous")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "continuous.failure_threshold must be >= 1")
}

func TestValidatePublish_MissingCredentials(t *testing.T) {
	cfg := validDefaults()
	cfg.Publish.Endpoint = "minio.local:9000"

	err := cfg.Validate("publish")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish.access_key and publish.secret_key are required")
	assert.Contains(t, err.Error(), "publish.bucket is required")
}

func TestValidatePublish_Valid(t *testing.T) {
	cfg := validDefaults()
	cfg.Publish = PublishConfig{Endpoint: "minio.local:9000", AccessKey: "a", SecretKey: "s", Bucket: "b"}
	assert.NoError(t, cfg.Validate("publish"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateWorker_MissingQueue(t *testing.T) {
	cfg := validDefaults()
	cfg.Temporal.TaskQueue = ""

	err := cfg.Validate("worker")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "temporal.task_queue")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
