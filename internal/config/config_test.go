package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/FileFlow/internal/config"
)

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fileflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "filesystem", cfg.Storage.Backend)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.DispatchInterval.Std())
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.RetryInterval.Std())
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.StaleAfter.Std())
	assert.Equal(t, 3, cfg.Download.MaxRetries)
}

func TestLoad_YAMLAndEnv(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeConfig(t, `
database:
  driver: postgres
  url: postgres://from-file
scheduler:
  dispatch_interval: 10s
  batch_size: 5
kafka:
  brokers: [a:9092]
`)
	t.Setenv("FILEFLOW_DATABASE_URL", "postgres://from-env")
	t.Setenv("FILEFLOW_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("FILEFLOW_REDIS_ADDR", "redis:6379")
	t.Setenv("FILEFLOW_API_KEYS", "ops-key,,ci-key")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://from-env", cfg.Database.URL)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.DispatchInterval.Std())
	assert.Equal(t, 5, cfg.Scheduler.BatchSize)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"ops-key", "ci-key"}, cfg.Server.APIKeys)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FILEFLOW_WORKFLOW_URL=http://n8n.local/hook\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("FILEFLOW_WORKFLOW_URL") })

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://n8n.local/hook", cfg.Pipeline.WorkflowURL)
}

func TestLoad_Invalid(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := config.Load(writeConfig(t, "scheduler:\n  dispatch_interval: soon\n"))
	assert.Error(t, err)

	_, err = config.Load(writeConfig(t, "scheduler:\n  stale_after: 1m\n  handler_timeout: 5m\n"))
	assert.ErrorContains(t, err, "stale_after")

	_, err = config.Load(writeConfig(t, "database:\n  driver: mysql\n"))
	assert.ErrorContains(t, err, "database.driver")
}
