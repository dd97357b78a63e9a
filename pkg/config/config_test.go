package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_MissingJobsDirIsFatal(t *testing.T) {
	cfg := DefaultConfig
	cfg.Database.URL = "postgres://localhost/scheduler"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.jobs_dir")
}

func TestValidate_MissingDBURLIsFatal(t *testing.T) {
	cfg := DefaultConfig
	cfg.Scheduler.JobsDir = "/var/lib/tessia/jobs"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db.url")
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := DefaultConfig
	cfg.Scheduler.JobsDir = "/var/lib/tessia/jobs"
	cfg.Database.URL = "postgres://localhost/scheduler"
	cfg.Logging.Level = "VERBOSE"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidate_OK(t *testing.T) {
	cfg := DefaultConfig
	cfg.Scheduler.JobsDir = "/var/lib/tessia/jobs"
	cfg.Database.URL = "postgres://localhost/scheduler"
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler-config.yml")
	content := []byte("scheduler:\n  jobs_dir: /var/lib/tessia/jobs\n  sleep_interval: 1s\ndb:\n  url: postgres://localhost/scheduler\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	t.Setenv("SCHEDULER_CONFIG_PATH", path)
	cfg, used, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, "/var/lib/tessia/jobs", cfg.Scheduler.JobsDir)
	assert.Equal(t, time.Second, cfg.Scheduler.SleepInterval)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler-config.yml")
	content := []byte("scheduler:\n  jobs_dir: /from/file\ndb:\n  url: postgres://localhost/scheduler\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	t.Setenv("SCHEDULER_CONFIG_PATH", path)
	t.Setenv("SCHEDULER_JOBS_DIR", "/from/env")
	cfg, _, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Scheduler.JobsDir)
}

func TestJobDir(t *testing.T) {
	cfg := DefaultConfig
	cfg.Scheduler.JobsDir = "/var/lib/tessia/jobs"
	assert.Equal(t, "/var/lib/tessia/jobs/42", cfg.JobDir("42"))
}
