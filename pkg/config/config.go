// Package config loads and validates the scheduler daemon's configuration.
// It follows the layered approach used throughout this code base: a
// built-in default, overridden by a YAML file found by searching a list
// of well-known paths, overridden again by a small set of environment
// variables, then validated before use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tessia-project/jobscheduler/pkg/errors"
)

// SchedulerConfig holds the scheduler loop's tunables.
type SchedulerConfig struct {
	// JobsDir is the base directory holding one subdirectory per job,
	// e.g. <JobsDir>/<job.id>. Absence is fatal at startup.
	JobsDir string `yaml:"jobs_dir"`
	// SleepInterval is how long the loop sleeps between ticks.
	SleepInterval time.Duration `yaml:"sleep_interval"`
	// GracePeriod is loaded from the file but not consulted by the
	// scheduler: overlap checks add resourcemanager.GracePeriod to the
	// end of each reservation window, and this value does not change it.
	GracePeriod time.Duration `yaml:"grace_period"`
	// CleanupTimeout is loaded from the file but not consulted: the
	// interrupted-cleanup process is bounded by wrapper.CleanupTime.
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"`
}

// DatabaseConfig holds the job/request store connection settings.
type DatabaseConfig struct {
	// URL is the data store connection string. Absence is fatal.
	URL string `yaml:"url"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

// Config is the root configuration tree for the scheduler daemon.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Database  DatabaseConfig  `yaml:"db"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DefaultConfig is the built-in baseline, overridden by file and env.
var DefaultConfig = Config{
	Scheduler: SchedulerConfig{
		JobsDir:        "",
		SleepInterval:  500 * time.Millisecond,
		GracePeriod:    300 * time.Second,
		CleanupTimeout: 60 * time.Second,
	},
	Database: DatabaseConfig{
		URL: "",
	},
	Logging: LoggingConfig{
		Level:  "INFO",
		Output: "stdout",
	},
}

var validLogLevels = map[string]bool{
	"CRITICAL": true, "ERROR": true, "WARNING": true, "INFO": true, "DEBUG": true,
}

// configSearchPaths lists, in priority order, the files loadFromFile will
// look for when SCHEDULER_CONFIG_PATH is not set.
var configSearchPaths = []string{
	"./scheduler-config.yml",
	"./config/scheduler-config.yml",
	"/etc/tessia/scheduler-config.yml",
	"/opt/tessia/config/scheduler-config.yml",
}

// LoadConfig builds a Config starting from DefaultConfig, layering in a
// YAML file (if one is found) and then environment overrides, and
// finally validates the result. It returns the path actually used, or a
// sentinel string when only built-in defaults applied.
func LoadConfig() (*Config, string, error) {
	cfg := DefaultConfig

	path, err := loadFromFile(&cfg)
	if err != nil {
		return nil, "", err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, path, nil
}

func loadFromFile(cfg *Config) (string, error) {
	candidate := os.Getenv("SCHEDULER_CONFIG_PATH")
	paths := configSearchPaths
	if candidate != "" {
		paths = append([]string{candidate}, paths...)
	}

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", errors.WrapConfigError("file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return "", errors.WrapConfigError("file", fmt.Errorf("parsing %s: %w", p, err))
		}
		return p, nil
	}
	return "built-in defaults (no config file found)", nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SCHEDULER_JOBS_DIR"); v != "" {
		cfg.Scheduler.JobsDir = v
	}
	if v := os.Getenv("SCHEDULER_DB_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("SCHEDULER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate enforces the configuration invariants called out in the
// specification: a missing jobs directory or database URL is fatal.
func (c *Config) Validate() error {
	var errs []error

	if c.Scheduler.JobsDir == "" {
		errs = append(errs, errors.WrapConfigError("scheduler.jobs_dir",
			fmt.Errorf("no scheduler job directory configured")))
	} else if !filepath.IsAbs(c.Scheduler.JobsDir) {
		errs = append(errs, errors.WrapConfigError("scheduler.jobs_dir",
			fmt.Errorf("must be an absolute path, got %q", c.Scheduler.JobsDir)))
	}

	if c.Database.URL == "" {
		errs = append(errs, errors.WrapConfigError("db.url",
			fmt.Errorf("no data store connection string configured")))
	}

	if !validLogLevels[c.Logging.Level] {
		errs = append(errs, errors.WrapConfigError("logging.level",
			fmt.Errorf("invalid level %q, must be one of CRITICAL,ERROR,WARNING,INFO,DEBUG", c.Logging.Level)))
	}

	if c.Scheduler.SleepInterval <= 0 {
		errs = append(errs, errors.WrapConfigError("scheduler.sleep_interval",
			fmt.Errorf("must be positive, got %s", c.Scheduler.SleepInterval)))
	}

	return errors.JoinErrors(errs...)
}

// JobDir returns the per-job workspace directory for jobID.
func (c *Config) JobDir(jobID string) string {
	return filepath.Join(c.Scheduler.JobsDir, jobID)
}
