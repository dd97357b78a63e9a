//go:build linux

// Command schedulerd runs the scheduling loop as a standalone daemon: it
// loads configuration, opens the job/request store, and blocks in the
// three-phase tick until a termination signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	_ "github.com/tessia-project/jobscheduler/internal/machine/echo"
	_ "github.com/tessia-project/jobscheduler/internal/machine/zvmpasswd"
	"github.com/tessia-project/jobscheduler/internal/scheduler"
	"github.com/tessia-project/jobscheduler/internal/spawner"
	"github.com/tessia-project/jobscheduler/internal/store"
	"github.com/tessia-project/jobscheduler/pkg/config"
	"github.com/tessia-project/jobscheduler/pkg/logger"
)

func main() {
	jobexecBinary := flag.String("jobexec-binary", "/opt/tessia/bin/jobexec", "path to the jobexec worker executable")
	jobcleanupBinary := flag.String("jobcleanup-binary", "/opt/tessia/bin/jobcleanup", "path to the jobcleanup handoff executable")
	flag.Parse()

	if err := run(*jobexecBinary, *jobcleanupBinary); err != nil {
		logger.Fatal("scheduler exited with an error", "error", err)
	}
}

func run(jobexecBinary, jobcleanupBinary string) error {
	cfg, cfgPath, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("parsing logging.level: %w", err)
	}
	logger.SetLevel(level)
	logger.Info("configuration loaded", "source", cfgPath)

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("opening data store: %w", err)
	}
	if err := st.AutoMigrate(); err != nil {
		return fmt.Errorf("migrating data store schema: %w", err)
	}

	if err := os.MkdirAll(cfg.Scheduler.JobsDir, 0o755); err != nil {
		return fmt.Errorf("creating jobs directory: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("reading working directory: %w", err)
	}
	sp := spawner.New(jobexecBinary, jobcleanupBinary, cwd)

	loop := scheduler.New(st, sp, nil, nil, cfg.Scheduler.JobsDir, cfg.Scheduler.SleepInterval)
	return loop.Run(context.Background())
}
