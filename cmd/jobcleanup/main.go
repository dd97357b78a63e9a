//go:build linux

// Command jobcleanup finishes a job that was interrupted mid-Start. The
// wrapper execs this as a fresh process, handing it a handoff file path
// as its sole argument, so that cleanup runs with a clean address space
// instead of risking whatever corrupted the interrupted worker.
package main

import (
	"os"

	_ "github.com/tessia-project/jobscheduler/internal/machine/echo"
	_ "github.com/tessia-project/jobscheduler/internal/machine/zvmpasswd"
	"github.com/tessia-project/jobscheduler/internal/wrapper"
	"github.com/tessia-project/jobscheduler/pkg/logger"
)

func main() {
	if len(os.Args) != 2 {
		logger.Fatal("jobcleanup requires exactly one argument: the handoff file path")
	}

	if err := wrapper.RunInterruptionCleanup(os.Args[1]); err != nil {
		logger.Fatal("interruption cleanup failed", "error", err)
	}
}
