//go:build linux

// Package spawner starts worker processes and later attributes a PID
// back to the job that owns it by reading the worker's /proc entries,
// since the scheduler and its workers share no memory.
package spawner

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tessia-project/jobscheduler/internal/domain"
	"github.com/tessia-project/jobscheduler/internal/wrapper"
	"github.com/tessia-project/jobscheduler/pkg/errors"
	"github.com/tessia-project/jobscheduler/pkg/logger"
)

// ProcessState is the outcome of validating a job's PID.
type ProcessState int

const (
	ProcessRunning ProcessState = iota
	ProcessDead
	ProcessUnknown
)

func (s ProcessState) String() string {
	switch s {
	case ProcessRunning:
		return "RUNNING"
	case ProcessDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Spawner starts jobexec worker processes and tracks their identity.
type Spawner struct {
	jobexecBinary   string
	jobcleanupBinary string
	startCwd        string
}

// New builds a Spawner. jobexecBinary and jobcleanupBinary are the paths
// to the standalone worker and cleanup-handoff executables; startCwd is
// recorded once at scheduler startup and used by Validate to recognize
// a worker process that has not yet chdir'd into its job directory.
func New(jobexecBinary, jobcleanupBinary, startCwd string) *Spawner {
	return &Spawner{
		jobexecBinary:    jobexecBinary,
		jobcleanupBinary: jobcleanupBinary,
		startCwd:         startCwd,
	}
}

// Spawn starts a jobexec worker process for the given job and returns
// its PID. It does not wait for the worker to finish; the scheduler
// observes completion later via Validate and the result file.
//
// The worker receives its job arguments as a single JSON object on
// stdin — job_dir, job_type, job_parameters, timeout — the same shape
// the reference executor reads off its own stdin, rather than as
// command-line flags.
func (s *Spawner) Spawn(jobDir, jobType, jobParams string, timeout time.Duration) (int, error) {
	args, err := json.Marshal(map[string]interface{}{
		"job_dir":        jobDir,
		"job_type":       jobType,
		"job_parameters": jobParams,
		"timeout":        int64(timeout / time.Second),
	})
	if err != nil {
		return 0, errors.WrapSpawnerError("", 0, fmt.Errorf("%w: %v", errors.ErrSpawnFailed, err))
	}

	cmd := exec.Command(s.jobexecBinary, "-cleanup-binary", s.jobcleanupBinary)
	cmd.Stdin = strings.NewReader(string(args))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, errors.WrapSpawnerError("", 0, fmt.Errorf("%w: %v", errors.ErrSpawnFailed, err))
	}

	pid := cmd.Process.Pid
	// Reap the child in the background so it does not linger as a
	// zombie; the scheduler never blocks on it and tracks liveness via
	// /proc instead, the same way it would for a machine started by any
	// other means.
	go func() {
		_ = cmd.Wait()
	}()

	return pid, nil
}

// Terminate delivers a cancel (or, when force, a kill) signal to the
// job's worker process. The caller is expected to have already
// confirmed with Validate that the PID still belongs to this job.
func (s *Spawner) Terminate(pid int, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}

// Validate decides whether pid still belongs to job by reading its
// comm and cwd out of /proc.
func (s *Spawner) Validate(job *domain.Job) ProcessState {
	comm, err := readComm(job.PID)
	if err != nil {
		logger.Debug("job pid comm unreadable, assuming dead", "job_id", job.ID, "pid", job.PID, "error", err)
		return ProcessDead
	}

	cwd, err := readCwd(job.PID)
	if err != nil {
		logger.Debug("job pid cwd unreadable, assuming dead", "job_id", job.ID, "pid", job.PID, "error", err)
		return ProcessDead
	}

	commOK := comm == wrapper.WorkerTag
	cwdOK := filepath.Base(cwd) == job.ID

	if commOK && cwdOK {
		return ProcessRunning
	}

	// The worker's starting cwd (before it chdirs into the job
	// directory) is the scheduler's own cwd; anything else means this
	// PID belongs to some other, unrelated process.
	if !cwdOK && cwd != s.startCwd {
		logger.Warn("job pid cwd matches neither job dir nor scheduler start dir, assuming dead",
			"job_id", job.ID, "pid", job.PID)
		return ProcessDead
	}

	return ProcessUnknown
}

func readComm(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readCwd(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
}
