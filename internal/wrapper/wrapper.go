//go:build linux

// Package wrapper runs inside the worker process. It sets up the
// process identity the scheduler will recognize, installs signal and
// timeout handling around a state machine's Start method, and writes
// the result file the scheduler reads back on the next tick.
package wrapper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tessia-project/jobscheduler/internal/machine"
	"github.com/tessia-project/jobscheduler/pkg/logger"
)

// Result codes written to the result file and interpreted by the
// scheduler's finish_jobs phase.
const (
	ResultSuccess   = 0
	ResultCanceled  = -1
	ResultTimeout   = -2
	ResultException = -3
)

// WorkerTag is written to the worker process's comm file so the
// scheduler can attribute a PID to one of its own jobs. Process comm
// fields truncate at 15 bytes; keep this at or under that length.
const WorkerTag = "schedjob-worker"

// CleanupTime bounds how long the handoff cleanup process may run.
const CleanupTime = 60 * time.Second

// handoffFile is the name of the file written in the job's run
// directory to pass state across the cleanup-process handoff.
const handoffFile = "wrapper_init_parameters"

// Params are the inputs to one worker invocation.
type Params struct {
	RunDir    string
	JobType   string
	JobParams string
	Timeout   time.Duration
}

func (p Params) resultFilePath() string {
	return filepath.Join(p.RunDir, "."+filepath.Base(p.RunDir))
}

// handoff is the serialized state a cleanup subprocess needs to finish
// a job that was interrupted mid-Start.
type handoff struct {
	RetCode int    `json:"ret_code"`
	RunDir  string `json:"run_dir"`
	JobType string `json:"job_type"`
	Params  string `json:"params"`
	Timeout int64  `json:"timeout_ns"`
}

// Wrapper supervises a single state-machine run.
type Wrapper struct {
	params        Params
	cleanupBinary string // path to the jobcleanup executable for the interruption handoff
}

// New builds a Wrapper. cleanupBinary is the path to the executable
// that performs Run handles the interrupted-cleanup handoff.
func New(params Params, cleanupBinary string) *Wrapper {
	return &Wrapper{params: params, cleanupBinary: cleanupBinary}
}

// Run performs the full worker lifecycle: identity pinning, output
// redirection, signal/timeout installation, the machine run, and
// result emission (directly, or via the cleanup handoff on
// interruption). It returns only once the result file has been
// written.
func (w *Wrapper) Run() error {
	if err := os.MkdirAll(w.params.RunDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	if err := redirectOutput(w.params.RunDir); err != nil {
		return fmt.Errorf("redirect output: %w", err)
	}

	writeComm()

	if err := os.Chdir(w.params.RunDir); err != nil {
		return fmt.Errorf("chdir to run dir: %w", err)
	}

	m, err := machine.New(w.params.JobType, w.params.JobParams)
	if err != nil {
		return w.writeTerminal(ResultException, fmt.Errorf("construct machine: %w", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)
	defer cancel()

	if w.params.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, w.params.Timeout)
		defer timeoutCancel()
	}

	type outcome struct {
		rc  int
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rc, err := m.Start(ctx)
		done <- outcome{rc, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return w.writeTerminal(ResultException, o.err)
		}
		return w.writeTerminal(o.rc, nil)

	case <-ctx.Done():
		return w.interrupted(m, ctx)
	}
}

// interrupted runs the choice the wrapper's state machine makes once a
// cancel signal or timeout fires: classify, then either write the
// two-line result directly (machine already cleaning up) or hand off
// to a fresh cleanup process.
func (w *Wrapper) interrupted(m machine.Machine, ctx context.Context) error {
	var rc int
	if deadlineErr := ctx.Err(); deadlineErr == context.DeadlineExceeded {
		rc = ResultTimeout
	} else {
		rc = ResultCanceled
	}

	if m.CleaningUp() {
		return w.writeTerminal(rc, nil)
	}

	return w.execForCleanup(rc)
}

// execForCleanup serializes enough state to reconstruct the machine in
// a fresh process and runs that process synchronously, the same way a
// signal handler's exec-replace would, but without reusing a possibly
// corrupted address space. The wrapper process's PID, cwd and comm tag
// are unaffected, so the scheduler keeps attributing them to this job
// for as long as the cleanup subprocess runs.
func (w *Wrapper) execForCleanup(retCode int) error {
	path := filepath.Join(w.params.RunDir, handoffFile)
	payload := handoff{
		RetCode: retCode,
		RunDir:  w.params.RunDir,
		JobType: w.params.JobType,
		Params:  w.params.JobParams,
		Timeout: int64(w.params.Timeout),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal cleanup handoff: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write cleanup handoff: %w", err)
	}

	cmd := exec.Command(w.cleanupBinary, path)
	cmd.Dir = w.params.RunDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		logger.Error("cleanup subprocess exited with an error", "error", err, "job_dir", w.params.RunDir)
	}
	return nil
}

func (w *Wrapper) writeTerminal(rc int, startErr error) error {
	if startErr != nil {
		logger.Error("state machine start failed", "error", startErr, "job_dir", w.params.RunDir)
	}
	return writeResultFile(w.params.resultFilePath(), rc, nil)
}

// writeResultFile writes the three-line result file: machine rc,
// optional cleanup rc, and the UTC end timestamp.
func writeResultFile(path string, rc int, cleanupRC *int) error {
	content := fmt.Sprintf("%d\n", rc)
	if cleanupRC != nil {
		content += fmt.Sprintf("%d\n", *cleanupRC)
	}
	content += formatEndDate(time.Now().UTC()) + "\n"
	return os.WriteFile(path, []byte(content), 0o644)
}

// formatEndDate renders t as "YYYY-mm-dd HH:MM:SS:ffffff", the colon-
// delimited microsecond form the result file grammar documents. Go's
// layout-based Format only recognizes '.' or ',' before a fractional
// seconds run, so the microseconds are appended by hand instead.
func formatEndDate(t time.Time) string {
	return fmt.Sprintf("%s:%06d", t.Format("2006-01-02 15:04:05"), t.Nanosecond()/1000)
}

// redirectOutput dup2's the job's output file onto the process's actual
// stdout/stderr file descriptors, so that both Go's os.Stdout/os.Stderr
// and anything the machine body execs as a subprocess write to the same
// place.
func redirectOutput(runDir string) error {
	outPath := filepath.Join(runDir, "output")
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unix.Dup2(int(f.Fd()), int(os.Stdout.Fd())); err != nil {
		return fmt.Errorf("redirect stdout: %w", err)
	}
	if err := unix.Dup2(int(f.Fd()), int(os.Stderr.Fd())); err != nil {
		return fmt.Errorf("redirect stderr: %w", err)
	}
	return nil
}

// writeComm tags this process so the scheduler's spawner can attribute
// the PID to a job. Best-effort: only Linux exposes /proc/self/comm,
// and a failure here does not prevent the job from running.
func writeComm() {
	if err := os.WriteFile("/proc/self/comm", []byte(WorkerTag), 0); err != nil {
		logger.Debug("could not set process comm tag", "error", err)
	}
}

// RunInterruptionCleanup reads a handoff file left by an interrupted
// Wrapper.Run and invokes the machine's Cleanup with a bounded timeout,
// writing the final three-line result file. It is the entire body of
// the cleanup subprocess binary.
func RunInterruptionCleanup(handoffPath string) error {
	data, err := os.ReadFile(handoffPath)
	if err != nil {
		return fmt.Errorf("read cleanup handoff: %w", err)
	}
	var payload handoff
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse cleanup handoff: %w", err)
	}
	defer os.Remove(handoffPath)

	writeComm()

	m, err := machine.New(payload.JobType, payload.Params)
	if err != nil {
		cleanupRC := ResultException
		return writeResultFile(Params{RunDir: payload.RunDir}.resultFilePath(), payload.RetCode, &cleanupRC)
	}

	ctx, cancel := context.WithTimeout(context.Background(), CleanupTime)
	defer cancel()

	type outcome struct {
		rc  int
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rc, err := m.Cleanup(ctx)
		done <- outcome{rc, err}
	}()

	var cleanupRC int
	select {
	case o := <-done:
		if o.err != nil {
			cleanupRC = ResultException
		} else {
			cleanupRC = o.rc
		}
	case <-ctx.Done():
		cleanupRC = ResultTimeout
	}

	return writeResultFile(Params{RunDir: payload.RunDir}.resultFilePath(), payload.RetCode, &cleanupRC)
}
