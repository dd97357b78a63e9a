//go:build linux

package spawner

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessia-project/jobscheduler/internal/domain"
)

func TestValidate_DeadOnInexistentPID(t *testing.T) {
	s := New("/bin/true", "/bin/true", "/tmp")
	job := &domain.Job{ID: "job1", PID: 999999}
	assert.Equal(t, ProcessDead, s.Validate(job))
}

func TestValidate_DeadWhenCommAndCwdUnrelated(t *testing.T) {
	// Our own test process's comm/cwd will not match the worker tag
	// or the job id, and its cwd also won't equal the scheduler's
	// recorded start cwd, so this exercises the DEAD-by-cwd-mismatch
	// path.
	s := New("/bin/true", "/bin/true", "/this/path/does/not/match")
	job := &domain.Job{ID: "some-other-job", PID: os.Getpid()}
	assert.Equal(t, ProcessDead, s.Validate(job))
}

func TestValidate_UnknownWhenCwdMatchesSchedulerStartDir(t *testing.T) {
	// Our own test process's comm won't match the worker tag, but its
	// cwd matches the scheduler's recorded start cwd exactly (the
	// window between a worker starting and it chdir'ing into its job
	// directory), so this must not be treated as dead.
	cwd, err := os.Getwd()
	require.NoError(t, err)
	s := New("/bin/true", "/bin/true", cwd)
	job := &domain.Job{ID: "some-other-job", PID: os.Getpid()}
	assert.Equal(t, ProcessUnknown, s.Validate(job))
}

func TestProcessState_String(t *testing.T) {
	assert.Equal(t, "RUNNING", ProcessRunning.String())
	assert.Equal(t, "DEAD", ProcessDead.String())
	assert.Equal(t, "UNKNOWN", ProcessUnknown.String())
}
