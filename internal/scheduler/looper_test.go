//go:build linux

package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessia-project/jobscheduler/internal/domain"
	_ "github.com/tessia-project/jobscheduler/internal/machine/echo"
	"github.com/tessia-project/jobscheduler/internal/spawner"
	"github.com/tessia-project/jobscheduler/internal/store"
)

func newTestLooper(t *testing.T) *Looper {
	t.Helper()
	st, err := store.Open("sqlite://file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, st.AutoMigrate())

	cwd, err := os.Getwd()
	require.NoError(t, err)
	sp := spawner.New("/bin/true", "/bin/true", cwd)

	return New(st, sp, nil, nil, t.TempDir(), 50*time.Millisecond)
}

func TestSubmitJob_UnknownJobTypeFails(t *testing.T) {
	l := newTestLooper(t)
	ctx := context.Background()

	req := &domain.Request{ID: "r1", Action: domain.ActionSubmit, JobType: "does-not-exist",
		SubmitDate: time.Now(), State: domain.RequestPending}
	require.NoError(t, l.store.CreateRequest(ctx, req))

	l.submitJob(ctx, req)

	got, err := l.store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFailed, got.State)
	assert.Contains(t, got.Result, "Invalid job type")
}

func TestSubmitJob_BadParamsFails(t *testing.T) {
	l := newTestLooper(t)
	ctx := context.Background()

	req := &domain.Request{ID: "r2", Action: domain.ActionSubmit, JobType: "echo",
		Parameters: "NOT A VALID COMMAND\n", SubmitDate: time.Now(), State: domain.RequestPending}
	require.NoError(t, l.store.CreateRequest(ctx, req))

	l.submitJob(ctx, req)

	got, err := l.store.GetRequest(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFailed, got.State)
	assert.Contains(t, got.Result, "Parsing of parameters failed")
}

func TestSubmitJob_DuplicateResourceFails(t *testing.T) {
	l := newTestLooper(t)
	ctx := context.Background()

	req := &domain.Request{ID: "r3", Action: domain.ActionSubmit, JobType: "echo",
		Parameters: "USE EXCLUSIVE sys1\nUSE SHARED sys1\nRETURN 0\n",
		SubmitDate: time.Now(), State: domain.RequestPending}
	require.NoError(t, l.store.CreateRequest(ctx, req))

	l.submitJob(ctx, req)

	got, err := l.store.GetRequest(ctx, "r3")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFailed, got.State)
	assert.Contains(t, got.Result, "resource appears twice")
}

func TestSubmitJob_SuccessCreatesWaitingJobAndEnqueues(t *testing.T) {
	l := newTestLooper(t)
	ctx := context.Background()

	req := &domain.Request{ID: "r4", Action: domain.ActionSubmit, JobType: "echo",
		Parameters: "USE EXCLUSIVE sys1\nRETURN 0\n",
		Priority:   2, SubmitDate: time.Now(), State: domain.RequestPending, Submitter: "alice"}
	require.NoError(t, l.store.CreateRequest(ctx, req))

	l.submitJob(ctx, req)

	got, err := l.store.GetRequest(ctx, "r4")
	require.NoError(t, err)
	require.Equal(t, domain.RequestCompleted, got.State)
	require.NotNil(t, got.JobID)

	job, err := l.store.GetJob(ctx, *got.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobWaiting, job.State)
	assert.Equal(t, []string{"sys1"}, job.Resources.Exclusive)
	assert.True(t, l.resources.CanStart(job, time.Now()))
}

func TestSubmitJob_PermissionDeniedFails(t *testing.T) {
	l := newTestLooper(t)
	l.perms = denyAll{}
	ctx := context.Background()

	req := &domain.Request{ID: "r5", Action: domain.ActionSubmit, JobType: "echo",
		Parameters: "USE EXCLUSIVE sys1\nRETURN 0\n",
		SubmitDate: time.Now(), State: domain.RequestPending, Submitter: "bob"}
	require.NoError(t, l.store.CreateRequest(ctx, req))

	l.submitJob(ctx, req)

	got, err := l.store.GetRequest(ctx, "r5")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFailed, got.State)
	assert.Contains(t, got.Result, "Permission validation")
}

func TestSubmitJob_SystemNotAvailableFails(t *testing.T) {
	l := newTestLooper(t)
	l.catalog = fixedState{state: "LOCKED"}
	ctx := context.Background()

	req := &domain.Request{ID: "r6", Action: domain.ActionSubmit, JobType: "echo",
		Parameters: "USE EXCLUSIVE sys1\nRETURN 0\n",
		SubmitDate: time.Now(), State: domain.RequestPending}
	require.NoError(t, l.store.CreateRequest(ctx, req))

	l.submitJob(ctx, req)

	got, err := l.store.GetRequest(ctx, "r6")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFailed, got.State)
	assert.Contains(t, got.Result, "must be switched to a valid state")
}

func TestCancelJob_TargetNotFoundFails(t *testing.T) {
	l := newTestLooper(t)
	ctx := context.Background()

	missing := "nope"
	req := &domain.Request{ID: "c1", Action: domain.ActionCancel, JobID: &missing,
		SubmitDate: time.Now(), State: domain.RequestPending}
	require.NoError(t, l.store.CreateRequest(ctx, req))

	l.cancelJob(ctx, req)

	got, err := l.store.GetRequest(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFailed, got.State)
	assert.Equal(t, "Specified job not found", got.Result)
}

func TestCancelJob_WaitingJobCanceledAndPoppedFromQueue(t *testing.T) {
	l := newTestLooper(t)
	ctx := context.Background()

	job := &domain.Job{ID: "j1", State: domain.JobWaiting, SubmitDate: time.Now(),
		Resources: domain.ResourceSet{Exclusive: []string{"sys1"}}}
	require.NoError(t, l.store.CreateJob(ctx, job))
	require.NoError(t, l.resources.Enqueue(job))

	req := &domain.Request{ID: "c2", Action: domain.ActionCancel, JobID: &job.ID,
		SubmitDate: time.Now(), State: domain.RequestPending}
	require.NoError(t, l.store.CreateRequest(ctx, req))

	l.cancelJob(ctx, req)

	gotReq, err := l.store.GetRequest(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestCompleted, gotReq.State)

	gotJob, err := l.store.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCanceled, gotJob.State)
}

func TestCancelJob_TerminalJobFails(t *testing.T) {
	l := newTestLooper(t)
	ctx := context.Background()

	job := &domain.Job{ID: "j2", State: domain.JobCompleted, SubmitDate: time.Now()}
	require.NoError(t, l.store.CreateJob(ctx, job))

	req := &domain.Request{ID: "c3", Action: domain.ActionCancel, JobID: &job.ID,
		SubmitDate: time.Now(), State: domain.RequestPending}
	require.NoError(t, l.store.CreateRequest(ctx, req))

	l.cancelJob(ctx, req)

	gotReq, err := l.store.GetRequest(ctx, "c3")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFailed, gotReq.State)
	assert.Contains(t, gotReq.Result, "already ended")
}

func TestCancelJob_DeadActiveJobFailsRequestAndPostProcesses(t *testing.T) {
	l := newTestLooper(t)
	ctx := context.Background()

	jobDir := filepath.Join(l.jobsDir, "j3")
	require.NoError(t, os.MkdirAll(jobDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, ".j3"), []byte("0\n2024-01-01 00:00:00:000000\n"), 0o644))

	job := &domain.Job{ID: "j3", State: domain.JobRunning, PID: 999999, SubmitDate: time.Now()}
	require.NoError(t, l.store.CreateJob(ctx, job))

	req := &domain.Request{ID: "c4", Action: domain.ActionCancel, JobID: &job.ID,
		SubmitDate: time.Now(), State: domain.RequestPending}
	require.NoError(t, l.store.CreateRequest(ctx, req))

	l.cancelJob(ctx, req)

	gotReq, err := l.store.GetRequest(ctx, "c4")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFailed, gotReq.State)
	assert.Equal(t, "Job has ended while processing request", gotReq.Result)

	gotJob, err := l.store.GetJob(ctx, "j3")
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, gotJob.State)
}

func TestStartJobs_SpawnFailureMarksJobFailed(t *testing.T) {
	l := newTestLooper(t)
	l.spawner = spawner.New("/this/binary/does/not/exist", "/bin/true", t.TempDir())
	ctx := context.Background()

	job := &domain.Job{ID: "j4", State: domain.JobWaiting, SubmitDate: time.Now()}
	require.NoError(t, l.store.CreateJob(ctx, job))
	require.NoError(t, l.resources.Enqueue(job))

	require.NoError(t, l.startJobs(ctx))

	got, err := l.store.GetJob(ctx, "j4")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.State)
	assert.Equal(t, "Job failed to start", got.Result)
}

func TestPostProcessJob_MissingResultFileMarksUnknownState(t *testing.T) {
	l := newTestLooper(t)
	ctx := context.Background()

	job := &domain.Job{ID: "j5", State: domain.JobRunning, SubmitDate: time.Now()}
	require.NoError(t, l.store.CreateJob(ctx, job))

	require.NoError(t, l.postProcessJob(ctx, job))
	assert.Equal(t, domain.JobFailed, job.State)
	assert.Equal(t, "Job ended in unknown state", job.Result)
}

func TestReadResultFile_ParsesTwoAndThreeLineForms(t *testing.T) {
	dir := t.TempDir()
	twoLine := filepath.Join(dir, "two")
	require.NoError(t, os.WriteFile(twoLine, []byte("0\n2024-01-01 00:00:00:000000\n"), 0o644))

	rc, cleanupRC, endDate, err := readResultFile(twoLine)
	require.NoError(t, err)
	assert.Equal(t, 0, rc)
	assert.Nil(t, cleanupRC)
	assert.Equal(t, 2024, endDate.Year())

	threeLine := filepath.Join(dir, "three")
	require.NoError(t, os.WriteFile(threeLine, []byte("-1\n0\n2024-01-01 00:00:00:000000\n"), 0o644))

	rc, cleanupRC, _, err = readResultFile(threeLine)
	require.NoError(t, err)
	assert.Equal(t, -1, rc)
	require.NotNil(t, cleanupRC)
	assert.Equal(t, 0, *cleanupRC)
}

type denyAll struct{}

func (denyAll) Can(action, requester, resource string) error {
	return assertErr{"permission denied"}
}

type fixedState struct{ state string }

func (f fixedState) State(resource string) (string, error) { return f.state, nil }

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
