package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessia-project/jobscheduler/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, s.AutoMigrate())
	return s
}

func TestOpen_RejectsEmptyURL(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestCreateAndGetJob_RoundTripsResources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &domain.Job{
		ID:         "job-1",
		Type:       "echo",
		Parameters: "RETURN 0\n",
		Resources: domain.ResourceSet{
			Exclusive: []string{"cpc1"},
			Shared:    []string{"disk1", "disk2"},
		},
		Priority:   3,
		SubmitDate: time.Now().Truncate(time.Second),
		State:      domain.JobWaiting,
	}
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.Type, got.Type)
	assert.Equal(t, []string{"cpc1"}, got.Resources.Exclusive)
	assert.Equal(t, []string{"disk1", "disk2"}, got.Resources.Shared)
	assert.Equal(t, domain.JobWaiting, got.State)
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), "nope")
	assert.Error(t, err)
}

func TestListWaitingJobs_OrderedBySubmitDate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	later := &domain.Job{ID: "later", State: domain.JobWaiting, SubmitDate: now.Add(time.Minute)}
	earlier := &domain.Job{ID: "earlier", State: domain.JobWaiting, SubmitDate: now}
	running := &domain.Job{ID: "running", State: domain.JobRunning, SubmitDate: now}

	require.NoError(t, s.CreateJob(ctx, later))
	require.NoError(t, s.CreateJob(ctx, earlier))
	require.NoError(t, s.CreateJob(ctx, running))

	jobs, err := s.ListWaitingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "earlier", jobs[0].ID)
	assert.Equal(t, "later", jobs[1].ID)
}

func TestListActiveJobs_IncludesRunningAndCleaningUp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	require.NoError(t, s.CreateJob(ctx, &domain.Job{ID: "r", State: domain.JobRunning, SubmitDate: now}))
	require.NoError(t, s.CreateJob(ctx, &domain.Job{ID: "c", State: domain.JobCleaningUp, SubmitDate: now}))
	require.NoError(t, s.CreateJob(ctx, &domain.Job{ID: "w", State: domain.JobWaiting, SubmitDate: now}))

	jobs, err := s.ListActiveJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestUpdateJob_PersistsStateTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := &domain.Job{ID: "job-2", State: domain.JobWaiting, SubmitDate: time.Now()}
	require.NoError(t, s.CreateJob(ctx, job))

	job.State = domain.JobRunning
	job.PID = 4242
	require.NoError(t, s.UpdateJob(ctx, job))

	got, err := s.GetJob(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, got.State)
	assert.Equal(t, 4242, got.PID)
}

func TestCreateAndListPendingRequests(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	req := &domain.Request{
		ID:         "req-1",
		Action:     domain.ActionSubmit,
		JobType:    "echo",
		Parameters: "RETURN 0\n",
		Submitter:  "alice",
		SubmitDate: now,
		State:      domain.RequestPending,
	}
	require.NoError(t, s.CreateRequest(ctx, req))

	reqs, err := s.ListPendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "req-1", reqs[0].ID)

	req.State = domain.RequestCompleted
	req.Result = "OK"
	require.NoError(t, s.UpdateRequest(ctx, req))

	reqs, err = s.ListPendingRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, reqs, 0)

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestCompleted, got.State)
}
