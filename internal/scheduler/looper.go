//go:build linux

// Package scheduler runs the main scheduling loop: on every tick it
// reaps finished workers, drains pending requests into job state
// transitions, and starts whichever waiting jobs the resource manager
// says may run. It is the only writer of Job rows and the only code that
// changes a Request after it was created.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tessia-project/jobscheduler/internal/domain"
	"github.com/tessia-project/jobscheduler/internal/machine"
	"github.com/tessia-project/jobscheduler/internal/resourcemanager"
	"github.com/tessia-project/jobscheduler/internal/spawner"
	"github.com/tessia-project/jobscheduler/internal/store"
	"github.com/tessia-project/jobscheduler/internal/wrapper"
	"github.com/tessia-project/jobscheduler/pkg/logger"
)

// BulkOperatorJobType is the one job type the loop treats specially: it
// injects the requester identity into the parameters before parsing, so
// the machine can enforce per-row authorization on its own. Every other
// job type is opaque to the scheduler.
const BulkOperatorJobType = "bulk_operator"

// SystemAvailable is the only resource catalog state Phase 2 accepts for
// an exclusive resource a SUBMIT request wants to reserve.
const SystemAvailable = "AVAILABLE"

// PermissionChecker is the external authorization predicate the loop
// consults before accepting a SUBMIT request's exclusive resources. It
// is an opaque collaborator: the core only knows this one method.
type PermissionChecker interface {
	Can(action, requester, resource string) error
}

// ResourceCatalog reports the current operational state of a named
// resource (e.g. AVAILABLE, LOCKED, RESERVED, UNASSIGNED). Like
// PermissionChecker, it is external to the core.
type ResourceCatalog interface {
	State(resource string) (string, error)
}

// Looper drives the three-phase tick described in the scheduling
// design: finish terminated jobs, process pending requests, start
// eligible waiting jobs.
type Looper struct {
	store     *store.Store
	resources *resourcemanager.Manager
	spawner   *spawner.Spawner
	perms     PermissionChecker
	catalog   ResourceCatalog
	jobsDir   string
	interval  time.Duration
	log       *logger.Logger
}

// New builds a Looper. perms and catalog may be nil, in which case
// resource permission/state checks are skipped entirely — useful for
// tests and for deployments that have not wired a catalog yet.
func New(st *store.Store, sp *spawner.Spawner, perms PermissionChecker, catalog ResourceCatalog, jobsDir string, interval time.Duration) *Looper {
	return &Looper{
		store:     st,
		resources: resourcemanager.New(),
		spawner:   sp,
		perms:     perms,
		catalog:   catalog,
		jobsDir:   jobsDir,
		interval:  interval,
		log:       logger.WithField("component", "scheduler"),
	}
}

// Run reconstructs in-memory queue state from the database and then
// loops until ctx is canceled or a terminate/hangup/interrupt signal
// arrives, at which point it finishes the current iteration and
// returns. Go's os/exec already starts every worker as an independent
// process image, so there is no forkserver-style start-method flag to
// configure here the way the reference implementation needs one.
func (l *Looper) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)
	defer stop()

	if err := l.initManager(ctx); err != nil {
		return fmt.Errorf("initializing resource manager from database: %w", err)
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("signal caught, scheduler exiting")
			return nil
		default:
		}

		if err := l.finishJobs(ctx); err != nil {
			return fmt.Errorf("finish_jobs: %w", err)
		}
		if err := l.processPendingRequests(ctx); err != nil {
			return fmt.Errorf("process_pending_requests: %w", err)
		}
		if err := l.startJobs(ctx); err != nil {
			return fmt.Errorf("start_jobs: %w", err)
		}

		select {
		case <-ctx.Done():
			l.log.Info("signal caught, scheduler exiting")
			return nil
		case <-ticker.C:
		}
	}
}

// initManager replays the database into the resource manager's wait
// queues and active maps: every WAITING job is enqueued in submit-date
// order, every active job is either post-processed (dead PID, e.g. a
// reboot) or re-registered as active.
func (l *Looper) initManager(ctx context.Context) error {
	waiting, err := l.store.ListWaitingJobs(ctx)
	if err != nil {
		return fmt.Errorf("loading waiting jobs: %w", err)
	}
	for _, job := range waiting {
		if !job.HasResources() {
			l.log.Warn("job has no resources associated", "job_id", job.ID)
			continue
		}
		if err := l.resources.Enqueue(job); err != nil {
			l.log.Error("failed to enqueue job during startup", "job_id", job.ID, "error", err)
		}
	}

	active, err := l.store.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("loading active jobs: %w", err)
	}
	for _, job := range active {
		if l.spawner.Validate(job) == spawner.ProcessDead {
			if err := l.postProcessJob(ctx, job); err != nil {
				l.log.Error("failed to post-process job during startup", "job_id", job.ID, "error", err)
			}
			continue
		}
		if job.HasResources() {
			if err := l.resources.SetActive(job); err != nil {
				l.log.Error("failed to mark job active during startup", "job_id", job.ID, "error", err)
			}
		}
	}
	return nil
}

// finishJobs is Phase 1: reap workers whose PID no longer belongs to
// them and post-process their result file.
func (l *Looper) finishJobs(ctx context.Context) error {
	active, err := l.store.ListActiveJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range active {
		if l.spawner.Validate(job) != spawner.ProcessDead {
			continue
		}
		if err := l.postProcessJob(ctx, job); err != nil {
			l.log.Error("failed to post-process job", "job_id", job.ID, "error", err)
			continue
		}
		if job.HasResources() {
			l.resources.ActivePop(job)
		}
	}
	return nil
}

// postProcessJob reads a finished job's result file and translates its
// exit code(s) into the job's terminal state.
func (l *Looper) postProcessJob(ctx context.Context, job *domain.Job) error {
	path := filepath.Join(l.jobsDir, job.ID, "."+job.ID)
	rc, cleanupRC, endDate, err := readResultFile(path)
	if err != nil {
		l.log.Warn("reading result file failed", "job_id", job.ID, "error", err)
		now := time.Now().UTC()
		job.State = domain.JobFailed
		job.Result = "Job ended in unknown state"
		job.EndDate = &now
		return l.store.UpdateJob(ctx, job)
	}

	switch {
	case rc == wrapper.ResultSuccess:
		job.State = domain.JobCompleted
		job.Result = "Job finished successfully."

	case rc == wrapper.ResultCanceled || rc == wrapper.ResultTimeout:
		job.State = domain.JobCanceled
		if rc == wrapper.ResultCanceled {
			job.Result = "Job canceled."
		} else {
			job.Result = "Job timed out."
		}
		switch {
		case cleanupRC == nil:
			job.Result += " Normal cleanup was interrupted."
		case *cleanupRC == wrapper.ResultTimeout:
			job.Result += " Cleanup timed out."
		case *cleanupRC == wrapper.ResultException:
			job.Result += " Cleanup failed abnormally."
		case *cleanupRC == wrapper.ResultSuccess:
			job.Result += " Cleanup completed."
		default:
			job.Result += " Cleanup ended with error exit code."
		}

	case rc == wrapper.ResultException:
		job.State = domain.JobFailed
		job.Result = "Job failed abnormally."

	default:
		job.State = domain.JobFailed
		job.Result = "Job ended with error exit code"
	}

	job.EndDate = &endDate
	return l.store.UpdateJob(ctx, job)
}

// readResultFile parses the wrapper's three-line (or two-line) result
// file format: machine rc, optional cleanup rc, UTC end timestamp.
func readResultFile(path string) (rc int, cleanupRC *int, endDate time.Time, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, time.Time{}, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < 2 {
		return 0, nil, time.Time{}, fmt.Errorf("result file %s has fewer than 2 lines", path)
	}

	rc, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, nil, time.Time{}, fmt.Errorf("parsing machine rc: %w", err)
	}

	endDateStr := lines[1]
	if len(lines) > 2 {
		v, err := strconv.Atoi(strings.TrimSpace(lines[1]))
		if err != nil {
			return 0, nil, time.Time{}, fmt.Errorf("parsing cleanup rc: %w", err)
		}
		cleanupRC = &v
		endDateStr = lines[2]
	}

	endDate, err = parseEndDate(strings.TrimSpace(endDateStr))
	if err != nil {
		return 0, nil, time.Time{}, fmt.Errorf("parsing end timestamp: %w", err)
	}
	return rc, cleanupRC, endDate, nil
}

// parseEndDate parses the "YYYY-mm-dd HH:MM:SS:ffffff" end timestamp
// the result file grammar documents: a colon, not a decimal point,
// separates the microseconds, so the fractional part is split off and
// parsed by hand rather than via time.Parse's layout-based fraction
// support (which only recognizes '.' or ',').
func parseEndDate(s string) (time.Time, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return time.Time{}, fmt.Errorf("missing microseconds separator in %q", s)
	}
	base, fracStr := s[:idx], s[idx+1:]

	t, err := time.Parse("2006-01-02 15:04:05", base)
	if err != nil {
		return time.Time{}, err
	}
	micros, err := strconv.Atoi(fracStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing microseconds: %w", err)
	}
	return t.Add(time.Duration(micros) * time.Microsecond), nil
}

// processPendingRequests is Phase 2: drain PENDING requests in
// submit-date order and apply CANCEL or SUBMIT.
func (l *Looper) processPendingRequests(ctx context.Context) error {
	pending, err := l.store.ListPendingRequests(ctx)
	if err != nil {
		return err
	}
	for _, req := range pending {
		switch req.Action {
		case domain.ActionCancel:
			l.cancelJob(ctx, req)
		case domain.ActionSubmit:
			l.submitJob(ctx, req)
		default:
			l.log.Warn("invalid operation, ignoring", "action", req.Action)
			l.failRequest(ctx, req, "Invalid operation specified")
		}
	}
	return nil
}

func (l *Looper) failRequest(ctx context.Context, req *domain.Request, msg string) {
	req.State = domain.RequestFailed
	req.Result = msg
	if err := l.store.UpdateRequest(ctx, req); err != nil {
		l.log.Error("failed to update request", "request_id", req.ID, "error", err)
	}
}

func (l *Looper) completeRequest(ctx context.Context, req *domain.Request) {
	req.State = domain.RequestCompleted
	req.Result = "OK"
	if err := l.store.UpdateRequest(ctx, req); err != nil {
		l.log.Error("failed to update request", "request_id", req.ID, "error", err)
	}
}

// cancelJob implements the CANCEL branch of Phase 2.
func (l *Looper) cancelJob(ctx context.Context, req *domain.Request) {
	if req.JobID == nil {
		l.failRequest(ctx, req, "Specified job not found")
		return
	}
	job, err := l.store.GetJob(ctx, *req.JobID)
	if err != nil {
		l.failRequest(ctx, req, "Specified job not found")
		return
	}

	switch {
	case job.State.IsActive():
		l.cancelActiveJob(ctx, req, job)

	case job.State.IsTerminal():
		l.failRequest(ctx, req, "Cannot cancel job because it already ended")

	case job.State == domain.JobWaiting:
		job.State = domain.JobCanceled
		job.Result = "Job canceled by user while waiting for execution"
		if err := l.store.UpdateJob(ctx, job); err != nil {
			l.log.Error("failed to update job", "job_id", job.ID, "error", err)
		}
		if job.HasResources() {
			l.resources.WaitPop(job)
		}
		l.completeRequest(ctx, req)

	default:
		l.log.Error("missing state branch in cancel_job", "job_id", job.ID, "state", job.State)
		l.failRequest(ctx, req, "Job is in an unknown state")
	}
}

func (l *Looper) cancelActiveJob(ctx context.Context, req *domain.Request, job *domain.Job) {
	state := l.spawner.Validate(job)
	if state == spawner.ProcessDead {
		if err := l.postProcessJob(ctx, job); err != nil {
			l.log.Error("failed to post-process job", "job_id", job.ID, "error", err)
		}
		l.failRequest(ctx, req, "Job has ended while processing request")
		return
	}
	if state == spawner.ProcessUnknown {
		l.log.Warn("job process is in unknown state, delaying request execution", "job_id", job.ID)
		return
	}

	if job.State == domain.JobRunning {
		if err := l.spawner.Terminate(job.PID, false); err != nil {
			l.log.Error("failed to signal job", "job_id", job.ID, "error", err)
		}
		job.State = domain.JobCleaningUp
		job.Result = "Job canceled by user; cleaning up"
		if err := l.store.UpdateJob(ctx, job); err != nil {
			l.log.Error("failed to update job", "job_id", job.ID, "error", err)
		}
		l.completeRequest(ctx, req)
		return
	}

	// job.State == CLEANINGUP: a second cancel forces it down.
	if err := l.spawner.Terminate(job.PID, true); err != nil {
		l.log.Error("failed to signal job", "job_id", job.ID, "error", err)
	}
	now := time.Now().UTC()
	job.State = domain.JobCanceled
	job.Result = "Job forcefully canceled by user while in cleanup"
	job.EndDate = &now
	if err := l.store.UpdateJob(ctx, job); err != nil {
		l.log.Error("failed to update job", "job_id", job.ID, "error", err)
	}
	if job.HasResources() {
		l.resources.ActivePop(job)
	}
	l.completeRequest(ctx, req)
}

// submitJob implements the SUBMIT branch of Phase 2.
func (l *Looper) submitJob(ctx context.Context, req *domain.Request) {
	factory, ok := machine.Lookup(req.JobType)
	if !ok {
		l.failRequest(ctx, req, fmt.Sprintf("Invalid job type '%s'", req.JobType))
		return
	}

	if req.JobType == BulkOperatorJobType {
		if !l.injectRequester(ctx, req) {
			return
		}
	}

	m, err := factory(req.Parameters)
	if err != nil {
		l.failRequest(ctx, req, fmt.Sprintf("Parsing of parameters failed with: %s", err))
		return
	}
	parsed, err := m.Parse(req.Parameters)
	if err != nil {
		l.failRequest(ctx, req, fmt.Sprintf("Parsing of parameters failed with: %s", err))
		return
	}

	description := parsed.Description
	if description == "" {
		description = "No description"
	}

	persistedParams := req.Parameters
	var prefilteredExtra string
	if pf, ok := m.(machine.Prefilterer); ok {
		stripped, extra, err := pf.Prefilter(req.Parameters)
		if err != nil {
			l.failRequest(ctx, req, fmt.Sprintf("Invalid request parameters: %s", err))
			return
		}
		persistedParams = stripped
		prefilteredExtra = extra
	}

	resources := domain.ResourceSet{Exclusive: parsed.Resources.Exclusive, Shared: parsed.Resources.Shared}
	if !resourcemanager.ValidateResources(resources) {
		l.failRequest(ctx, req, "Invalid resources. A resource appears twice.")
		return
	}

	if !l.authorizeResources(ctx, req, resources) {
		return
	}

	job := &domain.Job{
		ID:               uuid.NewString(),
		Type:             req.JobType,
		Parameters:       persistedParams,
		Resources:        resources,
		Description:      description,
		Priority:         req.Priority,
		SubmitDate:       req.SubmitDate,
		StartDate:        req.StartDate,
		TimeSlot:         req.TimeSlot,
		Timeout:          req.Timeout,
		State:            domain.JobWaiting,
		Result:           "Waiting for resources",
		PrefilteredExtra: prefilteredExtra,
	}

	if err := job.Validate(); err != nil {
		l.failRequest(ctx, req, "Job with a start date must have a timeout defined.")
		return
	}

	if !l.resources.CanEnqueue(job, time.Now().UTC()) {
		l.failRequest(ctx, req, "Job would conflict with another scheduled job.")
		return
	}

	if err := l.store.CreateJob(ctx, job); err != nil {
		l.log.Error("failed to persist job", "request_id", req.ID, "error", err)
		l.failRequest(ctx, req, "Internal error creating job")
		return
	}

	req.JobID = &job.ID
	l.completeRequest(ctx, req)

	if err := l.resources.Enqueue(job); err != nil {
		l.log.Error("failed to enqueue job", "job_id", job.ID, "error", err)
	}
}

// recombineParams reconstructs the full parameter text a machine needs to
// run, merging back whatever a Prefilterer stripped out at submission
// time. Jobs whose machine never implemented Prefilterer, or that were
// submitted before it, pass through with no extra payload.
func (l *Looper) recombineParams(job *domain.Job) (string, error) {
	if job.PrefilteredExtra == "" {
		return job.Parameters, nil
	}
	factory, ok := machine.Lookup(job.Type)
	if !ok {
		return "", fmt.Errorf("job type %q no longer registered", job.Type)
	}
	m, err := factory(job.Parameters)
	if err != nil {
		return "", fmt.Errorf("reconstructing machine: %w", err)
	}
	rc, ok := m.(machine.Recombiner)
	if !ok {
		return "", fmt.Errorf("job type %q has prefiltered data but no Recombiner", job.Type)
	}
	return rc.Recombine(job.Parameters, job.PrefilteredExtra)
}

// injectRequester rewrites a bulk-operation request's YAML parameters to
// carry the submitter's identity, so the machine can authorize each row
// itself instead of the scheduler threading an id through the spawn
// chain. Returns false (having already failed req) on any error.
func (l *Looper) injectRequester(ctx context.Context, req *domain.Request) bool {
	var params map[string]interface{}
	if err := yaml.Unmarshal([]byte(req.Parameters), &params); err != nil {
		l.failRequest(ctx, req, fmt.Sprintf("Invalid request parameters: %s", err))
		return false
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	params["requester"] = req.Submitter

	out, err := yaml.Marshal(params)
	if err != nil {
		l.log.Warn("failed to include request in job parameters", "request_id", req.ID, "error", err)
		l.failRequest(ctx, req, "Failed to include request in job parameters")
		return false
	}

	req.Parameters = string(out)
	if err := l.store.UpdateRequest(ctx, req); err != nil {
		l.log.Error("failed to persist request parameters", "request_id", req.ID, "error", err)
	}
	return true
}

// authorizeResources checks every exclusive resource a SUBMIT request
// wants against the external permission and catalog collaborators.
// Either may be nil, in which case that check is skipped.
func (l *Looper) authorizeResources(ctx context.Context, req *domain.Request, resources domain.ResourceSet) bool {
	for _, resource := range resources.Exclusive {
		if l.perms != nil {
			if err := l.perms.Can("UPDATE", req.Submitter, resource); err != nil {
				l.failRequest(ctx, req, fmt.Sprintf("Permission validation for resource %s failed: %s", resource, err))
				return false
			}
		}
		if l.catalog != nil {
			state, err := l.catalog.State(resource)
			if err != nil {
				l.failRequest(ctx, req, fmt.Sprintf("Permission validation for resource %s failed: %s", resource, err))
				return false
			}
			if state != SystemAvailable {
				l.failRequest(ctx, req, fmt.Sprintf(
					"System %s must be switched to a valid state before actions can be performed (current state: %s)",
					resource, state))
				return false
			}
		}
	}
	return true
}

// startJobs is Phase 3: dispatch every waiting job the resource manager
// says may start right now.
func (l *Looper) startJobs(ctx context.Context) error {
	l.log.Debug("trying to start waiting jobs")
	waiting, err := l.store.ListWaitingJobs(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, job := range waiting {
		if !l.resources.CanStart(job, now) {
			continue
		}
		l.log.Info("starting job", "job_id", job.ID)
		l.startJob(ctx, job)
	}
	return nil
}

func (l *Looper) startJob(ctx context.Context, job *domain.Job) {
	jobDir := filepath.Join(l.jobsDir, job.ID)

	spawnParams, err := l.recombineParams(job)
	if err != nil {
		l.log.Warn("failed to recombine job parameters, starting with stripped parameters", "job_id", job.ID, "error", err)
		spawnParams = job.Parameters
	}

	pid, err := l.spawner.Spawn(jobDir, job.Type, spawnParams, time.Duration(job.Timeout)*time.Second)
	if err != nil {
		l.log.Warn("failed to start job", "job_id", job.ID, "error", err)
		now := time.Now().UTC()
		job.State = domain.JobFailed
		job.Result = "Job failed to start"
		job.StartDateActual = &now
		job.EndDate = &now
		if err := l.store.UpdateJob(ctx, job); err != nil {
			l.log.Error("failed to update job", "job_id", job.ID, "error", err)
		}
		if job.HasResources() {
			l.resources.WaitPop(job)
		}
		return
	}

	now := time.Now().UTC()
	job.PID = pid
	job.State = domain.JobRunning
	job.Result = "Job is running"
	job.StartDateActual = &now
	if err := l.store.UpdateJob(ctx, job); err != nil {
		l.log.Error("failed to update job", "job_id", job.ID, "error", err)
	}

	l.resources.WaitPop(job)
	if err := l.resources.SetActive(job); err != nil {
		l.log.Error("failed to mark job active", "job_id", job.ID, "error", err)
	}
}
