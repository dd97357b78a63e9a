// Package resourcemanager owns the in-memory wait queues and active-use
// maps that decide which waiting job may start next and which
// candidate reservations are even safe to accept. It is the only
// mutator of this state and is meant to be driven by a single
// goroutine (the scheduler loop); no internal locking is performed.
package resourcemanager

import (
	"fmt"
	"time"

	"github.com/tessia-project/jobscheduler/internal/domain"
)

// GracePeriod is added to every interval's end when checking for
// overlap, to account for worker startup/teardown time around the
// state machine's own declared timeout.
const GracePeriod = 300 * time.Second

type queueEntry struct {
	job  *domain.Job
	mode domain.ResourceMode
}

// Manager holds the wait queues (one ordered list per resource name)
// and the active-use maps (one exclusive holder, or a set of shared
// holders, per resource name).
type Manager struct {
	waitQueues      map[string][]queueEntry
	activeExclusive map[string]*domain.Job
	activeShared    map[string]map[string]*domain.Job // resource -> job id -> job
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{
		waitQueues:      make(map[string][]queueEntry),
		activeExclusive: make(map[string]*domain.Job),
		activeShared:    make(map[string]map[string]*domain.Job),
	}
}

// ValidateResources reports whether no resource name appears more than
// once across a job's exclusive and shared lists. Call this before
// Enqueue; every other operation assumes it already holds.
func ValidateResources(r domain.ResourceSet) bool {
	return r.Validate() == nil
}

// Enqueue inserts job into every resource queue it references, at the
// position fixed by the ordering predicate (see enqueuePosition).
// job.State must be WAITING.
func (m *Manager) Enqueue(job *domain.Job) error {
	if job.State != domain.JobWaiting {
		return fmt.Errorf("job %s in invalid state %q for enqueue", job.ID, job.State)
	}
	job.Resources.Each(func(resource string, mode domain.ResourceMode) {
		queue := m.waitQueues[resource]
		pos := enqueuePosition(queue, job)
		queue = append(queue, queueEntry{})
		copy(queue[pos+1:], queue[pos:])
		queue[pos] = queueEntry{job: job, mode: mode}
		m.waitQueues[resource] = queue
	})
	return nil
}

// enqueuePosition finds where job belongs in queue under the ordering
// predicate: start-dated jobs precede un-dated ones; among start-dated
// jobs, earlier start_date precedes; ties and un-dated jobs fall
// through to lower priority number, then earlier submit_date.
func enqueuePosition(queue []queueEntry, job *domain.Job) int {
	for i, entry := range queue {
		other := entry.job

		if job.StartDate != nil {
			if other.StartDate == nil {
				return i
			}
			if job.StartDate.Before(*other.StartDate) {
				return i
			}
			if job.StartDate.After(*other.StartDate) {
				continue
			}
			// equal start dates: fall through to priority/submit_date
		} else if other.StartDate != nil {
			continue
		}

		if job.Priority < other.Priority {
			return i
		}
		if job.Priority > other.Priority {
			continue
		}

		if job.SubmitDate.Before(other.SubmitDate) {
			return i
		}
	}
	return len(queue)
}

// WaitPop removes job from every queue that referenced it, eliding any
// queue that becomes empty.
func (m *Manager) WaitPop(job *domain.Job) {
	job.Resources.Each(func(resource string, _ domain.ResourceMode) {
		queue, ok := m.waitQueues[resource]
		if !ok {
			return
		}
		for i, entry := range queue {
			if entry.job.ID == job.ID {
				queue = append(queue[:i], queue[i+1:]...)
				break
			}
		}
		if len(queue) == 0 {
			delete(m.waitQueues, resource)
		} else {
			m.waitQueues[resource] = queue
		}
	})
}

// SetActive records job as holding its resources. job.State must be
// RUNNING or CLEANINGUP.
func (m *Manager) SetActive(job *domain.Job) error {
	if !job.State.IsActive() {
		return fmt.Errorf("job %s in invalid state %q for set_active", job.ID, job.State)
	}
	for _, resource := range job.Resources.Exclusive {
		m.activeExclusive[resource] = job
	}
	for _, resource := range job.Resources.Shared {
		if m.activeShared[resource] == nil {
			m.activeShared[resource] = make(map[string]*domain.Job)
		}
		m.activeShared[resource][job.ID] = job
	}
	return nil
}

// ActivePop removes job from the active maps, eliding any shared map
// that becomes empty.
func (m *Manager) ActivePop(job *domain.Job) {
	for _, resource := range job.Resources.Exclusive {
		delete(m.activeExclusive, resource)
	}
	for _, resource := range job.Resources.Shared {
		holders := m.activeShared[resource]
		delete(holders, job.ID)
		if len(holders) == 0 {
			delete(m.activeShared, resource)
		}
	}
}

// effectiveStart returns job.StartDate if set and in the future,
// otherwise now — this is the "S" used throughout overlap math for a
// candidate that has not started yet.
func effectiveStart(job *domain.Job, now time.Time) time.Time {
	if job.StartDate == nil || job.StartDate.Before(now) {
		return now
	}
	return *job.StartDate
}

// activeStart returns the real start instant of a job already holding
// resources. Every job reachable through the active maps was moved
// there by SetActive after Phase 3 stamped StartDateActual, so this is
// always populated — unlike StartDate, which is only the original
// reservation and is left nil for the common non-reserved job.
func activeStart(job *domain.Job) time.Time {
	if job.StartDateActual != nil {
		return *job.StartDateActual
	}
	return job.SubmitDate
}

// intervalsOverlap reports whether the closed intervals
// [startA, startA+timeoutA+grace] and [startB, startB+timeoutB+grace]
// overlap; touching endpoints count as overlap. A zero timeout means an
// open-ended interval.
func intervalsOverlap(startA, startB time.Time, timeoutA, timeoutB int) bool {
	endA := startA.Add(time.Duration(timeoutA)*time.Second + GracePeriod)
	endB := startB.Add(time.Duration(timeoutB)*time.Second + GracePeriod)

	switch {
	case timeoutA == 0 && timeoutB == 0:
		return true
	case timeoutA == 0:
		return !startA.After(endB)
	case timeoutB == 0:
		return !startB.After(endA)
	default:
		return !startA.After(endB) && !endA.Before(startB)
	}
}

// CanEnqueue reports whether job can be added to the wait queues
// without a guaranteed overlap against other start-dated commitments.
func (m *Manager) CanEnqueue(job *domain.Job, now time.Time) bool {
	if job.StartDate == nil {
		return true
	}
	if job.Timeout == 0 {
		return false
	}

	start := effectiveStart(job, now)

	for _, resource := range job.Resources.Exclusive {
		if other := m.activeExclusive[resource]; other != nil {
			if intervalsOverlap(start, activeStart(other), job.Timeout, other.Timeout) {
				return false
			}
		}
		for _, other := range m.activeShared[resource] {
			if intervalsOverlap(start, activeStart(other), job.Timeout, other.Timeout) {
				return false
			}
		}
	}
	for _, resource := range job.Resources.Shared {
		if other := m.activeExclusive[resource]; other != nil {
			if intervalsOverlap(start, activeStart(other), job.Timeout, other.Timeout) {
				return false
			}
		}
	}

	conflict := false
	job.Resources.Each(func(resource string, mode domain.ResourceMode) {
		if conflict {
			return
		}
		for _, entry := range m.waitQueues[resource] {
			if entry.job.StartDate == nil {
				break // queue is sorted start-dated-first
			}
			if mode == domain.ResourceShared && entry.mode == domain.ResourceShared {
				continue
			}
			otherStart := *entry.job.StartDate
			if otherStart.Before(now) {
				otherStart = now
			}
			if intervalsOverlap(start, otherStart, job.Timeout, entry.job.Timeout) {
				conflict = true
				return
			}
		}
	})
	return !conflict
}

// CanStart reports whether job is eligible to be dispatched right now.
func (m *Manager) CanStart(job *domain.Job, now time.Time) bool {
	if job.State != domain.JobWaiting {
		return false
	}
	if job.StartDate != nil && job.StartDate.After(now) {
		return false
	}

	for _, resource := range job.Resources.Exclusive {
		if m.activeExclusive[resource] != nil {
			return false
		}
		if len(m.activeShared[resource]) > 0 {
			return false
		}
	}
	for _, resource := range job.Resources.Shared {
		if m.activeExclusive[resource] != nil {
			return false
		}
	}

	if job.TimeSlot != domain.DefaultTimeSlot {
		return false
	}

	ok := true
	job.Resources.Each(func(resource string, mode domain.ResourceMode) {
		if !ok {
			return
		}
		if !m.canStartInQueue(job, mode, m.waitQueues[resource]) {
			ok = false
		}
	})
	return ok
}

// canStartInQueue walks one resource queue front to back and decides
// whether every entry ahead of job is either compatible (both shared)
// or a future start-dated job whose window job can fit entirely before
// (the only case a non-start-dated job may overtake a start-dated one).
func (m *Manager) canStartInQueue(job *domain.Job, mode domain.ResourceMode, queue []queueEntry) bool {
	if len(queue) == 0 {
		return false
	}

	fitsBefore := false
	first := queue[0].job
	if job.StartDate == nil && first.StartDate != nil && job.Timeout > 0 {
		end := time.Now().Add(time.Duration(job.Timeout)*time.Second + GracePeriod)
		if end.Before(*first.StartDate) {
			fitsBefore = true
		}
	}

	for _, entry := range queue {
		if entry.job.ID == job.ID {
			return true
		}
		if fitsBefore && entry.job.StartDate != nil {
			continue
		}
		if mode == domain.ResourceShared && entry.mode == domain.ResourceShared {
			continue
		}
		return false
	}

	return false
}
