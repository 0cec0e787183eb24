package backup

import (
	"sync"

	"github.com/google/uuid"
)

// JobState is the run state of a single job.
type JobState string

const (
	JobStateIdle      JobState = "idle"
	JobStateTriggered JobState = "triggered"
	JobStateRunning   JobState = "running"
)

// jobRun is the flag a job holds while it is triggered or running.
type jobRun struct {
	mu        sync.Mutex
	state     JobState
	historyID uuid.UUID
}

// jobStates holds one run flag per busy job. Claiming a flag only contends
// with other claims for the same job.
type jobStates struct {
	runs sync.Map // uuid.UUID -> *jobRun
}

// acquire moves the job from idle to triggered. It returns false if the job
// already holds a flag.
func (s *jobStates) acquire(jobID uuid.UUID) bool {
	_, loaded := s.runs.LoadOrStore(jobID, &jobRun{state: JobStateTriggered})
	return !loaded
}

// running records that the job's run is executing under historyID.
func (s *jobStates) running(jobID, historyID uuid.UUID) {
	v, ok := s.runs.Load(jobID)
	if !ok {
		return
	}
	run := v.(*jobRun)
	run.mu.Lock()
	run.state = JobStateRunning
	run.historyID = historyID
	run.mu.Unlock()
}

// release returns the job to idle.
func (s *jobStates) release(jobID uuid.UUID) {
	s.runs.Delete(jobID)
}

// state returns the job's current state.
func (s *jobStates) state(jobID uuid.UUID) JobState {
	v, ok := s.runs.Load(jobID)
	if !ok {
		return JobStateIdle
	}
	run := v.(*jobRun)
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.state
}

// busy returns the number of jobs currently holding a flag.
func (s *jobStates) busy() int {
	n := 0
	s.runs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
