package orchestration

import (
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/phonefleet/internal/log"
	"github.com/zjrosen/phonefleet/internal/pubsub"
)

// maxLogEntries bounds the store's log ring.
const maxLogEntries = 500

// Store is the single owner of run state: the jobs map, workflow status,
// timestamps, and the log ring. Executors run on separate goroutines, so
// every mutation goes through the store's mutex; each externally visible
// mutation publishes exactly one event on the corresponding topic.
type Store struct {
	mu sync.Mutex

	bus *Bus

	runID       RunID
	status      WorkflowStatus
	statusError string
	startedAt   *time.Time
	completedAt *time.Time

	jobs     map[string]*PhoneJob
	jobOrder []string // insertion order, for deterministic snapshots

	logs []LogEntry
}

// NewStore creates an idle store publishing on the given bus.
func NewStore(bus *Bus) *Store {
	return &Store{
		bus:    bus,
		status: StatusIdle,
		jobs:   make(map[string]*PhoneJob),
	}
}

// Status returns the current run status.
func (s *Store) Status() WorkflowStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RunID returns the identifier of the current (or last) run.
func (s *Store) RunID() RunID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// BeginRun transitions idle -> running and stamps the start time.
func (s *Store) BeginRun(runID RunID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.status.CanTransitionTo(StatusRunning) {
		return fmt.Errorf("cannot start run: status is %s", s.status)
	}

	now := time.Now()
	s.runID = runID
	s.status = StatusRunning
	s.statusError = ""
	s.startedAt = &now
	s.completedAt = nil

	s.publishStatusLocked()
	return nil
}

// SetStatus transitions the run status, enforcing the status DAG.
// Terminal targets stamp completedAt.
func (s *Store) SetStatus(target WorkflowStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.status.CanTransitionTo(target) {
		return fmt.Errorf("invalid status transition from %s to %s", s.status, target)
	}
	s.setStatusLocked(target, errMsg)
	return nil
}

// ForceStopped stamps the run stopped when the store believes a run is
// still active. Stop is idempotent and must repair a store that disagrees
// with reality, e.g. a status left running after the orchestrator is gone.
// A run that already finished (completed or stopped) is left as is.
func (s *Store) ForceStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusIdle || s.status.IsTerminal() {
		return
	}
	log.Warn(log.CatOrch, "forcing run status to stopped", "from", s.status)
	s.setStatusLocked(StatusStopped, "")
}

func (s *Store) setStatusLocked(target WorkflowStatus, errMsg string) {
	s.status = target
	s.statusError = errMsg
	if target.IsTerminal() {
		now := time.Now()
		s.completedAt = &now
	}
	s.publishStatusLocked()
}

func (s *Store) publishStatusLocked() {
	s.bus.Status.Publish(pubsub.UpdatedEvent, StatusChange{
		RunID:  s.runID,
		Status: s.status,
		Error:  s.statusError,
	})
}

// AddJob inserts a job record. Each envId may appear at most once per run.
func (s *Store) AddJob(job *PhoneJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.EnvID]; exists {
		return fmt.Errorf("job for env %s already exists", job.EnvID)
	}
	s.jobs[job.EnvID] = job
	s.jobOrder = append(s.jobOrder, job.EnvID)

	s.bus.PhoneUpdates.Publish(pubsub.CreatedEvent, job.Clone())
	return nil
}

// UpdateJob applies fn to the job under the store lock and publishes one
// phone_update with the resulting snapshot.
func (s *Store) UpdateJob(envID string, fn func(*PhoneJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[envID]
	if !ok {
		return fmt.Errorf("no job for env %s", envID)
	}
	fn(job)

	s.bus.PhoneUpdates.Publish(pubsub.UpdatedEvent, job.Clone())
	return nil
}

// Job returns a snapshot of one job.
func (s *Store) Job(envID string) (PhoneJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[envID]
	if !ok {
		return PhoneJob{}, false
	}
	return job.Clone(), true
}

// Jobs returns snapshots of every job in insertion order.
func (s *Store) Jobs() []PhoneJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobsLocked()
}

func (s *Store) jobsLocked() []PhoneJob {
	out := make([]PhoneJob, 0, len(s.jobOrder))
	for _, envID := range s.jobOrder {
		out = append(out, s.jobs[envID].Clone())
	}
	return out
}

// AppendLog adds an entry to the ring and publishes it on the log topic.
func (s *Store) AppendLog(entry LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxLogEntries {
		s.logs = s.logs[len(s.logs)-maxLogEntries:]
	}
	s.mu.Unlock()

	s.bus.Logs.Publish(pubsub.CreatedEvent, entry)
}

// Logs returns the most recent n entries, newest first.
func (s *Store) Logs(n int) []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.logs) {
		n = len(s.logs)
	}
	out := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = s.logs[len(s.logs)-1-i]
	}
	return out
}

// ResultsSummary computes the pass/fail aggregate over all jobs.
func (s *Store) ResultsSummary() ResultsSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resultsSummaryLocked()
}

func (s *Store) resultsSummaryLocked() ResultsSummary {
	summary := ResultsSummary{RunID: s.runID, Total: len(s.jobs)}
	for _, job := range s.jobs {
		switch job.State {
		case StateDone:
			summary.Completed++
		case StateFailed:
			summary.Failed++
		default:
			summary.Pending++
		}
	}
	return summary
}

// PublishResults emits the current summary on the results topic.
func (s *Store) PublishResults() {
	s.mu.Lock()
	summary := s.resultsSummaryLocked()
	s.mu.Unlock()

	s.bus.Results.Publish(pubsub.UpdatedEvent, summary)
}

// Snapshot is the full externally visible run state.
type Snapshot struct {
	RunID       RunID          `json:"runId,omitempty"`
	Status      WorkflowStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	Phones      []PhoneJob     `json:"phones"`
	Results     ResultsSummary `json:"results"`
	Logs        []LogEntry     `json:"logs"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// Snapshot returns the full run state with at most maxLogs log entries.
func (s *Store) Snapshot(maxLogs int) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.logs)
	if maxLogs > 0 && maxLogs < n {
		n = maxLogs
	}
	logs := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		logs[i] = s.logs[len(s.logs)-1-i]
	}

	return Snapshot{
		RunID:       s.runID,
		Status:      s.status,
		Error:       s.statusError,
		Phones:      s.jobsLocked(),
		Results:     s.resultsSummaryLocked(),
		Logs:        logs,
		StartedAt:   s.startedAt,
		CompletedAt: s.completedAt,
	}
}

// Reset empties the store and returns the status to idle. Refused while a
// run is active.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusRunning || s.status == StatusStopping {
		return fmt.Errorf("cannot clear while run is %s", s.status)
	}

	s.runID = ""
	s.status = StatusIdle
	s.statusError = ""
	s.startedAt = nil
	s.completedAt = nil
	s.jobs = make(map[string]*PhoneJob)
	s.jobOrder = nil
	s.logs = nil

	s.publishStatusLocked()
	return nil
}
