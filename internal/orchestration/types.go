// Package orchestration drives fleets of cloud phones through multi-step
// automation workflows. It owns the run's authoritative state (Store), the
// typed event bus (Bus), the per-job execution context and state machine
// executor, and the scheduler (Orchestrator) that bounds concurrency and
// aggregates results.
package orchestration

import (
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/phonefleet/internal/accounts"
	"github.com/zjrosen/phonefleet/internal/provider"
)

// RunID uniquely identifies one workflow run.
type RunID string

// NewRunID generates a new unique RunID using UUID v4.
func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// String returns the string representation of the RunID.
func (id RunID) String() string {
	return string(id)
}

// WorkflowStatus is the lifecycle state of the whole run.
// Valid transitions:
//
//	idle      -> running
//	running   -> stopping, completed
//	stopping  -> stopped
//	completed -> (terminal; clear resets to idle)
//	stopped   -> (terminal; clear resets to idle)
type WorkflowStatus string

const (
	StatusIdle      WorkflowStatus = "idle"
	StatusRunning   WorkflowStatus = "running"
	StatusStopping  WorkflowStatus = "stopping"
	StatusStopped   WorkflowStatus = "stopped"
	StatusCompleted WorkflowStatus = "completed"
)

// validStatusTransitions defines the allowed status transitions.
// The key is the current status, the value is a set of valid targets.
var validStatusTransitions = map[WorkflowStatus]map[WorkflowStatus]bool{
	StatusIdle: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusStopping:  true,
		StatusCompleted: true,
	},
	StatusStopping: {
		StatusStopped: true,
	},
	// Terminal states have no valid transitions; clear() resets to idle
	StatusStopped:   {},
	StatusCompleted: {},
}

// String returns the string representation of the WorkflowStatus.
func (s WorkflowStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized WorkflowStatus value.
func (s WorkflowStatus) IsValid() bool {
	_, ok := validStatusTransitions[s]
	return ok
}

// IsTerminal returns true for stopped and completed.
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusStopped || s == StatusCompleted
}

// CanTransitionTo returns true if moving from the current status to the
// target is valid according to the run state machine.
func (s WorkflowStatus) CanTransitionTo(target WorkflowStatus) bool {
	allowed, ok := validStatusTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// JobState is one step in a job's state machine. Core states run identically
// for every workflow type; strategy states are supplied per workflow.
type JobState string

// Core states.
const (
	StateInit                JobState = "INIT"
	StateStartEnv            JobState = "START_ENV"
	StateConfirmEnvRunning   JobState = "CONFIRM_ENV_RUNNING"
	StateRestartEnv          JobState = "RESTART_ENV"
	StateInstallApp          JobState = "INSTALL_APP"
	StateConfirmAppInstalled JobState = "CONFIRM_APP_INSTALLED"
	StateLogin               JobState = "LOGIN"
	StatePollLoginTask       JobState = "POLL_LOGIN_TASK"
	StateDone                JobState = "DONE"
	StateFailed              JobState = "FAILED"
)

// IsTerminal reports whether the job has finished, successfully or not.
func (s JobState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// LogLevel is the severity of a workflow log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one user-facing line of run output, kept in the store's ring
// and streamed over the log topic.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	EnvID     string         `json:"envId,omitempty"`
	PhoneName string         `json:"phoneName,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Screenshot is one captured screen image attached to a job.
type Screenshot struct {
	Label     string    `json:"label"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

// PhoneJob tracks one workflow execution against one (phone, account) pair.
type PhoneJob struct {
	// Identity
	EnvID     string           `json:"envId"`
	PhoneName string           `json:"phoneName"`
	Account   accounts.Account `json:"-"`
	Username  string           `json:"username"`

	// Execution state
	State       JobState         `json:"state"`
	Attempts    map[JobState]int `json:"attempts,omitempty"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	Error       string           `json:"error,omitempty"`

	// Task handles keyed by stage (login, warmup, post1, rename_username, ...)
	TaskIDs map[string]string `json:"taskIds,omitempty"`

	// Progress
	CurrentStep int `json:"currentStep"`
	TotalSteps  int `json:"totalSteps"`

	// ResumeState is where execution continues after an environment
	// restart triggered by a phone-not-running failure.
	ResumeState JobState `json:"-"`

	Screenshots []Screenshot `json:"screenshots,omitempty"`

	// Username generation scratch for the custom strategy's smart retry
	UsernameCandidates []string        `json:"-"`
	AttemptedUsernames map[string]bool `json:"-"`
	CurrentUsername    string          `json:"-"`
	OriginalUsername   string          `json:"-"`
}

// NewPhoneJob creates a job in INIT for one phone/account pair.
func NewPhoneJob(phone provider.Phone, account accounts.Account, totalSteps int) *PhoneJob {
	return &PhoneJob{
		EnvID:      phone.EnvID,
		PhoneName:  phone.Name,
		Account:    account,
		Username:   account.Username,
		State:      StateInit,
		Attempts:   make(map[JobState]int),
		TaskIDs:    make(map[string]string),
		TotalSteps: totalSteps,
	}
}

// Clone returns a deep copy safe to hand to subscribers.
func (j *PhoneJob) Clone() PhoneJob {
	copied := *j

	copied.Attempts = make(map[JobState]int, len(j.Attempts))
	for k, v := range j.Attempts {
		copied.Attempts[k] = v
	}
	copied.TaskIDs = make(map[string]string, len(j.TaskIDs))
	for k, v := range j.TaskIDs {
		copied.TaskIDs[k] = v
	}
	copied.Screenshots = append([]Screenshot(nil), j.Screenshots...)
	copied.UsernameCandidates = append([]string(nil), j.UsernameCandidates...)
	copied.AttemptedUsernames = make(map[string]bool, len(j.AttemptedUsernames))
	for k, v := range j.AttemptedUsernames {
		copied.AttemptedUsernames[k] = v
	}

	return copied
}

// IsTerminal reports whether the job has reached DONE or FAILED.
func (j *PhoneJob) IsTerminal() bool {
	return j.State.IsTerminal()
}

// ResultsSummary is the per-run pass/fail aggregate.
type ResultsSummary struct {
	RunID     RunID `json:"runId"`
	Total     int   `json:"total"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	Pending   int   `json:"pending"`
}

// StatusChange is the payload of the workflow_status topic.
type StatusChange struct {
	RunID  RunID          `json:"runId,omitempty"`
	Status WorkflowStatus `json:"status"`
	Error  string         `json:"error,omitempty"`
}

// WorkflowType selects which strategy drives the post-login states.
type WorkflowType string

const (
	WorkflowWarmup WorkflowType = "warmup"
	WorkflowSetup  WorkflowType = "setup"
	WorkflowPost   WorkflowType = "post"
	WorkflowCustom WorkflowType = "custom"
)

// IsValid returns true for a recognized workflow type.
func (t WorkflowType) IsValid() bool {
	switch t {
	case WorkflowWarmup, WorkflowSetup, WorkflowPost, WorkflowCustom:
		return true
	}
	return false
}

// WorkflowConfig is immutable once a run starts.
type WorkflowConfig struct {
	APIToken     string
	GroupName    string
	Accounts     []accounts.Account
	AppVersionID string
	PackageName  string

	ConcurrencyLimit   int
	MaxRetries         int           // per-stage retry budget R
	BackoffBase        time.Duration // base B for B * 2^(attempt-1)
	PollInterval       time.Duration // poll period P
	PollTimeout        time.Duration // default poll budget T
	PublishPollTimeout time.Duration // budget for publish-category tasks

	WorkflowType          WorkflowType
	CustomLoginFlowID     string
	CustomLoginFlowParams map[string]string // param name -> account field key
	SetupFlowIDs          map[string]string // step name -> flow id
	CustomTaskOrder       []string          // ordered step subset for custom runs
	Warmup                provider.WarmupParams
}

// PublishPollBudget is the fixed budget for publish tasks when the config
// does not override it. Uploads plus provider-side transcoding routinely
// outlast the default poll window.
const PublishPollBudget = 900 * time.Second
