package orchestration

import (
	"context"
	"time"

	"github.com/zjrosen/phonefleet/internal/log"
	"github.com/zjrosen/phonefleet/internal/provider"
)

// StateHandler executes one state of a job. Handlers transition the job via
// the context; returning an error hands control to the executor's retry and
// failure classification.
type StateHandler func(ctx context.Context, jc *JobContext) error

// Strategy supplies the post-login behavior for one workflow type.
type Strategy interface {
	// RequiresLogin reports whether the core login states run at all.
	RequiresLogin() bool
	// PostLoginState is the state entered after a successful login, or
	// after app confirmation when no login is required.
	PostLoginState(job *PhoneJob) JobState
	// StateHandler returns the handler for a strategy state, or nil to
	// fall through to the core handlers.
	StateHandler(state JobState) StateHandler
	// RetryableStates lists strategy states eligible for retry+backoff.
	RetryableStates() map[JobState]bool
	// TotalSteps is the progress denominator including the core states.
	TotalSteps() int
}

// JobContext is the per-job façade handed to state handlers.
type JobContext struct {
	Client ProviderClient
	Config WorkflowConfig

	EnvID     string
	PhoneName string

	store     *Store
	retryable map[JobState]bool

	// transitioned records whether the current handler moved the job, so
	// the executor can detect handlers that stall.
	transitioned bool
}

// NewJobContext binds a job to the run's client, config, and store.
func NewJobContext(client ProviderClient, cfg WorkflowConfig, store *Store, envID, phoneName string, retryable map[JobState]bool) *JobContext {
	return &JobContext{
		Client:    client,
		Config:    cfg,
		EnvID:     envID,
		PhoneName: phoneName,
		store:     store,
		retryable: retryable,
	}
}

// Job returns a snapshot of the job record.
func (jc *JobContext) Job() PhoneJob {
	job, _ := jc.store.Job(jc.EnvID)
	return job
}

// Update applies fn to the job under the store lock.
func (jc *JobContext) Update(fn func(*PhoneJob)) {
	if err := jc.store.UpdateJob(jc.EnvID, fn); err != nil {
		log.ErrorErr(log.CatOrch, "job update failed", err, "envId", jc.EnvID)
	}
}

// Log writes a run log entry tagged with the job's identity.
func (jc *JobContext) Log(level LogLevel, message string, details map[string]any) {
	jc.store.AppendLog(LogEntry{
		Level:     level,
		Message:   message,
		EnvID:     jc.EnvID,
		PhoneName: jc.PhoneName,
		Details:   details,
	})
}

// TransitionTo moves the job to the given state and bumps progress. The
// restart branch and stage retries revisit states, so progress never runs
// past the denominator.
func (jc *JobContext) TransitionTo(state JobState) {
	jc.transitioned = true
	jc.Update(func(job *PhoneJob) {
		job.State = state
		if state == StateDone {
			now := time.Now()
			job.CompletedAt = &now
			job.CurrentStep = job.TotalSteps
		} else if !state.IsTerminal() && job.CurrentStep < job.TotalSteps {
			job.CurrentStep++
		}
	})
}

// TransitionToFailed marks the job failed with the given reason.
func (jc *JobContext) TransitionToFailed(reason string) {
	jc.transitioned = true
	jc.Update(func(job *PhoneJob) {
		job.State = StateFailed
		job.Error = reason
		now := time.Now()
		job.CompletedAt = &now
	})
	jc.Log(LogError, "job failed", map[string]any{"reason": reason})
}

// SleepWithAbort suspends until the deadline or the run's cancellation.
func (jc *JobContext) SleepWithAbort(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ErrCancelled
	case <-timer.C:
		return nil
	}
}

// pollBudget resolves the budget for a task category.
func (jc *JobContext) pollBudget(category string, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if category == "publish" {
		if jc.Config.PublishPollTimeout > 0 {
			return jc.Config.PublishPollTimeout
		}
		return PublishPollBudget
	}
	return jc.Config.PollTimeout
}

// PollTask polls a task every PollInterval until it reaches a terminal
// status or the category budget expires. Transient query failures are
// logged and absorbed; only budget expiry and cancellation are errors.
func (jc *JobContext) PollTask(ctx context.Context, taskID, category string, override time.Duration) (provider.TaskRecord, error) {
	budget := jc.pollBudget(category, override)
	deadline := time.Now().Add(budget)

	for {
		if ctx.Err() != nil {
			return provider.TaskRecord{}, ErrCancelled
		}

		record, err := jc.Client.QueryTask(ctx, taskID)
		if err != nil {
			jc.Log(LogWarn, "task query failed, will retry", map[string]any{
				"taskId": taskID, "error": err.Error(),
			})
		} else if record.Status.IsTerminal() {
			return record, nil
		}

		if time.Now().After(deadline) {
			return provider.TaskRecord{}, &PollTimeoutError{TaskID: taskID, Category: category, Budget: budget}
		}
		if err := jc.SleepWithAbort(ctx, jc.Config.PollInterval); err != nil {
			return provider.TaskRecord{}, err
		}
	}
}

// WithRetry runs fn, retrying with exponential backoff while the state is
// retryable and the job's budget for it remains. Cancellation and errors
// marked fatal are never retried.
func (jc *JobContext) WithRetry(ctx context.Context, state JobState, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !jc.shouldRetry(ctx, state, err) {
			return err
		}

		attempt := jc.incrementAttempt(state)
		backoff := jc.Backoff(attempt)
		jc.Log(LogWarn, "retrying after failure", map[string]any{
			"state": string(state), "attempt": attempt, "backoff": backoff.String(), "error": err.Error(),
		})
		if sleepErr := jc.SleepWithAbort(ctx, backoff); sleepErr != nil {
			return sleepErr
		}
	}
}

// RetryFrom re-enters an earlier state if its retry budget remains,
// otherwise returns cause. Poll handlers use it to resubmit through their
// paired submit state.
func (jc *JobContext) RetryFrom(ctx context.Context, state JobState, cause error) error {
	if !jc.shouldRetry(ctx, state, cause) {
		return cause
	}

	attempt := jc.incrementAttempt(state)
	backoff := jc.Backoff(attempt)
	jc.Log(LogWarn, "task failed, retrying stage", map[string]any{
		"state": string(state), "attempt": attempt, "backoff": backoff.String(), "error": cause.Error(),
	})
	if err := jc.SleepWithAbort(ctx, backoff); err != nil {
		return err
	}
	jc.TransitionTo(state)
	return nil
}

func (jc *JobContext) shouldRetry(ctx context.Context, state JobState, err error) bool {
	if ctx.Err() != nil || err == ErrCancelled {
		return false
	}
	if IsFatal(err) || provider.IsPermanent(err) || IsPollTimeout(err) {
		return false
	}
	// Phone-not-running recovers through the restart branch, not retry
	if provider.IsPhoneNotRunning(err) {
		return false
	}
	if !jc.retryable[state] {
		return false
	}
	return jc.Job().Attempts[state] < jc.Config.MaxRetries
}

func (jc *JobContext) incrementAttempt(state JobState) int {
	var attempt int
	jc.Update(func(job *PhoneJob) {
		job.Attempts[state]++
		attempt = job.Attempts[state]
	})
	return attempt
}

// Backoff computes B * 2^(attempt-1).
func (jc *JobContext) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return jc.Config.BackoffBase << (attempt - 1)
}

// TakeScreenshot requests a labeled screenshot and records its URL on the
// job. Best effort: failures log a warning and never fail the job.
func (jc *JobContext) TakeScreenshot(ctx context.Context, label string) {
	taskID, err := jc.Client.RequestScreenshot(ctx, jc.EnvID)
	if err != nil {
		jc.Log(LogWarn, "screenshot request failed", map[string]any{"label": label, "error": err.Error()})
		return
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		result, err := jc.Client.GetScreenshotResult(ctx, taskID)
		if err == nil && result.Status == provider.TaskCompleted && result.DownloadURL != "" {
			jc.Update(func(job *PhoneJob) {
				job.Screenshots = append(job.Screenshots, Screenshot{
					Label:     label,
					URL:       result.DownloadURL,
					Timestamp: time.Now(),
				})
			})
			jc.Log(LogDebug, "screenshot captured", map[string]any{"label": label})
			return
		}
		if err == nil && result.Status == provider.TaskFailed {
			jc.Log(LogWarn, "screenshot capture failed", map[string]any{"label": label})
			return
		}

		if time.Now().After(deadline) {
			jc.Log(LogWarn, "screenshot timed out", map[string]any{"label": label})
			return
		}
		if jc.SleepWithAbort(ctx, 2*time.Second) != nil {
			return
		}
	}
}
