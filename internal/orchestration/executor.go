package orchestration

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/phonefleet/internal/log"
	"github.com/zjrosen/phonefleet/internal/provider"
	"github.com/zjrosen/phonefleet/internal/tracing"
)

// coreRetryableStates are the pre-login states every workflow may retry.
var coreRetryableStates = map[JobState]bool{
	StateStartEnv:   true,
	StateRestartEnv: true,
	StateInstallApp: true,
	StateLogin:      true,
}

// Executor runs one job's state machine to a terminal state.
type Executor struct {
	client   ProviderClient
	store    *Store
	cfg      WorkflowConfig
	strategy Strategy

	retryable map[JobState]bool
	core      map[JobState]StateHandler
	tracer    oteltrace.Tracer
}

// NewExecutor builds an executor for one run. The retryable set is the
// union of the core states and the strategy's states.
func NewExecutor(client ProviderClient, store *Store, cfg WorkflowConfig, strat Strategy) *Executor {
	retryable := make(map[JobState]bool, len(coreRetryableStates))
	for state := range coreRetryableStates {
		retryable[state] = true
	}
	for state := range strat.RetryableStates() {
		retryable[state] = true
	}

	e := &Executor{
		client:    client,
		store:     store,
		cfg:       cfg,
		strategy:  strat,
		retryable: retryable,
		tracer:    otel.Tracer("phonefleet"),
	}
	e.core = map[JobState]StateHandler{
		StateInit:                e.handleInit,
		StateStartEnv:            e.handleStartEnv,
		StateConfirmEnvRunning:   e.handleConfirmEnvRunning,
		StateRestartEnv:          e.handleRestartEnv,
		StateInstallApp:          e.handleInstallApp,
		StateConfirmAppInstalled: e.handleConfirmAppInstalled,
		StateLogin:               e.handleLogin,
		StatePollLoginTask:       e.handlePollLoginTask,
	}
	return e
}

// Run drives the job until DONE or FAILED. Each iteration checks
// cancellation, resolves the handler (strategy first, core fallback), runs
// it, and classifies any error into retry, restart, or failure.
func (e *Executor) Run(ctx context.Context, envID string) {
	job, ok := e.store.Job(envID)
	if !ok {
		log.Error(log.CatOrch, "executor started for unknown job", "envId", envID)
		return
	}

	jc := NewJobContext(e.client, e.cfg, e.store, envID, job.PhoneName, e.retryable)

	for {
		job = jc.Job()
		if job.State.IsTerminal() {
			return
		}
		if ctx.Err() != nil {
			jc.TransitionToFailed(ErrCancelled.Error())
			return
		}

		handler := e.strategy.StateHandler(job.State)
		if handler == nil {
			handler = e.core[job.State]
		}
		if handler == nil {
			jc.TransitionToFailed(fmt.Sprintf("no handler for state %s", job.State))
			return
		}

		stateCtx, span := e.tracer.Start(ctx, "job.state."+string(job.State),
			oteltrace.WithAttributes(
				attribute.String(tracing.AttrRunID, e.store.RunID().String()),
				attribute.String(tracing.AttrWorkflowType, string(e.cfg.WorkflowType)),
				attribute.String(tracing.AttrEnvID, envID),
				attribute.String(tracing.AttrJobState, string(job.State)),
				attribute.Int(tracing.AttrJobAttempt, job.Attempts[job.State]),
			))

		jc.transitioned = false
		err := handler(stateCtx, jc)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			e.classify(ctx, jc, job.State, err)
			continue
		}
		span.End()
		if !jc.transitioned {
			// A handler that neither moved nor failed would spin forever
			jc.TransitionToFailed(fmt.Sprintf("handler for state %s made no transition", job.State))
			return
		}
	}
}

// classify turns a handler error into the next move: cancellation, the
// environment restart branch, an in-state retry, or failure.
func (e *Executor) classify(ctx context.Context, jc *JobContext, state JobState, err error) {
	if ctx.Err() != nil || err == ErrCancelled {
		jc.TransitionToFailed(ErrCancelled.Error())
		return
	}

	// Phone died mid-flow: restart it and re-enter the originating state.
	// Does not consume a retry. The env states themselves are excluded so
	// a restart that keeps failing cannot loop.
	if provider.IsPhoneNotRunning(err) &&
		state != StateRestartEnv && state != StateConfirmEnvRunning && state != StateStartEnv {
		jc.Log(LogWarn, "phone not running, restarting environment", map[string]any{
			"state": string(state),
		})
		jc.Update(func(job *PhoneJob) { job.ResumeState = state })
		jc.TransitionTo(StateRestartEnv)
		return
	}

	if jc.shouldRetry(ctx, state, err) {
		attempt := jc.incrementAttempt(state)
		backoff := jc.Backoff(attempt)
		jc.Log(LogWarn, "state failed, backing off", map[string]any{
			"state": string(state), "attempt": attempt, "backoff": backoff.String(), "error": err.Error(),
		})
		if sleepErr := jc.SleepWithAbort(ctx, backoff); sleepErr != nil {
			jc.TransitionToFailed(ErrCancelled.Error())
		}
		// Re-run the same state on the next loop iteration
		return
	}

	jc.TakeScreenshot(ctx, "failure")
	jc.TransitionToFailed(err.Error())
}

func (e *Executor) handleInit(ctx context.Context, jc *JobContext) error {
	jc.Update(func(job *PhoneJob) {
		now := time.Now()
		job.StartedAt = &now
	})
	jc.Log(LogInfo, "starting workflow", map[string]any{
		"workflowType": string(e.cfg.WorkflowType),
	})
	jc.TransitionTo(StateStartEnv)
	return nil
}

func (e *Executor) handleStartEnv(ctx context.Context, jc *JobContext) error {
	if err := jc.Client.StartPhones(ctx, []string{jc.EnvID}); err != nil {
		return err
	}
	jc.Log(LogInfo, "phone start requested", nil)
	jc.TransitionTo(StateConfirmEnvRunning)
	return nil
}

func (e *Executor) handleRestartEnv(ctx context.Context, jc *JobContext) error {
	if err := jc.Client.RestartPhones(ctx, []string{jc.EnvID}); err != nil {
		return err
	}
	jc.Log(LogInfo, "phone restart requested", nil)
	jc.TransitionTo(StateConfirmEnvRunning)
	return nil
}

// handleConfirmEnvRunning polls the phone status until STARTED or the poll
// budget runs out. After a restart branch it resumes the interrupted state.
func (e *Executor) handleConfirmEnvRunning(ctx context.Context, jc *JobContext) error {
	deadline := time.Now().Add(jc.Config.PollTimeout)

	for {
		status, err := jc.Client.GetPhoneStatus(ctx, jc.EnvID)
		if err != nil {
			jc.Log(LogWarn, "status check failed, will retry", map[string]any{"error": err.Error()})
		} else if status == provider.PhoneStarted {
			resume := jc.Job().ResumeState
			if resume != "" {
				jc.Update(func(job *PhoneJob) { job.ResumeState = "" })
				jc.Log(LogInfo, "phone running, resuming", map[string]any{"state": string(resume)})
				jc.TransitionTo(resume)
			} else {
				jc.Log(LogInfo, "phone running", nil)
				jc.TransitionTo(StateInstallApp)
			}
			return nil
		}

		if time.Now().After(deadline) {
			return Fatal(fmt.Errorf("phone did not start within %s", jc.Config.PollTimeout))
		}
		if err := jc.SleepWithAbort(ctx, jc.Config.PollInterval); err != nil {
			return err
		}
	}
}

func (e *Executor) handleInstallApp(ctx context.Context, jc *JobContext) error {
	err := jc.Client.InstallApp(ctx, []string{jc.EnvID}, e.cfg.AppVersionID)
	if err != nil && !provider.IsHigherVersionInstalled(err) {
		return err
	}
	if provider.IsHigherVersionInstalled(err) {
		jc.Log(LogInfo, "newer app version already installed", nil)
	} else {
		jc.Log(LogInfo, "app install requested", map[string]any{"appVersionId": e.cfg.AppVersionID})
	}
	jc.TransitionTo(StateConfirmAppInstalled)
	return nil
}

// handleConfirmAppInstalled polls the installed-app list until the target
// build (by version id or package name) shows up.
func (e *Executor) handleConfirmAppInstalled(ctx context.Context, jc *JobContext) error {
	deadline := time.Now().Add(jc.Config.PollTimeout)

	for {
		apps, err := jc.Client.ListInstalledApps(ctx, jc.EnvID)
		if err != nil {
			if provider.IsPhoneNotRunning(err) {
				return err
			}
			jc.Log(LogWarn, "installed-app check failed, will retry", map[string]any{"error": err.Error()})
		} else {
			for _, app := range apps {
				if app.AppVersionID == e.cfg.AppVersionID ||
					(e.cfg.PackageName != "" && app.PackageName == e.cfg.PackageName) {
					jc.Log(LogInfo, "app installed", map[string]any{"packageName": app.PackageName})
					if e.strategy.RequiresLogin() {
						jc.TransitionTo(StateLogin)
					} else {
						snapshot := jc.Job()
						jc.TransitionTo(e.strategy.PostLoginState(&snapshot))
					}
					return nil
				}
			}
		}

		if time.Now().After(deadline) {
			return Fatal(fmt.Errorf("app was not installed within %s", jc.Config.PollTimeout))
		}
		if err := jc.SleepWithAbort(ctx, jc.Config.PollInterval); err != nil {
			return err
		}
	}
}

// handleLogin submits the login task: a custom flow when one is configured,
// otherwise the stock Instagram login.
func (e *Executor) handleLogin(ctx context.Context, jc *JobContext) error {
	job := jc.Job()

	var taskID string
	var err error
	if e.cfg.CustomLoginFlowID != "" {
		params := make(map[string]string, len(e.cfg.CustomLoginFlowParams))
		for param, field := range e.cfg.CustomLoginFlowParams {
			switch field {
			case "username":
				params[param] = job.Account.Username
			case "password":
				params[param] = job.Account.Password
			default:
				params[param] = field
			}
		}
		taskID, err = jc.Client.CreateCustomTask(ctx, jc.EnvID, e.cfg.CustomLoginFlowID, params)
	} else {
		taskID, err = jc.Client.InstagramLogin(ctx, jc.EnvID, job.Account.Username, job.Account.Password)
	}
	if err != nil {
		return err
	}

	jc.Update(func(job *PhoneJob) { job.TaskIDs["login"] = taskID })
	jc.Log(LogInfo, "login submitted", map[string]any{"taskId": taskID})
	jc.TransitionTo(StatePollLoginTask)
	return nil
}

// handlePollLoginTask polls the login task. A failed login retries through
// LOGIN against that stage's budget.
func (e *Executor) handlePollLoginTask(ctx context.Context, jc *JobContext) error {
	taskID := jc.Job().TaskIDs["login"]
	oteltrace.SpanFromContext(ctx).SetAttributes(attribute.String(tracing.AttrTaskID, taskID))

	record, err := jc.PollTask(ctx, taskID, "login", 0)
	if err != nil {
		return err
	}

	if record.Status != provider.TaskCompleted {
		cause := &TaskFailedError{TaskID: taskID, Category: "login", FailDesc: record.FailDesc}
		return jc.RetryFrom(ctx, StateLogin, cause)
	}

	jc.Log(LogInfo, "login completed", nil)
	snapshot := jc.Job()
	jc.TransitionTo(e.strategy.PostLoginState(&snapshot))
	return nil
}
