package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/zjrosen/phonefleet/internal/accounts"
	"github.com/zjrosen/phonefleet/internal/orchestration"
	"github.com/zjrosen/phonefleet/internal/provider"
)

// setupStep is one profile-configuration task: a custom flow gated on a
// configured flow id and the account data it needs.
type setupStep struct {
	name        string
	submitState orchestration.JobState
	pollState   orchestration.JobState
	ready       func(a accounts.Account) bool
	params      func(job orchestration.PhoneJob) map[string]string
}

func newSetupStep(name string, ready func(accounts.Account) bool, params func(orchestration.PhoneJob) map[string]string) setupStep {
	upper := strings.ToUpper(name)
	return setupStep{
		name:        name,
		submitState: orchestration.JobState("SETUP_" + upper),
		pollState:   orchestration.JobState("POLL_SETUP_" + upper),
		ready:       ready,
		params:      params,
	}
}

// StepRenameUsername and friends name the setup task palette. The custom
// workflow selects an ordered subset by these names.
const (
	StepRenameUsername  = "rename_username"
	StepEditDisplayName = "edit_display_name"
	StepProfilePicture  = "profile_picture"
	StepBio             = "bio"
	StepPost1           = "post1"
	StepPost2           = "post2"
	StepHighlight       = "highlight"
	StepPrivateAccount  = "private_account"
	StepEnable2FA       = "enable_2fa"
)

func always(accounts.Account) bool { return true }

func noParams(orchestration.PhoneJob) map[string]string { return map[string]string{} }

// setupStepTable returns the full palette in the fixed setup order.
func setupStepTable() []setupStep {
	postParams := func(index int) func(orchestration.PhoneJob) map[string]string {
		return func(job orchestration.PhoneJob) map[string]string {
			post := job.Account.Posts[index]
			return map[string]string{
				"description": post.Description,
				"mediaUrls":   strings.Join(post.MediaURLs, ","),
			}
		}
	}

	return []setupStep{
		newSetupStep(StepRenameUsername,
			func(a accounts.Account) bool { return a.Setup.NewUsername != "" },
			func(job orchestration.PhoneJob) map[string]string {
				username := job.CurrentUsername
				if username == "" {
					username = job.Account.Setup.NewUsername
				}
				return map[string]string{"username": username}
			}),
		newSetupStep(StepEditDisplayName,
			func(a accounts.Account) bool { return a.Setup.NewDisplayName != "" },
			func(job orchestration.PhoneJob) map[string]string {
				return map[string]string{"displayName": job.Account.Setup.NewDisplayName}
			}),
		newSetupStep(StepProfilePicture,
			func(a accounts.Account) bool { return a.Setup.ProfilePictureURL != "" },
			func(job orchestration.PhoneJob) map[string]string {
				return map[string]string{"imageUrl": job.Account.Setup.ProfilePictureURL}
			}),
		newSetupStep(StepBio,
			func(a accounts.Account) bool { return a.Setup.Bio != "" },
			func(job orchestration.PhoneJob) map[string]string {
				return map[string]string{"bio": job.Account.Setup.Bio}
			}),
		newSetupStep(StepPost1,
			func(a accounts.Account) bool { return len(a.Posts) >= 1 },
			postParams(0)),
		newSetupStep(StepPost2,
			func(a accounts.Account) bool { return len(a.Posts) >= 2 },
			postParams(1)),
		newSetupStep(StepHighlight,
			func(a accounts.Account) bool {
				return a.Setup.HighlightTitle != "" && a.Setup.HighlightCoverURL != ""
			},
			func(job orchestration.PhoneJob) map[string]string {
				return map[string]string{
					"title":    job.Account.Setup.HighlightTitle,
					"coverUrl": job.Account.Setup.HighlightCoverURL,
				}
			}),
		newSetupStep(StepPrivateAccount, always, noParams),
		newSetupStep(StepEnable2FA, always, noParams),
	}
}

// FlowStrategy runs an ordered list of setup steps, each submitted as a
// custom flow task and polled to completion. A step whose flow id or data
// is missing is skipped. The custom workflow additionally retries a taken
// username with generated alternatives, outside the retry budget.
type FlowStrategy struct {
	cfg                orchestration.WorkflowConfig
	steps              []setupStep
	smartUsernameRetry bool

	handlers  map[orchestration.JobState]orchestration.StateHandler
	retryable map[orchestration.JobState]bool
}

// NewSetup builds the fixed-order setup strategy.
func NewSetup(cfg orchestration.WorkflowConfig) *FlowStrategy {
	return newFlowStrategy(cfg, setupStepTable(), false)
}

// NewCustom builds a strategy running the user-selected subset of the
// setup palette in the requested order.
func NewCustom(cfg orchestration.WorkflowConfig) (*FlowStrategy, error) {
	if len(cfg.CustomTaskOrder) == 0 {
		return nil, fmt.Errorf("custom workflow requires customTaskOrder")
	}

	palette := make(map[string]setupStep, len(setupStepTable()))
	for _, step := range setupStepTable() {
		palette[step.name] = step
	}

	steps := make([]setupStep, 0, len(cfg.CustomTaskOrder))
	seen := make(map[string]bool)
	for _, name := range cfg.CustomTaskOrder {
		step, ok := palette[name]
		if !ok {
			return nil, fmt.Errorf("unknown custom task %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate custom task %q", name)
		}
		seen[name] = true
		steps = append(steps, step)
	}

	return newFlowStrategy(cfg, steps, true), nil
}

func newFlowStrategy(cfg orchestration.WorkflowConfig, steps []setupStep, smartUsernameRetry bool) *FlowStrategy {
	s := &FlowStrategy{
		cfg:                cfg,
		steps:              steps,
		smartUsernameRetry: smartUsernameRetry,
		handlers:           make(map[orchestration.JobState]orchestration.StateHandler, len(steps)*2),
		retryable:          make(map[orchestration.JobState]bool, len(steps)),
	}
	for i := range steps {
		s.handlers[steps[i].submitState] = s.submitHandler(i)
		s.handlers[steps[i].pollState] = s.pollHandler(i)
		s.retryable[steps[i].submitState] = true
	}
	return s
}

func (s *FlowStrategy) RequiresLogin() bool { return true }

func (s *FlowStrategy) PostLoginState(_ *orchestration.PhoneJob) orchestration.JobState {
	return s.steps[0].submitState
}

func (s *FlowStrategy) StateHandler(state orchestration.JobState) orchestration.StateHandler {
	return s.handlers[state]
}

func (s *FlowStrategy) RetryableStates() map[orchestration.JobState]bool {
	return s.retryable
}

func (s *FlowStrategy) TotalSteps() int { return coreSteps + 2*len(s.steps) }

// nextState is the submit state of the following step, or DONE.
func (s *FlowStrategy) nextState(i int) orchestration.JobState {
	if i+1 < len(s.steps) {
		return s.steps[i+1].submitState
	}
	return orchestration.StateDone
}

func (s *FlowStrategy) submitHandler(i int) orchestration.StateHandler {
	step := s.steps[i]

	return func(ctx context.Context, jc *orchestration.JobContext) error {
		job := jc.Job()

		flowID := s.cfg.SetupFlowIDs[step.name]
		if flowID == "" {
			jc.Log(orchestration.LogDebug, "step skipped, no flow configured", map[string]any{"step": step.name})
			jc.TransitionTo(s.nextState(i))
			return nil
		}
		if !step.ready(job.Account) {
			jc.Log(orchestration.LogDebug, "step skipped, no data for account", map[string]any{"step": step.name})
			jc.TransitionTo(s.nextState(i))
			return nil
		}

		taskID, err := jc.Client.CreateCustomTask(ctx, jc.EnvID, flowID, step.params(job))
		if err != nil {
			return err
		}

		jc.Update(func(job *orchestration.PhoneJob) { job.TaskIDs[step.name] = taskID })
		jc.Log(orchestration.LogInfo, "step submitted", map[string]any{"step": step.name, "taskId": taskID})
		jc.TransitionTo(step.pollState)
		return nil
	}
}

func (s *FlowStrategy) pollHandler(i int) orchestration.StateHandler {
	step := s.steps[i]

	return func(ctx context.Context, jc *orchestration.JobContext) error {
		taskID := jc.Job().TaskIDs[step.name]

		record, err := jc.PollTask(ctx, taskID, step.name, 0)
		if err != nil {
			return err
		}

		if record.Status == provider.TaskCompleted {
			jc.Log(orchestration.LogInfo, "step completed", map[string]any{"step": step.name})
			jc.TransitionTo(s.nextState(i))
			return nil
		}

		if s.smartUsernameRetry && step.name == StepRenameUsername && IsUsernameTaken(record.FailDesc) {
			return s.retryUsername(jc, step)
		}

		cause := &orchestration.TaskFailedError{TaskID: taskID, Category: step.name, FailDesc: record.FailDesc}
		return jc.RetryFrom(ctx, step.submitState, cause)
	}
}

// retryUsername advances to the next generated candidate and resubmits the
// rename. These attempts never count against the retry budget.
func (s *FlowStrategy) retryUsername(jc *orchestration.JobContext, step setupStep) error {
	jc.Update(func(job *orchestration.PhoneJob) {
		if len(job.UsernameCandidates) == 0 {
			job.OriginalUsername = job.Account.Setup.NewUsername
			job.UsernameCandidates = GenerateUsernameCandidates(
				job.Account.Setup.NewDisplayName, job.Account.Setup.NewUsername)
			job.AttemptedUsernames = make(map[string]bool)
		}
		current := job.CurrentUsername
		if current == "" {
			current = job.OriginalUsername
		}
		job.AttemptedUsernames[current] = true
	})

	job := jc.Job()
	var next string
	for _, candidate := range job.UsernameCandidates {
		if !job.AttemptedUsernames[candidate] {
			next = candidate
			break
		}
	}
	if next == "" {
		return orchestration.Fatal(fmt.Errorf(
			"all %d username candidates are taken", len(job.UsernameCandidates)))
	}

	jc.Update(func(job *orchestration.PhoneJob) { job.CurrentUsername = next })
	jc.Log(orchestration.LogInfo, "username taken, trying alternative", map[string]any{"username": next})
	jc.TransitionTo(step.submitState)
	return nil
}
