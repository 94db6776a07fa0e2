package strategy

import (
	"context"

	"github.com/zjrosen/phonefleet/internal/orchestration"
	"github.com/zjrosen/phonefleet/internal/provider"
)

// Warmup strategy states.
const (
	StateStartApp    orchestration.JobState = "START_APP"
	StateStartWarmup orchestration.JobState = "START_WARMUP"
	StatePollWarmup  orchestration.JobState = "POLL_WARMUP"
)

// Warmup browses content to build account credibility. Post-login states:
// START_APP -> START_WARMUP -> POLL_WARMUP -> DONE.
type Warmup struct {
	cfg      orchestration.WorkflowConfig
	handlers map[orchestration.JobState]orchestration.StateHandler
}

// NewWarmup builds the warmup strategy for a run.
func NewWarmup(cfg orchestration.WorkflowConfig) *Warmup {
	s := &Warmup{cfg: cfg}
	s.handlers = map[orchestration.JobState]orchestration.StateHandler{
		StateStartApp:    s.handleStartApp,
		StateStartWarmup: s.handleStartWarmup,
		StatePollWarmup:  s.handlePollWarmup,
	}
	return s
}

func (s *Warmup) RequiresLogin() bool { return true }

func (s *Warmup) PostLoginState(_ *orchestration.PhoneJob) orchestration.JobState {
	return StateStartApp
}

func (s *Warmup) StateHandler(state orchestration.JobState) orchestration.StateHandler {
	return s.handlers[state]
}

func (s *Warmup) RetryableStates() map[orchestration.JobState]bool {
	return map[orchestration.JobState]bool{
		StateStartApp:    true,
		StateStartWarmup: true,
	}
}

func (s *Warmup) TotalSteps() int { return coreSteps + 3 }

func (s *Warmup) handleStartApp(ctx context.Context, jc *orchestration.JobContext) error {
	if err := jc.Client.StartApp(ctx, jc.EnvID, s.cfg.PackageName); err != nil {
		return err
	}
	jc.Log(orchestration.LogInfo, "app brought to foreground", nil)
	jc.TransitionTo(StateStartWarmup)
	return nil
}

func (s *Warmup) handleStartWarmup(ctx context.Context, jc *orchestration.JobContext) error {
	taskID, err := jc.Client.InstagramWarmup(ctx, jc.EnvID, s.cfg.Warmup)
	if err != nil {
		return err
	}
	jc.Update(func(job *orchestration.PhoneJob) { job.TaskIDs["warmup"] = taskID })
	jc.Log(orchestration.LogInfo, "warmup submitted", map[string]any{"taskId": taskID})
	jc.TransitionTo(StatePollWarmup)
	return nil
}

func (s *Warmup) handlePollWarmup(ctx context.Context, jc *orchestration.JobContext) error {
	taskID := jc.Job().TaskIDs["warmup"]

	record, err := jc.PollTask(ctx, taskID, "warmup", 0)
	if err != nil {
		return err
	}
	if record.Status != provider.TaskCompleted {
		cause := &orchestration.TaskFailedError{TaskID: taskID, Category: "warmup", FailDesc: record.FailDesc}
		return jc.RetryFrom(ctx, StateStartWarmup, cause)
	}

	jc.Log(orchestration.LogInfo, "warmup completed", nil)
	jc.TransitionTo(orchestration.StateDone)
	return nil
}
