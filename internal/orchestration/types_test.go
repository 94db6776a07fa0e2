package orchestration

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/phonefleet/internal/accounts"
	"github.com/zjrosen/phonefleet/internal/provider"
)

func TestWorkflowStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to WorkflowStatus
		want     bool
	}{
		{StatusIdle, StatusRunning, true},
		{StatusIdle, StatusStopped, false},
		{StatusRunning, StatusStopping, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusStopped, false},
		{StatusStopping, StatusStopped, true},
		{StatusStopping, StatusCompleted, false},
		{StatusStopped, StatusRunning, false},
		{StatusCompleted, StatusRunning, false},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestWorkflowStatusTerminalHasNoExits(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		statuses := []WorkflowStatus{StatusIdle, StatusRunning, StatusStopping, StatusStopped, StatusCompleted}
		from := rapid.SampledFrom(statuses).Draw(t, "from")
		to := rapid.SampledFrom(statuses).Draw(t, "to")

		if from.IsTerminal() {
			require.False(t, from.CanTransitionTo(to),
				"terminal status %s must not transition to %s", from, to)
		}
		if from.CanTransitionTo(to) {
			require.True(t, to.IsValid())
		}
	})
}

func TestJobStateIsTerminal(t *testing.T) {
	require.True(t, StateDone.IsTerminal())
	require.True(t, StateFailed.IsTerminal())
	require.False(t, StateInit.IsTerminal())
	require.False(t, StatePollLoginTask.IsTerminal())
	// Strategy-supplied states are never terminal
	require.False(t, JobState("SETUP_BIO").IsTerminal())
}

func TestWorkflowTypeIsValid(t *testing.T) {
	require.True(t, WorkflowWarmup.IsValid())
	require.True(t, WorkflowSetup.IsValid())
	require.True(t, WorkflowPost.IsValid())
	require.True(t, WorkflowCustom.IsValid())
	require.False(t, WorkflowType("").IsValid())
	require.False(t, WorkflowType("turbo").IsValid())
}

func TestPhoneJobCloneIsIndependent(t *testing.T) {
	job := NewPhoneJob(
		provider.Phone{EnvID: "env-1", Name: "phone-1"},
		accounts.Account{Username: "jdoe", Password: "pw"},
		10,
	)
	job.Attempts[StateLogin] = 1
	job.TaskIDs["login"] = "task-1"

	clone := job.Clone()
	clone.Attempts[StateLogin] = 9
	clone.TaskIDs["login"] = "task-9"
	clone.Screenshots = append(clone.Screenshots, Screenshot{Label: "x"})

	require.Equal(t, 1, job.Attempts[StateLogin])
	require.Equal(t, "task-1", job.TaskIDs["login"])
	require.Empty(t, job.Screenshots)
}
