// Package strategy supplies the post-login behavior for each workflow
// type. A strategy is a table of state handlers composed with the core
// pre-login states by lookup-then-fallback.
package strategy

import (
	"fmt"

	"github.com/zjrosen/phonefleet/internal/orchestration"
)

// coreSteps counts the pre-login transitions every job makes
// (INIT through POLL_LOGIN_TASK), used as the base of the progress
// denominator.
const coreSteps = 7

// ForConfig resolves the strategy for a run's workflow type.
func ForConfig(cfg orchestration.WorkflowConfig) (orchestration.Strategy, error) {
	switch cfg.WorkflowType {
	case orchestration.WorkflowWarmup:
		return NewWarmup(cfg), nil
	case orchestration.WorkflowPost:
		return NewPost(cfg), nil
	case orchestration.WorkflowSetup:
		return NewSetup(cfg), nil
	case orchestration.WorkflowCustom:
		return NewCustom(cfg)
	default:
		return nil, fmt.Errorf("unknown workflow type %q", cfg.WorkflowType)
	}
}
