package strategy

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zjrosen/phonefleet/internal/accounts"
	"github.com/zjrosen/phonefleet/internal/orchestration"
	"github.com/zjrosen/phonefleet/internal/provider"
)

// Post strategy states.
const (
	StatePublishPost1 orchestration.JobState = "PUBLISH_POST_1"
	StatePollPost1    orchestration.JobState = "POLL_POST_1"
	StatePublishPost2 orchestration.JobState = "PUBLISH_POST_2"
	StatePollPost2    orchestration.JobState = "POLL_POST_2"
)

// appLaunchDelay is how long to wait after bringing the app to the
// foreground before the first publish.
const appLaunchDelay = 3 * time.Second

// MediaUnreachableError reports media URLs whose preflight check failed.
// It is fatal for the job: retrying a publish with a dead URL cannot help.
type MediaUnreachableError struct {
	URLs []string
}

func (e *MediaUnreachableError) Error() string {
	return "media unreachable: " + strings.Join(e.URLs, ", ")
}

// URLChecker validates that a media URL is fetchable.
type URLChecker func(ctx context.Context, url string) error

// headCheck is the default checker: a HEAD request expecting 2xx.
func headCheck(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HEAD %s: HTTP %d", url, resp.StatusCode)
	}
	return nil
}

// PostOption configures the post strategy.
type PostOption func(*Post)

// WithURLChecker replaces the media preflight check.
func WithURLChecker(check URLChecker) PostOption {
	return func(s *Post) { s.checkURL = check }
}

// Post publishes up to two pieces of content per account. Post-login
// states: PUBLISH_POST_1 -> POLL_POST_1 [-> PUBLISH_POST_2 -> POLL_POST_2]
// -> DONE. Every media URL is preflighted before any publish RPC.
type Post struct {
	cfg      orchestration.WorkflowConfig
	checkURL URLChecker
	handlers map[orchestration.JobState]orchestration.StateHandler
}

// NewPost builds the post strategy for a run.
func NewPost(cfg orchestration.WorkflowConfig, opts ...PostOption) *Post {
	s := &Post{cfg: cfg, checkURL: headCheck}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = map[orchestration.JobState]orchestration.StateHandler{
		StatePublishPost1: s.publishHandler(0, StatePollPost1, true),
		StatePollPost1:    s.pollHandler(0, StatePublishPost1, StatePublishPost2),
		StatePublishPost2: s.publishHandler(1, StatePollPost2, false),
		StatePollPost2:    s.pollHandler(1, StatePublishPost2, ""),
	}
	return s
}

func (s *Post) RequiresLogin() bool { return true }

func (s *Post) PostLoginState(_ *orchestration.PhoneJob) orchestration.JobState {
	return StatePublishPost1
}

func (s *Post) StateHandler(state orchestration.JobState) orchestration.StateHandler {
	return s.handlers[state]
}

func (s *Post) RetryableStates() map[orchestration.JobState]bool {
	return map[orchestration.JobState]bool{
		StatePublishPost1: true,
		StatePublishPost2: true,
	}
}

func (s *Post) TotalSteps() int { return coreSteps + 4 }

// validateMedia preflights every URL of a post and collects the failures.
func (s *Post) validateMedia(ctx context.Context, post accounts.Post) error {
	var bad []string
	for _, url := range post.MediaURLs {
		if err := s.checkURL(ctx, url); err != nil {
			bad = append(bad, url)
		}
	}
	if len(bad) > 0 {
		return orchestration.Fatal(&MediaUnreachableError{URLs: bad})
	}
	return nil
}

// publishHandler submits post[index]. The first publish brings the app to
// the foreground and waits for it to settle.
func (s *Post) publishHandler(index int, pollState orchestration.JobState, firstPublish bool) orchestration.StateHandler {
	stage := fmt.Sprintf("post%d", index+1)

	return func(ctx context.Context, jc *orchestration.JobContext) error {
		job := jc.Job()
		if index >= len(job.Account.Posts) {
			jc.Log(orchestration.LogWarn, "no post configured, finishing", map[string]any{"stage": stage})
			jc.TransitionTo(orchestration.StateDone)
			return nil
		}
		post := job.Account.Posts[index]

		if err := s.validateMedia(ctx, post); err != nil {
			return err
		}

		if firstPublish {
			if err := jc.Client.StartApp(ctx, jc.EnvID, s.cfg.PackageName); err != nil {
				return err
			}
			if err := jc.SleepWithAbort(ctx, appLaunchDelay); err != nil {
				return err
			}
		}

		var taskID string
		var err error
		switch post.Type {
		case "video":
			taskID, err = jc.Client.InstagramPublishReelsVideo(ctx, jc.EnvID, post.Description, post.MediaURLs[0])
		case "image":
			taskID, err = jc.Client.InstagramPublishReelsImages(ctx, jc.EnvID, post.Description, post.MediaURLs)
		default:
			return orchestration.Fatal(fmt.Errorf("unknown post type %q", post.Type))
		}
		if err != nil {
			return err
		}

		jc.Update(func(job *orchestration.PhoneJob) { job.TaskIDs[stage] = taskID })
		jc.Log(orchestration.LogInfo, "publish submitted", map[string]any{"stage": stage, "taskId": taskID})
		jc.TransitionTo(pollState)
		return nil
	}
}

// pollHandler polls post[index]'s task under the publish budget and moves
// to the next publish state, or DONE when none remains.
func (s *Post) pollHandler(index int, submitState, nextState orchestration.JobState) orchestration.StateHandler {
	stage := fmt.Sprintf("post%d", index+1)

	return func(ctx context.Context, jc *orchestration.JobContext) error {
		job := jc.Job()
		taskID := job.TaskIDs[stage]

		record, err := jc.PollTask(ctx, taskID, "publish", 0)
		if err != nil {
			return err
		}
		if record.Status != provider.TaskCompleted {
			cause := &orchestration.TaskFailedError{TaskID: taskID, Category: "publish", FailDesc: record.FailDesc}
			return jc.RetryFrom(ctx, submitState, cause)
		}

		jc.Log(orchestration.LogInfo, "publish completed", map[string]any{"stage": stage})
		if nextState != "" && len(job.Account.Posts) > index+1 {
			jc.TransitionTo(nextState)
		} else {
			jc.TransitionTo(orchestration.StateDone)
		}
		return nil
	}
}
