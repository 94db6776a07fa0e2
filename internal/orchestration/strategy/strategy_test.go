package strategy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/phonefleet/internal/accounts"
	"github.com/zjrosen/phonefleet/internal/orchestration"
	"github.com/zjrosen/phonefleet/internal/provider"
)

// fakeClient is a scripted provider. Every call is recorded; queryTask and
// createCustomTask are overridable per test.
type fakeClient struct {
	mu      sync.Mutex
	calls   []string
	taskSeq int

	queryTask        func(taskID string) (provider.TaskRecord, error)
	createCustomTask func(flowID string, params map[string]string) (string, error)

	customSubmissions []customSubmission
}

type customSubmission struct {
	FlowID string
	Params map[string]string
	TaskID string
}

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeClient) nextTaskID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskSeq++
	return fmt.Sprintf("task-%d", f.taskSeq)
}

func (f *fakeClient) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, c := range f.calls {
		if c == call {
			count++
		}
	}
	return count
}

func (f *fakeClient) submissions() []customSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]customSubmission(nil), f.customSubmissions...)
}

// submittedUsername resolves the username param of the rename submission
// that produced taskID.
func (f *fakeClient) submittedUsername(taskID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.customSubmissions {
		if sub.TaskID == taskID {
			return sub.Params["username"]
		}
	}
	return ""
}

func (f *fakeClient) ListAllPhones(_ context.Context, _ string) ([]provider.Phone, error) {
	f.record("ListAllPhones")
	return []provider.Phone{{EnvID: "env-1", Name: "phone-1"}}, nil
}

func (f *fakeClient) StartPhones(_ context.Context, _ []string) error {
	f.record("StartPhones")
	return nil
}

func (f *fakeClient) RestartPhones(_ context.Context, _ []string) error {
	f.record("RestartPhones")
	return nil
}

func (f *fakeClient) GetPhoneStatus(_ context.Context, _ string) (provider.PhoneStatus, error) {
	f.record("GetPhoneStatus")
	return provider.PhoneStarted, nil
}

func (f *fakeClient) InstallApp(_ context.Context, _ []string, _ string) error {
	f.record("InstallApp")
	return nil
}

func (f *fakeClient) ListInstalledApps(_ context.Context, _ string) ([]provider.InstalledApp, error) {
	f.record("ListInstalledApps")
	return []provider.InstalledApp{{AppVersionID: "app-1", PackageName: "com.instagram.android"}}, nil
}

func (f *fakeClient) StartApp(_ context.Context, _, _ string) error {
	f.record("StartApp")
	return nil
}

func (f *fakeClient) InstagramLogin(_ context.Context, _, _, _ string) (string, error) {
	f.record("InstagramLogin")
	return f.nextTaskID(), nil
}

func (f *fakeClient) InstagramWarmup(_ context.Context, _ string, _ provider.WarmupParams) (string, error) {
	f.record("InstagramWarmup")
	return f.nextTaskID(), nil
}

func (f *fakeClient) InstagramPublishReelsVideo(_ context.Context, _, _, _ string) (string, error) {
	f.record("InstagramPublishReelsVideo")
	return f.nextTaskID(), nil
}

func (f *fakeClient) InstagramPublishReelsImages(_ context.Context, _, _ string, _ []string) (string, error) {
	f.record("InstagramPublishReelsImages")
	return f.nextTaskID(), nil
}

func (f *fakeClient) CreateCustomTask(_ context.Context, _, flowID string, params map[string]string) (string, error) {
	f.record("CreateCustomTask")
	if f.createCustomTask != nil {
		return f.createCustomTask(flowID, params)
	}
	taskID := f.nextTaskID()
	f.mu.Lock()
	f.customSubmissions = append(f.customSubmissions, customSubmission{FlowID: flowID, Params: params, TaskID: taskID})
	f.mu.Unlock()
	return taskID, nil
}

func (f *fakeClient) QueryTask(_ context.Context, taskID string) (provider.TaskRecord, error) {
	f.record("QueryTask")
	if f.queryTask != nil {
		return f.queryTask(taskID)
	}
	return provider.TaskRecord{TaskID: taskID, Status: provider.TaskCompleted}, nil
}

func (f *fakeClient) RequestScreenshot(_ context.Context, _ string) (string, error) {
	f.record("RequestScreenshot")
	return f.nextTaskID(), nil
}

func (f *fakeClient) GetScreenshotResult(_ context.Context, _ string) (provider.ScreenshotResult, error) {
	f.record("GetScreenshotResult")
	return provider.ScreenshotResult{Status: provider.TaskCompleted, DownloadURL: "https://shots.example/1.png"}, nil
}

func testConfig(typ orchestration.WorkflowType) orchestration.WorkflowConfig {
	return orchestration.WorkflowConfig{
		AppVersionID: "app-1",
		PackageName:  "com.instagram.android",
		MaxRetries:   2,
		BackoffBase:  time.Millisecond,
		PollInterval: time.Millisecond,
		PollTimeout:  time.Second,
		WorkflowType: typ,
	}
}

// runFromState executes env-1's state machine to a terminal state, starting
// at the given strategy state, and returns the final job.
func runFromState(t *testing.T, client orchestration.ProviderClient, cfg orchestration.WorkflowConfig, strat orchestration.Strategy, account accounts.Account, start orchestration.JobState) orchestration.PhoneJob {
	t.Helper()

	bus := orchestration.NewBus()
	t.Cleanup(bus.Close)
	store := orchestration.NewStore(bus)
	require.NoError(t, store.BeginRun(orchestration.NewRunID()))

	job := orchestration.NewPhoneJob(provider.Phone{EnvID: "env-1", Name: "phone-1"}, account, strat.TotalSteps())
	job.State = start
	require.NoError(t, store.AddJob(job))

	exec := orchestration.NewExecutor(client, store, cfg, strat)
	exec.Run(context.Background(), "env-1")

	final, ok := store.Job("env-1")
	require.True(t, ok)
	require.True(t, final.State.IsTerminal(), "job finished in state %s", final.State)
	return final
}

func TestForConfig(t *testing.T) {
	t.Run("warmup", func(t *testing.T) {
		strat, err := ForConfig(testConfig(orchestration.WorkflowWarmup))
		require.NoError(t, err)
		require.IsType(t, &Warmup{}, strat)
	})

	t.Run("post", func(t *testing.T) {
		strat, err := ForConfig(testConfig(orchestration.WorkflowPost))
		require.NoError(t, err)
		require.IsType(t, &Post{}, strat)
	})

	t.Run("setup", func(t *testing.T) {
		strat, err := ForConfig(testConfig(orchestration.WorkflowSetup))
		require.NoError(t, err)
		require.IsType(t, &FlowStrategy{}, strat)
	})

	t.Run("custom requires task order", func(t *testing.T) {
		_, err := ForConfig(testConfig(orchestration.WorkflowCustom))
		require.ErrorContains(t, err, "customTaskOrder")
	})

	t.Run("custom rejects unknown task", func(t *testing.T) {
		cfg := testConfig(orchestration.WorkflowCustom)
		cfg.CustomTaskOrder = []string{"bio", "make_coffee"}
		_, err := ForConfig(cfg)
		require.ErrorContains(t, err, "make_coffee")
	})

	t.Run("custom rejects duplicate task", func(t *testing.T) {
		cfg := testConfig(orchestration.WorkflowCustom)
		cfg.CustomTaskOrder = []string{"bio", "bio"}
		_, err := ForConfig(cfg)
		require.ErrorContains(t, err, "duplicate")
	})

	t.Run("unknown workflow type", func(t *testing.T) {
		cfg := testConfig("sabotage")
		_, err := ForConfig(cfg)
		require.ErrorContains(t, err, "unknown workflow type")
	})
}

func TestCustom_TotalStepsTracksSelection(t *testing.T) {
	cfg := testConfig(orchestration.WorkflowCustom)
	cfg.CustomTaskOrder = []string{StepBio, StepRenameUsername}

	strat, err := NewCustom(cfg)
	require.NoError(t, err)
	require.Equal(t, coreSteps+4, strat.TotalSteps())

	// Selection order, not palette order
	require.Equal(t, orchestration.JobState("SETUP_BIO"), strat.PostLoginState(nil))
}

func TestWarmup_HappyPath(t *testing.T) {
	client := &fakeClient{}
	cfg := testConfig(orchestration.WorkflowWarmup)
	account := accounts.Account{Username: "jdoe", Password: "pw"}

	job := runFromState(t, client, cfg, NewWarmup(cfg), account, StateStartApp)

	require.Equal(t, orchestration.StateDone, job.State)
	require.NotEmpty(t, job.TaskIDs["warmup"])
	require.Equal(t, 1, client.callCount("StartApp"))
	require.Equal(t, 1, client.callCount("InstagramWarmup"))
	require.Equal(t, job.TotalSteps, job.CurrentStep)
}

func TestWarmup_FailedTaskResubmits(t *testing.T) {
	client := &fakeClient{}
	client.queryTask = func(taskID string) (provider.TaskRecord, error) {
		if taskID == "task-1" {
			return provider.TaskRecord{TaskID: taskID, Status: provider.TaskFailed, FailDesc: "flow crashed"}, nil
		}
		return provider.TaskRecord{TaskID: taskID, Status: provider.TaskCompleted}, nil
	}
	cfg := testConfig(orchestration.WorkflowWarmup)
	account := accounts.Account{Username: "jdoe", Password: "pw"}

	job := runFromState(t, client, cfg, NewWarmup(cfg), account, StateStartApp)

	require.Equal(t, orchestration.StateDone, job.State)
	require.Equal(t, 2, client.callCount("InstagramWarmup"))
	require.Equal(t, 1, job.Attempts[StateStartWarmup])
}

func TestPost_UnreachableMediaFailsBeforePublish(t *testing.T) {
	client := &fakeClient{}
	cfg := testConfig(orchestration.WorkflowPost)
	account := accounts.Account{
		Username: "jdoe",
		Password: "pw",
		Posts: []accounts.Post{
			{Type: "video", Description: "first", MediaURLs: []string{"https://cdn.example/dead.mp4"}},
		},
	}

	strat := NewPost(cfg, WithURLChecker(func(_ context.Context, url string) error {
		return fmt.Errorf("HEAD %s: HTTP 404", url)
	}))
	job := runFromState(t, client, cfg, strat, account, StatePublishPost1)

	require.Equal(t, orchestration.StateFailed, job.State)
	require.Contains(t, job.Error, "https://cdn.example/dead.mp4")
	require.Zero(t, client.callCount("InstagramPublishReelsVideo"))
	require.Zero(t, client.callCount("StartApp"))
}

func TestPost_PublishesBothPosts(t *testing.T) {
	client := &fakeClient{}
	cfg := testConfig(orchestration.WorkflowPost)
	account := accounts.Account{
		Username: "jdoe",
		Password: "pw",
		Posts: []accounts.Post{
			{Type: "video", Description: "first", MediaURLs: []string{"https://cdn.example/a.mp4"}},
			{Type: "image", Description: "second", MediaURLs: []string{"https://cdn.example/b.jpg", "https://cdn.example/c.jpg"}},
		},
	}

	strat := NewPost(cfg, WithURLChecker(func(context.Context, string) error { return nil }))
	job := runFromState(t, client, cfg, strat, account, StatePublishPost1)

	require.Equal(t, orchestration.StateDone, job.State)
	require.Equal(t, 1, client.callCount("StartApp"))
	require.Equal(t, 1, client.callCount("InstagramPublishReelsVideo"))
	require.Equal(t, 1, client.callCount("InstagramPublishReelsImages"))
	require.NotEmpty(t, job.TaskIDs["post1"])
	require.NotEmpty(t, job.TaskIDs["post2"])
}

func TestPost_SinglePostFinishesAfterFirst(t *testing.T) {
	client := &fakeClient{}
	cfg := testConfig(orchestration.WorkflowPost)
	account := accounts.Account{
		Username: "jdoe",
		Password: "pw",
		Posts: []accounts.Post{
			{Type: "image", Description: "only", MediaURLs: []string{"https://cdn.example/a.jpg"}},
		},
	}

	strat := NewPost(cfg, WithURLChecker(func(context.Context, string) error { return nil }))
	job := runFromState(t, client, cfg, strat, account, StatePublishPost1)

	require.Equal(t, orchestration.StateDone, job.State)
	require.Equal(t, 1, client.callCount("InstagramPublishReelsImages"))
	require.Zero(t, client.callCount("InstagramPublishReelsVideo"))
	require.Empty(t, job.TaskIDs["post2"])
}

func TestSetup_SkipsStepsWithoutFlowOrData(t *testing.T) {
	client := &fakeClient{}
	cfg := testConfig(orchestration.WorkflowSetup)
	cfg.SetupFlowIDs = map[string]string{
		StepBio:       "flow-bio",
		StepPost1:     "flow-post", // no post data on the account, must skip
		StepEnable2FA: "",          // blank flow id, must skip
	}
	account := accounts.Account{
		Username: "jdoe",
		Password: "pw",
		Setup:    accounts.Setup{Bio: "hello there"},
	}

	strat := NewSetup(cfg)
	job := runFromState(t, client, cfg, strat, account, strat.PostLoginState(nil))

	require.Equal(t, orchestration.StateDone, job.State)

	subs := client.submissions()
	require.Len(t, subs, 1)
	require.Equal(t, "flow-bio", subs[0].FlowID)
	require.Equal(t, "hello there", subs[0].Params["bio"])
}

func TestSetup_RunsConfiguredStepsInOrder(t *testing.T) {
	client := &fakeClient{}
	cfg := testConfig(orchestration.WorkflowSetup)
	cfg.SetupFlowIDs = map[string]string{
		StepRenameUsername: "flow-rename",
		StepBio:            "flow-bio",
		StepHighlight:      "flow-highlight",
	}
	account := accounts.Account{
		Username: "jdoe",
		Password: "pw",
		Setup: accounts.Setup{
			NewUsername:       "jdoe_new",
			Bio:               "bio text",
			HighlightTitle:    "trips",
			HighlightCoverURL: "https://cdn.example/cover.jpg",
		},
	}

	strat := NewSetup(cfg)
	job := runFromState(t, client, cfg, strat, account, strat.PostLoginState(nil))

	require.Equal(t, orchestration.StateDone, job.State)

	subs := client.submissions()
	require.Len(t, subs, 3)
	require.Equal(t, "flow-rename", subs[0].FlowID)
	require.Equal(t, "jdoe_new", subs[0].Params["username"])
	require.Equal(t, "flow-bio", subs[1].FlowID)
	require.Equal(t, "flow-highlight", subs[2].FlowID)
	require.Equal(t, "trips", subs[2].Params["title"])
	require.NotEmpty(t, job.TaskIDs[StepRenameUsername])
	require.NotEmpty(t, job.TaskIDs[StepBio])
}

func TestSetup_FailedStepRetriesThroughSubmit(t *testing.T) {
	client := &fakeClient{}
	client.queryTask = func(taskID string) (provider.TaskRecord, error) {
		if taskID == "task-1" {
			return provider.TaskRecord{TaskID: taskID, Status: provider.TaskFailed, FailDesc: "flow crashed"}, nil
		}
		return provider.TaskRecord{TaskID: taskID, Status: provider.TaskCompleted}, nil
	}
	cfg := testConfig(orchestration.WorkflowSetup)
	cfg.SetupFlowIDs = map[string]string{StepBio: "flow-bio"}
	account := accounts.Account{Username: "jdoe", Password: "pw", Setup: accounts.Setup{Bio: "b"}}

	strat := NewSetup(cfg)
	job := runFromState(t, client, cfg, strat, account, strat.PostLoginState(nil))

	require.Equal(t, orchestration.StateDone, job.State)
	require.Len(t, client.submissions(), 2)
	require.Equal(t, 1, job.Attempts[orchestration.JobState("SETUP_BIO")])
}

func TestSetup_RetriesExhaustedFailsJob(t *testing.T) {
	client := &fakeClient{}
	client.queryTask = func(taskID string) (provider.TaskRecord, error) {
		return provider.TaskRecord{TaskID: taskID, Status: provider.TaskFailed, FailDesc: "flow crashed"}, nil
	}
	cfg := testConfig(orchestration.WorkflowSetup)
	cfg.MaxRetries = 1
	cfg.SetupFlowIDs = map[string]string{StepBio: "flow-bio"}
	account := accounts.Account{Username: "jdoe", Password: "pw", Setup: accounts.Setup{Bio: "b"}}

	strat := NewSetup(cfg)
	job := runFromState(t, client, cfg, strat, account, strat.PostLoginState(nil))

	require.Equal(t, orchestration.StateFailed, job.State)
	require.Contains(t, job.Error, "flow crashed")
	// Initial submission plus one retry
	require.Len(t, client.submissions(), 2)
}

func TestCustom_UsernameTakenTriesAlternatives(t *testing.T) {
	client := &fakeClient{}
	client.queryTask = func(taskID string) (provider.TaskRecord, error) {
		switch client.submittedUsername(taskID) {
		case "sallyroe", "sallyroe_1":
			return provider.TaskRecord{TaskID: taskID, Status: provider.TaskFailed, FailDesc: "username is already taken"}, nil
		default:
			return provider.TaskRecord{TaskID: taskID, Status: provider.TaskCompleted}, nil
		}
	}
	cfg := testConfig(orchestration.WorkflowCustom)
	cfg.CustomTaskOrder = []string{StepRenameUsername}
	cfg.SetupFlowIDs = map[string]string{StepRenameUsername: "flow-rename"}
	account := accounts.Account{
		Username: "old_handle",
		Password: "pw",
		Setup:    accounts.Setup{NewUsername: "sallyroe", NewDisplayName: "Sally Roe"},
	}

	strat, err := NewCustom(cfg)
	require.NoError(t, err)
	job := runFromState(t, client, cfg, strat, account, strat.PostLoginState(nil))

	require.Equal(t, orchestration.StateDone, job.State)

	subs := client.submissions()
	require.Len(t, subs, 3)
	require.Equal(t, "sallyroe", subs[0].Params["username"])
	require.Equal(t, "sallyroe_1", subs[1].Params["username"])
	require.Equal(t, "sallyroe_2", subs[2].Params["username"])

	// Username alternatives never consume the retry budget
	require.Zero(t, job.Attempts[orchestration.JobState("SETUP_RENAME_USERNAME")])
}

func TestCustom_UsernameCandidatesExhausted(t *testing.T) {
	client := &fakeClient{}
	client.queryTask = func(taskID string) (provider.TaskRecord, error) {
		return provider.TaskRecord{TaskID: taskID, Status: provider.TaskFailed, FailDesc: "username is already taken"}, nil
	}
	cfg := testConfig(orchestration.WorkflowCustom)
	cfg.CustomTaskOrder = []string{StepRenameUsername}
	cfg.SetupFlowIDs = map[string]string{StepRenameUsername: "flow-rename"}
	account := accounts.Account{
		Username: "old_handle",
		Password: "pw",
		Setup:    accounts.Setup{NewUsername: "sallyroe", NewDisplayName: "Sally Roe"},
	}

	strat, err := NewCustom(cfg)
	require.NoError(t, err)
	job := runFromState(t, client, cfg, strat, account, strat.PostLoginState(nil))

	require.Equal(t, orchestration.StateFailed, job.State)
	require.Contains(t, job.Error, "username candidates are taken")
	require.Len(t, client.submissions(), maxUsernameCandidates)
}

func TestSetup_UsernameTakenDoesNotGenerateAlternatives(t *testing.T) {
	client := &fakeClient{}
	client.queryTask = func(taskID string) (provider.TaskRecord, error) {
		return provider.TaskRecord{TaskID: taskID, Status: provider.TaskFailed, FailDesc: "username is already taken"}, nil
	}
	cfg := testConfig(orchestration.WorkflowSetup)
	cfg.MaxRetries = 1
	cfg.SetupFlowIDs = map[string]string{StepRenameUsername: "flow-rename"}
	account := accounts.Account{
		Username: "old_handle",
		Password: "pw",
		Setup:    accounts.Setup{NewUsername: "sallyroe", NewDisplayName: "Sally Roe"},
	}

	strat := NewSetup(cfg)
	job := runFromState(t, client, cfg, strat, account, strat.PostLoginState(nil))

	// The setup strategy retries the same name and fails; only custom runs
	// generate alternatives.
	require.Equal(t, orchestration.StateFailed, job.State)
	for _, sub := range client.submissions() {
		require.Equal(t, "sallyroe", sub.Params["username"])
	}
}
