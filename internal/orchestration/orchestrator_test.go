package orchestration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/phonefleet/internal/accounts"
	"github.com/zjrosen/phonefleet/internal/provider"
)

func makePhones(n int) []provider.Phone {
	phones := make([]provider.Phone, n)
	for i := range phones {
		phones[i] = provider.Phone{
			EnvID: fmt.Sprintf("env-%d", i+1),
			Name:  fmt.Sprintf("phone-%d", i+1),
		}
	}
	return phones
}

func makeAccounts(n int) []accounts.Account {
	accs := make([]accounts.Account, n)
	for i := range accs {
		accs[i] = accounts.Account{
			Username: fmt.Sprintf("user-%d", i+1),
			Password: "pw",
		}
	}
	return accs
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for " + msg)
}

func TestOrchestrator_RunsAllJobsToCompletion(t *testing.T) {
	client := newScriptClient()
	client.phones = makePhones(3)
	cfg := testWorkflowConfig()
	cfg.Accounts = makeAccounts(3)
	cfg.ConcurrencyLimit = 2

	store, _ := newTestStore(t)
	orch := NewOrchestrator(client, store, cfg, doneStrategy{})

	runID, err := orch.Start(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	<-orch.Done()
	waitFor(t, func() bool { return store.Status() == StatusCompleted }, "run completion")

	summary := store.ResultsSummary()
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 3, summary.Completed)
	require.Zero(t, summary.Failed)
	require.Zero(t, summary.Pending)

	for _, job := range store.Jobs() {
		require.Equal(t, StateDone, job.State)
	}
}

func TestOrchestrator_PairsPhonesToAccountRowsInOrder(t *testing.T) {
	client := newScriptClient()
	client.phones = makePhones(3)
	cfg := testWorkflowConfig()
	cfg.Accounts = makeAccounts(2)

	store, _ := newTestStore(t)
	orch := NewOrchestrator(client, store, cfg, doneStrategy{})

	_, err := orch.Start(context.Background())
	require.NoError(t, err)
	<-orch.Done()

	// Truncated at the shorter list: the third phone gets no job
	jobs := store.Jobs()
	require.Len(t, jobs, 2)
	require.Equal(t, "env-1", jobs[0].EnvID)
	require.Equal(t, "user-1", jobs[0].Username)
	require.Equal(t, "env-2", jobs[1].EnvID)
	require.Equal(t, "user-2", jobs[1].Username)
}

func TestOrchestrator_PairingIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		phoneCount := rapid.IntRange(1, 8).Draw(t, "phones")
		accountCount := rapid.IntRange(1, 8).Draw(t, "accounts")

		client := newScriptClient()
		client.phones = makePhones(phoneCount)
		cfg := testWorkflowConfig()
		cfg.Accounts = makeAccounts(accountCount)
		cfg.ConcurrencyLimit = 4

		bus := NewBus()
		defer bus.Close()
		store := NewStore(bus)
		orch := NewOrchestrator(client, store, cfg, doneStrategy{})

		_, err := orch.Start(context.Background())
		require.NoError(t, err)
		<-orch.Done()

		want := phoneCount
		if accountCount < want {
			want = accountCount
		}
		jobs := store.Jobs()
		require.Len(t, jobs, want)
		for i, job := range jobs {
			require.Equal(t, fmt.Sprintf("env-%d", i+1), job.EnvID)
			require.Equal(t, fmt.Sprintf("user-%d", i+1), job.Username)
		}
	})
}

func TestOrchestrator_NoPairsIsAnError(t *testing.T) {
	client := newScriptClient()
	cfg := testWorkflowConfig()
	// No accounts at all

	store, _ := newTestStore(t)
	orch := NewOrchestrator(client, store, cfg, doneStrategy{})

	_, err := orch.Start(context.Background())
	require.ErrorContains(t, err, "no phone/account pairs")
	require.Equal(t, StatusIdle, store.Status())
}

func TestOrchestrator_ConcurrencyLimitBoundsParallelism(t *testing.T) {
	var inflight, peak int64
	client := newScriptClient()
	client.phones = makePhones(6)
	client.startPhones = func([]string) error {
		current := atomic.AddInt64(&inflight, 1)
		for {
			observed := atomic.LoadInt64(&peak)
			if current <= observed || atomic.CompareAndSwapInt64(&peak, observed, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inflight, -1)
		return nil
	}

	cfg := testWorkflowConfig()
	cfg.Accounts = makeAccounts(6)
	cfg.ConcurrencyLimit = 2

	store, _ := newTestStore(t)
	orch := NewOrchestrator(client, store, cfg, doneStrategy{})

	_, err := orch.Start(context.Background())
	require.NoError(t, err)
	<-orch.Done()

	require.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
	require.Equal(t, 6, store.ResultsSummary().Completed)
}

func TestOrchestrator_StopCancelsRunningJobs(t *testing.T) {
	client := newScriptClient()
	client.phones = makePhones(2)
	// Tasks never reach a terminal status, so jobs park in the login poll
	client.queryTask = func(taskID string) (provider.TaskRecord, error) {
		return provider.TaskRecord{TaskID: taskID, Status: provider.TaskInProgress}, nil
	}

	cfg := testWorkflowConfig()
	cfg.Accounts = makeAccounts(2)
	cfg.ConcurrencyLimit = 2
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollTimeout = time.Minute

	store, _ := newTestStore(t)
	orch := NewOrchestrator(client, store, cfg, doneStrategy{})

	_, err := orch.Start(context.Background())
	require.NoError(t, err)
	waitFor(t, func() bool { return client.callCount("QueryTask") >= 2 }, "jobs to reach polling")

	done := make(chan struct{})
	go func() {
		orch.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	require.Equal(t, StatusStopped, store.Status())
	for _, job := range store.Jobs() {
		require.Equal(t, StateFailed, job.State)
		require.Equal(t, "cancelled", job.Error)
	}

	// Stop is idempotent
	orch.Stop()
	require.Equal(t, StatusStopped, store.Status())
}

func TestOrchestrator_StopAfterCompletionKeepsCompleted(t *testing.T) {
	client := newScriptClient()
	cfg := testWorkflowConfig()
	cfg.Accounts = makeAccounts(1)

	store, _ := newTestStore(t)
	orch := NewOrchestrator(client, store, cfg, doneStrategy{})

	_, err := orch.Start(context.Background())
	require.NoError(t, err)
	<-orch.Done()
	waitFor(t, func() bool { return store.Status() == StatusCompleted }, "run completion")

	orch.Stop()
	require.Equal(t, StatusCompleted, store.Status())
}

func TestOrchestrator_PublishesEveryJobTransition(t *testing.T) {
	client := newScriptClient()
	cfg := testWorkflowConfig()
	cfg.Accounts = makeAccounts(1)

	store, bus := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := bus.PhoneUpdates.Subscribe(ctx)

	var mu sync.Mutex
	var states []JobState
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for event := range updates {
			mu.Lock()
			if len(states) == 0 || states[len(states)-1] != event.Payload.State {
				states = append(states, event.Payload.State)
			}
			terminal := event.Payload.State.IsTerminal()
			mu.Unlock()
			if terminal {
				return
			}
		}
	}()

	orch := NewOrchestrator(client, store, cfg, doneStrategy{})
	_, err := orch.Start(context.Background())
	require.NoError(t, err)
	<-orch.Done()
	<-collected

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []JobState{
		StateInit,
		StateStartEnv,
		StateConfirmEnvRunning,
		StateInstallApp,
		StateConfirmAppInstalled,
		StateLogin,
		StatePollLoginTask,
		StateDone,
	}, states)
}

func newTestManager(t *testing.T, client ProviderClient) *Manager {
	t.Helper()
	m := NewManager(func(string) ProviderClient { return client })
	t.Cleanup(m.Close)
	return m
}

func TestManager_RejectsConcurrentRuns(t *testing.T) {
	client := newScriptClient()
	client.queryTask = func(taskID string) (provider.TaskRecord, error) {
		return provider.TaskRecord{TaskID: taskID, Status: provider.TaskInProgress}, nil
	}
	cfg := testWorkflowConfig()
	cfg.Accounts = makeAccounts(1)
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollTimeout = time.Minute

	m := newTestManager(t, client)

	_, err := m.Start(context.Background(), cfg, doneStrategy{})
	require.NoError(t, err)
	require.True(t, m.IsRunning())

	_, err = m.Start(context.Background(), cfg, doneStrategy{})
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.ErrorContains(t, m.Clear(), "running")

	m.Stop()
	require.False(t, m.IsRunning())
	require.Equal(t, StatusStopped, m.Store().Status())

	require.NoError(t, m.Clear())
	require.Equal(t, StatusIdle, m.Store().Status())
}

func TestManager_StartAfterFinishedRunResetsStore(t *testing.T) {
	client := newScriptClient()
	cfg := testWorkflowConfig()
	cfg.Accounts = makeAccounts(1)

	m := newTestManager(t, client)

	first, err := m.Start(context.Background(), cfg, doneStrategy{})
	require.NoError(t, err)
	waitFor(t, func() bool { return m.Store().Status() == StatusCompleted }, "first run completion")

	// A terminal record does not block the next run
	second, err := m.Start(context.Background(), cfg, doneStrategy{})
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.Equal(t, second, m.Store().RunID())

	waitFor(t, func() bool { return m.Store().Status() == StatusCompleted }, "second run completion")
}

func TestManager_StopWithoutRunIsSafe(t *testing.T) {
	m := newTestManager(t, newScriptClient())

	m.Stop()
	require.Equal(t, StatusIdle, m.Store().Status())
}
