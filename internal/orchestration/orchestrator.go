package orchestration

import (
	"context"
	"fmt"
	"sync"

	"github.com/zjrosen/phonefleet/internal/log"
)

// Orchestrator runs one workflow: it pairs phones to accounts, spawns a
// bounded set of executors, and publishes lifecycle transitions.
type Orchestrator struct {
	client   ProviderClient
	store    *Store
	cfg      WorkflowConfig
	strategy Strategy

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrchestrator builds an orchestrator for one run.
func NewOrchestrator(client ProviderClient, store *Store, cfg WorkflowConfig, strat Strategy) *Orchestrator {
	return &Orchestrator{
		client:   client,
		store:    store,
		cfg:      cfg,
		strategy: strat,
	}
}

// Start loads the phone roster, pairs phones to account rows in order, and
// launches the executors. It returns once the run is admitted; execution
// continues on background goroutines detached from the caller's context.
func (o *Orchestrator) Start(ctx context.Context) (RunID, error) {
	phones, err := o.client.ListAllPhones(ctx, o.cfg.GroupName)
	if err != nil {
		return "", fmt.Errorf("listing phones in group %q: %w", o.cfg.GroupName, err)
	}

	// Deterministic pairing: phone i gets account row i, truncated at the
	// shorter list.
	n := len(phones)
	if len(o.cfg.Accounts) < n {
		n = len(o.cfg.Accounts)
	}
	if n == 0 {
		return "", fmt.Errorf("no phone/account pairs: %d phones, %d accounts", len(phones), len(o.cfg.Accounts))
	}

	runID := NewRunID()
	if err := o.store.BeginRun(runID); err != nil {
		return "", ErrAlreadyRunning
	}

	envIDs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		job := NewPhoneJob(phones[i], o.cfg.Accounts[i], o.strategy.TotalSteps())
		if err := o.store.AddJob(job); err != nil {
			return "", err
		}
		envIDs = append(envIDs, job.EnvID)
	}

	log.Info(log.CatOrch, "run started",
		"runId", runID, "jobs", n, "workflowType", o.cfg.WorkflowType,
		"concurrency", o.cfg.ConcurrencyLimit)

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})

	executor := NewExecutor(o.client, o.store, o.cfg, o.strategy)
	log.SafeGo("orchestrator.run", func() {
		o.run(runCtx, executor, envIDs)
	})

	return runID, nil
}

// run executes every job under the concurrency semaphore and finalizes the
// run status once all jobs are terminal.
func (o *Orchestrator) run(ctx context.Context, executor *Executor, envIDs []string) {
	defer close(o.done)

	limit := o.cfg.ConcurrencyLimit
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	for _, envID := range envIDs {
		wg.Add(1)
		go func(envID string) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			// A cancelled context fails the job immediately inside Run
			executor.Run(ctx, envID)
		}(envID)
	}
	wg.Wait()

	if ctx.Err() == nil {
		// Fails only when a stop transition won the race, which is fine
		if err := o.store.SetStatus(StatusCompleted, ""); err != nil {
			log.Debug(log.CatOrch, "run not marked completed", "error", err)
		}
	}
	o.store.PublishResults()

	summary := o.store.ResultsSummary()
	log.Info(log.CatOrch, "run finished",
		"completed", summary.Completed, "failed", summary.Failed, "total", summary.Total)
}

// Stop cancels every executor and blocks until they have all exited their
// last suspension point. Safe to call more than once.
func (o *Orchestrator) Stop() {
	// Ignored when the run already finished: stopping is only reachable
	// from running.
	_ = o.store.SetStatus(StatusStopping, "")

	o.cancel()
	<-o.done

	if err := o.store.SetStatus(StatusStopped, ""); err != nil {
		// The run may have completed in the window before cancel landed
		o.store.ForceStopped()
	}
	o.store.PublishResults()
}

// Done exposes completion for callers that need to await the run.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}
