package orchestration

import (
	"context"
	"sync"
)

// Manager is the process-wide owner of the bus, the store, and the at most
// one active orchestrator. The HTTP surface talks only to the Manager.
type Manager struct {
	mu sync.Mutex

	bus   *Bus
	store *Store
	orch  *Orchestrator

	newClient func(token string) ProviderClient
}

// NewManager wires a fresh bus and store. newClient builds a provider
// client bound to a run's API token.
func NewManager(newClient func(token string) ProviderClient) *Manager {
	bus := NewBus()
	return &Manager{
		bus:       bus,
		store:     NewStore(bus),
		newClient: newClient,
	}
}

// Bus returns the event bus for subscribers.
func (m *Manager) Bus() *Bus { return m.bus }

// Store returns the run state store.
func (m *Manager) Store() *Store { return m.store }

// IsRunning reports whether a run is active (running or stopping).
func (m *Manager) IsRunning() bool {
	status := m.store.Status()
	return status == StatusRunning || status == StatusStopping
}

// Start admits a new run. Returns ErrAlreadyRunning while a run is active.
func (m *Manager) Start(ctx context.Context, cfg WorkflowConfig, strat Strategy) (RunID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.IsRunning() {
		return "", ErrAlreadyRunning
	}

	// A previous run's record must be cleared before the store can admit
	// a new one
	if m.store.Status() != StatusIdle {
		if err := m.store.Reset(); err != nil {
			return "", err
		}
	}

	orch := NewOrchestrator(m.newClient(cfg.APIToken), m.store, cfg, strat)
	runID, err := orch.Start(ctx)
	if err != nil {
		return "", err
	}
	m.orch = orch
	return runID, nil
}

// Stop cancels the active run and waits for its executors. Idempotent, and
// repairs a store left claiming an active run when no orchestrator exists.
func (m *Manager) Stop() {
	m.mu.Lock()
	orch := m.orch
	m.mu.Unlock()

	if orch != nil {
		orch.Stop()
		return
	}
	m.store.ForceStopped()
}

// Clear resets the store to idle. Refused while a run is active.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Reset(); err != nil {
		return err
	}
	m.orch = nil
	return nil
}

// Close shuts down the event bus.
func (m *Manager) Close() {
	m.bus.Close()
}
