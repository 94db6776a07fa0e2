package orchestration

import (
	"github.com/zjrosen/phonefleet/internal/pubsub"
)

// Bus is the run's typed event bus: one broker per topic so subscribers
// pick exactly the payloads they care about.
type Bus struct {
	// PhoneUpdates carries a job snapshot after every externally visible
	// mutation. Last-writer-wins per envId.
	PhoneUpdates *pubsub.Broker[PhoneJob]

	// Logs carries user-facing run output.
	Logs *pubsub.Broker[LogEntry]

	// Status carries run lifecycle transitions, sequentially consistent
	// with respect to phone events.
	Status *pubsub.Broker[StatusChange]

	// Results carries the aggregate summary, republished as jobs finish.
	Results *pubsub.Broker[ResultsSummary]
}

// NewBus creates the four topic brokers.
func NewBus() *Bus {
	return &Bus{
		PhoneUpdates: pubsub.NewBroker[PhoneJob](),
		Logs:         pubsub.NewBroker[LogEntry](),
		Status:       pubsub.NewBroker[StatusChange](),
		Results:      pubsub.NewBroker[ResultsSummary](),
	}
}

// Close shuts down every topic broker.
func (b *Bus) Close() {
	b.PhoneUpdates.Close()
	b.Logs.Close()
	b.Status.Close()
	b.Results.Close()
}
