// Package memory records completion events in process, for tests and for
// running without a Pub/Sub project configured.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher keeps every published event so tests can assert on what the
// pipeline announced.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
}

// Event is one recorded publish: the topic it went to and the event payload
// as handed in (job completion summaries, typically).
type Event struct {
	Topic   string
	Payload any
}

// New returns an empty in-process Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish appends the event and returns a synthetic message id.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{Topic: topic, Payload: payload})
	return fmt.Sprintf("mem-%s-%d", topic, len(p.events)), nil
}

// Messages returns a copy of the recorded events in publish order.
func (p *Publisher) Messages() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
