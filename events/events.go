// Package events defines the engine lifecycle notifications and the bus
// that distributes them.
package events

import (
	"time"

	"github.com/c360/semflow/observe"
)

// Kind identifies an engine event
type Kind string

// Event kinds
const (
	FlowStarted    Kind = "flow-started"
	FlowStopped    Kind = "flow-stopped"
	NodeErrored    Kind = "node-errored"
	DeployAccepted Kind = "deploy-accepted"
	DeployRejected Kind = "deploy-rejected"

	NodeAdded     Kind = "node-added"
	NodeRemoved   Kind = "node-removed"
	NodeAbandoned Kind = "node-abandoned"
)

// Event is a process-wide lifecycle notification. Error carries the
// rendered failure for errored and rejected events.
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Revision  string    `json:"revision,omitempty"`
	FlowID    string    `json:"flow_id,omitempty"`
	NodeID    string    `json:"node_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	// ErrorKind is the taxonomy sentinel text, e.g. "subflow cycle"
	ErrorKind string `json:"error_kind,omitempty"`
}

// Bus distributes events; it never blocks a publisher
type Bus struct {
	ch *observe.Channel[Event]
}

// NewBus creates a bus keeping the last capacity events
func NewBus(capacity int, opts ...observe.Option) (*Bus, error) {
	ch, err := observe.NewChannel[Event]("events", capacity, opts...)
	if err != nil {
		return nil, err
	}
	return &Bus{ch: ch}, nil
}

// Publish stamps and distributes an event
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.ch.Publish(e)
}

// Subscribe returns a subscription buffered to capacity
func (b *Bus) Subscribe(capacity int) *observe.Subscription[Event] {
	return b.ch.Subscribe(capacity)
}

// Recent returns up to n of the latest events
func (b *Bus) Recent(n int) []Event {
	return b.ch.Recent(n)
}

// Dropped returns the number of events subscribers missed
func (b *Bus) Dropped() int64 {
	return b.ch.Dropped()
}

// Close ends all subscriptions
func (b *Bus) Close() {
	b.ch.Close()
}
