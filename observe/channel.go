// Package observe carries status and debug records from nodes to any number
// of observers without ever blocking the producer.
package observe

import (
	"sync"
	"sync/atomic"

	"github.com/c360/semflow/metric"
	"github.com/c360/semflow/pkg/buffer"
)

// Channel is a bounded, many-producer, many-subscriber stream. Publish never
// blocks: a subscriber whose buffer is full misses the record and the loss
// is counted. The most recent records are kept for late subscribers.
type Channel[T any] struct {
	name    string
	history buffer.Buffer[T]
	core    *metric.Metrics

	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Channel
type Option func(*channelOptions)

type channelOptions struct {
	registry *metric.MetricsRegistry
}

// WithMetrics exports history buffer and drop metrics to registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *channelOptions) {
		o.registry = registry
	}
}

// NewChannel creates a channel keeping the last capacity records
func NewChannel[T any](name string, capacity int, opts ...Option) (*Channel[T], error) {
	var o channelOptions
	for _, opt := range opts {
		opt(&o)
	}

	bufOpts := []buffer.Option[T]{buffer.WithOverflowPolicy[T](buffer.DropOldest)}
	if o.registry != nil {
		bufOpts = append(bufOpts, buffer.WithMetrics[T](o.registry, "observe_"+name))
	}
	history, err := buffer.NewCircularBuffer[T](capacity, bufOpts...)
	if err != nil {
		return nil, err
	}

	c := &Channel[T]{
		name:    name,
		history: history,
		subs:    make(map[uint64]*Subscription[T]),
	}
	if o.registry != nil {
		c.core = o.registry.CoreMetrics()
	}
	return c, nil
}

// Name returns the channel name
func (c *Channel[T]) Name() string { return c.name }

// Publish appends v to the history and offers it to every subscriber
func (c *Channel[T]) Publish(v T) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	_ = c.history.Write(v)
	c.published.Add(1)

	for _, s := range c.subs {
		select {
		case s.ch <- v:
		default:
			s.dropped.Add(1)
			c.dropped.Add(1)
			if c.core != nil {
				c.core.RecordObservationDropped(c.name)
			}
		}
	}
}

// Subscribe registers a subscriber with its own buffer of size capacity
func (c *Channel[T]) Subscribe(capacity int) *Subscription[T] {
	if capacity <= 0 {
		capacity = 1
	}
	s := &Subscription[T]{
		ch:      make(chan T, capacity),
		channel: c,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(s.ch)
		s.closed = true
		return s
	}
	c.nextID++
	s.id = c.nextID
	c.subs[s.id] = s
	return s
}

func (c *Channel[T]) unsubscribe(s *Subscription[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.closed {
		return
	}
	delete(c.subs, s.id)
	s.closed = true
	close(s.ch)
}

// Recent returns up to n of the latest records, oldest first. n <= 0
// returns the full history.
func (c *Channel[T]) Recent(n int) []T {
	all := c.history.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Published returns the number of records accepted
func (c *Channel[T]) Published() int64 { return c.published.Load() }

// Dropped returns the number of subscriber deliveries that were skipped
func (c *Channel[T]) Dropped() int64 { return c.dropped.Load() }

// Close ends every subscription; later publishes are ignored
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, s := range c.subs {
		delete(c.subs, id)
		s.closed = true
		close(s.ch)
	}
	_ = c.history.Close()
}

// Subscription receives records published after it was created
type Subscription[T any] struct {
	id      uint64
	ch      chan T
	channel *Channel[T]
	closed  bool // guarded by channel.mu
	dropped atomic.Int64
}

// C returns the receive side; it is closed by Close or when the channel closes
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Dropped returns the number of records this subscriber missed
func (s *Subscription[T]) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes
func (s *Subscription[T]) Close() { s.channel.unsubscribe(s) }
