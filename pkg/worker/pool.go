// Package worker provides a generic worker pool for concurrent task processing.
//
// Submit never blocks: when the queue is full the work item is rejected with
// ErrQueueFull and counted as dropped. Workers exit when the pool's context
// is cancelled or the pool is stopped.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Pool represents a generic worker pool that can process any work type T
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics
	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metrics *Metrics
	name    string
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetrics reports this pool's activity under the given pool label.
// A nil Metrics leaves the pool unmetered.
func WithMetrics[T any](m *Metrics, name string) Option[T] {
	return func(p *Pool[T]) {
		p.metrics = m
		p.name = name
	}
}

// NewPool creates a new generic worker pool
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}

	for _, opt := range opts {
		opt(pool)
	}

	return pool
}

// Submit queues work without blocking. Returns ErrQueueFull when the queue is
// at capacity.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.WithLabelValues(p.name).Inc()
			p.metrics.queueDepth.WithLabelValues(p.name).Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.WithLabelValues(p.name).Inc()
		}
		return ErrQueueFull
	}
}

// Start launches the workers. They run until ctx is cancelled or Stop is called.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for the workers to finish
// the items already queued. Workers still busy after the timeout are left
// running and ErrStopTimeout is returned.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}

			start := time.Now()
			err := p.processor(ctx, work)
			duration := time.Since(start)

			p.processed.Add(1)
			if err != nil {
				p.failed.Add(1)
			}

			if p.metrics != nil {
				status := "success"
				if err != nil {
					status = "error"
				}
				p.metrics.processed.WithLabelValues(p.name, status).Inc()
				p.metrics.processingTime.WithLabelValues(p.name).Observe(duration.Seconds())
				p.metrics.queueDepth.WithLabelValues(p.name).Set(float64(len(p.workChan)))
			}
		}
	}
}
