package worker

import "errors"

// Sentinel errors for worker pool operations
var (
	// ErrPoolNotStarted is returned by Submit before Start
	ErrPoolNotStarted = errors.New("worker pool not started")

	// ErrPoolStopped is returned by Submit after Stop
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrPoolAlreadyStarted is returned by a second Start
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrQueueFull is returned when the work queue is at capacity
	ErrQueueFull = errors.New("worker pool queue full")

	// ErrNilProcessor is the panic value for a nil processor
	ErrNilProcessor = errors.New("processor function cannot be nil")

	// ErrStopTimeout is returned when workers outlive the stop timeout
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")
)
