package engine

import (
	"context"
	"time"

	"github.com/c360/semflow/contextstore"
	"github.com/c360/semflow/env"
	"github.com/c360/semflow/model"
)

// DeployMode selects how a deployment treats flows that did not change
type DeployMode string

const (
	// DeployFlows replaces only flows whose definition changed; unchanged
	// flows keep running
	DeployFlows DeployMode = "flows"
	// DeployFull stops and rebuilds every flow
	DeployFull DeployMode = "full"
)

// Valid reports whether m is a known mode
func (m DeployMode) Valid() bool {
	return m == DeployFlows || m == DeployFull
}

// DeploymentRecorder persists accepted deployments. Recording is best
// effort: a failure is logged and does not undo the deployment.
type DeploymentRecorder interface {
	RecordDeployment(ctx context.Context, revision string, desc *model.Descriptor) error
}

// Option configures an Engine
type Option func(*Engine)

// WithDeployMode sets the redeploy policy. The default is DeployFlows.
func WithDeployMode(mode DeployMode) Option {
	return func(e *Engine) {
		if mode.Valid() {
			e.mode = mode
		}
	}
}

// WithEnv sets the resolver consulted after node, flow and built-in
// variables. The default is the process environment.
func WithEnv(r env.Resolver) Option {
	return func(e *Engine) { e.env = r }
}

// WithContextStore shares an existing context store
func WithContextStore(s *contextstore.Store) Option {
	return func(e *Engine) { e.contexts = s }
}

// WithWorkers sets the dispatch workers per flow
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithStopGrace bounds how long stopping a flow waits for in-flight work
func WithStopGrace(d time.Duration) Option {
	return func(e *Engine) { e.stopGrace = d }
}

// WithStopTimeout bounds each node's teardown
func WithStopTimeout(d time.Duration) Option {
	return func(e *Engine) { e.stopTimeout = d }
}

// WithRecorder persists every accepted deployment
func WithRecorder(r DeploymentRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithHistory sets how many status, debug and event records are kept for
// late subscribers
func WithHistory(status, debug, events int) Option {
	return func(e *Engine) {
		e.statusHistory = status
		e.debugHistory = debug
		e.eventHistory = events
	}
}
