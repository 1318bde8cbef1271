package flow

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/c360/semflow/contextstore"
	"github.com/c360/semflow/env"
	"github.com/c360/semflow/events"
	"github.com/c360/semflow/metric"
	"github.com/c360/semflow/observe"
	"github.com/c360/semflow/pkg/worker"
	"github.com/c360/semflow/registry"
)

// Defaults applied by Build to zero-valued options
const (
	DefaultStopGrace   = 5 * time.Second
	DefaultStopTimeout = 2 * time.Second
)

// Options carries the collaborators a flow is built with. Registry and
// Contexts are required; everything else is optional.
type Options struct {
	Registry *registry.Registry
	Contexts *contextstore.Store
	// Env is consulted after the node, flow and built-in variables
	Env env.Resolver

	Observe     *observe.Channels
	Events      *events.Bus
	Logger      *slog.Logger
	Metrics     *metric.Metrics
	PoolMetrics *worker.Metrics

	// Workers is the number of dispatch workers for the flow
	Workers int
	// StopGrace bounds how long Stop waits for in-flight work
	StopGrace time.Duration
	// StopTimeout bounds each node's OnStop
	StopTimeout time.Duration
	// Revision tags the events the flow publishes
	Revision string
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Env == nil {
		o.Env = env.OS()
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
}
