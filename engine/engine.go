package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/semflow/contextstore"
	"github.com/c360/semflow/env"
	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/events"
	"github.com/c360/semflow/flow"
	"github.com/c360/semflow/metric"
	"github.com/c360/semflow/model"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/observe"
	"github.com/c360/semflow/pkg/worker"
	"github.com/c360/semflow/registry"
)

// Engine owns the active flows and moves them through deployments
type Engine struct {
	registry    *registry.Registry
	logger      *slog.Logger
	metrics     *engineMetrics
	core        *metric.Metrics
	poolMetrics *worker.Metrics

	contexts *contextstore.Store
	channels *observe.Channels
	bus      *events.Bus
	env      env.Resolver
	recorder DeploymentRecorder

	mode          DeployMode
	workers       int
	stopGrace     time.Duration
	stopTimeout   time.Duration
	statusHistory int
	debugHistory  int
	eventHistory  int

	// opMu serializes Deploy, Start and Stop
	opMu sync.Mutex

	mu       sync.RWMutex
	flows    map[string]*flow.Flow
	desc     *model.Descriptor
	revision string
	running  bool
}

// New creates an engine with no deployment. A nil metrics registry
// disables metrics.
func New(reg *registry.Registry, logger *slog.Logger, metricsRegistry *metric.MetricsRegistry, opts ...Option) (*Engine, error) {
	if reg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "New", "registry is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		registry:      reg,
		logger:        logger.With("component", "engine"),
		env:           env.OS(),
		mode:          DeployFlows,
		statusHistory: 256,
		debugHistory:  256,
		eventHistory:  256,
		flows:         make(map[string]*flow.Flow),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.contexts == nil {
		e.contexts = contextstore.New()
	}

	metrics, err := newEngineMetrics(metricsRegistry)
	if err != nil {
		e.logger.Error("Failed to initialize engine metrics", "error", err)
		metrics = nil // Continue without metrics
	}
	e.metrics = metrics

	poolMetrics, err := worker.NewMetrics(metricsRegistry, "dispatch")
	if err != nil {
		e.logger.Error("Failed to initialize dispatch metrics", "error", err)
		poolMetrics = nil
	}
	e.poolMetrics = poolMetrics

	var chanOpts []observe.Option
	if metricsRegistry != nil {
		e.core = metricsRegistry.CoreMetrics()
		chanOpts = append(chanOpts, observe.WithMetrics(metricsRegistry))
	}
	e.channels, err = observe.NewChannels(e.statusHistory, e.debugHistory, chanOpts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Engine", "New", "create observation channels")
	}
	e.bus, err = events.NewBus(e.eventHistory, chanOpts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Engine", "New", "create event bus")
	}
	return e, nil
}

func (e *Engine) flowOptions(revision string) flow.Options {
	return flow.Options{
		Registry:    e.registry,
		Contexts:    e.contexts,
		Env:         e.env,
		Observe:     e.channels,
		Events:      e.bus,
		Logger:      e.logger,
		Metrics:     e.core,
		PoolMetrics: e.poolMetrics,
		Workers:     e.workers,
		StopGrace:   e.stopGrace,
		StopTimeout: e.stopTimeout,
		Revision:    revision,
	}
}

// Start starts every deployed flow. Flows deployed while the engine runs
// start as part of their deployment. Starting after Stop rebuilds the
// flows from the current deployment.
func (e *Engine) Start(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	start := time.Now()
	success := false
	defer func() {
		e.metrics.recordStart(success, time.Since(start).Seconds())
	}()

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Start", "engine state check")
	}
	current := e.sortedFlowsLocked()
	revision := e.revision
	e.mu.Unlock()

	fresh, err := e.rebuildStopped(current, revision)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, f := range fresh {
		e.flows[f.ID()] = f
	}
	current = e.sortedFlowsLocked()
	e.running = true
	e.mu.Unlock()

	if err := startAll(ctx, current); err != nil {
		return errors.WrapFatal(err, "Engine", "Start", "start flows")
	}
	e.metrics.setActiveFlows(len(current))
	e.logger.Info("Engine started", "flows", len(current), "revision", revision)
	success = true
	return nil
}

// rebuildStopped builds a fresh flow for every flow that already ran.
// All or none are returned.
func (e *Engine) rebuildStopped(flows []*flow.Flow, revision string) ([]*flow.Flow, error) {
	var fresh []*flow.Flow
	for _, f := range flows {
		if !f.Stopped() {
			continue
		}
		nf, err := flow.Build(f.Definition(), e.flowOptions(revision))
		if err != nil {
			discardAll(fresh)
			return nil, err
		}
		fresh = append(fresh, nf)
	}
	return fresh, nil
}

// Stop stops every flow and waits for each to drain or be abandoned
func (e *Engine) Stop(ctx context.Context) ([]flow.StopReport, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	start := time.Now()
	success := false
	defer func() {
		e.metrics.recordStop(success, time.Since(start).Seconds())
	}()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrNotStarted, "Engine", "Stop", "engine state check")
	}
	e.running = false
	current := e.sortedFlowsLocked()
	e.mu.Unlock()

	reports := stopAll(ctx, current, e.logger)
	e.metrics.setActiveFlows(0)
	e.logger.Info("Engine stopped", "flows", len(current))
	success = true
	return reports, nil
}

// Close stops the engine if it runs and ends all observation streams
func (e *Engine) Close(ctx context.Context) error {
	var err error
	if e.Running() {
		_, err = e.Stop(ctx)
	}
	e.channels.Close()
	e.bus.Close()
	return err
}

// Inject delivers a message to an input port of a node in a running flow
func (e *Engine) Inject(flowID, nodeID string, port int, msg *node.Message) error {
	e.mu.RLock()
	f, ok := e.flows[flowID]
	e.mu.RUnlock()
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("flow %q is not deployed", flowID), "Engine", "Inject", "flow lookup")
	}
	return f.Inject(nodeID, port, msg)
}

// FlowInfo summarizes one deployed flow
type FlowInfo struct {
	ID          string     `json:"id"`
	Label       string     `json:"label,omitempty"`
	Fingerprint string     `json:"fingerprint"`
	Running     bool       `json:"running"`
	Nodes       []string   `json:"nodes"`
	Stats       flow.Stats `json:"stats"`
}

// Flows describes the deployed flows sorted by id
func (e *Engine) Flows() []FlowInfo {
	e.mu.RLock()
	current := e.sortedFlowsLocked()
	e.mu.RUnlock()

	out := make([]FlowInfo, 0, len(current))
	for _, f := range current {
		out = append(out, FlowInfo{
			ID:          f.ID(),
			Label:       f.Label(),
			Fingerprint: f.Fingerprint(),
			Running:     f.Running(),
			Nodes:       f.NodeIDs(),
			Stats:       f.Stats(),
		})
	}
	return out
}

// Flow returns a deployed flow
func (e *Engine) Flow(id string) (*flow.Flow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.flows[id]
	return f, ok
}

// Running reports whether the engine was started and not stopped
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Revision returns the id of the current deployment
func (e *Engine) Revision() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.revision
}

// Descriptor returns a copy of the current deployment, nil before the
// first deployment
func (e *Engine) Descriptor() *model.Descriptor {
	e.mu.RLock()
	desc := e.desc
	e.mu.RUnlock()
	if desc == nil {
		return nil
	}
	out, err := desc.Clone()
	if err != nil {
		e.logger.Error("Failed to copy descriptor", "error", err)
		return nil
	}
	return out
}

// Status returns the status channel
func (e *Engine) Status() *observe.Channel[observe.Record] { return e.channels.Status }

// Debug returns the debug channel
func (e *Engine) Debug() *observe.Channel[observe.Record] { return e.channels.Debug }

// Events returns the engine event bus
func (e *Engine) Events() *events.Bus { return e.bus }

// Contexts returns the context store
func (e *Engine) Contexts() *contextstore.Store { return e.contexts }

func (e *Engine) sortedFlowsLocked() []*flow.Flow {
	out := make([]*flow.Flow, 0, len(e.flows))
	for _, f := range e.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func startAll(ctx context.Context, flows []*flow.Flow) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range flows {
		if f.Running() {
			continue
		}
		g.Go(func() error {
			return f.Start(gctx)
		})
	}
	return g.Wait()
}

// stopAll stops flows concurrently, skipping flows already stopped. Stop
// failures are logged; a flow that fails to stop cleanly is still released.
func stopAll(ctx context.Context, flows []*flow.Flow, logger *slog.Logger) []flow.StopReport {
	reports := make([]flow.StopReport, len(flows))
	var g errgroup.Group
	for i, f := range flows {
		if f.Stopped() {
			reports[i] = flow.StopReport{FlowID: f.ID(), Drained: true}
			continue
		}
		g.Go(func() error {
			report, err := f.Stop(ctx)
			if err != nil {
				logger.Warn("Flow stop failed", "flow_id", f.ID(), "error", err)
			}
			reports[i] = report
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func discardAll(flows []*flow.Flow) {
	for _, f := range flows {
		f.Discard()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
