// Package flow runs one deployed, flattened graph of nodes.
//
// A Flow owns its node instances and the routing table between them. Nodes
// never hold references to each other: an emission names an output port,
// and the routing table maps (node, port) to the downstream (node, port)
// pairs. Deliveries go through a per-node mailbox drained by a worker
// pool, so a node handles one message at a time while different nodes run
// concurrently, and cyclic graphs never grow the call stack.
package flow

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/c360/semflow/contextstore"
	"github.com/c360/semflow/env"
	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/model"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/pkg/worker"
	"github.com/c360/semflow/registry"
)

// Built-in variables available to every node's config
const (
	EnvNodeID   = "NR_NODE_ID"
	EnvNodeName = "NR_NODE_NAME"
	EnvFlowID   = "NR_FLOW_ID"
	EnvFlowName = "NR_FLOW_NAME"
)

type flowState int32

const (
	stateBuilt flowState = iota
	stateRunning
	// stateDraining refuses Inject but keeps dispatching queued deliveries
	// and routing their emissions
	stateDraining
	stateStopping
	stateStopped
)

// Flow is one running graph
type Flow struct {
	def         model.FlowDef
	fingerprint string
	opts        Options
	logger      *slog.Logger
	scope       *contextstore.Scope

	instances map[string]*instance
	order     []*instance
	routes    map[string][][]model.Target

	pool *worker.Pool[*instance]

	mu    sync.Mutex
	state atomic.Int32
	run   runContext

	inflight tracker
	seq      atomic.Uint64

	delivered atomic.Int64
	dropped   atomic.Int64
	errored   atomic.Int64
}

// instance is a node inside a flow
type instance struct {
	flow     *Flow
	def      model.NodeDef
	inputs   int
	behavior node.Behavior
	life     node.Lifecycle
	scope    *contextstore.Scope
	logger   *slog.Logger

	mu        sync.Mutex
	mailbox   []delivery
	scheduled bool
	busy      bool
	pending   []func(ctx context.Context) error

	// calls counts the OnMessage invocation in progress, if any
	calls tracker
	tasks atomic.Int32
}

type delivery struct {
	port int
	msg  *node.Message
}

// Build constructs every enabled node of def. Nothing is started. On any
// error the nodes built so far are discarded and no flow is returned.
func Build(def model.FlowDef, opts Options) (*Flow, error) {
	if opts.Registry == nil || opts.Contexts == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Flow", "Build", "registry and context store are required")
	}
	opts.applyDefaults()

	f := &Flow{
		def:         def,
		fingerprint: model.Fingerprint(def),
		opts:        opts,
		logger:      opts.Logger.With("flow_id", def.ID),
		scope:       opts.Contexts.Flow(def.ID),
		instances:   make(map[string]*instance, len(def.Nodes)),
		routes:      make(map[string][][]model.Target, len(def.Nodes)),
	}

	flowEnv := env.Map(def.Env)
	for _, nd := range def.Nodes {
		if nd.Disabled {
			continue
		}
		inst, err := f.construct(nd, flowEnv)
		if err != nil {
			f.Discard()
			return nil, err
		}
		f.instances[nd.ID] = inst
		f.order = append(f.order, inst)
	}

	if err := f.buildRoutes(); err != nil {
		f.Discard()
		return nil, err
	}

	f.pool = worker.NewPool[*instance](opts.Workers, len(f.order)+1, f.process,
		worker.WithMetrics[*instance](opts.PoolMetrics, "flow_"+def.ID))
	return f, nil
}

func (f *Flow) construct(nd model.NodeDef, flowEnv env.Map) (*instance, error) {
	nd.FlowID = f.def.ID
	reg, err := f.opts.Registry.Lookup(nd.Type)
	if err != nil {
		return nil, errors.UnknownType(f.def.ID, nd.ID, nd.Type)
	}

	builtins := env.Map{
		EnvNodeID:   nd.ID,
		EnvNodeName: nd.Name,
		EnvFlowID:   f.def.ID,
		EnvFlowName: f.def.Label,
	}
	resolver := env.Chain{env.Map(nd.Env), flowEnv, builtins, f.opts.Env}
	nd.Config = env.ExpandConfig(nd.Config, resolver)

	inst := &instance{
		flow:   f,
		def:    nd,
		inputs: reg.Inputs,
		scope:  f.opts.Contexts.Node(f.def.ID, nd.ID),
		logger: f.logger.With("node_id", nd.ID, "node_type", nd.Type),
	}

	b, err := f.opts.Registry.Construct(registry.Config{
		Def:     nd,
		Context: inst.scope,
		Env:     resolver,
		Logger:  inst.logger,
	})
	if err != nil {
		return nil, err
	}
	inst.behavior = b

	if reg.Outputs != registry.DynamicPorts {
		for port := reg.Outputs; port < len(nd.Wires); port++ {
			if len(nd.Wires[port]) > 0 {
				return nil, errors.Malformed(f.def.ID, nd.ID, "output %d wired, type %q has %d outputs", port, nd.Type, reg.Outputs)
			}
		}
	}
	return inst, nil
}

// buildRoutes keeps only wires whose target is an enabled node of this flow
func (f *Flow) buildRoutes() error {
	for _, inst := range f.order {
		ports := make([][]model.Target, len(inst.def.Wires))
		for port, targets := range inst.def.Wires {
			for _, t := range targets {
				target, ok := f.instances[t.NodeID]
				if !ok {
					continue
				}
				if t.Port < 0 || t.Port >= target.inputs {
					return errors.Malformed(f.def.ID, inst.def.ID,
						"output %d wired to input %d of %q, which has %d inputs", port, t.Port, t.NodeID, target.inputs)
				}
				ports[port] = append(ports[port], t)
			}
		}
		f.routes[inst.def.ID] = ports
	}
	return nil
}

// ID returns the flow id
func (f *Flow) ID() string { return f.def.ID }

// Label returns the flow label
func (f *Flow) Label() string { return f.def.Label }

// Fingerprint identifies the definition the flow was built from
func (f *Flow) Fingerprint() string { return f.fingerprint }

// Definition returns the flattened definition the flow was built from
func (f *Flow) Definition() model.FlowDef { return f.def }

// NodeIDs returns the ids of the flow's node instances in sorted order
func (f *Flow) NodeIDs() []string {
	ids := make([]string, 0, len(f.order))
	for _, inst := range f.order {
		ids = append(ids, inst.def.ID)
	}
	sort.Strings(ids)
	return ids
}

// NodeState returns the lifecycle state of a node
func (f *Flow) NodeState(nodeID string) (node.State, bool) {
	inst, ok := f.instances[nodeID]
	if !ok {
		return 0, false
	}
	return inst.life.Current(), true
}

// Running reports whether the flow accepts deliveries from outside
func (f *Flow) Running() bool {
	return flowState(f.state.Load()) == stateRunning
}

// dispatching reports whether queued deliveries and emissions are still
// processed, which stays true while Stop drains the flow
func (f *Flow) dispatching() bool {
	switch flowState(f.state.Load()) {
	case stateRunning, stateDraining:
		return true
	default:
		return false
	}
}

// Stopped reports whether the flow was stopped or discarded. A stopped
// flow cannot be started again.
func (f *Flow) Stopped() bool {
	return flowState(f.state.Load()) == stateStopped
}

// Stats is a snapshot of a flow's counters
type Stats struct {
	FlowID    string           `json:"flow_id"`
	Nodes     int              `json:"nodes"`
	Running   int              `json:"running"`
	Errored   int              `json:"errored"`
	Delivered int64            `json:"delivered"`
	Dropped   int64            `json:"dropped"`
	Errors    int64            `json:"errors"`
	InFlight  int              `json:"in_flight"`
	Pool      worker.PoolStats `json:"pool"`
}

// Stats returns the flow's counters
func (f *Flow) Stats() Stats {
	s := Stats{
		FlowID:    f.def.ID,
		Nodes:     len(f.order),
		Delivered: f.delivered.Load(),
		Dropped:   f.dropped.Load(),
		Errors:    f.errored.Load(),
		InFlight:  f.inflight.count(),
	}
	for _, inst := range f.order {
		switch inst.life.Current() {
		case node.StateRunning:
			s.Running++
		case node.StateErrored:
			s.Errored++
		}
	}
	if f.pool != nil {
		s.Pool = f.pool.Stats()
	}
	return s
}
