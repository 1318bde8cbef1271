package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/events"
	"github.com/c360/semflow/flow"
	"github.com/c360/semflow/model"
	"github.com/c360/semflow/subflow"
)

// DeployResult lists what a deployment changed, by flow id
type DeployResult struct {
	Revision  string   `json:"revision"`
	Added     []string `json:"added,omitempty"`
	Replaced  []string `json:"replaced,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
}

// DeployJSON parses a deployment in either the native or the Node-RED
// export format and deploys it
func (e *Engine) DeployJSON(ctx context.Context, data []byte) (DeployResult, error) {
	desc, err := model.Parse(data)
	if err != nil {
		e.reject("", err)
		return DeployResult{}, err
	}
	return e.Deploy(ctx, desc)
}

// Deploy activates a deployment. The descriptor is validated and expanded
// and every new or changed flow is built before anything running is
// touched; any failure leaves the previous deployment in place. Flows that
// changed or disappeared are then stopped, and the new flows start if the
// engine is running. Disabled flows count as absent.
func (e *Engine) Deploy(ctx context.Context, desc *model.Descriptor) (DeployResult, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	start := time.Now()
	revision := uuid.NewString()
	e.registry.Seal()

	result, err := e.deploy(ctx, revision, desc)
	e.metrics.recordDeploy(err == nil, time.Since(start).Seconds())
	if err != nil {
		e.reject(revision, err)
		return DeployResult{}, err
	}
	e.metrics.recordChanges(result)
	return result, nil
}

func (e *Engine) reject(revision string, err error) {
	e.metrics.recordRejection(err)
	e.logger.Warn("Deployment rejected", "revision", revision, "error", err)

	ev := events.Event{Kind: events.DeployRejected, Revision: revision, Error: err.Error()}
	var de *errors.DeploymentError
	if errors.As(err, &de) {
		ev.FlowID = de.FlowID
		ev.NodeID = de.NodeID
	}
	if kind := errors.KindOf(err); kind != nil {
		ev.ErrorKind = kind.Error()
	}
	e.bus.Publish(ev)
}

func (e *Engine) deploy(ctx context.Context, revision string, desc *model.Descriptor) (DeployResult, error) {
	if err := desc.Validate(); err != nil {
		return DeployResult{}, err
	}
	expanded, err := subflow.Expand(desc)
	if err != nil {
		return DeployResult{}, err
	}
	snapshot, err := desc.Clone()
	if err != nil {
		return DeployResult{}, errors.WrapFatal(err, "Engine", "Deploy", "copy descriptor")
	}

	e.mu.RLock()
	previous := make(map[string]*flow.Flow, len(e.flows))
	for id, f := range e.flows {
		previous[id] = f
	}
	running := e.running
	deployed := e.desc
	e.mu.RUnlock()

	result := DeployResult{Revision: revision}
	wanted := make(map[string]bool, len(expanded))
	var toBuild []model.FlowDef
	for _, def := range expanded {
		if def.Disabled {
			continue
		}
		wanted[def.ID] = true
		old, exists := previous[def.ID]
		switch {
		case !exists:
			result.Added = append(result.Added, def.ID)
		case e.mode == DeployFlows && !old.Stopped() && old.Fingerprint() == model.Fingerprint(def):
			result.Unchanged = append(result.Unchanged, def.ID)
			continue
		default:
			result.Replaced = append(result.Replaced, def.ID)
		}
		toBuild = append(toBuild, def)
	}
	var retired []*flow.Flow
	for _, id := range sortedKeys(previous) {
		if !wanted[id] {
			result.Removed = append(result.Removed, id)
			retired = append(retired, previous[id])
		}
	}
	for _, id := range result.Replaced {
		retired = append(retired, previous[id])
	}

	built := make([]*flow.Flow, 0, len(toBuild))
	for _, def := range toBuild {
		f, err := flow.Build(def, e.flowOptions(revision))
		if err != nil {
			discardAll(built)
			e.restoreContextParents(previous)
			e.releaseRejectedContexts(deployed)
			return DeployResult{}, err
		}
		built = append(built, f)
	}

	// Point of no return: everything new is built.
	removedNodes := nodeSet(retired)
	stopAll(ctx, retired, e.logger)

	e.mu.Lock()
	for _, f := range retired {
		delete(e.flows, f.ID())
	}
	for _, f := range built {
		e.flows[f.ID()] = f
	}
	e.desc = snapshot
	e.revision = revision
	active := len(e.flows)
	e.mu.Unlock()

	e.retainContexts(expanded)

	if running {
		if err := startAll(ctx, built); err != nil {
			e.logger.Error("Failed to start deployed flows", "revision", revision, "error", err)
		}
		e.metrics.setActiveFlows(active)
	}

	addedNodes := nodeSet(built)
	for id := range removedNodes {
		if _, still := addedNodes[id]; still {
			delete(removedNodes, id)
			delete(addedNodes, id)
		}
	}
	e.publishNodeChanges(revision, removedNodes, events.NodeRemoved)
	e.publishNodeChanges(revision, addedNodes, events.NodeAdded)
	e.bus.Publish(events.Event{Kind: events.DeployAccepted, Revision: revision})

	e.logger.Info("Deployment accepted",
		"revision", revision,
		"added", len(result.Added),
		"replaced", len(result.Replaced),
		"removed", len(result.Removed),
		"unchanged", len(result.Unchanged))

	if e.recorder != nil {
		if err := e.recorder.RecordDeployment(ctx, revision, snapshot); err != nil {
			e.logger.Warn("Failed to record deployment", "revision", revision, "error", err)
		}
	}
	return result, nil
}

// restoreContextParents undoes scope re-parenting done while building a
// rejected deployment
func (e *Engine) restoreContextParents(flows map[string]*flow.Flow) {
	for id, f := range flows {
		for _, nodeID := range f.NodeIDs() {
			e.contexts.Node(id, nodeID)
		}
	}
}

// releaseRejectedContexts drops the scopes a rejected build created for
// flows and nodes the current deployment does not have
func (e *Engine) releaseRejectedContexts(deployed *model.Descriptor) {
	var defs []model.FlowDef
	if deployed != nil {
		expanded, err := subflow.Expand(deployed)
		if err != nil {
			e.logger.Warn("Failed to expand current deployment", "error", err)
			return
		}
		defs = expanded
	}
	e.retainContexts(defs)
}

// retainContexts drops context of flows and nodes no longer deployed.
// Disabled flows and nodes keep theirs.
func (e *Engine) retainContexts(expanded []model.FlowDef) {
	flowIDs := make(map[string]bool, len(expanded))
	nodeIDs := make(map[string]bool)
	for _, def := range expanded {
		flowIDs[def.ID] = true
		for _, n := range def.Nodes {
			nodeIDs[n.ID] = true
		}
	}
	flows, nodes := e.contexts.Retain(flowIDs, nodeIDs)
	if flows > 0 || nodes > 0 {
		e.logger.Debug("Dropped context of undeployed scopes", "flows", flows, "nodes", nodes)
	}
}

func (e *Engine) publishNodeChanges(revision string, nodes map[string]string, kind events.Kind) {
	for _, id := range sortedKeys(nodes) {
		e.bus.Publish(events.Event{Kind: kind, Revision: revision, FlowID: nodes[id], NodeID: id})
	}
}

// nodeSet maps node id to flow id
func nodeSet(flows []*flow.Flow) map[string]string {
	out := make(map[string]string)
	for _, f := range flows {
		for _, id := range f.NodeIDs() {
			out[id] = f.ID()
		}
	}
	return out
}
