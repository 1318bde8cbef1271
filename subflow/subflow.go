// Package subflow flattens subflow instances into the flows that use them.
//
// Every instance node of type "subflow:<template>" is replaced by a copy of
// the template's nodes. Copied nodes get ids derived from the instance id
// and the template node id, so repeated deployments of an unchanged
// template produce the same ids and node context survives the redeploy.
// Wires into the instance's input ports are redirected to the template's
// entry nodes; template nodes feeding an output port are wired to whatever
// the instance's output port was wired to. Nested instances are expanded
// in turn until no instance remains.
package subflow

import (
	"maps"

	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/model"
)

// Built-in variables added to the env of every node copied from a template
const (
	EnvSubflowID   = "NR_SUBFLOW_ID"
	EnvSubflowName = "NR_SUBFLOW_NAME"
	EnvSubflowPath = "NR_SUBFLOW_PATH"
)

var idNamespace = uuid.MustParse("8c0e4b9e-5f8a-4c55-9d4b-2a8f3f2c6e11")

// InternalID derives the id of a template node copied into an instance
func InternalID(instanceID, nodeID string) string {
	return uuid.NewSHA1(idNamespace, []byte(instanceID+"/"+nodeID)).String()
}

// CheckCycles fails with a SubflowCycle error when a template instantiates
// itself directly or through other templates.
func CheckCycles(desc *model.Descriptor) error {
	const (
		unvisited = iota
		visiting
		done
	)

	deps := make(map[string][]string, len(desc.Subflows))
	for _, sf := range desc.Subflows {
		for _, n := range sf.Nodes {
			if ref, ok := n.SubflowRef(); ok {
				deps[sf.ID] = append(deps[sf.ID], ref)
			}
		}
	}

	color := make(map[string]int, len(desc.Subflows))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = visiting
		stack = append(stack, id)
		for _, next := range deps[id] {
			switch color[next] {
			case visiting:
				path := []string{next}
				for i := len(stack) - 1; i >= 0 && stack[i] != next; i-- {
					path = append([]string{stack[i]}, path...)
				}
				return errors.SubflowCycle(append([]string{next}, path...))
			case unvisited:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = done
		return nil
	}

	for _, sf := range desc.Subflows {
		if color[sf.ID] == unvisited {
			if err := visit(sf.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Expand returns the flows of desc with every subflow instance inlined.
// desc is not modified. The descriptor must have passed Validate.
func Expand(desc *model.Descriptor) ([]model.FlowDef, error) {
	if err := CheckCycles(desc); err != nil {
		return nil, err
	}

	templates := make(map[string]*model.SubflowDef, len(desc.Subflows))
	for i := range desc.Subflows {
		templates[desc.Subflows[i].ID] = &desc.Subflows[i]
	}

	out := make([]model.FlowDef, 0, len(desc.Flows))
	for i := range desc.Flows {
		flat, err := expandFlow(&desc.Flows[i], templates)
		if err != nil {
			return nil, err
		}
		out = append(out, flat)
	}
	return out, nil
}

type portKey struct {
	node string
	port int
}

type expander struct {
	flowID    string
	templates map[string]*model.SubflowDef
	nodes     []model.NodeDef
	// inherited is the env a copied node receives from the instances
	// enclosing it, before its own env is applied
	inherited map[string]map[string]string
	// path is the chain of instance ids enclosing a copied node
	path map[string]string
}

func expandFlow(f *model.FlowDef, templates map[string]*model.SubflowDef) (model.FlowDef, error) {
	var flat model.FlowDef
	if err := deepcopy.Copy(&flat, *f); err != nil {
		return model.FlowDef{}, errors.WrapFatal(err, "subflow", "Expand", "copy flow")
	}

	x := &expander{
		flowID:    f.ID,
		templates: templates,
		nodes:     flat.Nodes,
		inherited: make(map[string]map[string]string),
		path:      make(map[string]string),
	}

	for {
		idx := x.nextInstance()
		if idx < 0 {
			break
		}
		if err := x.inline(idx); err != nil {
			return model.FlowDef{}, err
		}
	}

	for i := range x.nodes {
		n := &x.nodes[i]
		if base, ok := x.inherited[n.ID]; ok {
			n.Env = merge(base, n.Env)
		}
	}
	if x.nodes == nil {
		x.nodes = []model.NodeDef{}
	}
	flat.Nodes = x.nodes
	return flat, nil
}

func (x *expander) nextInstance() int {
	for i := range x.nodes {
		if _, ok := x.nodes[i].SubflowRef(); ok {
			return i
		}
	}
	return -1
}

// inline replaces the instance at idx with a copy of its template
func (x *expander) inline(idx int) error {
	inst := x.nodes[idx]
	x.nodes = append(x.nodes[:idx:idx], x.nodes[idx+1:]...)

	ref, _ := inst.SubflowRef()
	tmpl, ok := x.templates[ref]
	if !ok {
		return errors.Malformed(x.flowID, inst.ID, "unknown subflow template %q", ref)
	}

	if inst.Disabled {
		x.rewrite(inst.ID, map[portKey][]model.Target{})
		return nil
	}

	ids := make(map[string]string, len(tmpl.Nodes))
	for _, tn := range tmpl.Nodes {
		ids[tn.ID] = InternalID(inst.ID, tn.ID)
	}

	name := inst.Name
	if name == "" {
		name = tmpl.Name
	}
	path := inst.ID
	if parent, ok := x.path[inst.ID]; ok {
		path = parent + "/" + inst.ID
	}
	scope := merge(x.inherited[inst.ID], map[string]string{
		EnvSubflowID:   inst.ID,
		EnvSubflowName: name,
		EnvSubflowPath: path,
	})
	scope = merge(scope, tmpl.Env)
	scope = merge(scope, inst.Env)

	copies := make([]model.NodeDef, 0, len(tmpl.Nodes))
	for _, tn := range tmpl.Nodes {
		var n model.NodeDef
		if err := deepcopy.Copy(&n, tn); err != nil {
			return errors.WrapFatal(err, "subflow", "Expand", "copy template node")
		}
		n.ID = ids[tn.ID]
		n.FlowID = x.flowID
		n.GroupID = ""
		for p := range n.Wires {
			for t := range n.Wires[p] {
				n.Wires[p][t].NodeID = ids[n.Wires[p][t].NodeID]
			}
		}
		x.inherited[n.ID] = scope
		x.path[n.ID] = path
		copies = append(copies, n)
	}
	position := make(map[string]int, len(copies))
	for i := range copies {
		position[copies[i].ID] = i
	}

	outputs := func(p int) []model.Target {
		if p < len(inst.Wires) {
			return inst.Wires[p]
		}
		return nil
	}

	// Template nodes feeding an output port send to the instance's targets.
	for p, out := range tmpl.Out {
		for _, src := range out.Wires {
			if src.NodeID == tmpl.ID {
				continue
			}
			n := &copies[position[ids[src.NodeID]]]
			for len(n.Wires) <= src.Port {
				n.Wires = append(n.Wires, nil)
			}
			n.Wires[src.Port] = appendUnique(n.Wires[src.Port], outputs(p)...)
		}
	}

	// Input ports resolve to entry nodes and to passthrough outputs.
	redirect := make(map[portKey][]model.Target, len(tmpl.In))
	for p, in := range tmpl.In {
		key := portKey{inst.ID, p}
		for _, t := range in.Wires {
			redirect[key] = appendUnique(redirect[key], model.Target{NodeID: ids[t.NodeID], Port: t.Port})
		}
		for q, out := range tmpl.Out {
			for _, src := range out.Wires {
				if src.NodeID == tmpl.ID && src.Port == p {
					redirect[key] = appendUnique(redirect[key], outputs(q)...)
				}
			}
		}
	}
	closeRedirects(inst.ID, redirect)

	x.nodes = append(x.nodes, copies...)
	x.rewrite(inst.ID, redirect)
	return nil
}

// closeRedirects resolves passthroughs that loop back into the same
// instance. A loop with no node in it carries nothing and is dropped.
func closeRedirects(instID string, redirect map[portKey][]model.Target) {
	resolved := make(map[portKey][]model.Target, len(redirect))
	var resolve func(key portKey, seen map[portKey]bool) []model.Target
	resolve = func(key portKey, seen map[portKey]bool) []model.Target {
		if seen[key] {
			return nil
		}
		seen[key] = true
		var out []model.Target
		for _, t := range redirect[key] {
			if t.NodeID == instID {
				out = appendUnique(out, resolve(portKey{instID, t.Port}, seen)...)
				continue
			}
			out = appendUnique(out, t)
		}
		return out
	}
	for key := range redirect {
		resolved[key] = resolve(key, map[portKey]bool{})
	}
	maps.Copy(redirect, resolved)
}

// rewrite replaces every wire into the removed instance with its redirect
func (x *expander) rewrite(instID string, redirect map[portKey][]model.Target) {
	for i := range x.nodes {
		n := &x.nodes[i]
		for p, targets := range n.Wires {
			if !targetsNode(targets, instID) {
				continue
			}
			var out []model.Target
			for _, t := range targets {
				if t.NodeID == instID {
					out = appendUnique(out, redirect[portKey{instID, t.Port}]...)
					continue
				}
				out = appendUnique(out, t)
			}
			n.Wires[p] = out
		}
	}
}

func targetsNode(targets []model.Target, id string) bool {
	for _, t := range targets {
		if t.NodeID == id {
			return true
		}
	}
	return false
}

func appendUnique(dst []model.Target, ts ...model.Target) []model.Target {
	for _, t := range ts {
		dup := false
		for _, d := range dst {
			if d == t {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, t)
		}
	}
	return dst
}

// merge returns base overlaid by over; neither input is modified
func merge(base, over map[string]string) map[string]string {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(over))
	maps.Copy(out, base)
	maps.Copy(out, over)
	return out
}
