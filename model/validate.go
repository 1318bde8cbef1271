package model

import (
	"github.com/c360/semflow/errors"
)

// Validate checks the structural rules of a deployment: unique non-empty
// ids, known wire targets, known subflow templates and consistent boundary
// ports. It reports the first violation as a MalformedDeployment error.
// Subflow cycles are detected by the expander.
func (d *Descriptor) Validate() error {
	if d == nil {
		return errors.Malformed("", "", "descriptor is nil")
	}

	templates := make(map[string]*SubflowDef, len(d.Subflows))
	for i := range d.Subflows {
		sf := &d.Subflows[i]
		if sf.ID == "" {
			return errors.Malformed("", "", "subflow at index %d has empty id", i)
		}
		if _, dup := templates[sf.ID]; dup {
			return errors.Malformed(sf.ID, "", "duplicate subflow id")
		}
		templates[sf.ID] = sf
	}

	flowIDs := make(map[string]bool, len(d.Flows))
	for i := range d.Flows {
		f := &d.Flows[i]
		if f.ID == "" {
			return errors.Malformed("", "", "flow at index %d has empty id", i)
		}
		if flowIDs[f.ID] {
			return errors.Malformed(f.ID, "", "duplicate flow id")
		}
		if _, clash := templates[f.ID]; clash {
			return errors.Malformed(f.ID, "", "flow id collides with a subflow id")
		}
		flowIDs[f.ID] = true
	}

	// Node ids are unique across the whole deployment.
	seen := make(map[string]string)
	claim := func(container, id string) error {
		if prev, dup := seen[id]; dup {
			return errors.Malformed(container, id, "duplicate node id (also in %s)", prev)
		}
		if flowIDs[id] {
			return errors.Malformed(container, id, "node id collides with a flow id")
		}
		if _, clash := templates[id]; clash {
			return errors.Malformed(container, id, "node id collides with a subflow id")
		}
		seen[id] = container
		return nil
	}

	for i := range d.ConfigNodes {
		n := &d.ConfigNodes[i]
		if err := checkNodeIdentity("", i, n); err != nil {
			return err
		}
		if err := claim("config", n.ID); err != nil {
			return err
		}
	}

	for i := range d.Subflows {
		sf := &d.Subflows[i]
		index, err := indexNodes(sf.ID, sf.Nodes, claim)
		if err != nil {
			return err
		}
		if err := validateWires(sf.ID, sf.Nodes, index, templates); err != nil {
			return err
		}
		if err := validatePorts(sf, index, templates); err != nil {
			return err
		}
	}

	for i := range d.Flows {
		f := &d.Flows[i]
		index, err := indexNodes(f.ID, f.Nodes, claim)
		if err != nil {
			return err
		}
		for _, n := range f.Nodes {
			if n.FlowID != "" && n.FlowID != f.ID {
				return errors.Malformed(f.ID, n.ID, "node claims flow %q", n.FlowID)
			}
		}
		if err := validateWires(f.ID, f.Nodes, index, templates); err != nil {
			return err
		}
		if err := validateGroups(f, index); err != nil {
			return err
		}
	}

	return nil
}

func checkNodeIdentity(container string, i int, n *NodeDef) error {
	if n.ID == "" {
		return errors.Malformed(container, "", "node at index %d has empty id", i)
	}
	if n.Type == "" {
		return errors.Malformed(container, n.ID, "node has empty type")
	}
	return nil
}

func indexNodes(container string, nodes []NodeDef, claim func(container, id string) error) (map[string]*NodeDef, error) {
	index := make(map[string]*NodeDef, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if err := checkNodeIdentity(container, i, n); err != nil {
			return nil, err
		}
		if err := claim(container, n.ID); err != nil {
			return nil, err
		}
		index[n.ID] = n
	}
	return index, nil
}

// validateWires checks that every wire stays inside its container and that
// subflow instances reference known templates with matching port counts.
func validateWires(container string, nodes []NodeDef, index map[string]*NodeDef, templates map[string]*SubflowDef) error {
	for _, n := range nodes {
		if ref, ok := n.SubflowRef(); ok {
			tmpl, known := templates[ref]
			if !known {
				return errors.Malformed(container, n.ID, "unknown subflow template %q", ref)
			}
			if len(n.Wires) > len(tmpl.Out) {
				return errors.Malformed(container, n.ID,
					"instance wires %d output ports, template %q has %d", len(n.Wires), ref, len(tmpl.Out))
			}
		}

		for port, targets := range n.Wires {
			for _, t := range targets {
				target, ok := index[t.NodeID]
				if !ok {
					return errors.Malformed(container, n.ID, "output %d wired to unknown node %q", port, t.NodeID)
				}
				if t.Port < 0 {
					return errors.Malformed(container, n.ID, "output %d wired to negative input port on %q", port, t.NodeID)
				}
				if ref, isInstance := target.SubflowRef(); isInstance {
					if tmpl, known := templates[ref]; known && t.Port >= len(tmpl.In) {
						return errors.Malformed(container, n.ID,
							"output %d wired to input %d of %q, template has %d", port, t.Port, t.NodeID, len(tmpl.In))
					}
				}
			}
		}
	}
	return nil
}

func validatePorts(sf *SubflowDef, index map[string]*NodeDef, templates map[string]*SubflowDef) error {
	for p, in := range sf.In {
		for _, t := range in.Wires {
			target, ok := index[t.NodeID]
			if !ok {
				return errors.Malformed(sf.ID, "", "input %d wired to unknown node %q", p, t.NodeID)
			}
			if t.Port < 0 {
				return errors.Malformed(sf.ID, "", "input %d wired to negative port on %q", p, t.NodeID)
			}
			if ref, isInstance := target.SubflowRef(); isInstance {
				if tmpl, known := templates[ref]; known && t.Port >= len(tmpl.In) {
					return errors.Malformed(sf.ID, "", "input %d wired to missing input %d of %q", p, t.Port, t.NodeID)
				}
			}
		}
	}
	for p, out := range sf.Out {
		for _, src := range out.Wires {
			if src.NodeID == sf.ID {
				if src.Port < 0 || src.Port >= len(sf.In) {
					return errors.Malformed(sf.ID, "", "output %d passes through missing input %d", p, src.Port)
				}
				continue
			}
			if _, ok := index[src.NodeID]; !ok {
				return errors.Malformed(sf.ID, "", "output %d fed by unknown node %q", p, src.NodeID)
			}
			if src.Port < 0 {
				return errors.Malformed(sf.ID, "", "output %d fed by negative port of %q", p, src.NodeID)
			}
		}
	}
	return nil
}

func validateGroups(f *FlowDef, index map[string]*NodeDef) error {
	groups := make(map[string]bool, len(f.Groups))
	for _, g := range f.Groups {
		if g.ID == "" {
			return errors.Malformed(f.ID, "", "group has empty id")
		}
		if groups[g.ID] {
			return errors.Malformed(f.ID, g.ID, "duplicate group id")
		}
		groups[g.ID] = true
	}
	for _, g := range f.Groups {
		for _, member := range g.Nodes {
			if _, ok := index[member]; ok || groups[member] {
				continue
			}
			return errors.Malformed(f.ID, g.ID, "group references unknown node %q", member)
		}
	}
	for _, n := range f.Nodes {
		if n.GroupID != "" && !groups[n.GroupID] {
			return errors.Malformed(f.ID, n.ID, "node belongs to unknown group %q", n.GroupID)
		}
	}
	return nil
}
