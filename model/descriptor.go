// Package model defines the deployment descriptor: flows, nodes, wires,
// subflow templates and groups, as submitted to the engine.
package model

import (
	"strings"

	"github.com/tiendc/go-deepcopy"
)

// SubflowTypePrefix marks a node type as an instance of a subflow template.
const SubflowTypePrefix = "subflow:"

// Target is one end of a wire: a node id and the input port it feeds.
type Target struct {
	NodeID string `json:"id"`
	Port   int    `json:"port"`
}

// NodeDef is a node as it appears in a deployment. Wires is indexed by
// output port; each port fans out to a set of targets.
type NodeDef struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name,omitempty"`
	FlowID   string            `json:"z,omitempty"`
	GroupID  string            `json:"g,omitempty"`
	Disabled bool              `json:"d,omitempty"`
	Config   map[string]any    `json:"config,omitempty"`
	Wires    [][]Target        `json:"wires,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// SubflowRef returns the template id when the node instantiates a subflow.
func (n *NodeDef) SubflowRef() (string, bool) {
	return SubflowRef(n.Type)
}

// GroupDef is a visual grouping of nodes inside one flow. Groups carry no
// runtime semantics beyond membership.
type GroupDef struct {
	ID     string   `json:"id"`
	Name   string   `json:"name,omitempty"`
	FlowID string   `json:"z"`
	Nodes  []string `json:"nodes"`
}

// FlowDef is a named, independently activatable graph of nodes.
type FlowDef struct {
	ID       string            `json:"id"`
	Label    string            `json:"label,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Nodes    []NodeDef         `json:"nodes"`
	Groups   []GroupDef        `json:"groups,omitempty"`
}

// Node returns the node with the given id.
func (f *FlowDef) Node(id string) (*NodeDef, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

// PortDef is a subflow boundary port. For input ports the wires name the
// internal nodes fed by the port. For output ports they name the internal
// sources (node id and output port) that feed it; a source whose id equals
// the template id is a passthrough from that input port.
type PortDef struct {
	Wires []Target `json:"wires"`
}

// SubflowDef is a reusable template that is inlined into every flow that
// instantiates it.
type SubflowDef struct {
	ID    string            `json:"id"`
	Name  string            `json:"name,omitempty"`
	In    []PortDef         `json:"in"`
	Out   []PortDef         `json:"out"`
	Env   map[string]string `json:"env,omitempty"`
	Nodes []NodeDef         `json:"nodes"`
}

// Descriptor is a complete deployment.
type Descriptor struct {
	Flows    []FlowDef    `json:"flows"`
	Subflows []SubflowDef `json:"subflows,omitempty"`
	// ConfigNodes are shared configuration nodes that belong to no flow.
	// They are carried for collaborators and never executed.
	ConfigNodes []NodeDef `json:"config_nodes,omitempty"`
}

// Flow returns the flow with the given id.
func (d *Descriptor) Flow(id string) (*FlowDef, bool) {
	for i := range d.Flows {
		if d.Flows[i].ID == id {
			return &d.Flows[i], true
		}
	}
	return nil, false
}

// Subflow returns the subflow template with the given id.
func (d *Descriptor) Subflow(id string) (*SubflowDef, bool) {
	for i := range d.Subflows {
		if d.Subflows[i].ID == id {
			return &d.Subflows[i], true
		}
	}
	return nil, false
}

// ConfigNode returns the config node with the given id.
func (d *Descriptor) ConfigNode(id string) (*NodeDef, bool) {
	for i := range d.ConfigNodes {
		if d.ConfigNodes[i].ID == id {
			return &d.ConfigNodes[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the descriptor.
func (d *Descriptor) Clone() (*Descriptor, error) {
	var out Descriptor
	if err := deepcopy.Copy(&out, *d); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubflowRef returns the template id encoded in a "subflow:<id>" node type.
func SubflowRef(nodeType string) (string, bool) {
	if !strings.HasPrefix(nodeType, SubflowTypePrefix) {
		return "", false
	}
	id := strings.TrimPrefix(nodeType, SubflowTypePrefix)
	return id, id != ""
}
