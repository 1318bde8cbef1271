package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/c360/semflow/errors"
)

// Node-RED property names with structural meaning. Everything else on a
// node object is kept as configuration.
var structuralKeys = map[string]bool{
	"id":    true,
	"type":  true,
	"z":     true,
	"g":     true,
	"d":     true,
	"name":  true,
	"wires": true,
}

// Parse decodes a deployment in either the Node-RED flat array format or
// the native descriptor object format.
func Parse(data []byte) (*Descriptor, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return ParseNodeRED(trimmed)
	}
	var d Descriptor
	if err := json.Unmarshal(trimmed, &d); err != nil {
		return nil, errors.WrapInvalid(err, "model", "Parse", "decode descriptor")
	}
	return &d, nil
}

// ParseNodeRED converts a Node-RED flat flow array into a Descriptor.
// Tabs become flows, "subflow" objects become templates, "group" objects
// become groups, and nodes without a "z" become config nodes.
func ParseNodeRED(data []byte) (*Descriptor, error) {
	var objects []map[string]any
	if err := json.Unmarshal(data, &objects); err != nil {
		return nil, errors.WrapInvalid(err, "model", "ParseNodeRED", "decode flow array")
	}

	d := &Descriptor{}
	flowIdx := make(map[string]int)
	subflowIdx := make(map[string]int)

	// Containers first so nodes can be placed regardless of array order.
	for _, obj := range objects {
		id := stringProp(obj, "id")
		switch stringProp(obj, "type") {
		case "tab":
			flowIdx[id] = len(d.Flows)
			d.Flows = append(d.Flows, FlowDef{
				ID:       id,
				Label:    stringProp(obj, "label"),
				Disabled: boolProp(obj, "disabled"),
				Env:      parseEnv(obj["env"]),
			})
		case "subflow":
			in, err := parsePorts(obj["in"], false)
			if err != nil {
				return nil, errors.Malformed(id, "", "subflow inputs: %v", err)
			}
			out, err := parsePorts(obj["out"], true)
			if err != nil {
				return nil, errors.Malformed(id, "", "subflow outputs: %v", err)
			}
			subflowIdx[id] = len(d.Subflows)
			d.Subflows = append(d.Subflows, SubflowDef{
				ID:   id,
				Name: stringProp(obj, "name"),
				In:   in,
				Out:  out,
				Env:  parseEnv(obj["env"]),
			})
		}
	}

	for _, obj := range objects {
		typ := stringProp(obj, "type")
		if typ == "tab" || typ == "subflow" {
			continue
		}
		id := stringProp(obj, "id")
		z := stringProp(obj, "z")

		if typ == "group" {
			g := GroupDef{
				ID:     id,
				Name:   stringProp(obj, "name"),
				FlowID: z,
				Nodes:  stringList(obj["nodes"]),
			}
			fi, ok := flowIdx[z]
			if !ok {
				// Groups inside subflow templates carry no runtime meaning.
				if _, inSubflow := subflowIdx[z]; inSubflow {
					continue
				}
				return nil, errors.Malformed(z, id, "group belongs to unknown flow")
			}
			d.Flows[fi].Groups = append(d.Flows[fi].Groups, g)
			continue
		}

		n, err := parseNode(obj)
		if err != nil {
			return nil, err
		}

		switch {
		case z == "":
			d.ConfigNodes = append(d.ConfigNodes, n)
		default:
			if fi, ok := flowIdx[z]; ok {
				d.Flows[fi].Nodes = append(d.Flows[fi].Nodes, n)
			} else if si, ok := subflowIdx[z]; ok {
				d.Subflows[si].Nodes = append(d.Subflows[si].Nodes, n)
			} else {
				return nil, errors.Malformed(z, id, "node belongs to unknown flow or subflow")
			}
		}
	}

	for i := range d.Flows {
		if d.Flows[i].Nodes == nil {
			d.Flows[i].Nodes = []NodeDef{}
		}
	}

	return d, nil
}

func parseNode(obj map[string]any) (NodeDef, error) {
	n := NodeDef{
		ID:       stringProp(obj, "id"),
		Type:     stringProp(obj, "type"),
		Name:     stringProp(obj, "name"),
		FlowID:   stringProp(obj, "z"),
		GroupID:  stringProp(obj, "g"),
		Disabled: boolProp(obj, "d"),
		Config:   make(map[string]any),
	}

	wires, err := parseWires(obj["wires"])
	if err != nil {
		return NodeDef{}, errors.Malformed(n.FlowID, n.ID, "wires: %v", err)
	}
	n.Wires = wires

	_, isInstance := SubflowRef(n.Type)
	for k, v := range obj {
		if structuralKeys[k] {
			continue
		}
		// Instance env overrides the template's env; plain nodes keep
		// "env" as ordinary config.
		if isInstance && k == "env" {
			n.Env = parseEnv(v)
			continue
		}
		n.Config[k] = v
	}
	return n, nil
}

// parseWires accepts [["id", ...], ...] and the richer
// [[{"id": "..", "port": 1}], ...] form.
func parseWires(raw any) ([][]Target, error) {
	if raw == nil {
		return nil, nil
	}
	ports, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", raw)
	}
	wires := make([][]Target, len(ports))
	for p, port := range ports {
		list, ok := port.([]any)
		if !ok {
			return nil, fmt.Errorf("port %d: expected array, got %T", p, port)
		}
		targets := make([]Target, 0, len(list))
		for _, entry := range list {
			t, err := parseTarget(entry)
			if err != nil {
				return nil, fmt.Errorf("port %d: %w", p, err)
			}
			targets = append(targets, t)
		}
		wires[p] = targets
	}
	return wires, nil
}

func parseTarget(entry any) (Target, error) {
	switch v := entry.(type) {
	case string:
		return Target{NodeID: v}, nil
	case map[string]any:
		t := Target{NodeID: stringProp(v, "id")}
		if port, ok := v["port"].(float64); ok {
			t.Port = int(port)
		}
		if t.NodeID == "" {
			return Target{}, fmt.Errorf("wire entry without id")
		}
		return t, nil
	default:
		return Target{}, fmt.Errorf("unsupported wire entry %T", entry)
	}
}

// parsePorts decodes subflow "in"/"out" arrays: [{"wires": [{"id": "n1", "port": 0}]}].
func parsePorts(raw any, withPort bool) ([]PortDef, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", raw)
	}
	ports := make([]PortDef, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("port %d: expected object, got %T", i, item)
		}
		wires, _ := obj["wires"].([]any)
		for _, w := range wires {
			t, err := parseTarget(w)
			if err != nil {
				return nil, fmt.Errorf("port %d: %w", i, err)
			}
			if !withPort {
				t.Port = 0
			}
			ports[i].Wires = append(ports[i].Wires, t)
		}
	}
	return ports, nil
}

// parseEnv accepts Node-RED's [{"name","value","type"}] list or a plain object.
func parseEnv(raw any) map[string]string {
	switch v := raw.(type) {
	case []any:
		if len(v) == 0 {
			return nil
		}
		env := make(map[string]string, len(v))
		for _, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name := stringProp(entry, "name")
			if name == "" {
				continue
			}
			env[name] = scalarString(entry["value"])
		}
		return env
	case map[string]any:
		env := make(map[string]string, len(v))
		for k, val := range v {
			env[k] = scalarString(val)
		}
		return env
	default:
		return nil
	}
}

func scalarString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64, bool:
		return fmt.Sprint(s)
	default:
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprint(s)
		}
		return string(data)
	}
}

func stringProp(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

func boolProp(obj map[string]any, key string) bool {
	b, _ := obj[key].(bool)
	return b
}

func stringList(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
