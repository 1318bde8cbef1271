package subflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/model"
)

func wire(ids ...string) [][]model.Target {
	var ts []model.Target
	for _, id := range ids {
		ts = append(ts, model.Target{NodeID: id})
	}
	return [][]model.Target{ts}
}

// double is a template with two internal nodes in series: in -> a -> b -> out
func double() model.SubflowDef {
	return model.SubflowDef{
		ID:   "sf",
		Name: "double",
		In:   []model.PortDef{{Wires: []model.Target{{NodeID: "a"}}}},
		Out:  []model.PortDef{{Wires: []model.Target{{NodeID: "b"}}}},
		Env:  map[string]string{"LEVEL": "template", "KEEP": "t"},
		Nodes: []model.NodeDef{
			{ID: "a", Type: "fn", Wires: wire("b")},
			{ID: "b", Type: "fn"},
		},
	}
}

func byID(nodes []model.NodeDef) map[string]model.NodeDef {
	out := make(map[string]model.NodeDef, len(nodes))
	for _, n := range nodes {
		out[n.ID] = n
	}
	return out
}

func TestExpand_ManyInstancesUniqueIDs(t *testing.T) {
	const instances = 5
	nodes := []model.NodeDef{{ID: "src", Type: "inject"}}
	var targets []string
	for i := 0; i < instances; i++ {
		id := fmt.Sprintf("inst%d", i)
		targets = append(targets, id)
		nodes = append(nodes, model.NodeDef{ID: id, Type: "subflow:sf", Wires: wire("sink")})
	}
	nodes[0].Wires = wire(targets...)
	nodes = append(nodes, model.NodeDef{ID: "sink", Type: "debug"})

	desc := &model.Descriptor{
		Flows:    []model.FlowDef{{ID: "f1", Nodes: nodes}},
		Subflows: []model.SubflowDef{double()},
	}
	require.NoError(t, desc.Validate())

	flows, err := Expand(desc)
	require.NoError(t, err)
	require.Len(t, flows, 1)

	flat := byID(flows[0].Nodes)
	assert.Len(t, flows[0].Nodes, 2+instances*2)
	assert.Len(t, flat, len(flows[0].Nodes), "ids must be unique")

	src := flat["src"]
	require.Len(t, src.Wires, 1)
	assert.Len(t, src.Wires[0], instances)

	for i := 0; i < instances; i++ {
		inst := fmt.Sprintf("inst%d", i)
		a, b := InternalID(inst, "a"), InternalID(inst, "b")
		assert.Contains(t, src.Wires[0], model.Target{NodeID: a})
		assert.Equal(t, [][]model.Target{{{NodeID: b}}}, flat[a].Wires)
		assert.Equal(t, [][]model.Target{{{NodeID: "sink"}}}, flat[b].Wires)
		assert.Equal(t, "f1", flat[a].FlowID)
	}

	for _, n := range flows[0].Nodes {
		_, isInstance := n.SubflowRef()
		assert.False(t, isInstance)
	}
	// the input descriptor is untouched
	assert.Len(t, desc.Flows[0].Nodes, 2+instances)
}

func TestExpand_StableIDs(t *testing.T) {
	desc := &model.Descriptor{
		Flows: []model.FlowDef{{ID: "f1", Nodes: []model.NodeDef{
			{ID: "i1", Type: "subflow:sf"},
		}}},
		Subflows: []model.SubflowDef{double()},
	}
	first, err := Expand(desc)
	require.NoError(t, err)
	second, err := Expand(desc)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NotEqual(t, InternalID("i1", "a"), InternalID("i2", "a"))
}

func TestExpand_Nested(t *testing.T) {
	outer := model.SubflowDef{
		ID:  "outer",
		In:  []model.PortDef{{Wires: []model.Target{{NodeID: "inner"}}}},
		Out: []model.PortDef{{Wires: []model.Target{{NodeID: "inner"}}}},
		Env: map[string]string{"LEVEL": "outer", "OUTER": "yes"},
		Nodes: []model.NodeDef{
			{ID: "inner", Type: "subflow:sf", Env: map[string]string{"LEVEL": "inner-instance"}},
		},
	}
	desc := &model.Descriptor{
		Flows: []model.FlowDef{{ID: "f1", Nodes: []model.NodeDef{
			{ID: "src", Type: "inject", Wires: wire("o1")},
			{ID: "o1", Type: "subflow:outer", Wires: wire("sink")},
			{ID: "sink", Type: "debug"},
		}}},
		Subflows: []model.SubflowDef{double(), outer},
	}
	require.NoError(t, desc.Validate())

	flows, err := Expand(desc)
	require.NoError(t, err)
	flat := byID(flows[0].Nodes)
	require.Len(t, flat, 4)

	innerID := InternalID("o1", "inner")
	a, b := InternalID(innerID, "a"), InternalID(innerID, "b")
	assert.Equal(t, [][]model.Target{{{NodeID: a}}}, flat["src"].Wires)
	assert.Equal(t, [][]model.Target{{{NodeID: "sink"}}}, flat[b].Wires)

	env := flat[a].Env
	assert.Equal(t, "inner-instance", env["LEVEL"])
	assert.Equal(t, "yes", env["OUTER"])
	assert.Equal(t, "t", env["KEEP"])
	assert.Equal(t, innerID, env[EnvSubflowID])
	assert.Equal(t, "o1/"+innerID, env[EnvSubflowPath])
}

func TestExpand_Passthrough(t *testing.T) {
	tmpl := model.SubflowDef{
		ID: "pt",
		In: []model.PortDef{{}},
		Out: []model.PortDef{
			{Wires: []model.Target{{NodeID: "pt", Port: 0}}},
		},
	}
	desc := &model.Descriptor{
		Flows: []model.FlowDef{{ID: "f1", Nodes: []model.NodeDef{
			{ID: "src", Type: "inject", Wires: wire("p1")},
			{ID: "p1", Type: "subflow:pt", Wires: wire("p2")},
			{ID: "p2", Type: "subflow:pt", Wires: wire("sink")},
			{ID: "sink", Type: "debug"},
		}}},
		Subflows: []model.SubflowDef{tmpl},
	}
	require.NoError(t, desc.Validate())

	flows, err := Expand(desc)
	require.NoError(t, err)
	flat := byID(flows[0].Nodes)
	assert.Len(t, flat, 2)
	assert.Equal(t, [][]model.Target{{{NodeID: "sink"}}}, flat["src"].Wires)
}

func TestExpand_DisabledInstanceDropsWires(t *testing.T) {
	desc := &model.Descriptor{
		Flows: []model.FlowDef{{ID: "f1", Nodes: []model.NodeDef{
			{ID: "src", Type: "inject", Wires: wire("i1", "sink")},
			{ID: "i1", Type: "subflow:sf", Disabled: true, Wires: wire("sink")},
			{ID: "sink", Type: "debug"},
		}}},
		Subflows: []model.SubflowDef{double()},
	}
	flows, err := Expand(desc)
	require.NoError(t, err)
	flat := byID(flows[0].Nodes)
	assert.Len(t, flat, 2)
	assert.Equal(t, [][]model.Target{{{NodeID: "sink"}}}, flat["src"].Wires)
}

func TestCheckCycles(t *testing.T) {
	ref := func(id, target string) model.SubflowDef {
		return model.SubflowDef{ID: id, Nodes: []model.NodeDef{{ID: id + "-n", Type: "subflow:" + target}}}
	}

	tests := []struct {
		name     string
		subflows []model.SubflowDef
		path     string
	}{
		{"self", []model.SubflowDef{ref("A", "A")}, "A -> A"},
		{"mutual", []model.SubflowDef{ref("A", "B"), ref("B", "A")}, "A -> B -> A"},
		{"transitive", []model.SubflowDef{ref("A", "B"), ref("B", "C"), ref("C", "A")}, "A -> B -> C -> A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := &model.Descriptor{
				Flows:    []model.FlowDef{{ID: "f1"}},
				Subflows: tt.subflows,
			}
			err := CheckCycles(desc)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrSubflowCycle)
			assert.Contains(t, err.Error(), tt.path)

			_, err = Expand(desc)
			assert.ErrorIs(t, err, errors.ErrSubflowCycle)
		})
	}

	acyclic := &model.Descriptor{Subflows: []model.SubflowDef{ref("A", "B"), double(), {ID: "B"}}}
	assert.NoError(t, CheckCycles(acyclic))
}
