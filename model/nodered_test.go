package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semflow/errors"
)

const sampleFlows = `[
  {"id": "tab1", "type": "tab", "label": "Main", "env": [{"name": "GREETING", "value": "hi", "type": "str"}]},
  {"id": "tab2", "type": "tab", "label": "Off", "disabled": true},
  {"id": "sf1", "type": "subflow", "name": "Doubler",
   "in": [{"x": 10, "y": 10, "wires": [{"id": "sf1-n1"}]}],
   "out": [{"x": 90, "y": 10, "wires": [{"id": "sf1-n1", "port": 0}]}],
   "env": [{"name": "FACTOR", "value": 2, "type": "num"}]},
  {"id": "sf1-n1", "type": "function", "z": "sf1", "func": "return msg;", "wires": [[]]},
  {"id": "n1", "type": "inject", "z": "tab1", "name": "tick", "repeat": "1", "wires": [["inst1"]]},
  {"id": "inst1", "type": "subflow:sf1", "z": "tab1", "env": [{"name": "FACTOR", "value": "3"}], "wires": [["n2", "n3"]]},
  {"id": "n2", "type": "debug", "z": "tab1", "g": "grp1", "wires": []},
  {"id": "n3", "type": "debug", "z": "tab1", "d": true, "wires": []},
  {"id": "grp1", "type": "group", "z": "tab1", "nodes": ["n2"]},
  {"id": "cfg1", "type": "mqtt-broker", "broker": "localhost"}
]`

func TestParseNodeRED(t *testing.T) {
	d, err := ParseNodeRED([]byte(sampleFlows))
	require.NoError(t, err)

	require.Len(t, d.Flows, 2)
	main := d.Flows[0]
	assert.Equal(t, "tab1", main.ID)
	assert.Equal(t, "Main", main.Label)
	assert.Equal(t, map[string]string{"GREETING": "hi"}, main.Env)
	assert.True(t, d.Flows[1].Disabled)
	assert.NotNil(t, d.Flows[1].Nodes)

	require.Len(t, main.Nodes, 4)
	inject := main.Nodes[0]
	assert.Equal(t, "inject", inject.Type)
	assert.Equal(t, "tick", inject.Name)
	assert.Equal(t, "1", inject.Config["repeat"])
	assert.Equal(t, [][]Target{{{NodeID: "inst1"}}}, inject.Wires)
	assert.NotContains(t, inject.Config, "wires")

	inst := main.Nodes[1]
	ref, ok := inst.SubflowRef()
	require.True(t, ok)
	assert.Equal(t, "sf1", ref)
	assert.Equal(t, map[string]string{"FACTOR": "3"}, inst.Env)
	assert.NotContains(t, inst.Config, "env")

	assert.Equal(t, "grp1", main.Nodes[2].GroupID)
	assert.True(t, main.Nodes[3].Disabled)
	require.Len(t, main.Groups, 1)
	assert.Equal(t, []string{"n2"}, main.Groups[0].Nodes)

	require.Len(t, d.Subflows, 1)
	sf := d.Subflows[0]
	assert.Equal(t, []PortDef{{Wires: []Target{{NodeID: "sf1-n1"}}}}, sf.In)
	assert.Equal(t, []PortDef{{Wires: []Target{{NodeID: "sf1-n1", Port: 0}}}}, sf.Out)
	assert.Equal(t, map[string]string{"FACTOR": "2"}, sf.Env)
	require.Len(t, sf.Nodes, 1)

	require.Len(t, d.ConfigNodes, 1)
	assert.Equal(t, "localhost", d.ConfigNodes[0].Config["broker"])

	require.NoError(t, d.Validate())
}

func TestParseNodeRED_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `[{"id":`},
		{"orphan node", `[{"id": "n1", "type": "debug", "z": "missing"}]`},
		{"bad wires", `[{"id": "t", "type": "tab"}, {"id": "n1", "type": "debug", "z": "t", "wires": "n2"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNodeRED([]byte(tt.input))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestParse_DetectsFormat(t *testing.T) {
	d, err := Parse([]byte("  " + sampleFlows))
	require.NoError(t, err)
	assert.Len(t, d.Flows, 2)

	native := `{"flows": [{"id": "f1", "nodes": [{"id": "a", "type": "debug", "wires": [[{"id": "b", "port": 0}]]}, {"id": "b", "type": "debug"}]}]}`
	d, err = Parse([]byte(native))
	require.NoError(t, err)
	require.Len(t, d.Flows, 1)
	assert.Equal(t, [][]Target{{{NodeID: "b"}}}, d.Flows[0].Nodes[0].Wires)
}

func TestFingerprint(t *testing.T) {
	d, err := ParseNodeRED([]byte(sampleFlows))
	require.NoError(t, err)

	clone, err := d.Clone()
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(d.Flows[0]), Fingerprint(clone.Flows[0]))

	clone.Flows[0].Nodes[0].Config["repeat"] = "5"
	assert.NotEqual(t, Fingerprint(d.Flows[0]), Fingerprint(clone.Flows[0]))
	assert.Equal(t, "1", d.Flows[0].Nodes[0].Config["repeat"], "clone must not alias the original")
}
