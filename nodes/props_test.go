package nodes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semflow/env"
	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/registry"
)

func TestRegister(t *testing.T) {
	reg := registry.New()
	require.NoError(t, Register(reg))
	assert.Equal(t, []string{"debug", "delay", "inject", "json", "switch", "yaml"}, reg.Types())

	err := Register(reg)
	assert.ErrorIs(t, err, errors.ErrDuplicateType)
}

func TestPropertyPaths(t *testing.T) {
	msg := node.NewMessage(map[string]any{
		"a":    []any{"x", map[string]any{"b": 2.0}},
		"bar":  "baz",
		"key1": "v1",
	})
	msg.Set("topic", "key1")

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"payload.bar", "baz", true},
		{"msg.payload.bar", "baz", true},
		{"payload.a[0]", "x", true},
		{"payload.a[1].b", 2.0, true},
		{"payload['bar']", "baz", true},
		{"payload[msg.topic]", "v1", true},
		{"payload.missing", nil, false},
		{"payload.a[5]", nil, false},
		{"_msgid", msg.ID, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := getProperty(msg, tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetProperty_CreatesIntermediates(t *testing.T) {
	msg := node.NewMessage(nil)
	require.NoError(t, setProperty(msg, "one.two", 3))
	v, ok := getProperty(msg, "one.two")
	require.True(t, ok)
	assert.Equal(t, 3, v)

	deleteProperty(msg, "one.two")
	_, ok = getProperty(msg, "one.two")
	assert.False(t, ok)

	_, err := parsePath("payload[unterminated")
	assert.Error(t, err)
}

func TestTypedValue(t *testing.T) {
	out := newRecorder(t)
	out.Context().Parent().Set("fv", "from-flow")
	out.Context().Parent().Parent().Set("gv", 7)
	msg := node.NewMessage("p")

	src := valueSource{msg: msg, scope: out.Context(), env: env.Map{"X": "1"}}

	v, ok, err := typedValue("num", "4.5", src)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4.5, v)

	v, _, err = typedValue("json", `{"a":[1]}`, src)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": []any{1.0}}, v)

	v, ok, _ = typedValue("flow", "#:(memory1)::fv", src)
	assert.True(t, ok)
	assert.Equal(t, "from-flow", v)

	v, _, _ = typedValue("global", "gv", src)
	assert.Equal(t, 7, v)

	v, _, _ = typedValue("env", "X", src)
	assert.Equal(t, "1", v)

	v, _, _ = typedValue("msg", "payload", src)
	assert.Equal(t, "p", v)

	_, _, err = typedValue("jsonata", "$now()", src)
	assert.Error(t, err)
}

func TestDurationUnit(t *testing.T) {
	for unit, want := range map[string]time.Duration{
		"milliseconds": time.Millisecond,
		"second":       time.Second,
		"Minutes":      time.Minute,
		"hour":         time.Hour,
		"days":         24 * time.Hour,
	} {
		got, err := durationUnit(unit)
		require.NoError(t, err, unit)
		assert.Equal(t, want, got, unit)
	}
	_, err := durationUnit("fortnight")
	assert.Error(t, err)
}
