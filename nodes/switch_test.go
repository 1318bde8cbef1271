package nodes

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semflow/errors"
)

func rule(op string, v any) map[string]any {
	return map[string]any{"t": op, "v": v}
}

// matches sends payload through a single-rule switch
func matches(t *testing.T, r map[string]any, payload any) bool {
	t.Helper()
	out := newRecorder(t)
	b := build(t, "switch", map[string]any{"property": "payload", "rules": []any{r}, "checkall": true})
	send(t, b, out, map[string]any{"payload": payload})
	return len(out.drain()) == 1
}

func TestSwitch_Operators(t *testing.T) {
	tests := []struct {
		name    string
		rule    map[string]any
		payload any
		want    bool
	}{
		{"eq string", rule("eq", "Hello"), "Hello", true},
		{"eq string mismatch", rule("eq", "Hello"), "Hello!", false},
		{"neq", rule("neq", "Hello"), "HELLO", true},
		{"eq number", rule("eq", 3), 3, true},
		{"eq numeric string", rule("eq", "3"), 3.0, true},
		{"neq number", rule("neq", 10), 10, false},
		{"lt", rule("lt", 3), 2, true},
		{"lt fails", rule("lt", 3), 4, false},
		{"lte", rule("lte", 3), 3, true},
		{"gt", rule("gt", 3), 6, true},
		{"gt fails", rule("gt", 3), -1, false},
		{"gte", rule("gte", 3), 3, true},
		{"hask", rule("hask", "a"), map[string]any{"a": 1}, true},
		{"hask missing", rule("hask", "a"), map[string]any{"b": 1}, false},
		{"hask non-string key", rule("hask", 1), map[string]any{"a": 1}, false},
		{"hask null", rule("hask", "a"), nil, false},
		{"btwn", map[string]any{"t": "btwn", "v": "3", "v2": "5"}, 4, true},
		{"btwn reversed", map[string]any{"t": "btwn", "v": "5", "v2": "3"}, 4, true},
		{"btwn strings", map[string]any{"t": "btwn", "v": "c", "v2": "e"}, "d", true},
		{"btwn outside", map[string]any{"t": "btwn", "v": 3, "v2": 5}, 12, false},
		{"cont", rule("cont", "Hello"), "Hello World!", true},
		{"cont fails", rule("cont", "Hello"), "This is not a greeting!", false},
		{"regex", rule("regex", "[abc]+"), "abbabac", true},
		{"regex fails", rule("regex", `\d+`), "This is not a digit", false},
		{"regex case sensitive", map[string]any{"t": "regex", "v": "onetwothree"}, "oneTWOthree", false},
		{"regex ignore case", map[string]any{"t": "regex", "v": "onetwothree", "case": true}, "oneTWOthree", true},
		{"true", map[string]any{"t": "true"}, true, true},
		{"true fails", map[string]any{"t": "true"}, false, false},
		{"false", map[string]any{"t": "false"}, false, true},
		{"null", map[string]any{"t": "null"}, nil, true},
		{"nnull", map[string]any{"t": "nnull"}, 0, true},
		{"nnull fails", map[string]any{"t": "nnull"}, nil, false},
		{"empty string", map[string]any{"t": "empty"}, "", true},
		{"empty array", map[string]any{"t": "empty"}, []any{}, true},
		{"empty object", map[string]any{"t": "empty"}, map[string]any{}, true},
		{"empty non-empty", map[string]any{"t": "empty"}, "1", false},
		{"empty null", map[string]any{"t": "empty"}, nil, false},
		{"empty zero", map[string]any{"t": "empty"}, 0, false},
		{"nempty", map[string]any{"t": "nempty"}, []any{1}, true},
		{"nempty zero", map[string]any{"t": "nempty"}, 0, false},
		{"istype string", rule("istype", "string"), "Hello", true},
		{"istype number", rule("istype", "number"), 0, true},
		{"istype NaN", rule("istype", "number"), math.NaN(), false},
		{"istype boolean", rule("istype", "boolean"), false, true},
		{"istype array", rule("istype", "array"), []any{1, "a"}, true},
		{"istype object", rule("istype", "object"), map[string]any{"a": 1}, true},
		{"istype json", rule("istype", "json"), `{"a":1}`, true},
		{"istype json fails", rule("istype", "json"), "Hello", false},
		{"istype null", rule("istype", "null"), nil, true},
		{"istype buffer", rule("istype", "buffer"), []byte("x"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matches(t, tt.rule, tt.payload))
		})
	}
}

func TestSwitch_CheckAllAndElse(t *testing.T) {
	rules := []any{rule("eq", "Hello"), rule("cont", "ello"), map[string]any{"t": "else"}}

	out := newRecorder(t)
	all := build(t, "switch", map[string]any{"rules": rules, "checkall": "true"})
	send(t, all, out, map[string]any{"payload": "Hello"})
	got := out.drain()
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].port)
	assert.Equal(t, 1, got[1].port)
	assert.NotSame(t, got[0].msg, got[1].msg)
	assert.Equal(t, got[0].msg.ID, got[1].msg.ID)

	first := build(t, "switch", map[string]any{"rules": rules, "checkall": false})
	send(t, first, out, map[string]any{"payload": "Hello"})
	got = out.drain()
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].port)

	send(t, first, out, map[string]any{"payload": "Goodbye"})
	got = out.drain()
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].port)
}

func TestSwitch_PreviousValue(t *testing.T) {
	out := newRecorder(t)
	b := build(t, "switch", map[string]any{"rules": []any{map[string]any{"t": "gt", "v": "", "vt": "prev"}}})
	for _, p := range []any{1, 0, -2, 2} {
		send(t, b, out, map[string]any{"payload": p})
	}
	got := out.drain()
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].msg.Payload())
	assert.Equal(t, 2, got[1].msg.Payload())

	btwn := build(t, "switch", map[string]any{"rules": []any{
		map[string]any{"t": "btwn", "v": "10", "vt": "num", "v2": "", "v2t": "prev"},
	}})
	for _, p := range []any{0, 20, 30, 20, 30, 25} {
		send(t, btwn, out, map[string]any{"payload": p})
	}
	var payloads []any
	for _, e := range out.drain() {
		payloads = append(payloads, e.msg.Payload())
	}
	// 20 after 0 lies outside [0, 10]; the bounds are taken in either order
	assert.Equal(t, []any{20, 25}, payloads)
}

func TestSwitch_ContextAndMessageOperands(t *testing.T) {
	out := newRecorder(t)
	flow := out.Context().Parent()
	flow.Set("foo", "flowValue")
	flow.Set("bar", "flowValue")

	b := build(t, "switch", map[string]any{
		"property":     "#:(memory1)::foo",
		"propertyType": "flow",
		"rules":        []any{map[string]any{"t": "eq", "v": "bar", "vt": "flow"}},
	})
	send(t, b, out, map[string]any{"payload": "ignored"})
	require.Len(t, out.drain(), 1)

	nested := build(t, "switch", map[string]any{
		"property": "payload[msg.topic]",
		"rules":    []any{map[string]any{"t": "eq", "v": "payload[msg.topic2]", "vt": "msg"}},
	})
	send(t, nested, out, map[string]any{
		"topic":   "a",
		"topic2":  "b",
		"payload": map[string]any{"a": "same", "b": "same"},
	})
	send(t, nested, out, map[string]any{
		"topic":   "a",
		"topic2":  "b",
		"payload": map[string]any{"a": "one", "b": "two"},
	})
	assert.Len(t, out.drain(), 1)

	// A missing msg operand equals only a null property
	missing := build(t, "switch", map[string]any{
		"rules": []any{map[string]any{"t": "eq", "v": "this.does.not.exist", "vt": "msg"}},
	})
	send(t, missing, out, map[string]any{"topic": "one", "payload": ""})
	send(t, missing, out, map[string]any{"topic": "two", "payload": nil})
	got := out.drain()
	require.Len(t, got, 1)
	assert.Equal(t, "two", got[0].msg.Topic())

	envRule := build(t, "switch", map[string]any{
		"rules": []any{map[string]any{"t": "eq", "v": "GREETING", "vt": "env"}},
	})
	send(t, envRule, out, map[string]any{"payload": "hello"})
	assert.Len(t, out.drain(), 1)
	out.none(t, 10*time.Millisecond)
}

func TestSwitch_InvalidConfig(t *testing.T) {
	for name, cfg := range map[string]map[string]any{
		"unknown rule":     {"rules": []any{rule("like", "x")}},
		"jsonata":          {"rules": []any{map[string]any{"t": "eq", "v": "$x", "vt": "jsonata"}}},
		"bad regex":        {"rules": []any{rule("regex", "(")}},
		"bad rule":         {"rules": []any{"eq"}},
		"jsonata property": {"propertyType": "jsonata"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := construct("switch", cfg)
			assert.ErrorIs(t, err, errors.ErrNodeConstruction)
		})
	}
}

func TestRegexCacheShared(t *testing.T) {
	re1, err := compileRegex("^cached$", false)
	require.NoError(t, err)
	re2, err := compileRegex("^cached$", false)
	require.NoError(t, err)
	assert.Same(t, re1, re2)

	ci, err := compileRegex("^cached$", true)
	require.NoError(t, err)
	assert.NotSame(t, re1, ci)
	assert.True(t, ci.MatchString("CACHED"))
}
