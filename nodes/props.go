package nodes

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/c360/semflow/contextstore"
	"github.com/c360/semflow/env"
	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/node"
)

// jsonAPI sorts map keys so stringified objects are stable
var jsonAPI = sonic.Config{SortMapKeys: true}.Froze()

// contextStorePrefix matches the "#:(store)::" selector on context keys.
// There is a single in-memory store, so the selector is ignored.
var contextStorePrefix = regexp.MustCompile(`^#:\([^)]*\)::`)

func contextKey(key string) string {
	return contextStorePrefix.ReplaceAllString(key, "")
}

// segment is one step of a message property path: a map key or list index
type segment struct {
	key   string
	index int
	isIdx bool
	// ref is a nested msg path whose value selects the key or index
	ref []segment
}

// parsePath splits "a.b[0]['c'][msg.topic]" into segments
func parsePath(path string) ([]segment, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "msg.")
	if path == "" {
		return nil, fmt.Errorf("empty property path")
	}

	var segs []segment
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			segs = append(segs, segment{key: cur.String()})
			cur.Reset()
		}
	}

	for i := 0; i < len(path); i++ {
		c := path[i]
		switch c {
		case '.':
			flush()
		case '[':
			flush()
			end, err := closingBracket(path, i)
			if err != nil {
				return nil, err
			}
			inner := strings.TrimSpace(path[i+1 : end])
			seg, err := bracketSegment(inner)
			if err != nil {
				return nil, err
			}
			segs = append(segs, seg)
			i = end
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	if len(segs) == 0 {
		return nil, fmt.Errorf("invalid property path %q", path)
	}
	return segs, nil
}

func closingBracket(path string, open int) (int, error) {
	depth := 0
	for j := open; j < len(path); j++ {
		switch path[j] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return j, nil
			}
		}
	}
	return 0, fmt.Errorf("unbalanced brackets in %q", path)
}

func bracketSegment(inner string) (segment, error) {
	if n := len(inner); n >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[n-1] == inner[0] {
		return segment{key: inner[1 : n-1]}, nil
	}
	if idx, err := strconv.Atoi(inner); err == nil {
		return segment{index: idx, isIdx: true}, nil
	}
	if strings.HasPrefix(inner, "msg.") {
		ref, err := parsePath(inner)
		if err != nil {
			return segment{}, err
		}
		return segment{ref: ref}, nil
	}
	return segment{}, fmt.Errorf("unsupported path selector [%s]", inner)
}

// resolve turns nested msg references into concrete keys or indexes
func (s segment) resolve(root map[string]any) (segment, bool) {
	if s.ref == nil {
		return s, true
	}
	v, ok := walk(root, s.ref)
	if !ok {
		return s, false
	}
	switch k := v.(type) {
	case string:
		return segment{key: k}, true
	default:
		if f, ok := toNumber(k); ok && f == math.Trunc(f) {
			return segment{index: int(f), isIdx: true}, true
		}
	}
	return s, false
}

func walk(root map[string]any, segs []segment) (any, bool) {
	var cur any = root
	for _, s := range segs {
		s, ok := s.resolve(root)
		if !ok {
			return nil, false
		}
		switch c := cur.(type) {
		case map[string]any:
			if s.isIdx {
				s.key = strconv.Itoa(s.index)
			}
			v, ok := c[s.key]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			if !s.isIdx || s.index < 0 || s.index >= len(c) {
				return nil, false
			}
			cur = c[s.index]
		default:
			return nil, false
		}
	}
	return cur, true
}

// getProperty reads a message property by path
func getProperty(msg *node.Message, path string) (any, bool) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, false
	}
	if segs[0].key == node.FieldID && len(segs) == 1 {
		return msg.ID, true
	}
	return walk(msg.Fields, segs)
}

// setProperty writes a message property by path, creating intermediate
// objects as needed
func setProperty(msg *node.Message, path string, value any) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 1 && segs[0].ref == nil && !segs[0].isIdx {
		msg.Set(segs[0].key, value)
		return nil
	}
	if msg.Fields == nil {
		msg.Fields = make(map[string]any)
	}

	cur := msg.Fields
	for i, s := range segs {
		s, ok := s.resolve(msg.Fields)
		if !ok {
			return fmt.Errorf("cannot resolve %q", path)
		}
		if s.isIdx {
			s.key = strconv.Itoa(s.index)
		}
		if i == len(segs)-1 {
			cur[s.key] = value
			return nil
		}
		next, ok := cur[s.key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[s.key] = next
		}
		cur = next
	}
	return nil
}

// deleteProperty removes a top-level or nested message property
func deleteProperty(msg *node.Message, path string) {
	segs, err := parsePath(path)
	if err != nil || len(segs) == 0 {
		return
	}
	parent := msg.Fields
	if len(segs) > 1 {
		v, ok := walk(msg.Fields, segs[:len(segs)-1])
		if !ok {
			return
		}
		if parent, ok = v.(map[string]any); !ok {
			return
		}
	}
	last, ok := segs[len(segs)-1].resolve(msg.Fields)
	if ok && !last.isIdx {
		delete(parent, last.key)
	}
}

// valueSource carries what typed values may be resolved against
type valueSource struct {
	msg   *node.Message
	scope *contextstore.Scope
	env   env.Resolver
}

// typedValue evaluates v according to its Node-RED value type
func typedValue(vt string, v any, src valueSource) (any, bool, error) {
	switch vt {
	case "", "str":
		if s, ok := v.(string); ok || v == nil {
			return s, true, nil
		}
		return v, true, nil
	case "num":
		f, ok := toNumber(v)
		if !ok {
			return nil, false, fmt.Errorf("invalid number %v", v)
		}
		return f, true, nil
	case "bool":
		switch b := v.(type) {
		case bool:
			return b, true, nil
		case string:
			return b == "true", true, nil
		}
		return false, true, nil
	case "json":
		s, ok := v.(string)
		if !ok {
			return v, true, nil
		}
		var out any
		if err := jsonAPI.UnmarshalFromString(s, &out); err != nil {
			return nil, false, errors.WrapInvalid(err, "nodes", "typedValue", "json value")
		}
		return out, true, nil
	case "date":
		return float64(time.Now().UnixMilli()), true, nil
	case "msg":
		if src.msg == nil {
			return nil, false, nil
		}
		val, ok := getProperty(src.msg, fmt.Sprint(v))
		return val, ok, nil
	case "flow", "global":
		scope := contextScope(src.scope, vt)
		if scope == nil {
			return nil, false, nil
		}
		val, ok := scope.Get(contextKey(fmt.Sprint(v)))
		return val, ok, nil
	case "env":
		if src.env == nil {
			return nil, false, nil
		}
		val, ok := src.env.Lookup(fmt.Sprint(v))
		return val, ok, nil
	default:
		return nil, false, fmt.Errorf("unsupported value type %q", vt)
	}
}

// checkValueType reports an unsupported value type at construction time
func checkValueType(vt string, extra ...string) error {
	switch vt {
	case "", "str", "num", "bool", "json", "date", "msg", "flow", "global", "env":
		return nil
	}
	for _, e := range extra {
		if vt == e {
			return nil
		}
	}
	return fmt.Errorf("unsupported value type %q", vt)
}

// contextScope walks up from a node scope to the named level
func contextScope(s *contextstore.Scope, level string) *contextstore.Scope {
	want := contextstore.KindFlow
	if level == "global" {
		want = contextstore.KindGlobal
	}
	for ; s != nil; s = s.Parent() {
		if s.Kind() == want {
			return s
		}
	}
	return nil
}

// toNumber converts numbers and numeric strings
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Config accessors. Node-RED exports numbers and booleans inconsistently,
// sometimes as strings.

func cfgString(cfg map[string]any, key, def string) string {
	switch v := cfg[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case nil:
	default:
		return fmt.Sprint(v)
	}
	return def
}

func cfgFloat(cfg map[string]any, key string, def float64) (float64, error) {
	v, ok := cfg[key]
	if !ok || v == nil || v == "" {
		return def, nil
	}
	f, ok := toNumber(v)
	if !ok {
		return 0, fmt.Errorf("config %q: %v is not a number", key, v)
	}
	return f, nil
}

func cfgBool(cfg map[string]any, key string, def bool) bool {
	switch v := cfg[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// durationUnit maps a Node-RED unit name to its duration
func durationUnit(unit string) (time.Duration, error) {
	switch strings.TrimSuffix(strings.ToLower(unit), "s") {
	case "millisecond":
		return time.Millisecond, nil
	case "", "second":
		return time.Second, nil
	case "minute":
		return time.Minute, nil
	case "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown time unit %q", unit)
	}
}
