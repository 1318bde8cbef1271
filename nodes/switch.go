package nodes

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/c360/semflow/env"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/pkg/cache"
	"github.com/c360/semflow/registry"
)

// Switch rule operators
const (
	opEq      = "eq"
	opNeq     = "neq"
	opLt      = "lt"
	opLte     = "lte"
	opGt      = "gt"
	opGte     = "gte"
	opBetween = "btwn"
	opContain = "cont"
	opRegex   = "regex"
	opTrue    = "true"
	opFalse   = "false"
	opNull    = "null"
	opNotNull = "nnull"
	opEmpty   = "empty"
	opNEmpty  = "nempty"
	opIsType  = "istype"
	opHasKey  = "hask"
	opElse    = "else"
)

// valuePrev compares against the property value of the previous message
const valuePrev = "prev"

// regexCache holds compiled patterns shared by every switch node
var regexCache *cache.LRU[*regexp.Regexp]

func init() {
	var err error
	regexCache, err = cache.NewLRU[*regexp.Regexp](256)
	if err != nil {
		panic(fmt.Sprintf("regex cache: %v", err))
	}
}

func compileRegex(pattern string, ignoreCase bool) (*regexp.Regexp, error) {
	if ignoreCase {
		pattern = "(?i)" + pattern
	}
	return regexCache.GetOrCreate(pattern, func() (*regexp.Regexp, error) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
		}
		return re, nil
	})
}

type switchRule struct {
	op         string
	v          any
	vt         string
	v2         any
	v2t        string
	ignoreCase bool
}

func (r switchRule) usesPrev() bool {
	return r.vt == valuePrev || r.v2t == valuePrev
}

// switchNode routes a message to the outputs whose rules match a property.
// Output i corresponds to rule i.
type switchNode struct {
	property     string
	propertyType string
	rules        []switchRule
	checkAll     bool
	env          env.Resolver

	mu      sync.Mutex
	prev    any
	hasPrev bool
}

func newSwitch(cfg registry.Config) (node.Behavior, error) {
	c := cfg.Def.Config
	n := &switchNode{
		property:     cfgString(c, "property", node.FieldPayload),
		propertyType: cfgString(c, "propertyType", "msg"),
		checkAll:     cfgBool(c, "checkall", true),
		env:          cfg.Env,
	}
	if err := checkValueType(n.propertyType); err != nil {
		return nil, fmt.Errorf("propertyType: %w", err)
	}

	raw, _ := c["rules"].([]any)
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("rules[%d] is not an object", i)
		}
		rule := switchRule{
			op:         cfgString(m, "t", ""),
			v:          m["v"],
			vt:         cfgString(m, "vt", "str"),
			v2:         m["v2"],
			v2t:        cfgString(m, "v2t", "str"),
			ignoreCase: cfgBool(m, "case", false),
		}
		if err := rule.validate(); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		n.rules = append(n.rules, rule)
	}
	return n, nil
}

func (r switchRule) validate() error {
	switch r.op {
	case opEq, opNeq, opLt, opLte, opGt, opGte, opBetween, opContain, opRegex,
		opTrue, opFalse, opNull, opNotNull, opEmpty, opNEmpty, opIsType, opHasKey, opElse:
	default:
		return fmt.Errorf("unsupported rule type %q", r.op)
	}
	if err := checkValueType(r.vt, valuePrev); err != nil {
		return err
	}
	if r.op == opBetween {
		if err := checkValueType(r.v2t, valuePrev); err != nil {
			return err
		}
	}
	if r.op == opRegex && (r.vt == "str" || r.vt == "") {
		if _, err := compileRegex(fmt.Sprint(r.v), r.ignoreCase); err != nil {
			return err
		}
	}
	return nil
}

func (n *switchNode) OnMessage(_ context.Context, _ int, msg *node.Message, out node.Output) error {
	src := valueSource{msg: msg, scope: out.Context(), env: n.env}
	prop, exists, err := typedValue(n.propertyType, n.property, src)
	if err != nil {
		return err
	}

	n.mu.Lock()
	prev, hasPrev := n.prev, n.hasPrev
	n.prev, n.hasPrev = prop, exists
	n.mu.Unlock()

	var matched []int
	elseFlag := true
	for i, r := range n.rules {
		var ok bool
		if r.op == opElse {
			ok = elseFlag
			elseFlag = true
		} else {
			ok, err = n.test(r, prop, exists, src, prev, hasPrev)
			if err != nil {
				return err
			}
		}
		if ok {
			matched = append(matched, i)
			elseFlag = false
			if !n.checkAll {
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil
	}

	// Clones are taken before the first emit hands msg to the runtime
	msgs := make([]*node.Message, len(n.rules))
	for j, port := range matched {
		if j == 0 {
			msgs[port] = msg
			continue
		}
		msgs[port] = msg.Clone()
	}
	out.EmitPorts(msgs...)
	return nil
}

func (n *switchNode) operand(vt string, v any, src valueSource, prev any, hasPrev bool) (any, bool, error) {
	if vt == valuePrev {
		return prev, hasPrev, nil
	}
	return typedValue(vt, v, src)
}

func (n *switchNode) test(r switchRule, prop any, exists bool, src valueSource, prev any, hasPrev bool) (bool, error) {
	// With no previous message there is nothing to compare against: the
	// first message sets the baseline and passes single-bound comparisons
	if r.usesPrev() && !hasPrev {
		return r.op != opBetween, nil
	}

	v1, _, err := n.operand(r.vt, r.v, src, prev, hasPrev)
	if err != nil {
		return false, err
	}

	switch r.op {
	case opEq:
		return looseEqual(prop, v1), nil
	case opNeq:
		return !looseEqual(prop, v1), nil
	case opLt, opLte, opGt, opGte:
		cmp, ok := compare(prop, v1)
		if !ok {
			return false, nil
		}
		switch r.op {
		case opLt:
			return cmp < 0, nil
		case opLte:
			return cmp <= 0, nil
		case opGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case opBetween:
		v2, _, err := n.operand(r.v2t, r.v2, src, prev, hasPrev)
		if err != nil {
			return false, err
		}
		return between(prop, v1, v2), nil
	case opContain:
		if prop == nil || v1 == nil {
			return false, nil
		}
		return strings.Contains(fmt.Sprint(prop), fmt.Sprint(v1)), nil
	case opRegex:
		if prop == nil {
			return false, nil
		}
		re, err := compileRegex(fmt.Sprint(v1), r.ignoreCase)
		if err != nil {
			return false, err
		}
		return re.MatchString(fmt.Sprint(prop)), nil
	case opTrue:
		return prop == true, nil
	case opFalse:
		return prop == false, nil
	case opNull:
		return prop == nil, nil
	case opNotNull:
		return exists && prop != nil, nil
	case opEmpty:
		l, ok := length(prop)
		return ok && l == 0, nil
	case opNEmpty:
		l, ok := length(prop)
		return ok && l > 0, nil
	case opIsType:
		return typeName(prop, exists) == fmt.Sprint(v1) ||
			(v1 == "json" && isJSONString(prop)), nil
	case opHasKey:
		key, ok := v1.(string)
		if !ok {
			return false, nil
		}
		m, ok := prop.(map[string]any)
		if !ok {
			return false, nil
		}
		_, has := m[key]
		return has, nil
	}
	return false, nil
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if _, aStr := a.(string); aStr {
		if _, bStr := b.(string); bStr {
			return a == b
		}
	}
	if fa, ok := toNumber(a); ok {
		if fb, ok := toNumber(b); ok {
			return fa == fb
		}
	}
	switch a.(type) {
	case map[string]any, []any:
		return reflect.DeepEqual(a, b)
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compare orders numbers numerically and everything else as strings
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	fa, aok := toNumber(a)
	fb, bok := toNumber(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)), true
}

// between accepts the bounds in either order
func between(v, lo, hi any) bool {
	c1, ok1 := compare(v, lo)
	c2, ok2 := compare(v, hi)
	if !ok1 || !ok2 {
		return false
	}
	return (c1 >= 0 && c2 <= 0) || (c1 <= 0 && c2 >= 0)
}

func length(v any) (int, bool) {
	switch x := v.(type) {
	case string:
		return len(x), true
	case []byte:
		return len(x), true
	case []any:
		return len(x), true
	case map[string]any:
		return len(x), true
	}
	return 0, false
}

func typeName(v any, exists bool) string {
	if !exists {
		return "undefined"
	}
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case []byte:
		return "buffer"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case float64:
		if math.IsNaN(x) {
			return "nan"
		}
		return "number"
	}
	if _, ok := toNumber(v); ok {
		return "number"
	}
	return "object"
}

func isJSONString(v any) bool {
	s, ok := v.(string)
	return ok && jsonAPI.Valid([]byte(s))
}
