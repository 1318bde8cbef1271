package nodes

import (
	"context"
	"fmt"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/registry"
)

// JSON node actions
const (
	jsonToggle = ""
	jsonToStr  = "str"
	jsonToObj  = "obj"
)

// jsonNode converts a property between a JSON string and a value. With no
// action set it toggles: strings are parsed, everything else stringified.
type jsonNode struct {
	property string
	action   string
	pretty   bool
}

func newJSON(cfg registry.Config) (node.Behavior, error) {
	c := cfg.Def.Config
	n := &jsonNode{
		property: cfgString(c, "property", node.FieldPayload),
		action:   cfgString(c, "action", jsonToggle),
		pretty:   cfgBool(c, "pretty", false),
	}
	switch n.action {
	case jsonToggle, jsonToStr, jsonToObj:
	default:
		return nil, fmt.Errorf("unknown json action %q", n.action)
	}
	if _, err := parsePath(n.property); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *jsonNode) OnMessage(_ context.Context, _ int, msg *node.Message, out node.Output) error {
	value, ok := getProperty(msg, n.property)
	if !ok {
		out.Emit(0, msg)
		return nil
	}

	switch v := value.(type) {
	case string:
		if n.action == jsonToStr {
			break
		}
		parsed, err := n.parse([]byte(v))
		if err != nil {
			return err
		}
		if err := setProperty(msg, n.property, parsed); err != nil {
			return err
		}
	case []byte:
		if n.action == jsonToStr {
			break
		}
		parsed, err := n.parse(v)
		if err != nil {
			return err
		}
		if err := setProperty(msg, n.property, parsed); err != nil {
			return err
		}
	default:
		if n.action == jsonToObj {
			break
		}
		s, err := n.stringify(v)
		if err != nil {
			return err
		}
		if err := setProperty(msg, n.property, s); err != nil {
			return err
		}
	}

	out.Emit(0, msg)
	return nil
}

func (n *jsonNode) parse(data []byte) (any, error) {
	var out any
	if err := jsonAPI.Unmarshal(data, &out); err != nil {
		return nil, errors.WrapInvalid(err, "json", "OnMessage", "parse property")
	}
	return out, nil
}

func (n *jsonNode) stringify(v any) (string, error) {
	var (
		data []byte
		err  error
	)
	if n.pretty {
		data, err = jsonAPI.MarshalIndent(v, "", "    ")
	} else {
		data, err = jsonAPI.Marshal(v)
	}
	if err != nil {
		return "", errors.WrapInvalid(err, "json", "OnMessage", "stringify property")
	}
	return string(data), nil
}
