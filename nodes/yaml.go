package nodes

import (
	"bytes"
	"context"

	"gopkg.in/yaml.v3"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/registry"
)

// yamlNode converts a property between a YAML string and a value
type yamlNode struct {
	property string
}

func newYAML(cfg registry.Config) (node.Behavior, error) {
	n := &yamlNode{property: cfgString(cfg.Def.Config, "property", node.FieldPayload)}
	if _, err := parsePath(n.property); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *yamlNode) OnMessage(_ context.Context, _ int, msg *node.Message, out node.Output) error {
	value, ok := getProperty(msg, n.property)
	if !ok {
		out.Emit(0, msg)
		return nil
	}

	var converted any
	switch v := value.(type) {
	case string:
		var parsed any
		if err := yaml.Unmarshal([]byte(v), &parsed); err != nil {
			return errors.WrapInvalid(err, "yaml", "OnMessage", "parse property")
		}
		converted = parsed
	case []byte:
		var parsed any
		if err := yaml.Unmarshal(v, &parsed); err != nil {
			return errors.WrapInvalid(err, "yaml", "OnMessage", "parse property")
		}
		converted = parsed
	default:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return errors.WrapInvalid(err, "yaml", "OnMessage", "encode property")
		}
		if err := enc.Close(); err != nil {
			return errors.WrapInvalid(err, "yaml", "OnMessage", "encode property")
		}
		converted = buf.String()
	}

	if err := setProperty(msg, n.property, converted); err != nil {
		return err
	}
	out.Emit(0, msg)
	return nil
}
