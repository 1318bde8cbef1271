package nodes

import (
	"context"
	"fmt"

	"github.com/c360/semflow/node"
	"github.com/c360/semflow/observe"
	"github.com/c360/semflow/registry"
)

// debugNode publishes a property, or the whole message, to the debug channel
type debugNode struct {
	active   bool
	complete string
	console  bool
	toStatus bool
}

func newDebug(cfg registry.Config) (node.Behavior, error) {
	c := cfg.Def.Config
	complete := cfgString(c, "complete", "false")
	if complete != "true" && complete != "false" {
		if _, err := parsePath(complete); err != nil {
			return nil, err
		}
	}
	return &debugNode{
		active:   cfgBool(c, "active", true),
		complete: complete,
		console:  cfgBool(c, "console", false),
		toStatus: cfgBool(c, "tostatus", false),
	}, nil
}

func (d *debugNode) OnMessage(_ context.Context, _ int, msg *node.Message, out node.Output) error {
	if !d.active {
		return nil
	}

	var value any
	switch d.complete {
	case "true":
		fields := make(map[string]any, len(msg.Fields)+1)
		for k, v := range msg.Fields {
			fields[k] = v
		}
		fields[node.FieldID] = msg.ID
		value = fields
	case "false":
		value = msg.Payload()
	default:
		value, _ = getProperty(msg, d.complete)
	}

	out.Debug(value)
	if d.console {
		out.Logger().Info("Debug", "msg_id", msg.ID, "value", value)
	}
	if d.toStatus {
		text := fmt.Sprint(value)
		if len(text) > 32 {
			text = text[:32] + "..."
		}
		out.Status(observe.Status{Fill: "grey", Shape: "dot", Text: text})
	}
	return nil
}
