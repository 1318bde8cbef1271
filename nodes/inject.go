package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/semflow/env"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/observe"
	"github.com/c360/semflow/registry"
)

const defaultOnceDelay = 100 * time.Millisecond

type injectProp struct {
	path      string
	value     any
	valueType string
}

// injectNode creates messages on a schedule, once after start, or whenever
// a message is delivered to it
type injectNode struct {
	props     []injectProp
	repeat    time.Duration
	once      bool
	onceDelay time.Duration
	env       env.Resolver
}

func newInject(cfg registry.Config) (node.Behavior, error) {
	c := cfg.Def.Config
	if cron := cfgString(c, "crontab", ""); cron != "" {
		return nil, fmt.Errorf("crontab schedules are not supported: %q", cron)
	}

	repeat, err := cfgFloat(c, "repeat", 0)
	if err != nil {
		return nil, err
	}
	if repeat < 0 {
		return nil, fmt.Errorf("repeat must not be negative")
	}
	onceDelay, err := cfgFloat(c, "onceDelay", defaultOnceDelay.Seconds())
	if err != nil {
		return nil, err
	}

	props, err := injectProps(c)
	if err != nil {
		return nil, err
	}

	return &injectNode{
		props:     props,
		repeat:    time.Duration(repeat * float64(time.Second)),
		once:      cfgBool(c, "once", false),
		onceDelay: time.Duration(onceDelay * float64(time.Second)),
		env:       cfg.Env,
	}, nil
}

// injectProps reads the "props" list, falling back to the legacy
// payload/topic fields
func injectProps(c map[string]any) ([]injectProp, error) {
	payload := injectProp{
		path:      node.FieldPayload,
		value:     c["payload"],
		valueType: cfgString(c, "payloadType", "date"),
	}
	topic := injectProp{path: node.FieldTopic, value: cfgString(c, "topic", ""), valueType: "str"}

	raw, ok := c["props"].([]any)
	if !ok {
		return []injectProp{payload, topic}, checkValueType(payload.valueType)
	}

	props := make([]injectProp, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("props[%d] is not an object", i)
		}
		p := cfgString(m, "p", "")
		if p == "" {
			return nil, fmt.Errorf("props[%d] has no property name", i)
		}
		prop := injectProp{path: p, value: m["v"], valueType: cfgString(m, "vt", "str")}
		if _, hasValue := m["v"]; !hasValue {
			switch p {
			case node.FieldPayload:
				prop = payload
			case node.FieldTopic:
				prop = topic
			}
		}
		if err := checkValueType(prop.valueType); err != nil {
			return nil, fmt.Errorf("props[%d]: %w", i, err)
		}
		props = append(props, prop)
	}
	return props, nil
}

func (n *injectNode) OnStart(_ context.Context, out node.Output) error {
	if n.once {
		out.Go(func(ctx context.Context) error {
			t := time.NewTimer(n.onceDelay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
			n.fire(out)
			return nil
		})
	}
	if n.repeat > 0 {
		out.Go(func(ctx context.Context) error {
			ticker := time.NewTicker(n.repeat)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					n.fire(out)
				}
			}
		})
	}
	return nil
}

// OnMessage injects a fresh message, like pressing the editor button
func (n *injectNode) OnMessage(_ context.Context, _ int, _ *node.Message, out node.Output) error {
	msg, err := n.build(out)
	if err != nil {
		return err
	}
	out.Emit(0, msg)
	return nil
}

func (n *injectNode) fire(out node.Output) {
	msg, err := n.build(out)
	if err != nil {
		out.Logger().Warn("Inject failed", "error", err)
		out.Status(observe.ErrorStatus(err))
		return
	}
	out.Emit(0, msg)
}

func (n *injectNode) build(out node.Output) (*node.Message, error) {
	msg := node.NewMessage(nil)
	src := valueSource{scope: out.Context(), env: n.env}
	for _, p := range n.props {
		v, ok, err := typedValue(p.valueType, p.value, src)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", p.path, err)
		}
		if !ok {
			continue
		}
		if err := setProperty(msg, p.path, v); err != nil {
			return nil, err
		}
	}
	return msg, nil
}
