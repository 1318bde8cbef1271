package flow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/c360/semflow/contextstore"
	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/events"
	"github.com/c360/semflow/metric"
	"github.com/c360/semflow/model"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/observe"
	"github.com/c360/semflow/pkg/worker"
)

// Inject delivers msg to an input port of a node from outside the graph.
func (f *Flow) Inject(nodeID string, port int, msg *node.Message) error {
	if !f.Running() {
		return errors.WrapInvalid(errors.ErrNotStarted, "Flow", "Inject", "flow state check")
	}
	inst, ok := f.instances[nodeID]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("node %q is not in flow %q", nodeID, f.def.ID), "Flow", "Inject", "node lookup")
	}
	if port < 0 || port >= inst.inputs {
		return errors.WrapInvalid(fmt.Errorf("node %q has no input %d", nodeID, port), "Flow", "Inject", "port check")
	}
	if msg == nil {
		msg = node.NewMessage(nil)
	}
	if !f.deliver(model.Target{NodeID: nodeID, Port: port}, msg) {
		return &errors.NodeError{FlowID: f.def.ID, NodeID: nodeID, Err: errors.ErrDeliveryToInactiveNode}
	}
	return nil
}

// emit routes one emission. Every target gets its own copy taken at the
// time of the call, so neither another downstream nor the emitter's later
// changes to msg can reach a queued delivery.
func (f *Flow) emit(src *instance, port int, msg *node.Message) {
	if msg == nil {
		return
	}
	if src.life.Current() != node.StateRunning {
		f.drop(metric.DropInactiveSource, 1)
		return
	}
	if !f.dispatching() {
		f.drop(metric.DropStopping, 1)
		return
	}

	ports := f.routes[src.def.ID]
	if port < 0 || port >= len(ports) || len(ports[port]) == 0 {
		return
	}
	targets := ports[port]

	msgs := make([]*node.Message, len(targets))
	for i := range targets {
		msgs[i] = msg.Clone()
	}
	for i, t := range targets {
		f.deliver(t, msgs[i])
	}
}

// deliver queues msg on the target's mailbox and schedules the target.
// It reports whether the message was queued.
func (f *Flow) deliver(t model.Target, msg *node.Message) bool {
	inst, ok := f.instances[t.NodeID]
	if !ok {
		f.drop(metric.DropUnrouted, 1)
		return false
	}
	if inst.life.Current() != node.StateRunning {
		f.drop(metric.DropInactiveTarget, 1)
		return false
	}

	msg.DeliveryID = f.seq.Add(1)
	f.inflight.add()

	inst.mu.Lock()
	inst.mailbox = append(inst.mailbox, delivery{port: t.Port, msg: msg})
	schedule := !inst.scheduled
	inst.scheduled = true
	inst.mu.Unlock()

	if schedule {
		f.schedule(inst)
	}
	return true
}

// schedule hands a node to the pool. A node is queued at most once, so the
// pool queue never fills; Submit fails only once the pool is stopping.
func (f *Flow) schedule(inst *instance) {
	if err := f.pool.Submit(inst); err != nil {
		reason := metric.DropStopping
		if errors.Is(err, worker.ErrQueueFull) {
			reason = metric.DropQueueFull
		}
		f.flush(inst, reason)
	}
}

// flush drops everything queued for a node
func (f *Flow) flush(inst *instance, reason string) {
	inst.mu.Lock()
	n := len(inst.mailbox)
	inst.mailbox = nil
	inst.scheduled = false
	inst.mu.Unlock()

	f.drop(reason, n)
	for i := 0; i < n; i++ {
		f.inflight.done()
	}
}

// process runs one delivery for a node, then requeues the node if more
// are waiting, letting other nodes run in between.
func (f *Flow) process(ctx context.Context, inst *instance) error {
	inst.mu.Lock()
	if len(inst.mailbox) == 0 {
		inst.scheduled = false
		inst.mu.Unlock()
		return nil
	}
	d := inst.mailbox[0]
	inst.mailbox[0] = delivery{}
	inst.mailbox = inst.mailbox[1:]

	reason := ""
	switch {
	case !f.dispatching():
		reason = metric.DropStopping
	case inst.life.Current() != node.StateRunning:
		reason = metric.DropInactiveTarget
	default:
		inst.busy = true
		inst.calls.add()
	}
	inst.mu.Unlock()

	var err error
	if reason != "" {
		f.drop(reason, 1)
	} else {
		err = f.invoke(inst, d)
		inst.calls.done()
	}
	f.inflight.done()

	inst.mu.Lock()
	inst.busy = false
	more := len(inst.mailbox) > 0
	if !more {
		inst.scheduled = false
	}
	inst.mu.Unlock()

	if more {
		f.schedule(inst)
	}
	return err
}

// invoke calls the behavior, converting an error or panic into a node
// error report. The triggering message is dropped either way.
func (f *Flow) invoke(inst *instance, d delivery) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			inst.logger.Debug("Node panic stack", "stack", string(debug.Stack()))
		}
		f.opts.Metrics.RecordProcessingDuration(f.def.ID, inst.def.Type, time.Since(start))
		if err != nil {
			f.reportNodeError(inst, err)
		}
	}()

	f.delivered.Add(1)
	f.opts.Metrics.RecordDelivered(f.def.ID, inst.def.Type)
	return inst.behavior.OnMessage(f.run.dispatchCtx, d.port, d.msg, &output{inst: inst})
}

func (f *Flow) drop(reason string, n int) {
	if n <= 0 {
		return
	}
	f.dropped.Add(int64(n))
	for i := 0; i < n; i++ {
		f.opts.Metrics.RecordDropped(f.def.ID, reason)
	}
}

// reportNodeError publishes a runtime failure of one node. It never
// affects other nodes or the flow.
func (f *Flow) reportNodeError(inst *instance, cause error) {
	f.errored.Add(1)
	err := &errors.NodeError{FlowID: f.def.ID, NodeID: inst.def.ID, Err: cause}
	inst.logger.Error("Node error", "error", cause)
	f.opts.Metrics.RecordNodeError(f.def.ID, inst.def.Type)
	f.publishStatus(inst, observe.KindError, observe.ErrorStatus(cause))
	f.publishEvent(events.Event{
		Kind:      events.NodeErrored,
		NodeID:    inst.def.ID,
		Error:     err.Error(),
		ErrorKind: errors.ErrNodeRuntime.Error(),
	})
}

func (f *Flow) publishStatus(inst *instance, kind observe.Kind, payload any) {
	if f.opts.Observe == nil {
		return
	}
	ch := f.opts.Observe.Status
	if kind == observe.KindDebug {
		ch = f.opts.Observe.Debug
	}
	ch.Publish(observe.Record{
		FlowID:    f.def.ID,
		NodeID:    inst.def.ID,
		NodeType:  inst.def.Type,
		Timestamp: time.Now(),
		Kind:      kind,
		Payload:   payload,
	})
}

func (f *Flow) publishEvent(e events.Event) {
	if f.opts.Events == nil {
		return
	}
	e.FlowID = f.def.ID
	if e.Revision == "" {
		e.Revision = f.opts.Revision
	}
	f.opts.Events.Publish(e)
}

// output is the node.Output handed to one instance
type output struct {
	inst *instance
}

func (o *output) Emit(port int, msg *node.Message) {
	o.inst.flow.emit(o.inst, port, msg)
}

func (o *output) EmitPorts(msgs ...*node.Message) {
	for port, msg := range msgs {
		if msg != nil {
			o.inst.flow.emit(o.inst, port, msg)
		}
	}
}

func (o *output) Status(s observe.Status) {
	o.inst.flow.publishStatus(o.inst, observe.KindStatus, s)
}

func (o *output) Debug(payload any) {
	o.inst.flow.publishStatus(o.inst, observe.KindDebug, payload)
}

func (o *output) Go(task func(ctx context.Context) error) {
	o.inst.flow.goTask(o.inst, task)
}

func (o *output) Context() *contextstore.Scope { return o.inst.scope }

func (o *output) Logger() *slog.Logger { return o.inst.logger }
