package flow

import (
	"context"
	"fmt"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/events"
	"github.com/c360/semflow/metric"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/observe"
)

// runContext holds the flow's cancellation signals. taskCtx ends when
// Stop begins, so background tasks wind down while queued work drains.
// dispatchCtx is handed to OnMessage and ends once the drain is over.
type runContext struct {
	taskCtx    context.Context
	taskCancel context.CancelFunc

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc

	poolCtx    context.Context
	poolCancel context.CancelFunc
}

// StopReport describes how a flow stopped
type StopReport struct {
	FlowID string `json:"flow_id"`
	// Drained is false when in-flight work outlived the grace period
	Drained bool `json:"drained"`
	// Abandoned lists nodes still busy when the grace period ended
	Abandoned []string `json:"abandoned,omitempty"`
	// Errored lists nodes whose teardown failed
	Errored []string `json:"errored,omitempty"`
}

// Start moves every node through Starting to Running and begins dispatch.
// A node whose OnStart fails is left Errored and reported; the rest of the
// flow still starts. The flow keeps running after ctx is cancelled.
func (f *Flow) Start(ctx context.Context) error {
	f.mu.Lock()
	if flowState(f.state.Load()) != stateBuilt {
		f.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Flow", "Start", "flow state check")
	}

	base := context.WithoutCancel(ctx)
	f.run.taskCtx, f.run.taskCancel = context.WithCancel(base)
	f.run.dispatchCtx, f.run.dispatchCancel = context.WithCancel(base)
	f.run.poolCtx, f.run.poolCancel = context.WithCancel(base)
	if err := f.pool.Start(f.run.poolCtx); err != nil {
		f.mu.Unlock()
		return errors.WrapFatal(err, "Flow", "Start", "start dispatch pool")
	}
	f.mu.Unlock()

	for _, inst := range f.order {
		f.startNode(ctx, inst)
	}

	f.mu.Lock()
	f.state.Store(int32(stateRunning))
	for _, inst := range f.order {
		inst.mu.Lock()
		pending := inst.pending
		inst.pending = nil
		inst.mu.Unlock()
		for _, task := range pending {
			f.launch(inst, task)
		}
	}
	f.mu.Unlock()

	f.logger.Info("Flow started", "nodes", len(f.order))
	f.publishEvent(events.Event{Kind: events.FlowStarted})
	return nil
}

func (f *Flow) startNode(ctx context.Context, inst *instance) {
	if err := inst.life.Transition(node.StateStarting); err != nil {
		inst.logger.Warn("Skipping node start", "error", err)
		return
	}

	var err error
	if starter, ok := inst.behavior.(node.Starter); ok {
		err = safeCall(func() error { return starter.OnStart(ctx, &output{inst: inst}) })
	}
	if err != nil {
		_ = inst.life.Transition(node.StateErrored)
		f.reportLifecycleError(inst, "start", err)
		return
	}
	_ = inst.life.Transition(node.StateRunning)
}

// reportLifecycleError reports a node that moved to Errored
func (f *Flow) reportLifecycleError(inst *instance, phase string, cause error) {
	f.errored.Add(1)
	inst.logger.Error("Node failed", "phase", phase, "error", cause)
	f.opts.Metrics.RecordNodeError(f.def.ID, inst.def.Type)
	f.publishStatus(inst, observe.KindError, observe.ErrorStatus(cause))
	f.publishEvent(events.Event{
		Kind:      events.NodeErrored,
		NodeID:    inst.def.ID,
		Error:     fmt.Sprintf("%s: %v", phase, cause),
		ErrorKind: errors.ErrNodeRuntime.Error(),
	})
}

// goTask runs task now if the flow is running or draining, or once it
// starts. A task launched while draining sees its context already ended.
// Tasks offered to a stopping flow are discarded.
func (f *Flow) goTask(inst *instance, task func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch flowState(f.state.Load()) {
	case stateBuilt:
		inst.mu.Lock()
		inst.pending = append(inst.pending, task)
		inst.mu.Unlock()
	case stateRunning, stateDraining:
		f.launch(inst, task)
	default:
		inst.logger.Debug("Discarding background task on stopped flow")
	}
}

// launch must be called with f.mu held and the flow dispatching
func (f *Flow) launch(inst *instance, task func(ctx context.Context) error) {
	inst.tasks.Add(1)
	f.inflight.add()
	go func() {
		defer f.inflight.done()
		defer inst.tasks.Add(-1)

		err := safeCall(func() error { return task(f.run.taskCtx) })
		if err != nil && !errors.Is(err, context.Canceled) {
			f.reportNodeError(inst, err)
		}
	}()
}

// Stop winds the flow down. Inject is refused from the start and
// background tasks are cancelled, while queued deliveries and their
// emissions keep flowing for up to the grace period. Once the flow is
// drained, or the grace period ends, the dispatch context is cancelled and
// anything still queued is dropped. Every node then runs OnStop; a node
// still inside OnMessage is reported abandoned and torn down when that
// call returns, while the node itself is forced to Stopped. Stop on a flow
// that was never started is Discard.
func (f *Flow) Stop(ctx context.Context) (StopReport, error) {
	report := StopReport{FlowID: f.def.ID, Drained: true}

	f.mu.Lock()
	switch flowState(f.state.Load()) {
	case stateBuilt:
		f.state.Store(int32(stateStopped))
		f.mu.Unlock()
		f.discardNodes()
		return report, nil
	case stateRunning:
		f.state.Store(int32(stateDraining))
		f.mu.Unlock()
	default:
		f.mu.Unlock()
		return report, errors.WrapInvalid(errors.ErrAlreadyStopped, "Flow", "Stop", "flow state check")
	}

	f.run.taskCancel()

	graceCtx, cancel := context.WithTimeout(ctx, f.opts.StopGrace)
	report.Drained = f.inflight.wait(graceCtx)
	cancel()

	f.mu.Lock()
	f.state.Store(int32(stateStopping))
	f.mu.Unlock()
	f.run.dispatchCancel()

	for _, inst := range f.order {
		if f.stopNode(inst, &report) {
			report.Abandoned = append(report.Abandoned, inst.def.ID)
		}
	}

	if err := f.pool.Stop(f.opts.StopTimeout); err != nil {
		f.logger.Warn("Dispatch workers outlived stop timeout", "error", err)
	}
	f.run.poolCancel()
	f.opts.PoolMetrics.Forget("flow_" + f.def.ID)

	f.state.Store(int32(stateStopped))
	f.logger.Info("Flow stopped", "drained", report.Drained, "abandoned", len(report.Abandoned))
	f.publishEvent(events.Event{Kind: events.FlowStopped})
	return report, nil
}

// stopNode tears one node down and reports whether it was abandoned
func (f *Flow) stopNode(inst *instance, report *StopReport) bool {
	inst.mu.Lock()
	busy := inst.busy
	queued := len(inst.mailbox)
	state := inst.life.Current()
	if state == node.StateRunning {
		_ = inst.life.Transition(node.StateStopping)
	}
	inst.mu.Unlock()

	if queued > 0 {
		f.flush(inst, metric.DropStopping)
	}

	abandoned := busy || inst.tasks.Load() > 0
	if abandoned {
		inst.logger.Warn("Abandoning node with pending work",
			"busy", busy, "tasks", inst.tasks.Load())
		f.opts.Metrics.RecordAbandoned(f.def.ID)
		f.publishEvent(events.Event{Kind: events.NodeAbandoned, NodeID: inst.def.ID})
	}

	switch state {
	case node.StateRunning:
	case node.StateConstructed:
		_ = inst.life.Transition(node.StateStopped)
		return abandoned
	default:
		return abandoned
	}

	stopper, ok := inst.behavior.(node.Stopper)
	if !ok {
		_ = inst.life.Transition(node.StateStopped)
		return abandoned
	}

	// Teardown must not overlap an OnMessage call. The dispatch context is
	// already cancelled, so a cooperative call returns within the wait. A
	// call that does not is left behind: the node is forced to Stopped and
	// OnStop runs once the call returns.
	if busy && !f.awaitCall(inst) {
		_ = inst.life.Transition(node.StateStopped)
		go func() {
			inst.calls.wait(context.Background())
			if err := f.callStop(stopper); err != nil {
				f.reportLifecycleError(inst, "stop", err)
			}
		}()
		return abandoned
	}

	if err := f.teardown(inst, stopper); err != nil {
		report.Errored = append(report.Errored, inst.def.ID)
	}
	return abandoned
}

// awaitCall waits up to the stop timeout for the node's OnMessage call to
// return and reports whether it did
func (f *Flow) awaitCall(inst *instance) bool {
	ctx, cancel := context.WithTimeout(context.Background(), f.opts.StopTimeout)
	defer cancel()
	return inst.calls.wait(ctx)
}

// teardown runs OnStop and moves the node to Stopped, or to Errored when
// OnStop fails
func (f *Flow) teardown(inst *instance, stopper node.Stopper) error {
	if err := f.callStop(stopper); err != nil {
		_ = inst.life.Transition(node.StateErrored)
		f.reportLifecycleError(inst, "stop", err)
		return err
	}
	_ = inst.life.Transition(node.StateStopped)
	return nil
}

// callStop runs OnStop bounded by the stop timeout. A teardown that
// overruns is left behind and reported as an error.
func (f *Flow) callStop(stopper node.Stopper) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(f.run.dispatchCtx), f.opts.StopTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- safeCall(func() error { return stopper.OnStop(ctx) })
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("teardown did not finish within %s", f.opts.StopTimeout)
	}
}

// Discard releases a flow that was built but never started
func (f *Flow) Discard() {
	f.mu.Lock()
	if flowState(f.state.Load()) != stateBuilt {
		f.mu.Unlock()
		return
	}
	f.state.Store(int32(stateStopped))
	f.mu.Unlock()
	f.discardNodes()
}

func (f *Flow) discardNodes() {
	for _, inst := range f.order {
		_ = inst.life.Transition(node.StateStopped)
		inst.mu.Lock()
		inst.pending = nil
		inst.mu.Unlock()
	}
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
