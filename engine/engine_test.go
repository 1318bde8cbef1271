package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semflow/env"
	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/events"
	"github.com/c360/semflow/metric"
	"github.com/c360/semflow/model"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/registry"
)

type fixture struct {
	reg      *registry.Registry
	engine   *Engine
	received chan *node.Message
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	fx := &fixture{reg: registry.New(), received: make(chan *node.Message, 64)}

	require.NoError(t, fx.reg.RegisterFunc("pass", func(registry.Config) (node.Behavior, error) {
		return node.BehaviorFunc(func(_ context.Context, _ int, msg *node.Message, out node.Output) error {
			out.Emit(0, msg)
			return nil
		}), nil
	}))
	require.NoError(t, fx.reg.RegisterFunc("capture", func(cfg registry.Config) (node.Behavior, error) {
		return node.BehaviorFunc(func(_ context.Context, _ int, msg *node.Message, _ node.Output) error {
			msg.Set("at", cfg.Def.ID)
			fx.received <- msg
			return nil
		}), nil
	}))
	require.NoError(t, fx.reg.RegisterFunc("counter", func(registry.Config) (node.Behavior, error) {
		return node.BehaviorFunc(func(_ context.Context, _ int, msg *node.Message, out node.Output) error {
			n := out.Context().Update("count", func(old any, ok bool) any {
				if !ok {
					return 1
				}
				return old.(int) + 1
			})
			msg.SetPayload(n)
			out.Emit(0, msg)
			return nil
		}), nil
	}))
	require.NoError(t, fx.reg.RegisterFunc("broken", func(registry.Config) (node.Behavior, error) {
		return nil, fmt.Errorf("cannot connect")
	}))

	opts = append([]Option{
		WithEnv(env.Map{}),
		WithStopGrace(200 * time.Millisecond),
		WithStopTimeout(100 * time.Millisecond),
	}, opts...)
	eng, err := New(fx.reg, nil, metric.NewMetricsRegistry(), opts...)
	require.NoError(t, err)
	fx.engine = eng
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return fx
}

func (fx *fixture) next(t *testing.T) *node.Message {
	t.Helper()
	select {
	case m := <-fx.received:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func to(ids ...string) [][]model.Target {
	var ts []model.Target
	for _, id := range ids {
		ts = append(ts, model.Target{NodeID: id})
	}
	return [][]model.Target{ts}
}

func simpleFlow(id, prefix string) model.FlowDef {
	return model.FlowDef{ID: id, Label: id, Nodes: []model.NodeDef{
		{ID: prefix + "-in", Type: "counter", Wires: to(prefix + "-out")},
		{ID: prefix + "-out", Type: "capture"},
	}}
}

func TestEngine_DeployStartInject(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	res, err := fx.engine.Deploy(ctx, &model.Descriptor{Flows: []model.FlowDef{simpleFlow("f1", "a")}})
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, res.Added)
	assert.NotEmpty(t, res.Revision)
	assert.Equal(t, res.Revision, fx.engine.Revision())

	err = fx.engine.Inject("f1", "a-in", 0, node.NewMessage(nil))
	assert.ErrorIs(t, err, errors.ErrNotStarted)

	require.NoError(t, fx.engine.Start(ctx))
	assert.True(t, fx.engine.Running())
	require.NoError(t, fx.engine.Inject("f1", "a-in", 0, node.NewMessage(nil)))
	m := fx.next(t)
	assert.Equal(t, 1, m.Payload())
	assert.Equal(t, "a-out", m.Fields["at"])

	infos := fx.engine.Flows()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Running)
	assert.Equal(t, []string{"a-in", "a-out"}, infos[0].Nodes)

	assert.Error(t, fx.engine.Inject("nope", "a-in", 0, nil))
	assert.True(t, fx.reg.Sealed())
}

func TestEngine_DeployIsAtomic(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sub := fx.engine.Events().Subscribe(64)
	defer sub.Close()

	first := &model.Descriptor{Flows: []model.FlowDef{simpleFlow("f1", "a")}}
	_, err := fx.engine.Deploy(ctx, first)
	require.NoError(t, err)
	require.NoError(t, fx.engine.Start(ctx))
	before, _ := fx.engine.Flow("f1")
	revision := fx.engine.Revision()
	flowScopes, nodeScopes := fx.engine.Contexts().Counts()

	changed := simpleFlow("f1", "a")
	changed.Label = "renamed"
	bad := model.FlowDef{ID: "f2", Nodes: []model.NodeDef{
		{ID: "ok", Type: "pass", Wires: to("boom")},
		{ID: "boom", Type: "broken"},
	}}
	_, err = fx.engine.Deploy(ctx, &model.Descriptor{Flows: []model.FlowDef{changed, bad}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNodeConstruction)

	after, ok := fx.engine.Flow("f1")
	require.True(t, ok)
	assert.Same(t, before, after)
	assert.True(t, after.Running())
	_, ok = fx.engine.Flow("f2")
	assert.False(t, ok)
	assert.Equal(t, revision, fx.engine.Revision())
	assert.Equal(t, "f1", fx.engine.Descriptor().Flows[0].Label)

	flows, nodes := fx.engine.Contexts().Counts()
	assert.Equal(t, flowScopes, flows, "no scope left behind for the rejected flow")
	assert.Equal(t, nodeScopes, nodes, "no scope left behind for the rejected nodes")

	require.NoError(t, fx.engine.Inject("f1", "a-in", 0, nil))
	assert.Equal(t, 1, fx.next(t).Payload())

	rejected := waitEvent(t, sub.C(), events.DeployRejected)
	assert.Equal(t, "f2", rejected.FlowID)
	assert.Equal(t, "boom", rejected.NodeID)
	assert.Equal(t, errors.ErrNodeConstruction.Error(), rejected.ErrorKind)
}

func TestEngine_RejectsBeforeActivation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		desc *model.Descriptor
		kind error
	}{
		{
			name: "subflow cycle",
			desc: &model.Descriptor{
				Flows: []model.FlowDef{{ID: "f1", Nodes: []model.NodeDef{{ID: "i", Type: "subflow:A"}}}},
				Subflows: []model.SubflowDef{
					{ID: "A", Nodes: []model.NodeDef{{ID: "a1", Type: "subflow:B"}}},
					{ID: "B", Nodes: []model.NodeDef{{ID: "b1", Type: "subflow:A"}}},
				},
			},
			kind: errors.ErrSubflowCycle,
		},
		{
			name: "unknown type",
			desc: &model.Descriptor{Flows: []model.FlowDef{{ID: "f1", Nodes: []model.NodeDef{{ID: "x", Type: "mystery"}}}}},
			kind: errors.ErrUnknownNodeType,
		},
		{
			name: "unknown wire target",
			desc: &model.Descriptor{Flows: []model.FlowDef{{ID: "f1", Nodes: []model.NodeDef{
				{ID: "x", Type: "pass", Wires: to("ghost")},
			}}}},
			kind: errors.ErrMalformedDeployment,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.engine.Deploy(ctx, tt.desc)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.True(t, errors.IsInvalid(err))
			assert.Empty(t, fx.engine.Flows())
			assert.Nil(t, fx.engine.Descriptor())
		})
	}
}

func TestEngine_RedeployKeepsUnchangedFlows(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.engine.Start(ctx))

	desc := &model.Descriptor{Flows: []model.FlowDef{simpleFlow("f1", "a"), simpleFlow("f2", "b")}}
	_, err := fx.engine.Deploy(ctx, desc)
	require.NoError(t, err)
	f1, _ := fx.engine.Flow("f1")

	require.NoError(t, fx.engine.Inject("f2", "b-in", 0, nil))
	assert.Equal(t, 1, fx.next(t).Payload())

	changed := simpleFlow("f2", "b")
	changed.Env = map[string]string{"MODE": "new"}
	res, err := fx.engine.Deploy(ctx, &model.Descriptor{Flows: []model.FlowDef{simpleFlow("f1", "a"), changed}})
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, res.Unchanged)
	assert.Equal(t, []string{"f2"}, res.Replaced)

	same, _ := fx.engine.Flow("f1")
	assert.Same(t, f1, same)

	// node context survives the rebuild of its flow
	require.NoError(t, fx.engine.Inject("f2", "b-in", 0, nil))
	assert.Equal(t, 2, fx.next(t).Payload())
}

func TestEngine_FullModeReplacesEverything(t *testing.T) {
	fx := newFixture(t, WithDeployMode(DeployFull))
	ctx := context.Background()
	desc := &model.Descriptor{Flows: []model.FlowDef{simpleFlow("f1", "a")}}

	_, err := fx.engine.Deploy(ctx, desc)
	require.NoError(t, err)
	res, err := fx.engine.Deploy(ctx, desc)
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, res.Replaced)
	assert.Empty(t, res.Unchanged)
}

func TestEngine_RemovedAndDisabledFlows(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.engine.Start(ctx))
	sub := fx.engine.Events().Subscribe(64)
	defer sub.Close()

	_, err := fx.engine.Deploy(ctx, &model.Descriptor{Flows: []model.FlowDef{simpleFlow("f1", "a"), simpleFlow("f2", "b")}})
	require.NoError(t, err)
	require.NoError(t, fx.engine.Inject("f2", "b-in", 0, nil))
	fx.next(t)
	old, _ := fx.engine.Flow("f2")

	disabled := simpleFlow("f1", "a")
	disabled.Disabled = true
	res, err := fx.engine.Deploy(ctx, &model.Descriptor{Flows: []model.FlowDef{disabled}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"f1", "f2"}, res.Removed)
	assert.Empty(t, fx.engine.Flows())
	assert.True(t, old.Stopped())

	_, nodes := fx.engine.Contexts().Counts()
	assert.Equal(t, 2, nodes, "disabled flow keeps its node context")

	removed := waitEvent(t, sub.C(), events.NodeRemoved)
	assert.NotEmpty(t, removed.NodeID)
}

func TestEngine_StopThenStart(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.engine.Deploy(ctx, &model.Descriptor{Flows: []model.FlowDef{simpleFlow("f1", "a")}})
	require.NoError(t, err)
	require.NoError(t, fx.engine.Start(ctx))
	assert.ErrorIs(t, fx.engine.Start(ctx), errors.ErrAlreadyStarted)

	reports, err := fx.engine.Stop(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Drained)
	assert.False(t, fx.engine.Running())
	_, err = fx.engine.Stop(ctx)
	assert.ErrorIs(t, err, errors.ErrNotStarted)

	require.NoError(t, fx.engine.Start(ctx))
	require.NoError(t, fx.engine.Inject("f1", "a-in", 0, nil))
	fx.next(t)
}

type memRecorder struct {
	mu        sync.Mutex
	revisions []string
}

func (r *memRecorder) RecordDeployment(_ context.Context, revision string, desc *model.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revisions = append(r.revisions, revision)
	return nil
}

func TestEngine_RecordsDeployments(t *testing.T) {
	rec := &memRecorder{}
	fx := newFixture(t, WithRecorder(rec))

	res, err := fx.engine.Deploy(context.Background(), &model.Descriptor{Flows: []model.FlowDef{simpleFlow("f1", "a")}})
	require.NoError(t, err)
	_, err = fx.engine.Deploy(context.Background(), &model.Descriptor{Flows: []model.FlowDef{{ID: "f1", Nodes: []model.NodeDef{{ID: "z", Type: "nope"}}}}})
	require.Error(t, err)

	assert.Equal(t, []string{res.Revision}, rec.revisions)
}

func TestEngine_DeployJSONNodeRED(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	data := []byte(`[
		{"id":"t1","type":"tab","label":"Main"},
		{"id":"sf1","type":"subflow","name":"inc","in":[{"wires":[{"id":"c1"}]}],"out":[{"wires":[{"id":"c1","port":0}]}]},
		{"id":"c1","type":"counter","z":"sf1","wires":[]},
		{"id":"n1","type":"pass","z":"t1","wires":[["s1","s2"]]},
		{"id":"s1","type":"subflow:sf1","z":"t1","wires":[["out"]]},
		{"id":"s2","type":"subflow:sf1","z":"t1","wires":[["out"]]},
		{"id":"out","type":"capture","z":"t1","wires":[]}
	]`)

	_, err := fx.engine.DeployJSON(ctx, data)
	require.NoError(t, err)
	require.NoError(t, fx.engine.Start(ctx))
	require.NoError(t, fx.engine.Inject("t1", "n1", 0, nil))

	a, b := fx.next(t), fx.next(t)
	// each instance owns its own counter context
	assert.Equal(t, 1, a.Payload())
	assert.Equal(t, 1, b.Payload())

	infos := fx.engine.Flows()
	require.Len(t, infos, 1)
	assert.Len(t, infos[0].Nodes, 4)

	_, err = fx.engine.DeployJSON(ctx, []byte(`[{"id":`))
	assert.Error(t, err)
}

func waitEvent(t *testing.T, ch <-chan events.Event, kind events.Kind) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return events.Event{}
		}
	}
}
