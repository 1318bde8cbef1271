package nodes

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/semflow/contextstore"
	"github.com/c360/semflow/env"
	"github.com/c360/semflow/model"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/observe"
	"github.com/c360/semflow/registry"
)

type emission struct {
	port int
	msg  *node.Message
}

// recorder is an in-memory node.Output
type recorder struct {
	emitted chan emission
	store   *contextstore.Store
	scope   *contextstore.Scope

	mu       sync.Mutex
	statuses []observe.Status
	debug    []any

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRecorder(t *testing.T) *recorder {
	t.Helper()
	store := contextstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	r := &recorder{
		emitted: make(chan emission, 4096),
		store:   store,
		scope:   store.Node("flow1", "node1"),
		ctx:     ctx,
		cancel:  cancel,
	}
	t.Cleanup(func() {
		cancel()
		r.wg.Wait()
	})
	return r
}

func (r *recorder) Emit(port int, msg *node.Message) {
	r.emitted <- emission{port: port, msg: msg}
}

func (r *recorder) EmitPorts(msgs ...*node.Message) {
	for i, m := range msgs {
		if m != nil {
			r.Emit(i, m)
		}
	}
}

func (r *recorder) Status(s observe.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) Debug(payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debug = append(r.debug, payload)
}

func (r *recorder) Go(task func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = task(r.ctx)
	}()
}

func (r *recorder) Context() *contextstore.Scope { return r.scope }

func (r *recorder) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (r *recorder) next(t *testing.T) emission {
	t.Helper()
	select {
	case e := <-r.emitted:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for emission")
		return emission{}
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case e := <-r.emitted:
		t.Fatalf("unexpected emission on port %d: %v", e.port, e.msg.Fields)
	case <-time.After(wait):
	}
}

func (r *recorder) drain() []emission {
	var out []emission
	for {
		select {
		case e := <-r.emitted:
			out = append(out, e)
		default:
			return out
		}
	}
}

func (r *recorder) debugValues() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.debug...)
}

// build constructs a builtin through the registry
func build(t *testing.T, typeName string, cfg map[string]any) node.Behavior {
	t.Helper()
	b, err := construct(typeName, cfg)
	require.NoError(t, err)
	return b
}

func construct(typeName string, cfg map[string]any) (node.Behavior, error) {
	reg := registry.New()
	if err := Register(reg); err != nil {
		return nil, err
	}
	return reg.Construct(registry.Config{
		Def:    model.NodeDef{ID: "node1", Type: typeName, FlowID: "flow1", Config: cfg},
		Env:    env.Map{"GREETING": "hello"},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func send(t *testing.T, b node.Behavior, out node.Output, fields map[string]any) {
	t.Helper()
	msg := node.NewMessage(nil)
	for k, v := range fields {
		msg.Set(k, v)
	}
	require.NoError(t, b.OnMessage(context.Background(), 0, msg, out))
}

func start(t *testing.T, b node.Behavior, out node.Output) {
	t.Helper()
	if s, ok := b.(node.Starter); ok {
		require.NoError(t, s.OnStart(context.Background(), out))
	}
}
