package node

import (
	"context"
	"log/slog"

	"github.com/c360/semflow/contextstore"
	"github.com/c360/semflow/observe"
)

// Behavior is the capability every node type provides. OnMessage is called
// for one delivered message at a time per node; port is the input port the
// message arrived on. A returned error is reported as a node error; it does
// not stop the node or the flow.
type Behavior interface {
	OnMessage(ctx context.Context, port int, msg *Message, out Output) error
}

// Starter is implemented by behaviors with setup work. OnStart runs before
// the node receives its first message.
type Starter interface {
	OnStart(ctx context.Context, out Output) error
}

// Stopper is implemented by behaviors that hold resources. The context
// carries the stop deadline.
type Stopper interface {
	OnStop(ctx context.Context) error
}

// BehaviorFunc adapts a function to Behavior
type BehaviorFunc func(ctx context.Context, port int, msg *Message, out Output) error

// OnMessage calls f
func (f BehaviorFunc) OnMessage(ctx context.Context, port int, msg *Message, out Output) error {
	return f(ctx, port, msg, out)
}

// Output is the node's handle on the runtime. It is bound to one node
// instance and safe for use from any goroutine.
type Output interface {
	// Emit sends msg on an output port. Emissions from one node are
	// delivered in the order they are made. Emitting on an unwired port
	// is a no-op.
	Emit(port int, msg *Message)
	// EmitPorts sends msgs[i] on port i, skipping nil entries
	EmitPorts(msgs ...*Message)
	// Status publishes the node's visual status
	Status(s observe.Status)
	// Debug publishes a debug record
	Debug(payload any)
	// Go runs a background task for the node. The task context is
	// cancelled when the flow stops; tasks still running after the stop
	// grace period mark the node abandoned.
	Go(task func(ctx context.Context) error)
	// Context returns the node's context scope
	Context() *contextstore.Scope
	// Logger returns a logger annotated with the flow and node ids
	Logger() *slog.Logger
}
