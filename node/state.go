package node

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle state of a node instance
type State int32

const (
	// StateConstructed is set once the factory returned a behavior
	StateConstructed State = iota
	// StateStarting is set while OnStart runs
	StateStarting
	// StateRunning accepts deliveries
	StateRunning
	// StateStopping is set while OnStop runs
	StateStopping
	// StateStopped is terminal
	StateStopped
	// StateErrored is terminal; the node failed to start or stop
	StateErrored
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == StateStopped || s == StateErrored
}

// CanTransition reports whether s → to is a legal move
func (s State) CanTransition(to State) bool {
	switch s {
	case StateConstructed:
		// a constructed node that never started is stopped directly
		return to == StateStarting || to == StateStopped
	case StateStarting:
		return to == StateRunning || to == StateErrored
	case StateRunning:
		return to == StateStopping || to == StateErrored
	case StateStopping:
		return to == StateStopped || to == StateErrored
	default:
		return false
	}
}

// Lifecycle tracks a node's state. Current is lock-free so the dispatcher
// can check it on every delivery.
type Lifecycle struct {
	state atomic.Int32
}

// Current returns the present state
func (l *Lifecycle) Current() State {
	return State(l.state.Load())
}

// Transition moves to the given state, failing when the move is illegal
// from the present state.
func (l *Lifecycle) Transition(to State) error {
	for {
		cur := l.state.Load()
		if !State(cur).CanTransition(to) {
			return fmt.Errorf("illegal node transition %s -> %s", State(cur), to)
		}
		if l.state.CompareAndSwap(cur, int32(to)) {
			return nil
		}
	}
}
