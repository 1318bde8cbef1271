// Package contextstore holds the scoped key/value state shared by nodes.
//
// Scopes nest as global ⊃ flow ⊃ node. Writes land in the scope they are
// made on; Lookup resolves node → flow → global. Every scope carries its own
// lock, so writes are visible to the next read on any goroutine.
package contextstore

import (
	"sort"
	"sync"
)

// Kind identifies the level of a scope.
type Kind int

const (
	// KindGlobal is the process-wide scope
	KindGlobal Kind = iota
	// KindFlow is shared by all nodes of one flow
	KindFlow
	// KindNode is private to one node
	KindNode
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindGlobal:
		return "global"
	case KindFlow:
		return "flow"
	case KindNode:
		return "node"
	default:
		return "unknown"
	}
}

// Scope is one level of context.
type Scope struct {
	kind Kind
	id   string

	parentMu sync.RWMutex
	parent   *Scope

	mu     sync.RWMutex
	values map[string]any
}

func newScope(kind Kind, id string, parent *Scope) *Scope {
	return &Scope{
		kind:   kind,
		id:     id,
		parent: parent,
		values: make(map[string]any),
	}
}

// Kind returns the scope level
func (s *Scope) Kind() Kind { return s.kind }

// ID returns the owning flow or node id; empty for the global scope
func (s *Scope) ID() string { return s.id }

// Parent returns the enclosing scope, nil for global
func (s *Scope) Parent() *Scope {
	s.parentMu.RLock()
	defer s.parentMu.RUnlock()
	return s.parent
}

func (s *Scope) setParent(p *Scope) {
	s.parentMu.Lock()
	s.parent = p
	s.parentMu.Unlock()
}

// Get reads a key from this scope only
func (s *Scope) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Lookup reads a key from this scope, falling back to enclosing scopes
func (s *Scope) Lookup(key string) (any, bool) {
	for sc := s; sc != nil; sc = sc.Parent() {
		if v, ok := sc.Get(key); ok {
			return v, true
		}
	}
	return nil, false
}

// Set writes a key in this scope. Setting nil removes the key.
func (s *Scope) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.values, key)
		return
	}
	s.values[key] = value
}

// Delete removes a key from this scope
func (s *Scope) Delete(key string) {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
}

// Update atomically replaces a key with fn(old). Returning nil removes it.
func (s *Scope) Update(key string, fn func(old any, ok bool) any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.values[key]
	next := fn(old, ok)
	if next == nil {
		delete(s.values, key)
	} else {
		s.values[key] = next
	}
	return next
}

// Keys returns the keys held by this scope, sorted
func (s *Scope) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Clear removes all keys from this scope
func (s *Scope) Clear() {
	s.mu.Lock()
	s.values = make(map[string]any)
	s.mu.Unlock()
}

// Store owns every scope. Flow and node scopes are created on first use and
// kept by id so state survives redeploys of unchanged ids.
type Store struct {
	global *Scope

	mu    sync.Mutex
	flows map[string]*Scope
	nodes map[string]*Scope
}

// New creates an empty store
func New() *Store {
	return &Store{
		global: newScope(KindGlobal, "", nil),
		flows:  make(map[string]*Scope),
		nodes:  make(map[string]*Scope),
	}
}

// Global returns the process-wide scope
func (s *Store) Global() *Scope {
	return s.global
}

// Flow returns the scope of a flow, creating it on first use
func (s *Store) Flow(flowID string) *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flowLocked(flowID)
}

func (s *Store) flowLocked(flowID string) *Scope {
	sc, ok := s.flows[flowID]
	if !ok {
		sc = newScope(KindFlow, flowID, s.global)
		s.flows[flowID] = sc
	}
	return sc
}

// Node returns the scope of a node, creating it on first use. A node that
// moved to another flow keeps its values and is re-parented.
func (s *Store) Node(flowID, nodeID string) *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	flow := s.flowLocked(flowID)
	sc, ok := s.nodes[nodeID]
	if !ok {
		sc = newScope(KindNode, nodeID, flow)
		s.nodes[nodeID] = sc
		return sc
	}
	if sc.Parent() != flow {
		sc.setParent(flow)
	}
	return sc
}

// Retain drops the scopes of flows and nodes that are not listed. The global
// scope is never dropped.
func (s *Store) Retain(flowIDs, nodeIDs map[string]bool) (droppedFlows, droppedNodes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.flows {
		if !flowIDs[id] {
			delete(s.flows, id)
			droppedFlows++
		}
	}
	for id := range s.nodes {
		if !nodeIDs[id] {
			delete(s.nodes, id)
			droppedNodes++
		}
	}
	return droppedFlows, droppedNodes
}

// Counts returns the number of live flow and node scopes
func (s *Store) Counts() (flows, nodes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows), len(s.nodes)
}
