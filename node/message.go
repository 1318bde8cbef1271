// Package node defines the contract between the runtime and node behaviors:
// the message a node receives, the output handle it emits through and the
// lifecycle states it moves between.
package node

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"
)

// Message field names with a meaning to the runtime and builtin nodes
const (
	FieldID      = "_msgid"
	FieldPayload = "payload"
	FieldTopic   = "topic"
)

// Message is the unit of data moving along wires. Fields holds the
// arbitrary message properties; ID is the message identity kept across
// clones and DeliveryID is assigned per delivery by the dispatcher.
//
// A Message handed to OnMessage belongs to that call. Emit queues a copy
// taken at the time of the call, so a node may mutate and re-emit it.
type Message struct {
	ID         string
	DeliveryID uint64
	Fields     map[string]any
}

// NewMessage creates a message with a fresh id and the given payload
func NewMessage(payload any) *Message {
	m := &Message{
		ID:     uuid.NewString(),
		Fields: make(map[string]any),
	}
	if payload != nil {
		m.Fields[FieldPayload] = payload
	}
	return m
}

// Get returns a field
func (m *Message) Get(key string) (any, bool) {
	if m.Fields == nil {
		return nil, false
	}
	v, ok := m.Fields[key]
	return v, ok
}

// Set writes a field. Setting _msgid replaces the id.
func (m *Message) Set(key string, value any) {
	if key == FieldID {
		if s, ok := value.(string); ok {
			m.ID = s
		}
		return
	}
	if m.Fields == nil {
		m.Fields = make(map[string]any)
	}
	m.Fields[key] = value
}

// Payload returns msg.payload
func (m *Message) Payload() any {
	v, _ := m.Get(FieldPayload)
	return v
}

// SetPayload replaces msg.payload
func (m *Message) SetPayload(v any) {
	m.Set(FieldPayload, v)
}

// Topic returns msg.topic when it is a string
func (m *Message) Topic() string {
	v, _ := m.Get(FieldTopic)
	s, _ := v.(string)
	return s
}

// Clone returns a deep copy sharing no mutable state with m. The message id
// is kept; the delivery id is reset.
func (m *Message) Clone() *Message {
	out := &Message{ID: m.ID}
	if m.Fields == nil {
		out.Fields = make(map[string]any)
		return out
	}
	if err := deepcopy.Copy(&out.Fields, m.Fields); err != nil {
		// deepcopy rejects only unsupported kinds such as channels and
		// funcs; fall back to a shallow copy of the top level.
		out.Fields = make(map[string]any, len(m.Fields))
		for k, v := range m.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// MarshalJSON renders the message as a flat object with _msgid
func (m *Message) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(m.Fields)+1)
	for k, v := range m.Fields {
		flat[k] = v
	}
	flat[FieldID] = m.ID
	return json.Marshal(flat)
}

// UnmarshalJSON reads a flat object; a missing _msgid gets a fresh id
func (m *Message) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	m.ID = ""
	if id, ok := flat[FieldID].(string); ok {
		m.ID = id
	}
	delete(flat, FieldID)
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if flat == nil {
		flat = make(map[string]any)
	}
	m.Fields = flat
	return nil
}
