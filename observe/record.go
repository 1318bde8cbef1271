package observe

import (
	"time"
)

// Kind classifies a record
type Kind string

const (
	// KindStatus is a node-reported status update
	KindStatus Kind = "status"
	// KindError is a status raised by the runtime for a failed node
	KindError Kind = "error"
	// KindDebug is a debug output
	KindDebug Kind = "debug"
)

// Status is the visual state a node reports. Fill is a color name such as
// "red", "green", "yellow", "blue" or "grey"; Shape is "dot" or "ring".
type Status struct {
	Fill  string `json:"fill,omitempty"`
	Shape string `json:"shape,omitempty"`
	Text  string `json:"text,omitempty"`
}

// ErrorStatus is the status the runtime reports for a failing node
func ErrorStatus(err error) Status {
	return Status{Fill: "red", Shape: "ring", Text: err.Error()}
}

// Record is one status or debug emission
type Record struct {
	FlowID    string    `json:"flow_id"`
	NodeID    string    `json:"node_id"`
	NodeType  string    `json:"node_type,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Payload   any       `json:"payload"`
}

// Channels groups the two observation streams of an engine
type Channels struct {
	Status *Channel[Record]
	Debug  *Channel[Record]
}

// NewChannels creates status and debug channels with the given history sizes
func NewChannels(statusCap, debugCap int, opts ...Option) (*Channels, error) {
	status, err := NewChannel[Record]("status", statusCap, opts...)
	if err != nil {
		return nil, err
	}
	debug, err := NewChannel[Record]("debug", debugCap, opts...)
	if err != nil {
		return nil, err
	}
	return &Channels{Status: status, Debug: debug}, nil
}

// Close closes both channels
func (c *Channels) Close() {
	c.Status.Close()
	c.Debug.Close()
}
