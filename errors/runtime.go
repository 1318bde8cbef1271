package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Flow runtime taxonomy. Every deploy-time rejection and every reported
// runtime failure unwraps to exactly one of these.
var (
	ErrMalformedDeployment    = errors.New("malformed deployment")
	ErrUnknownNodeType        = errors.New("unknown node type")
	ErrDuplicateType          = errors.New("duplicate node type")
	ErrSubflowCycle           = errors.New("subflow cycle")
	ErrNodeConstruction       = errors.New("node construction failed")
	ErrNodeRuntime            = errors.New("node runtime error")
	ErrDeliveryToInactiveNode = errors.New("delivery to inactive node")
)

// DeploymentError identifies where in a deployment descriptor a violation
// was found. Kind is one of the taxonomy sentinels.
type DeploymentError struct {
	Kind   error
	FlowID string
	NodeID string
	Reason string
	Err    error
}

// Error implements the error interface
func (e *DeploymentError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.FlowID != "" {
		fmt.Fprintf(&b, " [flow %s]", e.FlowID)
	}
	if e.NodeID != "" {
		fmt.Fprintf(&b, " [node %s]", e.NodeID)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the sentinel kind and the cause
func (e *DeploymentError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Malformed builds a MalformedDeployment error
func Malformed(flowID, nodeID, format string, args ...any) error {
	return &DeploymentError{
		Kind:   ErrMalformedDeployment,
		FlowID: flowID,
		NodeID: nodeID,
		Reason: fmt.Sprintf(format, args...),
	}
}

// UnknownType builds an UnknownNodeType error for a node in a flow
func UnknownType(flowID, nodeID, typeName string) error {
	return &DeploymentError{
		Kind:   ErrUnknownNodeType,
		FlowID: flowID,
		NodeID: nodeID,
		Reason: fmt.Sprintf("type %q is not registered", typeName),
	}
}

// SubflowCycle reports a template that instantiates itself, directly or
// transitively. path lists the template ids from the start of the cycle.
func SubflowCycle(path []string) error {
	return &DeploymentError{
		Kind:   ErrSubflowCycle,
		Reason: strings.Join(path, " -> "),
	}
}

// Construction wraps a factory failure for a node
func Construction(flowID, nodeID string, cause error) error {
	return &DeploymentError{
		Kind:   ErrNodeConstruction,
		FlowID: flowID,
		NodeID: nodeID,
		Err:    cause,
	}
}

// NodeError is a runtime failure raised by a node's behavior while it was
// handling a message or running background work.
type NodeError struct {
	FlowID string
	NodeID string
	Err    error
}

// Error implements the error interface
func (e *NodeError) Error() string {
	return fmt.Sprintf("%s [flow %s] [node %s]: %v", ErrNodeRuntime, e.FlowID, e.NodeID, e.Err)
}

// Unwrap exposes the runtime sentinel and the cause
func (e *NodeError) Unwrap() []error {
	return []error{ErrNodeRuntime, e.Err}
}

// KindOf returns the taxonomy sentinel carried by err, or nil
func KindOf(err error) error {
	for _, kind := range []error{
		ErrSubflowCycle,
		ErrUnknownNodeType,
		ErrDuplicateType,
		ErrNodeConstruction,
		ErrMalformedDeployment,
		ErrNodeRuntime,
		ErrDeliveryToInactiveNode,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
