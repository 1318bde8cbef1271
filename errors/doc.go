// Package errors provides standardized error handling for semflow.
//
// # Classification
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input, do not retry) and Fatal (stop processing). WrapTransient,
// WrapInvalid and WrapFatal attach a class together with component and
// operation context:
//
//	if err := store.Save(ctx, rec); err != nil {
//	    return errors.WrapTransient(err, "flowstore", "Save", "kv put")
//	}
//
// All wrapping follows the format "component.method: action failed: cause".
//
// # Runtime taxonomy
//
// The flow runtime reports failures through a fixed set of sentinels:
//
//   - ErrMalformedDeployment: descriptor violates a structural rule
//   - ErrUnknownNodeType: no factory registered for a node's type
//   - ErrDuplicateType: a type was registered twice
//   - ErrSubflowCycle: a subflow template instantiates itself
//   - ErrNodeConstruction: a factory rejected a node's configuration
//   - ErrNodeRuntime: a behavior failed while handling a message
//   - ErrDeliveryToInactiveNode: a message targeted a node that was not running
//
// Deploy-time failures are *DeploymentError values that carry the offending
// flow and node ids and unwrap to their sentinel:
//
//	_, err := eng.Deploy(ctx, desc)
//	var de *errors.DeploymentError
//	if errors.As(err, &de) && errors.Is(err, errors.ErrSubflowCycle) {
//	    log.Printf("cycle: %s", de.Reason)
//	}
//
// Runtime failures are *NodeError values and are reported, never propagated
// across node boundaries.
package errors
