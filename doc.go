// Package semflow is a flow execution runtime. It loads a deployment
// descriptor of flows, nodes and subflows (the Node-RED flat JSON format),
// builds one routing table per flow and delivers messages between nodes
// until the deployment is replaced or stopped.
//
// # Architecture
//
// A deployment moves through the packages in one direction:
//
//	model      parse and validate the descriptor, fingerprint each flow
//	subflow    reject recursive templates, flatten instances into flows
//	registry   construct a behavior for every node from its type name
//	flow       route, dispatch and drain the nodes of one flow
//	engine     diff deployments, start and stop flows, publish events
//
// Behaviors implement the small contract in package node. The built-in
// types (inject, debug, json, yaml, delay, switch) live in package nodes
// and register like any other type:
//
//	reg := registry.New()
//	if err := nodes.Register(reg); err != nil {
//		return err
//	}
//	eng, err := engine.New(reg, logger, metricsRegistry)
//	if err != nil {
//		return err
//	}
//	if _, err := eng.DeployJSON(ctx, data); err != nil {
//		return err
//	}
//	return eng.Start(ctx)
//
// # Delivery
//
// Every node has a FIFO queue serviced by a shared worker pool, so a node
// sees its messages in send order and never runs concurrently with itself.
// Each destination of an emission gets its own deep copy of the message.
// Messages sent to a node that is not running are dropped and counted.
//
// # Observation
//
// The engine exposes three bounded streams that never block the flows:
// node status records, debug records and engine events. A slow consumer
// loses the oldest records, and the loss is visible through Dropped and the
// drop metrics.
//
// # Deployments
//
// Redeploying in the default "flows" mode leaves a flow untouched when its
// fingerprint is unchanged. Changed flows are built before anything running
// is touched, then the old copies stop and the new ones start. A rejected
// deployment leaves the running one in place. Context scopes are keyed by
// flow and node id, so values survive a rebuild of the same ids.
//
// # Running semflow
//
//	./bin/semflow --config semflow.json --flows flows.json
//	./bin/semflow --flows flows.json --validate
//
// With NATS configured, accepted deployments are kept in a KV bucket
// (package flowstore) and the status, debug and event streams are published
// under the configured subject prefix (package bridge). Prometheus metrics
// and the aggregate health report are served by the metrics server.
package semflow
