// Package engine owns the set of active flows and coordinates deployments.
//
// # Overview
//
// A deployment descriptor (flows, subflow templates, groups and config
// nodes) enters through Deploy or DeployJSON. The engine validates it,
// flattens subflow instances, builds every new or changed flow and only
// then touches what is running. A deployment either applies completely or
// not at all.
//
// # Architecture
//
//	┌──────────────┐
//	│  Descriptor  │  native JSON or Node-RED export
//	└──────┬───────┘
//	       │ Validate (model)
//	       ▼
//	┌──────────────┐
//	│   Expander   │  subflow instances inlined, stable ids
//	└──────┬───────┘
//	       │ Build (flow + registry)
//	       ▼
//	┌──────────────┐   stop changed/removed   ┌──────────────┐
//	│    Engine    │ ───────────────────────> │  old flows   │
//	│              │                          └──────────────┘
//	│ - Deploy()   │   swap, start if running
//	│ - Start()    │ ───────────────────────> ┌──────────────┐
//	│ - Stop()     │                          │  new flows   │
//	│ - Inject()   │                          └──────┬───────┘
//	└──────┬───────┘                                 │ status / debug
//	       │ events                                  ▼
//	       ▼                                  ┌──────────────┐
//	┌──────────────┐                          │   observe    │
//	│  events.Bus  │                          │   channels   │
//	└──────────────┘                          └──────────────┘
//
// # Redeploy policy
//
// In DeployFlows mode (the default) a flow whose flattened definition has
// the same fingerprint as the running one is left alone, so its nodes keep
// their state. DeployFull rebuilds every flow. In both modes context is
// keyed by flow and node id, so a rebuilt node with an unchanged id sees
// the context its predecessor left.
//
// # Usage
//
//	reg := registry.New()
//	nodes.Register(reg)
//
//	eng, err := engine.New(reg, logger, metricsRegistry)
//	if err != nil {
//	    return err
//	}
//	if _, err := eng.DeployJSON(ctx, data); err != nil {
//	    return err
//	}
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Close(context.Background())
//
// # Errors
//
// Deployment failures are *errors.DeploymentError values whose Kind is one
// of ErrMalformedDeployment, ErrUnknownNodeType, ErrSubflowCycle or
// ErrNodeConstruction. Each rejection is also published as a
// deploy-rejected event. Runtime node failures never surface from the
// engine's methods; they arrive on the status channel and the event bus.
package engine
