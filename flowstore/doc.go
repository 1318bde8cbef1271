// Package flowstore keeps a history of accepted deployments in a NATS KV
// bucket so that a restarted engine can redeploy the last one.
//
// Each deployment is stored under "deploy.<revision>" as a msgpack record
// holding the revision, its acceptance time, a fingerprint per flow and the
// zstd compressed descriptor JSON. The "latest" key names the newest
// revision. Store.RecordDeployment satisfies engine.DeploymentRecorder:
//
//	store, err := flowstore.NewStore(ctx, client, flowstore.WithBucket(cfg.NATS.KVBucket))
//	if err != nil {
//	    return err
//	}
//	eng, err := engine.New(reg, logger, metrics, engine.WithRecorder(store))
//
// At boot:
//
//	if d, err := store.Latest(ctx); err == nil {
//	    _, err = eng.Deploy(ctx, d.Descriptor)
//	}
package flowstore
