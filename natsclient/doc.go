// Package natsclient manages the NATS connection used by semflow to
// persist deployments and forward observations.
//
// A Client wraps one nats.Conn with its JetStream context. Connection
// failures are counted; after a threshold the circuit breaker opens and
// Connect fails fast with ErrCircuitOpen until the backoff, which doubles
// up to a cap, has elapsed. Connection state is exported as the
// semflow_nats_connected gauge when WithMetrics is given.
//
//	client, err := natsclient.NewClient(url, natsclient.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
// KVStore layers revisions and compare-and-swap retries over a JetStream
// bucket:
//
//	bucket, _ := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "flows"})
//	kv := client.NewKVStore(bucket)
//	err := kv.UpdateWithRetry(ctx, "latest", func(current []byte) ([]byte, error) {
//	    return next, nil
//	})
//
// NewTestClient starts a NATS server in a container for integration tests.
package natsclient
