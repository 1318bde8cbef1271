// Package retry runs an operation with exponential backoff.
//
// The NATS KV store uses it for compare-and-swap loops and the semflow
// binary uses it to wait for the NATS server at boot:
//
//	err := retry.Do(ctx, retry.Startup(), func() error {
//	    return client.Connect(ctx)
//	})
//
// Return retry.Permanent(err) from the operation to stop early.
package retry
