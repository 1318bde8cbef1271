//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	client := tc.Client
	ctx := context.Background()

	require.True(t, client.IsHealthy())
	rtt, err := client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	got := make(chan string, 1)
	require.NoError(t, client.Subscribe(ctx, "semflow.test", func(_ context.Context, data []byte) {
		got <- string(data)
	}))
	require.NoError(t, client.Flush(ctx))
	require.NoError(t, client.Publish(ctx, "semflow.test", []byte("hello")))

	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestIntegration_KeyValueBuckets(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("pre-created"))
	client := tc.Client
	ctx := context.Background()

	_, err := client.GetKeyValueBucket(ctx, "pre-created")
	require.NoError(t, err)

	// Creating an existing bucket opens it
	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "pre-created"})
	require.NoError(t, err)
	assert.Equal(t, "pre-created", bucket.Bucket())

	_, err = client.GetKeyValueBucket(ctx, "missing")
	assert.Error(t, err)

	require.NoError(t, client.DeleteKeyValueBucket(ctx, "pre-created"))
	_, err = client.GetKeyValueBucket(ctx, "pre-created")
	assert.Error(t, err)
}

func TestIntegration_KVStoreCAS(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	client := tc.Client
	ctx := context.Background()

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "cas", History: 5})
	require.NoError(t, err)
	kv := client.NewKVStore(bucket, func(o *KVOptions) { o.MaxValueSize = 16 })

	rev, err := kv.Create(ctx, "k", []byte("v1"))
	require.NoError(t, err)
	_, err = kv.Create(ctx, "k", []byte("v2"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	_, err = kv.Update(ctx, "k", []byte("v2"), rev+10)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)
	_, err = kv.Update(ctx, "k", []byte("v2"), rev)
	require.NoError(t, err)

	_, err = kv.Put(ctx, "big", make([]byte, 32))
	assert.ErrorIs(t, err, ErrKVValueTooLarge)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	require.NoError(t, kv.Delete(ctx, "k"))
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}

func TestIntegration_UpdateWithRetryConcurrent(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	client := tc.Client
	ctx := context.Background()

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "counter"})
	require.NoError(t, err)
	kv := client.NewKVStore(bucket, func(o *KVOptions) { o.MaxRetries = 50 })

	const writers = 8
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := kv.UpdateWithRetry(ctx, "n", func(current []byte) ([]byte, error) {
				n := 0
				if current != nil {
					fmt.Sscanf(string(current), "%d", &n)
				}
				return []byte(fmt.Sprint(n + 1)), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := kv.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(writers), string(entry.Value))

	boom := fmt.Errorf("refuse")
	err = kv.UpdateWithRetry(ctx, "n", func([]byte) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}
