package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/pkg/retry"
)

// KVEntry wraps a KV entry with its revision for CAS operations
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions configures KV operations behavior
type KVOptions struct {
	MaxRetries    int           // CAS retry attempts after the first
	RetryDelay    time.Duration // initial delay between retries
	MaxRetryDelay time.Duration
	Timeout       time.Duration // per operation
	MaxValueSize  int           // bytes; 0 disables the check
}

// DefaultKVOptions returns the options used by NewKVStore
func DefaultKVOptions() KVOptions {
	return KVOptions{
		MaxRetries:    10,
		RetryDelay:    10 * time.Millisecond,
		MaxRetryDelay: time.Second,
		Timeout:       5 * time.Second,
		MaxValueSize:  1024 * 1024,
	}
}

// Well-known KV errors
var (
	ErrKVKeyNotFound        = stderrors.New("kv: key not found")
	ErrKVKeyExists          = stderrors.New("kv: key already exists")
	ErrKVRevisionMismatch   = stderrors.New("kv: revision mismatch")
	ErrKVMaxRetriesExceeded = stderrors.New("kv: max retries exceeded")
	ErrKVValueTooLarge      = stderrors.New("kv: value too large")
)

// KVStore adds revisions, timeouts and compare-and-swap retries on top of
// a JetStream bucket
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  *slog.Logger
}

// NewKVStore wraps bucket
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger.With("bucket", bucket.Bucket()),
	}
}

// Bucket returns the underlying bucket
func (kv *KVStore) Bucket() jetstream.KeyValue {
	return kv.bucket
}

func (kv *KVStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

func (kv *KVStore) checkSize(value []byte) error {
	if kv.options.MaxValueSize > 0 && len(value) > kv.options.MaxValueSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrKVValueTooLarge, len(value), kv.options.MaxValueSize)
	}
	return nil
}

// Get returns the value with its revision
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put writes without a revision check
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	kv.logger.Debug("KV put", "key", key, "revision", rev)
	return rev, nil
}

// Create writes only if key does not exist
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVKeyExists
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	kv.logger.Debug("KV create", "key", key, "revision", rev)
	return rev, nil
}

// Update writes only if the key is still at revision
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVRevisionMismatch
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	kv.logger.Debug("KV update", "key", key, "from", revision, "to", rev)
	return rev, nil
}

// UpdateWithRetry reads key, applies updateFn and writes the result with a
// revision check, retrying on conflict. A missing key is presented to
// updateFn as nil and created.
func (kv *KVStore) UpdateWithRetry(ctx context.Context, key string, updateFn func(current []byte) ([]byte, error)) error {
	cfg := retry.Config{
		MaxAttempts:  kv.options.MaxRetries + 1,
		InitialDelay: kv.options.RetryDelay,
		MaxDelay:     max(kv.options.MaxRetryDelay, kv.options.RetryDelay),
		Multiplier:   2,
		Jitter:       true,
	}

	attempt := 0
	err := retry.Do(ctx, cfg, func() error {
		attempt++
		var current []byte
		var revision uint64

		entry, err := kv.Get(ctx, key)
		switch {
		case err == nil:
			current, revision = entry.Value, entry.Revision
		case !stderrors.Is(err, ErrKVKeyNotFound):
			return err
		}

		next, err := updateFn(current)
		if err != nil {
			return retry.Permanent(err)
		}
		if err := kv.checkSize(next); err != nil {
			return retry.Permanent(err)
		}

		if revision == 0 {
			_, err = kv.Create(ctx, key, next)
		} else {
			_, err = kv.Update(ctx, key, next, revision)
		}
		if IsKVConflictError(err) {
			kv.logger.Debug("KV CAS conflict", "key", key, "attempt", attempt)
		}
		return err
	})

	var permanent *retry.PermanentError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &permanent):
		return permanent.Err
	case IsKVConflictError(err):
		return errors.WrapTransient(ErrKVMaxRetriesExceeded, "KVStore", "UpdateWithRetry", key)
	default:
		return err
	}
}

// Delete removes key; the bucket keeps a delete marker in history
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		if IsKVNotFoundError(err) {
			return ErrKVKeyNotFound
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	kv.logger.Debug("KV delete", "key", key)
	return nil
}

// Keys lists the live keys; an empty bucket yields an empty slice
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	keys, err := kv.bucket.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return keys, nil
}

// IsKVNotFoundError checks if error indicates key not found
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKVKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// IsKVConflictError checks if error indicates a conflict (key exists or wrong revision)
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKVRevisionMismatch) || stderrors.Is(err, ErrKVKeyExists) ||
		stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "10058")
}
