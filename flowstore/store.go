package flowstore

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/model"
	"github.com/c360/semflow/natsclient"
)

const (
	// DefaultBucket is the KV bucket used when none is configured
	DefaultBucket = "semflow_deployments"

	deploymentPrefix = "deploy."
	latestKey        = "latest"
)

// Store persists accepted deployments in a NATS KV bucket. Each deployment
// lives under its revision; a pointer key names the most recent one and is
// advanced with compare-and-swap so that concurrent writers never move it
// backwards.
type Store struct {
	kv        *natsclient.KVStore
	logger    *slog.Logger
	retention int
}

// Option configures a Store
type Option func(*storeOptions)

type storeOptions struct {
	bucket    string
	retention int
	logger    *slog.Logger
}

// WithBucket sets the bucket name
func WithBucket(name string) Option {
	return func(o *storeOptions) {
		if name != "" {
			o.bucket = name
		}
	}
}

// WithRetention keeps at most n deployments, deleting the oldest on Save.
// Zero keeps everything.
func WithRetention(n int) Option {
	return func(o *storeOptions) {
		if n >= 0 {
			o.retention = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewStore opens or creates the deployment bucket
func NewStore(ctx context.Context, client *natsclient.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "flowstore", "NewStore", "nats client cannot be nil")
	}
	o := storeOptions{bucket: DefaultBucket, retention: 20, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      o.bucket,
		Description: "semflow accepted deployments",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "flowstore", "NewStore", "create KV bucket")
	}

	return &Store{
		kv:        client.NewKVStore(bucket),
		logger:    o.logger.With("component", "flowstore", "bucket", o.bucket),
		retention: o.retention,
	}, nil
}

func deploymentKey(revision string) string {
	return deploymentPrefix + revision
}

// Save stores d and advances the latest pointer when d is newer than the
// deployment it currently names. Saving an existing revision fails.
func (s *Store) Save(ctx context.Context, d *Deployment) error {
	if d == nil || d.Revision == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "flowstore", "Save", "deployment needs a revision")
	}
	data, err := encode(d)
	if err != nil {
		return err
	}

	if _, err := s.kv.Create(ctx, deploymentKey(d.Revision), data); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyExists) {
			return errors.WrapInvalid(err, "flowstore", "Save", "revision "+d.Revision+" already stored")
		}
		return errors.WrapTransient(err, "flowstore", "Save", "create deployment")
	}

	err = s.kv.UpdateWithRetry(ctx, latestKey, func(current []byte) ([]byte, error) {
		if len(current) > 0 {
			prev, err := s.Get(ctx, string(current))
			if err == nil && prev.DeployedAt.After(d.DeployedAt) {
				return current, nil
			}
		}
		return []byte(d.Revision), nil
	})
	if err != nil {
		return errors.WrapTransient(err, "flowstore", "Save", "advance latest")
	}

	s.logger.Info("Deployment stored", "revision", d.Revision, "flows", len(d.Fingerprints), "bytes", len(data))

	if s.retention > 0 {
		if err := s.prune(ctx); err != nil {
			s.logger.Warn("Pruning old deployments failed", "error", err)
		}
	}
	return nil
}

// RecordDeployment stores desc under revision. It lets the engine persist
// every accepted deployment.
func (s *Store) RecordDeployment(ctx context.Context, revision string, desc *model.Descriptor) error {
	d, err := NewDeployment(revision, desc)
	if err != nil {
		return err
	}
	return s.Save(ctx, d)
}

// Get loads the deployment stored under revision
func (s *Store) Get(ctx context.Context, revision string) (*Deployment, error) {
	if revision == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "flowstore", "Get", "empty revision")
	}
	entry, err := s.kv.Get(ctx, deploymentKey(revision))
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "flowstore", "Get", "revision "+revision)
		}
		return nil, errors.WrapTransient(err, "flowstore", "Get", "read deployment")
	}
	return decode(entry.Value)
}

// Latest loads the most recent deployment. It returns ErrKeyNotFound when
// nothing has been stored.
func (s *Store) Latest(ctx context.Context) (*Deployment, error) {
	entry, err := s.kv.Get(ctx, latestKey)
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "flowstore", "Latest", "no deployment stored")
		}
		return nil, errors.WrapTransient(err, "flowstore", "Latest", "read latest pointer")
	}
	return s.Get(ctx, string(entry.Value))
}

// Delete removes a stored deployment. Deleting the latest one also clears
// the pointer, so Latest reports nothing until the next Save.
func (s *Store) Delete(ctx context.Context, revision string) error {
	if revision == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "flowstore", "Delete", "empty revision")
	}
	// A KV delete of a missing key succeeds, so check first
	if _, err := s.kv.Get(ctx, deploymentKey(revision)); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return errors.WrapInvalid(errors.ErrKeyNotFound, "flowstore", "Delete", "revision "+revision)
		}
		return errors.WrapTransient(err, "flowstore", "Delete", "read deployment")
	}
	if err := s.kv.Delete(ctx, deploymentKey(revision)); err != nil {
		return errors.WrapTransient(err, "flowstore", "Delete", "delete deployment")
	}

	if latest, err := s.kv.Get(ctx, latestKey); err == nil && string(latest.Value) == revision {
		if err := s.kv.Delete(ctx, latestKey); err != nil && !stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return errors.WrapTransient(err, "flowstore", "Delete", "clear latest pointer")
		}
	}
	return nil
}

// List summarizes the stored deployments, oldest first
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "flowstore", "List", "list keys")
	}

	out := make([]Summary, 0, len(keys))
	for _, key := range keys {
		revision, ok := strings.CutPrefix(key, deploymentPrefix)
		if !ok {
			continue
		}
		d, err := s.Get(ctx, revision)
		if err != nil {
			if errors.Is(err, errors.ErrKeyNotFound) {
				continue // deleted between Keys and Get
			}
			return nil, err
		}
		out = append(out, d.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeployedAt.Equal(out[j].DeployedAt) {
			return out[i].Revision < out[j].Revision
		}
		return out[i].DeployedAt.Before(out[j].DeployedAt)
	})
	return out, nil
}

func (s *Store) prune(ctx context.Context) error {
	all, err := s.List(ctx)
	if err != nil {
		return err
	}
	if len(all) <= s.retention {
		return nil
	}
	for _, sum := range all[:len(all)-s.retention] {
		if err := s.kv.Delete(ctx, deploymentKey(sum.Revision)); err != nil && !stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return err
		}
		s.logger.Debug("Pruned deployment", "revision", sum.Revision, "deployed_at", sum.DeployedAt.Format(time.RFC3339))
	}
	return nil
}
