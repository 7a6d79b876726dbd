// Package natsobj implements blob.Store on NATS JetStream object stores. The
// bucket of a location is the object store bucket.
package natsobj

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/lsm/fanin/internal/blob"
)

// Store reads and writes objects in JetStream object store buckets. It does
// not own the NATS connection.
type Store struct {
	js jetstream.JetStream

	// CreateBuckets makes Write create a missing bucket instead of failing.
	CreateBuckets bool

	mu      sync.Mutex
	buckets map[string]jetstream.ObjectStore
}

// New creates a Store on js.
func New(js jetstream.JetStream) *Store {
	return &Store{js: js, buckets: make(map[string]jetstream.ObjectStore)}
}

func (s *Store) Scheme() string { return "nats" }

func (s *Store) bucket(ctx context.Context, name string, create bool) (jetstream.ObjectStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if os, ok := s.buckets[name]; ok {
		return os, nil
	}
	os, err := s.js.ObjectStore(ctx, name)
	if errors.Is(err, jetstream.ErrBucketNotFound) && create {
		os, err = s.js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{Bucket: name})
	}
	if err != nil {
		return nil, err
	}
	s.buckets[name] = os
	return os, nil
}

func (s *Store) Exists(ctx context.Context, loc blob.Location) (bool, error) {
	if err := loc.Validate(); err != nil {
		return false, err
	}
	os, err := s.bucket(ctx, loc.Bucket, false)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open bucket %s: %w", loc.Bucket, err)
	}
	_, err = os.GetInfo(ctx, loc.Key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat nats://%s: %w", loc, err)
	}
	return true, nil
}

func (s *Store) Read(ctx context.Context, loc blob.Location) ([]byte, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	os, err := s.bucket(ctx, loc.Bucket, false)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("read nats://%s: %w", loc, blob.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", loc.Bucket, err)
	}
	data, err := os.GetBytes(ctx, loc.Key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, fmt.Errorf("read nats://%s: %w", loc, blob.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read nats://%s: %w", loc, err)
	}
	return data, nil
}

// Write stores data as one object. The object store only publishes the
// object's metadata after all chunks are written, so readers never see a
// partial object.
func (s *Store) Write(ctx context.Context, loc blob.Location, data []byte, contentType string) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	os, err := s.bucket(ctx, loc.Bucket, s.CreateBuckets)
	if err != nil {
		return fmt.Errorf("open bucket %s: %w", loc.Bucket, err)
	}

	meta := jetstream.ObjectMeta{Name: loc.Key}
	if contentType != "" {
		meta.Headers = nats.Header{"Content-Type": []string{contentType}}
	}
	if _, err := os.Put(ctx, meta, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write nats://%s: %w", loc, err)
	}
	return nil
}

func (s *Store) Close() error { return nil }
