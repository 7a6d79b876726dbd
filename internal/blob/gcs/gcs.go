// Package gcs implements blob.Store on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/lsm/fanin/internal/blob"
)

// Store reads and writes GCS objects.
type Store struct {
	client *storage.Client
}

// New creates a Store with its own storage client. Credentials come from the
// environment (Application Default Credentials) unless opts override them.
func New(ctx context.Context, opts ...option.ClientOption) (*Store, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Scheme() string { return "gs" }

func (s *Store) object(loc blob.Location) (*storage.ObjectHandle, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	return s.client.Bucket(loc.Bucket).Object(loc.Key), nil
}

func (s *Store) Exists(ctx context.Context, loc blob.Location) (bool, error) {
	obj, err := s.object(loc)
	if err != nil {
		return false, err
	}
	_, err = obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat gs://%s: %w", loc, err)
	}
	return true, nil
}

func (s *Store) Read(ctx context.Context, loc blob.Location) ([]byte, error) {
	obj, err := s.object(loc)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("read gs://%s: %w", loc, blob.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read gs://%s: %w", loc, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s: %w", loc, err)
	}
	return data, nil
}

// Write uploads data in one request. Cancelling the writer's context on a
// failed write aborts the upload so no partial object is committed.
func (s *Store) Write(ctx context.Context, loc blob.Location, data []byte, contentType string) error {
	obj, err := s.object(loc)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	w.ChunkSize = 0

	if _, err := w.Write(data); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("write gs://%s: %w", loc, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write gs://%s: %w", loc, err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }
