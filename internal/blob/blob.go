// Package blob defines the durable object storage used to read batch input
// files and to write aggregate artifacts.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Read when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Location addresses one object: a bucket (or container) and a key within it.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string { return l.Bucket + "/" + l.Key }

// Validate checks that both parts are set.
func (l Location) Validate() error {
	var errs []error
	if l.Bucket == "" {
		errs = append(errs, errors.New("bucket is required"))
	}
	if l.Key == "" {
		errs = append(errs, errors.New("key is required"))
	}
	return errors.Join(errs...)
}

// Store reads and writes whole objects.
type Store interface {
	// Scheme names the backend in object URIs, e.g. "gs".
	Scheme() string
	Exists(ctx context.Context, loc Location) (bool, error)
	// Read returns ErrNotFound (possibly wrapped) for a missing object.
	Read(ctx context.Context, loc Location) ([]byte, error)
	// Write stores data as one object, replacing any existing one. A failed
	// Write leaves no partial object behind.
	Write(ctx context.Context, loc Location, data []byte, contentType string) error
	Close() error
}

// URI formats loc as scheme://bucket/key.
func URI(scheme string, loc Location) string {
	return scheme + "://" + loc.String()
}

// ParseURI splits scheme://bucket/key.
func ParseURI(uri string) (string, Location, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" {
		return "", Location{}, fmt.Errorf("uri %q: missing scheme", uri)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	loc := Location{Bucket: bucket, Key: key}
	if err := loc.Validate(); err != nil {
		return "", Location{}, fmt.Errorf("uri %q: %w", uri, err)
	}
	return scheme, loc, nil
}
