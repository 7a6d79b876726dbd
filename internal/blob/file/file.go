// Package file stores objects as files under a root directory, one
// subdirectory per bucket.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/lsm/fanin/internal/blob"
)

// Store is a blob.Store over an afero filesystem.
type Store struct {
	fs   afero.Fs
	root string
}

// New creates a Store rooted at root on the OS filesystem.
func New(root string) (*Store, error) {
	return NewWithFs(afero.NewOsFs(), root)
}

// NewWithFs creates a Store on any afero filesystem.
func NewWithFs(fs afero.Fs, root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	return &Store{fs: fs, root: root}, nil
}

func (s *Store) Scheme() string { return "file" }

func (s *Store) path(loc blob.Location) (string, error) {
	if err := loc.Validate(); err != nil {
		return "", err
	}
	p := filepath.Join(s.root, loc.Bucket, filepath.FromSlash(loc.Key))
	if !strings.HasPrefix(p, filepath.Clean(s.root)+string(filepath.Separator)) {
		return "", fmt.Errorf("location %s escapes store root", loc)
	}
	return p, nil
}

func (s *Store) Exists(_ context.Context, loc blob.Location) (bool, error) {
	p, err := s.path(loc)
	if err != nil {
		return false, err
	}
	ok, err := afero.Exists(s.fs, p)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", loc, err)
	}
	return ok, nil
}

func (s *Store) Read(_ context.Context, loc blob.Location) ([]byte, error) {
	p, err := s.path(loc)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", loc, blob.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", loc, err)
	}
	return data, nil
}

// Write writes to a temporary file next to the target and renames it into
// place so readers never observe a partial object.
func (s *Store) Write(_ context.Context, loc blob.Location, data []byte, _ string) error {
	p, err := s.path(loc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(s.fs, dir, ".fanin-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", loc, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("close %s: %w", loc, err)
	}
	if err := s.fs.Rename(tmpName, p); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", loc, err)
	}
	return nil
}

func (s *Store) Close() error { return nil }
