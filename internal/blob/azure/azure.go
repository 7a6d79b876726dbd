// Package azure implements blob.Store on Azure Blob Storage. The bucket of a
// location is the container name.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	azblobblob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/lsm/fanin/internal/blob"
)

// Config selects how the client authenticates. ConnectionString wins when
// set; otherwise AccountURL is used with the default Azure credential chain
// (workload identity, managed identity, environment, CLI).
type Config struct {
	AccountURL       string
	ConnectionString string
}

// Validate checks that one of the authentication modes is configured.
func (c Config) Validate() error {
	if c.AccountURL == "" && c.ConnectionString == "" {
		return errors.New("azure: account URL or connection string is required")
	}
	return nil
}

// Store reads and writes block blobs.
type Store struct {
	client *azblob.Client
}

// New creates a Store from cfg.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.ConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("azure blob client: %w", err)
		}
		return &Store{client: client}, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create azure credential: %w", err)
	}
	client, err := azblob.NewClient(cfg.AccountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure blob client: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Scheme() string { return "azblob" }

func (s *Store) Exists(ctx context.Context, loc blob.Location) (bool, error) {
	if err := loc.Validate(); err != nil {
		return false, err
	}
	bc := s.client.ServiceClient().NewContainerClient(loc.Bucket).NewBlobClient(loc.Key)
	_, err := bc.GetProperties(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat azblob://%s: %w", loc, err)
	}
	return true, nil
}

func (s *Store) Read(ctx context.Context, loc blob.Location) ([]byte, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, loc.Bucket, loc.Key, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return nil, fmt.Errorf("read azblob://%s: %w", loc, blob.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read azblob://%s: %w", loc, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read azblob://%s: %w", loc, err)
	}
	return data, nil
}

// Write uploads data as a block blob. Blocks are only committed once every
// one has been staged, so a failed upload leaves no partial blob.
func (s *Store) Write(ctx context.Context, loc blob.Location, data []byte, contentType string) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	_, err := s.client.UploadBuffer(ctx, loc.Bucket, loc.Key, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &azblobblob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("write azblob://%s: %w", loc, err)
	}
	return nil
}

func (s *Store) Close() error { return nil }
