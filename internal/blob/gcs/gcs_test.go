package gcs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/lsm/fanin/internal/blob"
)

func TestStore_RejectsInvalidLocation(t *testing.T) {
	s, err := New(context.Background(), option.WithoutAuthentication(), option.WithEndpoint("http://127.0.0.1:1/storage/v1/"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, "gs", s.Scheme())

	_, err = s.Exists(context.Background(), blob.Location{Bucket: "b"})
	assert.Error(t, err)
	_, err = s.Read(context.Background(), blob.Location{Key: "k"})
	assert.Error(t, err)
	assert.Error(t, s.Write(context.Background(), blob.Location{}, []byte("[]"), "application/json"))
}
