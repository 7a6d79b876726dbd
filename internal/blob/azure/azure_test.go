package azure

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsm/fanin/internal/blob"
)

// Azurite's well-known development account.
const devConnString = "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;" +
	"AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;" +
	"BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;"

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.NoError(t, Config{AccountURL: "https://acct.blob.core.windows.net/"}.Validate())
	assert.NoError(t, Config{ConnectionString: devConnString}.Validate())
}

func TestNew_ConnectionString(t *testing.T) {
	s, err := New(Config{ConnectionString: devConnString})
	require.NoError(t, err)
	assert.Equal(t, "azblob", s.Scheme())
	assert.NoError(t, s.Close())
}

func TestStore_RejectsInvalidLocation(t *testing.T) {
	s, err := New(Config{ConnectionString: devConnString})
	require.NoError(t, err)

	_, err = s.Exists(context.Background(), blob.Location{Bucket: "c"})
	assert.Error(t, err)
	_, err = s.Read(context.Background(), blob.Location{Key: "k"})
	assert.Error(t, err)
	assert.Error(t, s.Write(context.Background(), blob.Location{}, nil, "application/json"))
}
