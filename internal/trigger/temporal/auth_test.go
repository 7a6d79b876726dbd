package temporal

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSigned writes a throwaway certificate and key into a temp dir.
func selfSigned(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(42),
		Subject:               pkix.Name{CommonName: "fanin-test"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "tls.crt")
	keyFile = filepath.Join(dir, "tls.key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestAuthConfig_Token(t *testing.T) {
	ctx := context.Background()

	t.Run("none", func(t *testing.T) {
		fn, err := AuthConfig{}.token()
		require.NoError(t, err)
		assert.Nil(t, fn)
	})

	t.Run("api key env is read per call", func(t *testing.T) {
		fn, err := AuthConfig{APIKeyEnv: "FANIN_TEST_TEMPORAL_KEY"}.token()
		require.NoError(t, err)

		t.Setenv("FANIN_TEST_TEMPORAL_KEY", "first")
		tok, err := fn(ctx)
		require.NoError(t, err)
		assert.Equal(t, "first", tok)

		t.Setenv("FANIN_TEST_TEMPORAL_KEY", "rotated")
		tok, err = fn(ctx)
		require.NoError(t, err)
		assert.Equal(t, "rotated", tok)

		t.Setenv("FANIN_TEST_TEMPORAL_KEY", "")
		_, err = fn(ctx)
		assert.ErrorContains(t, err, "FANIN_TEST_TEMPORAL_KEY")
	})

	t.Run("token file is trimmed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token")
		require.NoError(t, os.WriteFile(path, []byte("  bearer-123\n"), 0o600))

		fn, err := AuthConfig{TokenFile: path}.token()
		require.NoError(t, err)
		tok, err := fn(ctx)
		require.NoError(t, err)
		assert.Equal(t, "bearer-123", tok)

		require.NoError(t, os.Remove(path))
		_, err = fn(ctx)
		assert.ErrorContains(t, err, "read token file")
	})

	t.Run("oidc secret env must be set", func(t *testing.T) {
		_, err := AuthConfig{OIDC: &OIDCConfig{
			TokenURL:        "https://login.example.com/token",
			ClientID:        "fanin",
			ClientSecretEnv: "FANIN_TEST_UNSET_SECRET",
		}}.token()
		assert.ErrorContains(t, err, "FANIN_TEST_UNSET_SECRET")
	})

	t.Run("oidc", func(t *testing.T) {
		fn, err := AuthConfig{OIDC: &OIDCConfig{
			TokenURL: "https://login.example.com/token", ClientID: "fanin", ClientSecret: "s",
		}}.token()
		require.NoError(t, err)
		assert.NotNil(t, fn)
	})
}

func TestCredentials(t *testing.T) {
	creds, err := credentials(Config{})
	require.NoError(t, err)
	assert.Nil(t, creds)

	creds, err = credentials(Config{Auth: AuthConfig{APIKey: "static"}})
	require.NoError(t, err)
	assert.NotNil(t, creds)

	creds, err = credentials(Config{Auth: AuthConfig{TokenFile: "/var/run/temporal/token"}})
	require.NoError(t, err)
	assert.NotNil(t, creds)

	cert, key := selfSigned(t)
	creds, err = credentials(Config{TLS: TLSConfig{CertFile: cert, KeyFile: key}})
	require.NoError(t, err)
	assert.NotNil(t, creds)

	_, err = credentials(Config{TLS: TLSConfig{CertFile: cert, KeyFile: "/missing.key"}})
	assert.ErrorContains(t, err, "load client certificate")
}

func TestAuthConfig_Validate(t *testing.T) {
	assert.NoError(t, AuthConfig{}.validate())
	assert.NoError(t, AuthConfig{Azure: &AzureAuth{Scope: "api://temporal/.default"}}.validate())
	assert.ErrorContains(t, AuthConfig{Azure: &AzureAuth{}}.validate(), "auth.azure.scope")

	err := AuthConfig{APIKey: "k", TokenFile: "/t"}.validate()
	assert.ErrorContains(t, err, "apiKey, tokenFile")

	err = AuthConfig{OIDC: &OIDCConfig{}}.validate()
	assert.ErrorContains(t, err, "tokenUrl")
	assert.ErrorContains(t, err, "clientId")
	assert.ErrorContains(t, err, "clientSecret")
}

func TestTLSConfig_ServerTLS(t *testing.T) {
	cfg, err := TLSConfig{}.serverTLS()
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = TLSConfig{Disabled: true, Enabled: true}.serverTLS()
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = TLSConfig{Enabled: true}.serverTLS()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Nil(t, cfg.RootCAs)
	assert.False(t, cfg.InsecureSkipVerify)

	ca, _ := selfSigned(t)
	cfg, err = TLSConfig{CAFile: ca, SkipVerify: true}.serverTLS()
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.True(t, cfg.InsecureSkipVerify)

	_, err = TLSConfig{CAFile: "/missing/ca.pem"}.serverTLS()
	assert.ErrorContains(t, err, "read CA file")

	junk := filepath.Join(t.TempDir(), "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not pem"), 0o600))
	_, err = TLSConfig{CAFile: junk}.serverTLS()
	assert.ErrorContains(t, err, "no certificates")
}
