package temporal

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"go.temporal.io/sdk/client"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthConfig selects how the trigger authenticates to Temporal. At most one
// source may be set; mTLS comes from TLSConfig.CertFile instead.
type AuthConfig struct {
	APIKey    string `yaml:"apiKey,omitempty"`
	APIKeyEnv string `yaml:"apiKeyEnv,omitempty"`
	// TokenFile holds a bearer token rotated by a sidecar. It is re-read per call.
	TokenFile string      `yaml:"tokenFile,omitempty"`
	Azure     *AzureAuth  `yaml:"azure,omitempty"`
	OIDC      *OIDCConfig `yaml:"oidc,omitempty"`
}

// AzureAuth requests tokens for Scope from DefaultAzureCredential.
type AzureAuth struct {
	Scope string `yaml:"scope"`
}

// OIDCConfig runs the client credentials grant against TokenURL.
type OIDCConfig struct {
	TokenURL        string   `yaml:"tokenUrl"`
	ClientID        string   `yaml:"clientId"`
	ClientSecret    string   `yaml:"clientSecret,omitempty"`
	ClientSecretEnv string   `yaml:"clientSecretEnv,omitempty"`
	Scopes          []string `yaml:"scopes,omitempty"`
}

// TLSConfig controls the connection to the Temporal frontend.
type TLSConfig struct {
	Disabled   bool   `yaml:"disabled,omitempty"`
	Enabled    bool   `yaml:"enabled,omitempty"`
	CAFile     string `yaml:"caFile,omitempty"`
	CertFile   string `yaml:"certFile,omitempty"`
	KeyFile    string `yaml:"keyFile,omitempty"`
	SkipVerify bool   `yaml:"skipVerify,omitempty"`
}

type tokenFunc func(ctx context.Context) (string, error)

func (a AuthConfig) sources() []string {
	var set []string
	if a.APIKey != "" {
		set = append(set, "apiKey")
	}
	if a.APIKeyEnv != "" {
		set = append(set, "apiKeyEnv")
	}
	if a.TokenFile != "" {
		set = append(set, "tokenFile")
	}
	if a.Azure != nil {
		set = append(set, "azure")
	}
	if a.OIDC != nil {
		set = append(set, "oidc")
	}
	return set
}

func (a AuthConfig) validate() error {
	var errs []error
	if set := a.sources(); len(set) > 1 {
		errs = append(errs, fmt.Errorf("auth: only one source may be set, got %s", strings.Join(set, ", ")))
	}
	if a.Azure != nil && a.Azure.Scope == "" {
		errs = append(errs, errors.New("auth.azure.scope is required"))
	}
	if o := a.OIDC; o != nil {
		if o.TokenURL == "" {
			errs = append(errs, errors.New("auth.oidc.tokenUrl is required"))
		}
		if o.ClientID == "" {
			errs = append(errs, errors.New("auth.oidc.clientId is required"))
		}
		if o.ClientSecret == "" && o.ClientSecretEnv == "" {
			errs = append(errs, errors.New("auth.oidc.clientSecret or clientSecretEnv is required"))
		}
	}
	return errors.Join(errs...)
}

// token returns a per-call token source, or nil for static and absent auth.
func (a AuthConfig) token() (tokenFunc, error) {
	switch {
	case a.APIKeyEnv != "":
		name := a.APIKeyEnv
		return func(context.Context) (string, error) { return lookupEnv(name) }, nil

	case a.TokenFile != "":
		path := a.TokenFile
		return func(context.Context) (string, error) {
			b, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("read token file %s: %w", path, err)
			}
			return strings.TrimSpace(string(b)), nil
		}, nil

	case a.Azure != nil:
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("create azure credential: %w", err)
		}
		opts := policy.TokenRequestOptions{Scopes: []string{a.Azure.Scope}}
		return func(ctx context.Context) (string, error) {
			tok, err := cred.GetToken(ctx, opts)
			if err != nil {
				return "", fmt.Errorf("acquire azure token: %w", err)
			}
			return tok.Token, nil
		}, nil

	case a.OIDC != nil:
		secret := a.OIDC.ClientSecret
		if a.OIDC.ClientSecretEnv != "" {
			s, err := lookupEnv(a.OIDC.ClientSecretEnv)
			if err != nil {
				return nil, err
			}
			secret = s
		}
		cc := clientcredentials.Config{
			ClientID:     a.OIDC.ClientID,
			ClientSecret: secret,
			TokenURL:     a.OIDC.TokenURL,
			Scopes:       a.OIDC.Scopes,
		}
		// The token source caches and refreshes; it must outlive Dial.
		src := cc.TokenSource(context.Background())
		return func(context.Context) (string, error) {
			tok, err := src.Token()
			if err != nil {
				return "", fmt.Errorf("acquire oidc token: %w", err)
			}
			return tok.AccessToken, nil
		}, nil
	}
	return nil, nil
}

func lookupEnv(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set or empty", name)
	}
	return v, nil
}

// credentials picks the SDK credentials for cfg, or nil when none apply.
func credentials(cfg Config) (client.Credentials, error) {
	if cfg.Auth.APIKey != "" {
		return client.NewAPIKeyStaticCredentials(cfg.Auth.APIKey), nil
	}
	fn, err := cfg.Auth.token()
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return client.NewAPIKeyDynamicCredentials(fn), nil
	}
	if cfg.TLS.CertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	return client.NewMTLSCredentials(cert), nil
}

// serverTLS returns the server verification settings, or nil when the SDK
// default applies. Client certificates travel as mTLS credentials.
func (c TLSConfig) serverTLS() (*tls.Config, error) {
	if c.Disabled || (!c.Enabled && c.CAFile == "") {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.SkipVerify, //nolint:gosec // opt-in for dev clusters
	}
	if c.CAFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file %s: %w", c.CAFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in CA file %s", c.CAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
