package keyprovider

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// VaultProviderName is the default registry name of the Vault provider
const VaultProviderName = "HashiCorp Vault"

// VaultConfig configures the Vault KV v2 provider
type VaultConfig struct {
	Name    string
	Address string
	Token   string

	// Mount is the KV v2 mount, e.g. "secret"
	Mount string

	// Path within the mount. "{db}" is replaced with the database file name.
	Path string

	// Field holds the key value, encoded as hex or base64
	Field string

	Timeout time.Duration
}

// SecretReader reads a KV v2 secret's data map
type SecretReader interface {
	ReadSecret(ctx context.Context, mount, path string) (map[string]interface{}, error)
}

// ErrSecretNotFound is returned by a SecretReader when the path has no data
var ErrSecretNotFound = errors.New("secret not found")

// VaultProvider reads key bytes from a HashiCorp Vault KV v2 secret
type VaultProvider struct {
	cfg    VaultConfig
	reader SecretReader
}

// NewVaultProvider creates a provider backed by a Vault API client
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	config := api.DefaultConfig()
	if cfg.Address != "" {
		config.Address = cfg.Address
	}
	if cfg.Timeout > 0 {
		config.HttpClient = &http.Client{Timeout: cfg.Timeout}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	return NewVaultProviderWithReader(cfg, &kvReader{client: client})
}

// NewVaultProviderWithReader creates a provider over an existing reader
func NewVaultProviderWithReader(cfg VaultConfig, reader SecretReader) (*VaultProvider, error) {
	if reader == nil {
		return nil, errors.New("secret reader is required")
	}
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.Path == "" {
		return nil, errors.New("vault secret path is required")
	}
	if cfg.Field == "" {
		cfg.Field = "key"
	}
	if cfg.Name == "" {
		cfg.Name = VaultProviderName
	}
	cfg.Mount = strings.Trim(cfg.Mount, "/")
	cfg.Path = strings.Trim(cfg.Path, "/")

	return &VaultProvider{cfg: cfg, reader: reader}, nil
}

func (p *VaultProvider) Name() string { return p.cfg.Name }

// SecretPath returns the secret path used for a database
func (p *VaultProvider) SecretPath(contextPath string) string {
	db := strings.TrimSuffix(filepath.Base(contextPath), filepath.Ext(contextPath))
	return strings.ReplaceAll(p.cfg.Path, "{db}", db)
}

// GetKey reads and decodes the configured field
func (p *VaultProvider) GetKey(ctx context.Context, q QueryContext) ([]byte, error) {
	path := p.SecretPath(q.ContextPath)

	data, err := p.reader.ReadSecret(ctx, p.cfg.Mount, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", p.cfg.Mount, path, err)
	}

	raw, ok := data[p.cfg.Field]
	if !ok {
		return nil, fmt.Errorf("field %q missing in %s/%s", p.cfg.Field, p.cfg.Mount, path)
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return nil, fmt.Errorf("field %q is not a non-empty string", p.cfg.Field)
	}

	return decodeKeyValue(value)
}

func decodeKeyValue(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if b, err := hex.DecodeString(value); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(value); err == nil {
		return b, nil
	}
	return nil, errors.New("key value is neither hex nor base64")
}

// kvReader reads KV v2 secrets through the logical API
type kvReader struct {
	client *api.Client
}

func (r *kvReader) ReadSecret(ctx context.Context, mount, path string) (map[string]interface{}, error) {
	secret, err := r.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/data/%s", mount, path))
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrSecretNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected KV v2 response format at %s", path)
	}
	return data, nil
}
