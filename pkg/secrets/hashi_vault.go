package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// HashiVaultProvider is a provider for HashiCorp Vault, reads KV v2 secrets from a single path
type HashiVaultProvider struct {
	client *api.Client
	path   string
}

// NewHashiVaultProvider creates a new HashiCorp Vault provider, path is a full KV v2 data path like "secret/data/webstorage"
func NewHashiVaultProvider(addr, path, token string) (*HashiVaultProvider, error) {
	client, err := api.NewClient(&api.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("error creating vault client: %w", err)
	}

	client.SetToken(token)
	return &HashiVaultProvider{client: client, path: path}, nil
}

// Get gets a secret from HashiCorp Vault
func (p *HashiVaultProvider) Get(ctx context.Context, key string) (string, error) {
	secret, err := p.client.Logical().ReadWithContext(ctx, p.path)
	if err != nil {
		return "", fmt.Errorf("error reading secret from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: no data at %s", ErrNotFound, p.path)
	}

	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return "", errors.New("unexpected secret data format")
	}

	raw, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	value, ok := raw.(string)
	if !ok {
		return "", errors.New("unexpected secret value format")
	}
	return value, nil
}
