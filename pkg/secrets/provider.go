// Package secrets provides secrets for database connection strings. Providers read secrets from
// memory, HashiCorp Vault, AWS Secrets Manager, ansible-vault files and an encrypted database table.
package secrets

import (
	"context"
	"errors"
)

// Provider returns secret value by key
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// ErrNotFound returned by providers for unknown keys
var ErrNotFound = errors.New("secret not found")

// NoOpProvider is a provider that does nothing.
type NoOpProvider struct{}

// Get returns an error on every key.
func (p *NoOpProvider) Get(context.Context, string) (string, error) {
	return "", errors.New("not implemented")
}
