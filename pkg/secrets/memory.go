package secrets

import (
	"context"
	"fmt"
	"sync"
)

// MemoryProvider is a secret provider that stores secrets in memory.
// Not recommended for production use, made for testing purposes.
type MemoryProvider struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemoryProvider creates a new MemoryProvider with a copy of the given secrets.
func NewMemoryProvider(secrets map[string]string) *MemoryProvider {
	res := &MemoryProvider{secrets: make(map[string]string, len(secrets))}
	for k, v := range secrets {
		res.secrets[k] = v
	}
	return res
}

// Get returns the secret for the given key.
func (m *MemoryProvider) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if val, ok := m.secrets[key]; ok {
		return val, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Set stores the secret
func (m *MemoryProvider) Set(key, value string) {
	m.mu.Lock()
	m.secrets[key] = value
	m.mu.Unlock()
}
