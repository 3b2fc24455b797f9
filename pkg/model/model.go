// Package model implements models and collections persisted through dispatch.
// Storage is injected explicitly, into a collection with NewCollection or into a standalone model with WithStorage.
package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/umputun/webstorage/pkg/dispatch"
	"github.com/umputun/webstorage/pkg/store"
)

// Model is a single record with attributes. Safe for concurrent use.
type Model struct {
	mu        sync.RWMutex
	attrs     store.Record
	storage   dispatch.Storage
	coll      *Collection
	persisted bool // created in or fetched from storage
}

// Option customizes Model
type Option func(m *Model)

// WithStorage sets model's own storage, it takes precedence over collection's storage.
// A nil pointer passed as storage is treated as no storage.
func WithStorage(s dispatch.Storage) Option {
	return func(m *Model) { m.storage = s }
}

// New makes a model with a copy of attrs
func New(attrs store.Record, opts ...Option) *Model {
	res := &Model{attrs: attrs.Clone()}
	for _, opt := range opts {
		opt(res)
	}
	return res
}

// ID returns model id, empty for models never saved
func (m *Model) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attrs.ID()
}

// SetID sets id attribute
func (m *Model) SetID(id string) {
	m.mu.Lock()
	m.attrs["id"] = id
	m.mu.Unlock()
}

// IsNew is true until the model is created in or fetched from storage.
// A model with a client-assigned id is still new.
func (m *Model) IsNew() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.persisted
}

// Get returns attribute value, nil if not set
func (m *Model) Get(key string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attrs[key]
}

// Set merges attrs into model's attributes
func (m *Model) Set(attrs store.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range attrs {
		m.attrs[k] = v
	}
}

// Attributes returns a copy of all attributes
func (m *Model) Attributes() store.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attrs.Clone()
}

// Storage returns model's own storage, nil if not set
func (m *Model) Storage() dispatch.Storage { return m.storage }

// Owner returns the collection the model belongs to, nil for standalone models
func (m *Model) Owner() dispatch.StorageHolder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.coll == nil {
		return nil
	}
	return m.coll
}

// Collection returns owning collection, nil for standalone models
func (m *Model) Collection() *Collection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.coll
}

// Save merges attrs and persists the model, created if new and updated otherwise
func (m *Model) Save(ctx context.Context, attrs store.Record) error {
	m.Set(attrs)
	if m.IsNew() {
		return m.create(ctx)
	}
	if res := dispatch.Sync(ctx, dispatch.Update, m, dispatch.Options{}); res.Err != nil {
		return fmt.Errorf("can't %s model: %w", dispatch.Update, res.Err)
	}
	return nil
}

// create inserts the model, an id present in attributes is used as is
func (m *Model) create(ctx context.Context) error {
	if res := dispatch.Sync(ctx, dispatch.Create, m, dispatch.Options{}); res.Err != nil {
		return fmt.Errorf("can't %s model: %w", dispatch.Create, res.Err)
	}
	m.setPersisted()
	return nil
}

// Fetch reloads attributes from storage
func (m *Model) Fetch(ctx context.Context) error {
	if m.ID() == "" {
		return errors.New("can't fetch model without id")
	}
	res := dispatch.Sync(ctx, dispatch.Read, m, dispatch.Options{})
	if res.Err != nil {
		return fmt.Errorf("can't fetch model %s: %w", m.ID(), res.Err)
	}
	rows, _ := res.Data.([]store.Record)
	if len(rows) == 0 {
		return fmt.Errorf("can't fetch model %s: %w", m.ID(), store.ErrNotFound)
	}
	m.Set(rows[0])
	m.setPersisted()
	return nil
}

// Destroy deletes the model from storage and removes it from owning collection.
// A model never persisted is only removed from collection.
func (m *Model) Destroy(ctx context.Context) error {
	if !m.IsNew() {
		if res := dispatch.Sync(ctx, dispatch.Delete, m, dispatch.Options{}); res.Err != nil {
			return fmt.Errorf("can't destroy model %s: %w", m.ID(), res.Err)
		}
	}
	if c := m.Collection(); c != nil {
		c.Remove(m)
	}
	return nil
}

func (m *Model) setPersisted() {
	m.mu.Lock()
	m.persisted = true
	m.mu.Unlock()
}

func (m *Model) setCollection(c *Collection) {
	m.mu.Lock()
	m.coll = c
	m.mu.Unlock()
}
