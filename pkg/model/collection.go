package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/umputun/webstorage/pkg/dispatch"
	"github.com/umputun/webstorage/pkg/store"
)

// Collection is an ordered set of models sharing storage
type Collection struct {
	storage dispatch.Storage

	mu     sync.RWMutex
	models []*Model
}

// NewCollection makes an empty collection backed by storage. A nil pointer storage counts as none.
func NewCollection(s dispatch.Storage) *Collection {
	return &Collection{storage: s}
}

// Storage returns collection's storage
func (c *Collection) Storage() dispatch.Storage { return c.storage }

// ID is always empty, read of a collection loads all records
func (c *Collection) ID() string { return "" }

// Attributes of a collection are always empty
func (c *Collection) Attributes() store.Record { return store.Record{} }

// Fetch loads all records from storage, replacing current models
func (c *Collection) Fetch(ctx context.Context) error {
	res := dispatch.Sync(ctx, dispatch.Read, c, dispatch.Options{})
	if res.Err != nil {
		return fmt.Errorf("can't fetch collection: %w", res.Err)
	}
	rows, _ := res.Data.([]store.Record)
	models := make([]*Model, 0, len(rows))
	for _, r := range rows {
		models = append(models, &Model{attrs: r, coll: c, persisted: true})
	}

	c.mu.Lock()
	c.models = models
	c.mu.Unlock()
	return nil
}

// Create makes a model in the collection and inserts it, with the id from attrs if set.
// The model is added on success only.
func (c *Collection) Create(ctx context.Context, attrs store.Record) (*Model, error) {
	m := New(attrs)
	m.setCollection(c)
	if err := m.create(ctx); err != nil {
		return nil, err
	}
	c.Add(m)
	return m, nil
}

// Add appends models to the collection without saving them
func (c *Collection) Add(models ...*Model) {
	for _, m := range models {
		m.setCollection(c)
	}
	c.mu.Lock()
	c.models = append(c.models, models...)
	c.mu.Unlock()
}

// Remove removes the model from the collection, storage is not touched
func (c *Collection) Remove(m *Model) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, mm := range c.models {
		if mm == m {
			c.models = append(c.models[:i], c.models[i+1:]...)
			return
		}
	}
}

// Len returns number of models
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}

// First returns the first model, nil for empty collection
func (c *Collection) First() *Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.models) == 0 {
		return nil
	}
	return c.models[0]
}

// Get returns model by id, nil if not in the collection
func (c *Collection) Get(id string) *Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.models {
		if m.ID() == id {
			return m
		}
	}
	return nil
}

// Models returns a copy of the model list
func (c *Collection) Models() []*Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make([]*Model, len(c.models))
	copy(res, c.models)
	return res
}
