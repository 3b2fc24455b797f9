// Package dispatch routes model persistence verbs to the table backing the model.
// A model either carries its own storage or inherits one from the collection owning it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"

	"github.com/umputun/webstorage/pkg/store"
)

// Method is a persistence verb
type Method string

// supported methods
const (
	Read   Method = "read"
	Create Method = "create"
	Update Method = "update"
	Delete Method = "delete"
)

// NotFoundPrefix starts every message passed to the error callback
const NotFoundPrefix = "Record not found "

// ErrNoStorage returned when neither model nor its collection has storage
var ErrNoStorage = errors.New("no storage for model")

// Storage is the subset of store.Table operations used by dispatcher
type Storage interface {
	Find(ctx context.Context, criteria store.Record) ([]store.Record, error)
	FindAll(ctx context.Context) ([]store.Record, error)
	Create(ctx context.Context, recs ...store.Record) store.Batch
	Update(ctx context.Context, recs ...store.Record) store.Batch
	Destroy(ctx context.Context, id string) (int64, error)
}

// Model is anything with an id and attributes, a model or a collection
type Model interface {
	ID() string
	Attributes() store.Record
}

// StorageHolder is implemented by models and collections with their own storage
type StorageHolder interface {
	Storage() Storage
}

// Member is implemented by models owned by a collection
type Member interface {
	Owner() StorageHolder
}

// IDSetter is implemented by models accepting generated ids
type IDSetter interface {
	SetID(id string)
}

// Options carries completion callbacks, both optional
type Options struct {
	Success func(data any)
	Error   func(msg string)
}

// Result of a dispatched call. Data is the model for create, update and delete,
// and []store.Record for read.
type Result struct {
	Data any
	Err  error
}

// Sync performs method for the model on its storage and fires one of the callbacks.
// The same outcome is returned as Result.
func Sync(ctx context.Context, method Method, m Model, opts Options) Result {
	res := run(ctx, method, m)
	if res.Err != nil {
		log.Printf("[WARN] %s failed for %q: %v", method, m.ID(), res.Err)
		if opts.Error != nil {
			opts.Error(NotFoundPrefix + res.Err.Error())
		}
		return res
	}
	if opts.Success != nil {
		opts.Success(res.Data)
	}
	return res
}

// SyncLegacy is Sync with success and error callbacks passed positionally
func SyncLegacy(ctx context.Context, method Method, m Model, success func(data any), errFn func(msg string)) Result {
	return Sync(ctx, method, m, Options{Success: success, Error: errFn})
}

// Async runs Sync in a goroutine. The returned channel yields a single result after
// the callback returned and closed right after.
func Async(ctx context.Context, method Method, m Model, opts Options) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		ch <- Sync(ctx, method, m, opts)
	}()
	return ch
}

// StorageOf resolves storage of the model, own storage first and owning collection's next.
// Nil storage, including a nil pointer wrapped in the interface, is skipped.
func StorageOf(m Model) (Storage, error) {
	if h, ok := m.(StorageHolder); ok {
		if s := h.Storage(); !isNil(s) {
			return s, nil
		}
	}
	if mm, ok := m.(Member); ok {
		if owner := mm.Owner(); !isNil(owner) {
			if s := owner.Storage(); !isNil(s) {
				return s, nil
			}
		}
	}
	return nil, ErrNoStorage
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func run(ctx context.Context, method Method, m Model) Result {
	s, err := StorageOf(m)
	if err != nil {
		return Result{Err: err}
	}
	log.Printf("[DEBUG] sync %s, id %q", method, m.ID())

	switch method {
	case Read:
		var rows []store.Record
		if id := m.ID(); id != "" {
			rows, err = s.Find(ctx, store.Record{"id": id})
		} else {
			rows, err = s.FindAll(ctx)
		}
		if err != nil {
			return Result{Err: err}
		}
		return Result{Data: rows}
	case Create:
		res := s.Create(ctx, m.Attributes())
		if err = res.Err(); err != nil {
			return Result{Err: res[0].Err}
		}
		if setter, ok := m.(IDSetter); ok && res[0].ID != m.ID() {
			setter.SetID(res[0].ID)
		}
		return Result{Data: m}
	case Update:
		res := s.Update(ctx, m.Attributes())
		if err = res.Err(); err != nil {
			return Result{Err: res[0].Err}
		}
		return Result{Data: m}
	case Delete:
		if _, err = s.Destroy(ctx, m.ID()); err != nil {
			return Result{Err: err}
		}
		return Result{Data: m}
	}
	return Result{Err: fmt.Errorf("unknown method %q", method)}
}
