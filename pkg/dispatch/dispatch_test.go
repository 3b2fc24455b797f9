package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/webstorage/pkg/store"
)

type book struct {
	attrs   store.Record
	storage Storage
	owner   StorageHolder
}

type shelf struct {
	storage Storage
}

func (b *book) ID() string               { return b.attrs.ID() }
func (b *book) Attributes() store.Record { return b.attrs.Clone() }
func (b *book) SetID(id string)          { b.attrs["id"] = id }
func (b *book) Storage() Storage         { return b.storage }
func (b *book) Owner() StorageHolder     { return b.owner }

func (s *shelf) ID() string               { return "" }
func (s *shelf) Attributes() store.Record { return nil }
func (s *shelf) Storage() Storage         { return s.storage }

type failingStorage struct {
	err error
}

func (f failingStorage) Find(context.Context, store.Record) ([]store.Record, error) {
	return nil, f.err
}
func (f failingStorage) FindAll(context.Context) ([]store.Record, error) {
	return nil, f.err
}
func (f failingStorage) Create(context.Context, ...store.Record) store.Batch {
	return store.Batch{{Err: f.err}}
}
func (f failingStorage) Update(context.Context, ...store.Record) store.Batch {
	return store.Batch{{Err: f.err}}
}
func (f failingStorage) Destroy(context.Context, string) (int64, error) { return 0, f.err }

func newLibrary(t *testing.T) *store.Table {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	tbl, err := store.New(ctx, db, store.Schema{Name: "library", Columns: []store.Column{
		{Name: "author", Type: store.Text},
		{Name: "title", Type: store.Text},
		{Name: "length", Type: store.Number},
	}})
	require.NoError(t, err)
	return tbl
}

// callbacks records callback invocations
type callbacks struct {
	data   []any
	errors []string
}

func (c *callbacks) opts() Options {
	return Options{
		Success: func(data any) { c.data = append(c.data, data) },
		Error:   func(msg string) { c.errors = append(c.errors, msg) },
	}
}

func TestSync_Lifecycle(t *testing.T) {
	ctx := context.Background()
	tbl := newLibrary(t)
	coll := &shelf{storage: tbl}
	b := &book{attrs: store.Record{"title": "The Tempest", "author": "Bill Shakespeare", "length": 123}, owner: coll}

	cb := &callbacks{}
	res := Sync(ctx, Create, b, cb.opts())
	require.NoError(t, res.Err)
	require.Len(t, cb.data, 1)
	assert.Same(t, b, cb.data[0])
	require.NotEmpty(t, b.ID(), "generated id set on model")

	cb = &callbacks{}
	res = Sync(ctx, Read, b, cb.opts())
	require.NoError(t, res.Err)
	require.Len(t, cb.data, 1)
	rows, ok := cb.data[0].([]store.Record)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, store.Record{"id": b.ID(), "title": "The Tempest", "author": "Bill Shakespeare", "length": int64(123)}, rows[0])

	b.attrs["author"] = "William Shakespeare"
	cb = &callbacks{}
	res = Sync(ctx, Update, b, cb.opts())
	require.NoError(t, res.Err)
	assert.Same(t, b, res.Data)

	res = Sync(ctx, Read, coll, Options{})
	require.NoError(t, res.Err)
	rows = res.Data.([]store.Record)
	require.Len(t, rows, 1)
	assert.Equal(t, "William Shakespeare", rows[0]["author"])

	cb = &callbacks{}
	res = Sync(ctx, Delete, b, cb.opts())
	require.NoError(t, res.Err)
	assert.Len(t, cb.data, 1)
	assert.Empty(t, cb.errors)

	count, err := tbl.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSync_StorageResolution(t *testing.T) {
	ctx := context.Background()
	own, inherited := newLibrary(t), newLibrary(t)

	b := &book{attrs: store.Record{"title": "own"}, storage: own, owner: &shelf{storage: inherited}}
	require.NoError(t, Sync(ctx, Create, b, Options{}).Err)

	n, err := own.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "model storage takes precedence")
	n, err = inherited.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	s, err := StorageOf(&book{owner: &shelf{storage: inherited}})
	require.NoError(t, err)
	assert.Same(t, inherited, s)

	_, err = StorageOf(&book{owner: &shelf{}})
	require.ErrorIs(t, err, ErrNoStorage)

	var nilTable *store.Table
	_, err = StorageOf(&book{storage: nilTable, owner: &shelf{storage: nilTable}})
	require.ErrorIs(t, err, ErrNoStorage, "nil table pointer is no storage")
	var nilShelf *shelf
	s, err = StorageOf(&book{storage: nilTable, owner: nilShelf})
	require.ErrorIs(t, err, ErrNoStorage)
	assert.Nil(t, s)
	s, err = StorageOf(&book{storage: nilTable, owner: &shelf{storage: inherited}})
	require.NoError(t, err)
	assert.Same(t, inherited, s, "falls back to owner storage")

	cb := &callbacks{}
	res := Sync(ctx, Read, &book{attrs: store.Record{}, storage: nilTable}, cb.opts())
	require.ErrorIs(t, res.Err, ErrNoStorage)
	assert.Equal(t, []string{"Record not found no storage for model"}, cb.errors)
	assert.Empty(t, cb.data)
}

func TestSync_Errors(t *testing.T) {
	ctx := context.Background()
	fail := failingStorage{err: errors.New("disk I/O error")}

	for _, method := range []Method{Read, Create, Update, Delete} {
		t.Run(string(method), func(t *testing.T) {
			cb := &callbacks{}
			res := Sync(ctx, method, &book{attrs: store.Record{"id": "1"}, storage: fail}, cb.opts())
			require.EqualError(t, res.Err, "disk I/O error")
			assert.Equal(t, []string{"Record not found disk I/O error"}, cb.errors)
			assert.Empty(t, cb.data)
		})
	}

	t.Run("update without id", func(t *testing.T) {
		cb := &callbacks{}
		res := Sync(ctx, Update, &book{attrs: store.Record{"author": "x"}, storage: newLibrary(t)}, cb.opts())
		require.ErrorIs(t, res.Err, store.ErrNoID)
		assert.Equal(t, []string{"Record not found no ID present for library"}, cb.errors)
	})

	t.Run("unknown method", func(t *testing.T) {
		cb := &callbacks{}
		res := Sync(ctx, Method("patch"), &book{attrs: store.Record{}, storage: fail}, cb.opts())
		require.EqualError(t, res.Err, `unknown method "patch"`)
		assert.Equal(t, []string{`Record not found unknown method "patch"`}, cb.errors)
	})

	t.Run("no callbacks", func(t *testing.T) {
		res := Sync(ctx, Read, &book{attrs: store.Record{}, storage: fail}, Options{})
		require.Error(t, res.Err)
	})
}

func TestSyncLegacy(t *testing.T) {
	ctx := context.Background()
	tbl := newLibrary(t)

	var got any
	var msg string
	b := &book{attrs: store.Record{"id": "tempest", "title": "The Tempest"}, storage: tbl}
	res := SyncLegacy(ctx, Create, b, func(data any) { got = data }, func(m string) { msg = m })
	require.NoError(t, res.Err)
	assert.Same(t, b, got)
	assert.Empty(t, msg)
	assert.Equal(t, "tempest", b.ID(), "explicit id kept")

	res = SyncLegacy(ctx, Create, b, func(data any) { got = nil }, func(m string) { msg = m })
	require.Error(t, res.Err)
	assert.Contains(t, msg, "Record not found can't insert into library")
}

func TestAsync(t *testing.T) {
	ctx := context.Background()
	tbl := newLibrary(t)

	fired := make(chan any, 1)
	b := &book{attrs: store.Record{"title": "async"}, storage: tbl}
	ch := Async(ctx, Create, b, Options{Success: func(data any) { fired <- data }})

	select {
	case res, ok := <-ch:
		require.True(t, ok)
		require.NoError(t, res.Err)
		assert.Same(t, b, res.Data)
		assert.Len(t, fired, 1, "callback fired before result delivered")
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}

	_, ok := <-ch
	assert.False(t, ok, "channel closed after single result")
}
