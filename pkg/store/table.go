package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"
)

// Table provides create/update/delete/find/count operations for a single table.
// The db handle is shared between tables and not owned, caller is responsible for closing it.
// Every operation runs in its own transaction, tables sharing a handle share its transaction queue.
type Table struct {
	db      *sqlx.DB
	dialect Dialect
	schema  Schema
	newID   func() string
}

// Option customizes Table
type Option func(t *Table)

// WithIDGenerator sets the function making ids for records created without one
func WithIDGenerator(fn func() string) Option {
	return func(t *Table) {
		if fn != nil {
			t.newID = fn
		}
	}
}

// Result is an outcome of a single record operation
type Result struct {
	ID       string // record id, generated one for created records without id
	Affected int64  // rows affected as reported by the driver
	Err      error
}

// Batch holds per-record results in the same order as the input records
type Batch []Result

// Err returns all record errors combined, nil if every record succeeded
func (b Batch) Err() error {
	errs := new(multierror.Error)
	for i, r := range b {
		if r.Err != nil {
			errs = multierror.Append(errs, fmt.Errorf("record %d: %w", i, r.Err))
		}
	}
	return errs.ErrorOrNil()
}

// IDs returns ids of successfully processed records
func (b Batch) IDs() []string {
	res := []string{}
	for _, r := range b {
		if r.Err == nil {
			res = append(res, r.ID)
		}
	}
	return res
}

// fail marks every record as failed, used when the whole transaction is lost
func (b Batch) fail(err error) {
	for i := range b {
		if b[i].Err == nil {
			b[i].Err = err
		}
	}
}

// New makes a table for the schema and creates it if it doesn't exist.
// Both db and schema name are required, schema is validated before any statement is made.
func New(ctx context.Context, db *sqlx.DB, schema Schema, opts ...Option) (*Table, error) {
	if db == nil || schema.Name == "" {
		return nil, fmt.Errorf("%w: table %q, db set %v", ErrInvalidArgument, schema.Name, db != nil)
	}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	dialect, err := DialectFor(db.DriverName())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	res := &Table{db: db, dialect: dialect, schema: schema, newID: uuid.NewString}
	for _, opt := range opts {
		opt(res)
	}
	if err := res.Init(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// Name returns table name
func (t *Table) Name() string { return t.schema.Name }

// Schema returns table schema
func (t *Table) Schema() Schema { return t.schema }

// Init creates the table if it doesn't exist. Safe to call repeatedly.
func (t *Table) Init(ctx context.Context) error {
	err := t.write(ctx, func(tx *sqlx.Tx) error {
		_, e := t.exec(ctx, tx, t.dialect.createTableSQL(t.schema))
		return e
	})
	if err != nil {
		return fmt.Errorf("can't create table %s: %w", t.schema.Name, err)
	}
	return nil
}

// Drop deletes the table if present
func (t *Table) Drop(ctx context.Context) error {
	err := t.write(ctx, func(tx *sqlx.Tx) error {
		_, e := t.exec(ctx, tx, "DROP TABLE IF EXISTS "+t.schema.Name)
		return e
	})
	if err != nil {
		return fmt.Errorf("can't drop table %s: %w", t.schema.Name, err)
	}
	return nil
}

// Clear deletes all rows and returns the number of deleted rows
func (t *Table) Clear(ctx context.Context) (int64, error) {
	var affected int64
	err := t.write(ctx, func(tx *sqlx.Tx) error {
		res, e := t.exec(ctx, tx, "DELETE FROM "+t.schema.Name)
		if e != nil {
			return e
		}
		affected = rowsAffected(res)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("can't clear table %s: %w", t.schema.Name, err)
	}
	return affected, nil
}

// Create inserts records in a single transaction. Records without id get a generated one,
// reported in the result. A failed record is rolled back alone and doesn't abort the rest.
func (t *Table) Create(ctx context.Context, recs ...Record) Batch {
	res := make(Batch, len(recs))
	err := t.write(ctx, func(tx *sqlx.Tx) error {
		for i, rec := range recs {
			res[i] = t.inSavepoint(ctx, tx, func() Result { return t.insert(ctx, tx, rec) })
		}
		return nil
	})
	if err != nil {
		res.fail(fmt.Errorf("can't create records in %s: %w", t.schema.Name, err))
	}
	return res
}

// Update sets all non-id fields of each record on the row with the record's id, in a single transaction.
// Records without id or without any field to set fail alone, as do records failed by the database.
// Update of a missing id is not an error, Affected is 0 in this case.
func (t *Table) Update(ctx context.Context, recs ...Record) Batch {
	res := make(Batch, len(recs))
	err := t.write(ctx, func(tx *sqlx.Tx) error {
		for i, rec := range recs {
			res[i] = t.inSavepoint(ctx, tx, func() Result { return t.update(ctx, tx, rec) })
		}
		return nil
	})
	if err != nil {
		res.fail(fmt.Errorf("can't update records in %s: %w", t.schema.Name, err))
	}
	return res
}

// Destroy deletes the row with given id and returns the number of deleted rows
func (t *Table) Destroy(ctx context.Context, id string) (int64, error) {
	if id == "" {
		return 0, fmt.Errorf("%w for %s", ErrNoID, t.schema.Name)
	}
	var affected int64
	err := t.write(ctx, func(tx *sqlx.Tx) error {
		res, e := t.exec(ctx, tx, "DELETE FROM "+t.schema.Name+" WHERE "+idColumn+" = ?", id)
		if e != nil {
			return e
		}
		affected = rowsAffected(res)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("can't destroy %s in %s: %w", id, t.schema.Name, err)
	}
	return affected, nil
}

// Find returns rows matching all criteria fields, empty criteria matches every row.
// Nil criteria value matches NULL.
func (t *Table) Find(ctx context.Context, criteria Record) ([]Record, error) {
	where, args, err := t.where(criteria)
	if err != nil {
		return nil, err
	}
	query := "SELECT * FROM " + t.schema.Name + " WHERE " + where

	res := []Record{}
	err = t.read(ctx, func(tx *sqlx.Tx) error {
		query = tx.Rebind(query)
		log.Printf("[DEBUG] %s %v", query, args)
		rows, e := tx.QueryxContext(ctx, query, args...)
		if e != nil {
			return e
		}
		defer rows.Close()
		for rows.Next() {
			row := map[string]any{}
			if e = rows.MapScan(row); e != nil {
				return e
			}
			res = append(res, t.normalizeRow(row))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("can't find in %s: %w", t.schema.Name, err)
	}
	return res, nil
}

// FindAll returns all rows
func (t *Table) FindAll(ctx context.Context) ([]Record, error) {
	return t.Find(ctx, nil)
}

// Count returns the number of rows matching all criteria fields, same matching as Find
func (t *Table) Count(ctx context.Context, criteria Record) (int, error) {
	where, args, err := t.where(criteria)
	if err != nil {
		return 0, err
	}
	query := "SELECT count(*) AS count FROM " + t.schema.Name + " WHERE " + where

	var count int
	err = t.read(ctx, func(tx *sqlx.Tx) error {
		query = tx.Rebind(query)
		log.Printf("[DEBUG] %s %v", query, args)
		return tx.GetContext(ctx, &count, query, args...)
	})
	if err != nil {
		return 0, fmt.Errorf("can't count in %s: %w", t.schema.Name, err)
	}
	return count, nil
}

// Save inserts the record if its id is not in the table and updates it otherwise, as a single
// insert-or-update statement. Only the record's own fields are overwritten for existing rows.
// Record without id is created with a generated one.
func (t *Table) Save(ctx context.Context, rec Record) (Result, error) {
	id := rec.ID()
	if id == "" {
		res := t.Create(ctx, rec)
		return res[0], res[0].Err
	}

	row := rec.Clone()
	row[idColumn] = id
	cols, args, err := t.columns(row)
	if err != nil {
		return Result{ID: id, Err: err}, err
	}

	res := Result{ID: id}
	err = t.write(ctx, func(tx *sqlx.Tx) error {
		r, e := t.exec(ctx, tx, t.dialect.upsertSQL(t.schema.Name, cols), args...)
		if e != nil {
			return e
		}
		res.Affected = rowsAffected(r)
		return nil
	})
	if err != nil {
		res.Err = fmt.Errorf("can't save %s in %s: %w", id, t.schema.Name, err)
		return res, res.Err
	}
	return res, nil
}

func (t *Table) insert(ctx context.Context, tx *sqlx.Tx, rec Record) Result {
	row := rec.Clone()
	id := rec.ID()
	if id == "" {
		id = t.newID()
	}
	row[idColumn] = id

	cols, args, err := t.columns(row)
	if err != nil {
		return Result{Err: err}
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := "INSERT INTO " + t.schema.Name + " (" + strings.Join(cols, ", ") + ") VALUES (" + marks + ")"
	res, err := t.exec(ctx, tx, query, args...)
	if err != nil {
		return Result{Err: fmt.Errorf("can't insert into %s: %w", t.schema.Name, err)}
	}
	return Result{ID: id, Affected: rowsAffected(res)}
}

func (t *Table) update(ctx context.Context, tx *sqlx.Tx, rec Record) Result {
	id := rec.ID()
	if id == "" {
		return Result{Err: fmt.Errorf("%w for %s", ErrNoID, t.schema.Name)}
	}
	fields := rec.Clone()
	delete(fields, idColumn)
	if len(fields) == 0 {
		return Result{ID: id, Err: fmt.Errorf("%w for %s", ErrNoFields, t.schema.Name)}
	}

	cols, args, err := t.columns(fields)
	if err != nil {
		return Result{ID: id, Err: err}
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	query := "UPDATE " + t.schema.Name + " SET " + strings.Join(sets, ", ") + " WHERE " + idColumn + " = ?"
	res, err := t.exec(ctx, tx, query, append(args, id)...)
	if err != nil {
		return Result{ID: id, Err: fmt.Errorf("can't update %s in %s: %w", id, t.schema.Name, err)}
	}
	return Result{ID: id, Affected: rowsAffected(res)}
}

// inSavepoint runs fn under a savepoint. A failed record is rolled back to the savepoint,
// so the transaction stays usable for the following records (postgres aborts it otherwise).
func (t *Table) inSavepoint(ctx context.Context, tx *sqlx.Tx, fn func() Result) Result {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT sp_record"); err != nil {
		return Result{Err: fmt.Errorf("can't make savepoint: %w", err)}
	}
	res := fn()
	if res.Err != nil {
		if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT sp_record"); err != nil {
			res.Err = multierror.Append(res.Err, fmt.Errorf("can't rollback to savepoint: %w", err))
		}
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT sp_record"); err != nil && res.Err == nil {
		res.Err = fmt.Errorf("can't release savepoint: %w", err)
	}
	return res
}

// columns validates record keys against the schema and returns sorted column names with bound values
func (t *Table) columns(rec Record) (cols []string, args []any, err error) {
	for _, k := range rec.keys() {
		if _, ok := t.schema.columnType(k); !ok {
			return nil, nil, fmt.Errorf("%w %q in %s", ErrUnknownColumn, k, t.schema.Name)
		}
		v, e := bindValue(rec[k])
		if e != nil {
			return nil, nil, fmt.Errorf("column %s in %s: %w", k, t.schema.Name, e)
		}
		cols = append(cols, k)
		args = append(args, v)
	}
	return cols, args, nil
}

// where makes a conjunction of equality predicates for criteria, "1 = 1" for empty criteria
func (t *Table) where(criteria Record) (string, []any, error) {
	if len(criteria) == 0 {
		return "1 = 1", nil, nil
	}
	preds := make([]string, 0, len(criteria))
	args := make([]any, 0, len(criteria))
	for _, k := range criteria.keys() {
		if _, ok := t.schema.columnType(k); !ok {
			return "", nil, fmt.Errorf("%w %q in %s", ErrUnknownColumn, k, t.schema.Name)
		}
		if criteria[k] == nil {
			preds = append(preds, k+" IS NULL")
			continue
		}
		v, err := bindValue(criteria[k])
		if err != nil {
			return "", nil, fmt.Errorf("column %s in %s: %w", k, t.schema.Name, err)
		}
		preds = append(preds, k+" = ?")
		args = append(args, v)
	}
	return strings.Join(preds, " AND "), args, nil
}

// normalizeRow renames scanned columns to declared names (postgres folds identifiers to lower case)
// and converts values to the declared column types
func (t *Table) normalizeRow(row map[string]any) Record {
	names := map[string]string{idColumn: idColumn}
	for _, c := range t.schema.Columns {
		names[strings.ToLower(c.Name)] = c.Name
	}
	res := make(Record, len(row))
	for k, v := range row {
		name, ok := names[strings.ToLower(k)]
		if !ok {
			res[k] = v
			continue
		}
		ct, _ := t.schema.columnType(name)
		res[name] = normalize(ct, v)
	}
	return res
}

// write runs fn in a read-write transaction, committed only if fn succeeded
func (t *Table) write(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return t.inTx(ctx, nil, fn)
}

// read runs fn in a read-only transaction
func (t *Table) read(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return t.inTx(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

func (t *Table) inTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) error {
	tx, err := t.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("can't begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("can't commit transaction: %w", err)
	}
	return nil
}

func (t *Table) exec(ctx context.Context, tx *sqlx.Tx, query string, args ...any) (sql.Result, error) {
	query = tx.Rebind(query)
	log.Printf("[DEBUG] %s %v", query, args)
	return tx.ExecContext(ctx, query, args...)
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
