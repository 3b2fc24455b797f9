package store

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql" // mysql driver loaded here
	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver loaded here
	_ "github.com/lib/pq"              // postgres driver loaded here
	_ "modernc.org/sqlite"             // sqlite driver loaded here
)

// Dialect defines SQL flavor of the database behind a driver
type Dialect string

// supported dialects
const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

func init() {
	// modernc driver is not in sqlx's default bind list
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// DialectFor returns dialect for the given database/sql driver name
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "pgx":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driverName)
}

// DriverFor guesses driver name from connection string
func DriverFor(conn string) (string, error) {
	switch {
	case strings.HasPrefix(conn, "postgres://"), strings.HasPrefix(conn, "postgresql://"):
		return "postgres", nil
	case strings.Contains(conn, "@tcp("):
		return "mysql", nil
	case conn == ":memory:", strings.HasPrefix(conn, "file:"),
		strings.HasSuffix(conn, ".sqlite"), strings.HasSuffix(conn, ".db"):
		return "sqlite", nil
	}
	return "", fmt.Errorf("unsupported database type in connection string")
}

// Open opens and pings a database handle shared by tables. An empty driver is guessed from dsn.
// Sqlite handles are limited to a single connection, so the database serializes all transactions
// and in-memory databases stay visible to every table.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	if driver == "" {
		d, err := DriverFor(dsn)
		if err != nil {
			return nil, fmt.Errorf("can't determine database driver: %w", err)
		}
		driver = d
	}
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("can't open %s database: %w", driver, err)
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("can't ping %s database: %w", driver, err)
	}
	log.Printf("[DEBUG] opened %s database, driver %s", dialect, driver)
	return db, nil
}

// keyType is the SQL type of id column, mysql can't index unbounded TEXT
func (d Dialect) keyType() string {
	if d == MySQL {
		return "VARCHAR(255)"
	}
	return "TEXT"
}

// sqlType maps declared column type to the dialect's type
func (d Dialect) sqlType(ct ColumnType) string {
	switch d {
	case Postgres:
		switch ct {
		case Integer:
			return "BIGINT"
		case Number, Real:
			return "DOUBLE PRECISION"
		case Blob:
			return "BYTEA"
		}
	case MySQL:
		switch ct {
		case Integer:
			return "BIGINT"
		case Number, Real:
			return "DOUBLE"
		case Blob:
			return "LONGBLOB"
		}
	}
	return string(ct)
}

// createTableSQL makes CREATE TABLE IF NOT EXISTS statement for the schema
func (d Dialect) createTableSQL(s Schema) string {
	defs := make([]string, 0, len(s.Columns)+2)
	defs = append(defs, idColumn+" "+d.keyType()+" PRIMARY KEY")
	for _, c := range s.Columns {
		ct, _ := ParseColumnType(string(c.Type))
		defs = append(defs, c.Name+" "+d.sqlType(ct))
	}
	defs = append(defs, "UNIQUE ("+idColumn+")")
	return "CREATE TABLE IF NOT EXISTS " + s.Name + " (" + strings.Join(defs, ", ") + ")"
}

// upsertSQL makes a single insert-or-update statement for the given columns, id must be one of them.
// Only the listed non-id columns are overwritten on conflict.
func (d Dialect) upsertSQL(table string, cols []string) string {
	marks := make([]string, len(cols))
	sets := make([]string, 0, len(cols))
	for i, c := range cols {
		marks[i] = "?"
		if c == idColumn {
			continue
		}
		if d == MySQL {
			sets = append(sets, c+" = VALUES("+c+")")
			continue
		}
		sets = append(sets, c+" = excluded."+c)
	}

	insert := "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"
	if d == MySQL {
		if len(sets) == 0 {
			return insert + " ON DUPLICATE KEY UPDATE " + idColumn + " = " + idColumn
		}
		return insert + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	if len(sets) == 0 {
		return insert + " ON CONFLICT (" + idColumn + ") DO NOTHING"
	}
	return insert + " ON CONFLICT (" + idColumn + ") DO UPDATE SET " + strings.Join(sets, ", ")
}
