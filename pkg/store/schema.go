package store

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ColumnType is a declared column type. The set is closed, each dialect maps it to its own SQL type.
type ColumnType string

// supported column types
const (
	Text    ColumnType = "TEXT"
	Integer ColumnType = "INTEGER"
	Number  ColumnType = "NUMBER"
	Real    ColumnType = "REAL"
	Blob    ColumnType = "BLOB"
	Boolean ColumnType = "BOOLEAN"
)

// idColumn is the implicit primary key of every table
const idColumn = "id"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Column declares a single non-key column
type Column struct {
	Name string     `yaml:"name" toml:"name"`
	Type ColumnType `yaml:"type" toml:"type"`
}

// Schema declares a table. The id column is implicit and always a text primary key,
// Columns lists the rest in declaration order.
type Schema struct {
	Name    string   `yaml:"name" toml:"name"`
	Columns []Column `yaml:"columns" toml:"columns"`
}

// ParseColumnType converts a type keyword (case-insensitive) to ColumnType.
func ParseColumnType(s string) (ColumnType, error) {
	ct := ColumnType(strings.ToUpper(strings.TrimSpace(s)))
	switch ct {
	case Text, Integer, Number, Real, Blob, Boolean:
		return ct, nil
	}
	return "", fmt.Errorf("unknown column type %q", s)
}

// Validate checks table and column identifiers and types. Identifiers are interpolated into
// statement text as is, so only names matching identRe are accepted. All problems are reported
// together.
func (s Schema) Validate() error {
	errs := new(multierror.Error)
	if !identRe.MatchString(s.Name) {
		errs = multierror.Append(errs, fmt.Errorf("invalid table name %q", s.Name))
	}

	seen := map[string]bool{}
	for _, c := range s.Columns {
		if !identRe.MatchString(c.Name) {
			errs = multierror.Append(errs, fmt.Errorf("table %s: invalid column name %q", s.Name, c.Name))
			continue
		}
		lname := strings.ToLower(c.Name)
		if lname == idColumn {
			errs = multierror.Append(errs, fmt.Errorf("table %s: column %q is implicit and can't be declared", s.Name, c.Name))
			continue
		}
		if seen[lname] {
			errs = multierror.Append(errs, fmt.Errorf("table %s: duplicate column %q", s.Name, c.Name))
			continue
		}
		seen[lname] = true
		if _, err := ParseColumnType(string(c.Type)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("table %s, column %s: %w", s.Name, c.Name, err))
		}
	}
	return errs.ErrorOrNil()
}

// columnType returns declared type of the named column, id included
func (s Schema) columnType(name string) (ColumnType, bool) {
	if name == idColumn {
		return Text, true
	}
	for _, c := range s.Columns {
		if c.Name == name {
			ct, err := ParseColumnType(string(c.Type))
			return ct, err == nil
		}
	}
	return "", false
}
