package store

import "errors"

// errors reported by table operations, wrapped with table and record details
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNoID             = errors.New("no ID present")
	ErrNoFields         = errors.New("no keys to update")
	ErrUnknownColumn    = errors.New("unknown column")
	ErrUnsupportedValue = errors.New("unsupported value")
	ErrNotFound         = errors.New("record not found")
)
