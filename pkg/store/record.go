package store

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Record maps column names to scalar values
type Record map[string]any

// ID returns record's id as a string, empty if not set
func (r Record) ID() string {
	v, ok := r[idColumn]
	if !ok || v == nil {
		return ""
	}
	switch id := v.(type) {
	case string:
		return id
	case []byte:
		return string(id)
	case float64:
		if id == math.Trunc(id) {
			return strconv.FormatInt(int64(id), 10)
		}
	}
	return fmt.Sprint(v)
}

// Clone makes a shallow copy of the record
func (r Record) Clone() Record {
	res := make(Record, len(r))
	for k, v := range r {
		res[k] = v
	}
	return res
}

// keys returns record keys in sorted order, statements built from them are stable
func (r Record) keys() []string {
	res := make([]string, 0, len(r))
	for k := range r {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// bindValue converts record value to a driver-friendly parameter
func bindValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, []byte, bool, time.Time,
		int, int8, int16, int32, int64, uint8, uint16, uint32, float32, float64:
		return val, nil
	case uint:
		return int64(val), nil //nolint:gosec // ids and counters only
	case uint64:
		return int64(val), nil //nolint:gosec // ids and counters only
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: number %q", ErrUnsupportedValue, val.String())
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

// normalize converts a scanned value to the canonical go type of the declared column type.
// Drivers differ here, mysql text protocol returns everything as []byte, sqlite keeps booleans as integers.
func normalize(ct ColumnType, v any) any {
	if v == nil {
		return nil
	}
	switch ct {
	case Text:
		if b, ok := v.([]byte); ok {
			return string(b)
		}
	case Integer:
		switch val := v.(type) {
		case []byte:
			if i, err := strconv.ParseInt(string(val), 10, 64); err == nil {
				return i
			}
		case string:
			if i, err := strconv.ParseInt(val, 10, 64); err == nil {
				return i
			}
		}
	case Number, Real:
		var s string
		switch val := v.(type) {
		case []byte:
			s = string(val)
		case string:
			s = val
		default:
			return v
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil && ct == Number {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case Boolean:
		switch val := v.(type) {
		case int64:
			return val != 0
		case []byte:
			if b, err := strconv.ParseBool(string(val)); err == nil {
				return b
			}
		case string:
			if b, err := strconv.ParseBool(val); err == nil {
				return b
			}
		}
	}
	return v
}
