package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// QueryFilterKey is the reserved filter key carrying a free-text search term.
const QueryFilterKey = "query"

// Scanner is the subset of *sql.Row and *sql.Rows a row decoder needs.
type Scanner interface {
	Scan(dest ...any) error
}

// Querier is satisfied by both *sql.DB and *sql.Tx so engine internals can
// run inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CastFunc coerces a raw filter or payload value to the field's storage type.
type CastFunc func(value any) (any, error)

// FilterFunc customizes how a named filter key contributes conditions.
type FilterFunc func(w *Where, value any) error

// UpdateFunc intercepts a named payload field during Update instead of
// assigning it as a column. Hooks typically rewrite link tables.
type UpdateFunc[T any] func(ctx context.Context, q Querier, current T, value any) error

// Schema describes one persisted resource for the generic engine.
type Schema[T any] struct {
	// Table is the backing table name.
	Table string
	// Columns lists the selected columns in scan order. The first entry
	// must be "id". Tables with soft deletion include "is_deleted".
	Columns []string
	// SoftDelete marks deletes as is_deleted flips instead of row removal.
	SoftDelete bool
	// SearchFields are the columns matched by the "query" filter.
	SearchFields []string
	// Redact names columns that never appear in audit snapshots, such as
	// credential hashes.
	Redact []string
	// Casts coerce filter values per field before they hit the statement.
	Casts map[string]CastFunc
	// Filters override condition building for specific keys.
	Filters map[string]FilterFunc
	// Updates intercept payload fields that are not plain column writes.
	Updates map[string]UpdateFunc[T]
	// Scan decodes one row in Columns order.
	Scan func(row Scanner) (T, error)
	// ID extracts the primary key from a decoded row.
	ID func(item T) int64
}

func (s Schema[T]) validate() error {
	if s.Table == "" {
		return fmt.Errorf("repo: schema has no table")
	}
	if len(s.Columns) == 0 || s.Columns[0] != "id" {
		return fmt.Errorf("repo: schema %s must select id first", s.Table)
	}
	if s.Scan == nil || s.ID == nil {
		return fmt.Errorf("repo: schema %s needs Scan and ID", s.Table)
	}
	if s.SoftDelete && !s.hasColumn("is_deleted") {
		return fmt.Errorf("repo: schema %s soft-deletes without an is_deleted column", s.Table)
	}
	for _, f := range s.SearchFields {
		if !s.hasColumn(f) {
			return fmt.Errorf("repo: schema %s search field %s is not a column", s.Table, f)
		}
	}
	for _, f := range s.Redact {
		if !s.hasColumn(f) {
			return fmt.Errorf("repo: schema %s redacted field %s is not a column", s.Table, f)
		}
	}
	return nil
}

func (s Schema[T]) redacted(name string) bool {
	for _, c := range s.Redact {
		if c == name {
			return true
		}
	}
	return false
}

func (s Schema[T]) hasColumn(name string) bool {
	for _, c := range s.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// writable reports whether a payload key may be assigned directly. Engine
// managed columns are never written from payloads.
func (s Schema[T]) writable(name string) bool {
	switch name {
	case "id", "is_deleted", "created_at", "updated_at":
		return false
	}
	return s.hasColumn(name)
}

func (s Schema[T]) selectList() string {
	return strings.Join(s.Columns, ", ")
}

// CastInt64 accepts integers in the shapes JSON decoding and query strings
// produce them.
func CastInt64(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", v)
		}
		return n, nil
	}
	return nil, fmt.Errorf("cannot read %T as integer", value)
}

// CastBool accepts booleans and their common textual forms.
func CastBool(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", v)
		}
		return b, nil
	}
	return nil, fmt.Errorf("cannot read %T as boolean", value)
}

// CastString stringifies scalar values; non-scalars are rejected.
func CastString(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case fmt.Stringer:
		return v.String(), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	return nil, fmt.Errorf("cannot read %T as string", value)
}
