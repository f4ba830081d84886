package repo

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound means no row matched the requested identifier.
	ErrNotFound = errors.New("repo: not found")
	// ErrInvalidFilter means a filter value could not be coerced to the field type.
	ErrInvalidFilter = errors.New("repo: invalid filter")
	// ErrIntegrity means the datastore rejected the change with a constraint violation.
	ErrIntegrity = errors.New("repo: integrity violation")
	// ErrNoData means a mutation was called with an empty payload.
	ErrNoData = errors.New("repo: no data provided")
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrNotNullViolation    = "23502"
	pgErrCheckViolation      = "23514"
)

// Error is the generic data-layer failure wrapping the underlying cause.
type Error struct {
	Op    string
	Table string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("repo: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify translates driver errors into the engine's failure taxonomy.
func classify(op, table string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidFilter) ||
		errors.Is(err, ErrIntegrity) ||
		errors.Is(err, ErrNoData) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrUniqueViolation, pgErrForeignKeyViolation, pgErrNotNullViolation, pgErrCheckViolation:
			return fmt.Errorf("%w: %s", ErrIntegrity, pgErr.Message)
		}
	}
	return &Error{Op: op, Table: table, Err: err}
}
