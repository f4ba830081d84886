package repo

import (
	"strconv"
	"strings"
)

// Where accumulates SQL conditions and positional arguments for a single
// statement. Arg placeholders are numbered in the order they are taken, so
// conditions and trailing limit/offset clauses share one argument list.
type Where struct {
	conds []string
	args  []any
}

// Arg registers a query argument and returns its placeholder.
func (w *Where) Arg(v any) string {
	w.args = append(w.args, v)
	return "$" + strconv.Itoa(len(w.args))
}

// Cond appends a raw condition joined with AND.
func (w *Where) Cond(expr string) {
	w.conds = append(w.conds, expr)
}

// Clause renders the accumulated conditions, or "" when there are none.
func (w *Where) Clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " where " + strings.Join(w.conds, " and ")
}

// Args returns the argument list in placeholder order.
func (w *Where) Args() []any { return w.args }
