package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"crudcore.org/internal/audit"
	"crudcore.org/internal/obs"
)

const (
	defaultPerPage = 10
	maxPerPage     = 100
)

// Page carries pagination and ordering intent. Out-of-range values are
// normalized, never rejected.
type Page struct {
	Page      int
	PerPage   int
	SortBy    string
	SortOrder string
}

// Result is one page of rows with the totals a client needs to walk the
// collection.
type Result[T any] struct {
	Items   []T `json:"items"`
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Pages   int `json:"pages"`
}

// Repository runs the generic persistence operations for one schema. Every
// mutation and its audit entry commit in a single transaction.
type Repository[T any] struct {
	db     *sql.DB
	schema Schema[T]
	rec    *audit.Recorder
	logs   *audit.Store
}

// New validates the schema and binds it to a database handle.
func New[T any](db *sql.DB, schema Schema[T], rec *audit.Recorder) (*Repository[T], error) {
	if db == nil {
		return nil, fmt.Errorf("repo: nil db")
	}
	if err := schema.validate(); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = audit.NewRecorder()
	}
	logs, err := audit.NewStore(db)
	if err != nil {
		return nil, err
	}
	return &Repository[T]{db: db, schema: schema, rec: rec, logs: logs}, nil
}

// Table returns the backing table name.
func (r *Repository[T]) Table() string { return r.schema.Table }

// done records the operation metric and classifies the error in one place.
func (r *Repository[T]) done(op string, err error) error {
	err = classify(op, r.schema.Table, err)
	obs.RepoOperation(r.schema.Table, op, err)
	return err
}

// Get fetches one row by id. Soft-deleted rows are invisible unless
// includeDeleted is set.
func (r *Repository[T]) Get(ctx context.Context, id int64, includeDeleted bool, filters map[string]any) (T, error) {
	var zero T
	w, err := r.buildWhere(includeDeleted, filters)
	if err != nil {
		return zero, r.done("get", err)
	}
	w.Cond("id = " + w.Arg(id))
	query := "select " + r.schema.selectList() + " from " + r.schema.Table + w.Clause()
	item, err := r.schema.Scan(r.db.QueryRowContext(ctx, query, w.Args()...))
	if err != nil {
		return zero, r.done("get", err)
	}
	return item, r.done("get", nil)
}

// GetAll returns every visible row matching the filters, unpaginated.
func (r *Repository[T]) GetAll(ctx context.Context, includeDeleted bool, filters map[string]any) ([]T, error) {
	w, err := r.buildWhere(includeDeleted, filters)
	if err != nil {
		return nil, r.done("get_all", err)
	}
	query := "select " + r.schema.selectList() + " from " + r.schema.Table + w.Clause() + " order by id"
	items, err := r.queryItems(ctx, r.db, query, w.Args()...)
	return items, r.done("get_all", err)
}

// GetMany returns a window of visible rows by offset and limit.
func (r *Repository[T]) GetMany(ctx context.Context, skip, limit int, includeDeleted bool, filters map[string]any) ([]T, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = defaultPerPage
	}
	w, err := r.buildWhere(includeDeleted, filters)
	if err != nil {
		return nil, r.done("get_many", err)
	}
	query := "select " + r.schema.selectList() + " from " + r.schema.Table + w.Clause() +
		" order by id limit " + w.Arg(limit) + " offset " + w.Arg(skip)
	items, err := r.queryItems(ctx, r.db, query, w.Args()...)
	return items, r.done("get_many", err)
}

// List returns one page of visible rows plus totals. The total is counted
// under the same filters as the page itself.
func (r *Repository[T]) List(ctx context.Context, p Page, includeDeleted bool, filters map[string]any) (Result[T], error) {
	p = r.normalizePage(p)
	out := Result[T]{Items: []T{}, Page: p.Page, PerPage: p.PerPage}

	w, err := r.buildWhere(includeDeleted, filters)
	if err != nil {
		return out, r.done("list", err)
	}
	countQuery := "select count(*) from " + r.schema.Table + w.Clause()
	if err := r.db.QueryRowContext(ctx, countQuery, w.Args()...).Scan(&out.Total); err != nil {
		return out, r.done("list", err)
	}
	out.Pages = pageCount(out.Total, p.PerPage)

	query := "select " + r.schema.selectList() + " from " + r.schema.Table + w.Clause() +
		" order by " + p.SortBy + " " + p.SortOrder +
		" limit " + w.Arg(p.PerPage) + " offset " + w.Arg((p.Page-1)*p.PerPage)
	items, err := r.queryItems(ctx, r.db, query, w.Args()...)
	if err != nil {
		return out, r.done("list", err)
	}
	out.Items = items
	return out, r.done("list", nil)
}

// Search matches a term against the given columns, or the schema's search
// fields when none are named, and returns a page of hits.
func (r *Repository[T]) Search(ctx context.Context, term string, fields []string, p Page) (Result[T], error) {
	if len(fields) == 0 {
		fields = r.schema.SearchFields
	}
	for _, f := range fields {
		if !r.schema.hasColumn(f) {
			err := fmt.Errorf("%w: unknown search field %s", ErrInvalidFilter, f)
			return Result[T]{Items: []T{}}, r.done("search", err)
		}
	}
	filters := map[string]any{}
	if term != "" {
		filters[QueryFilterKey] = term
	}
	// Shallow copy so overriding the matched columns never races other
	// callers of the shared repository.
	scoped := *r
	scoped.schema.SearchFields = fields
	return scoped.List(ctx, p, false, filters)
}

// Exists reports whether a visible row with the id exists.
func (r *Repository[T]) Exists(ctx context.Context, id int64) (bool, error) {
	w := &Where{}
	if r.schema.SoftDelete {
		w.Cond("is_deleted = false")
	}
	w.Cond("id = " + w.Arg(id))
	query := "select 1 from " + r.schema.Table + w.Clause()
	var one int
	err := r.db.QueryRowContext(ctx, query, w.Args()...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, r.done("exists", nil)
	}
	if err != nil {
		return false, r.done("exists", err)
	}
	return true, r.done("exists", nil)
}

// Count returns how many visible rows match the filters.
func (r *Repository[T]) Count(ctx context.Context, includeDeleted bool, filters map[string]any) (int, error) {
	w, err := r.buildWhere(includeDeleted, filters)
	if err != nil {
		return 0, r.done("count", err)
	}
	query := "select count(*) from " + r.schema.Table + w.Clause()
	var total int
	if err := r.db.QueryRowContext(ctx, query, w.Args()...).Scan(&total); err != nil {
		return 0, r.done("count", err)
	}
	return total, r.done("count", nil)
}

// Create inserts one row and records its audit entry in the same
// transaction.
func (r *Repository[T]) Create(ctx context.Context, data map[string]any) (T, error) {
	var zero T
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, r.done("create", err)
	}
	defer tx.Rollback()

	item, err := r.insertOne(ctx, tx, data)
	if err != nil {
		return zero, r.done("create", err)
	}
	if err := tx.Commit(); err != nil {
		return zero, r.done("create", err)
	}
	return item, r.done("create", nil)
}

// CreateMany inserts the rows atomically, one audit entry per row.
func (r *Repository[T]) CreateMany(ctx context.Context, items []map[string]any) ([]T, error) {
	if len(items) == 0 {
		return []T{}, r.done("create_many", nil)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, r.done("create_many", err)
	}
	defer tx.Rollback()

	out := make([]T, 0, len(items))
	for _, data := range items {
		item, err := r.insertOne(ctx, tx, data)
		if err != nil {
			return nil, r.done("create_many", err)
		}
		out = append(out, item)
	}
	if err := tx.Commit(); err != nil {
		return nil, r.done("create_many", err)
	}
	return out, r.done("create_many", nil)
}

// Update applies the payload to one row. Fields with a registered hook run
// the hook; the rest become column assignments. Old and new snapshots are
// audited together.
func (r *Repository[T]) Update(ctx context.Context, id int64, data map[string]any) (T, error) {
	var zero T
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, r.done("update", err)
	}
	defer tx.Rollback()

	item, err := r.updateOne(ctx, tx, id, data)
	if err != nil {
		return zero, r.done("update", err)
	}
	if err := tx.Commit(); err != nil {
		return zero, r.done("update", err)
	}
	return item, r.done("update", nil)
}

// BulkUpdate applies per-row payloads atomically. Each payload must carry
// the row id.
func (r *Repository[T]) BulkUpdate(ctx context.Context, items []map[string]any) ([]T, error) {
	if len(items) == 0 {
		return []T{}, r.done("bulk_update", nil)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, r.done("bulk_update", err)
	}
	defer tx.Rollback()

	out := make([]T, 0, len(items))
	for _, data := range items {
		raw, ok := data["id"]
		if !ok {
			return nil, r.done("bulk_update", fmt.Errorf("%w: item without id", ErrInvalidFilter))
		}
		cast, err := CastInt64(raw)
		if err != nil || cast == nil {
			return nil, r.done("bulk_update", fmt.Errorf("%w: item id: %v", ErrInvalidFilter, raw))
		}
		item, err := r.updateOne(ctx, tx, cast.(int64), data)
		if err != nil {
			return nil, r.done("bulk_update", err)
		}
		out = append(out, item)
	}
	if err := tx.Commit(); err != nil {
		return nil, r.done("bulk_update", err)
	}
	return out, r.done("bulk_update", nil)
}

// SoftDelete hides a row. Returns false without error when the row is
// missing or already hidden.
func (r *Repository[T]) SoftDelete(ctx context.Context, id int64) (bool, error) {
	return r.flipDeleted(ctx, id, true)
}

// Restore brings a hidden row back. Returns false without error when the
// row is missing or already visible.
func (r *Repository[T]) Restore(ctx context.Context, id int64) (bool, error) {
	return r.flipDeleted(ctx, id, false)
}

// ForceDelete removes the row permanently. The audit entry keeps the full
// final state of the row, including engine-managed columns.
func (r *Repository[T]) ForceDelete(ctx context.Context, id int64) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, r.done("force_delete", err)
	}
	defer tx.Rollback()

	old, err := r.snapshot(ctx, tx, id, true)
	if errors.Is(err, ErrNotFound) {
		return false, r.done("force_delete", nil)
	}
	if err != nil {
		return false, r.done("force_delete", err)
	}
	if _, err := tx.ExecContext(ctx, "delete from "+r.schema.Table+" where id = $1", id); err != nil {
		return false, r.done("force_delete", err)
	}
	r.rec.Record(ctx, tx, audit.Entry{
		TableName: r.schema.Table,
		RecordID:  id,
		Action:    audit.ActionForceDelete,
		OldData:   old,
	})
	if err := tx.Commit(); err != nil {
		return false, r.done("force_delete", err)
	}
	return true, r.done("force_delete", nil)
}

// BulkDelete toggles the deletion flag of every listed row: visible rows
// are hidden and hidden rows restored, each with its own audit entry.
// Returns how many rows changed.
func (r *Repository[T]) BulkDelete(ctx context.Context, ids []int64) (int, error) {
	if !r.schema.SoftDelete {
		return 0, r.done("bulk_delete", fmt.Errorf("%w: table does not soft-delete", ErrInvalidFilter))
	}
	if len(ids) == 0 {
		return 0, r.done("bulk_delete", nil)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, r.done("bulk_delete", err)
	}
	defer tx.Rollback()

	w := &Where{}
	ph := make([]string, len(ids))
	for i, id := range ids {
		ph[i] = w.Arg(id)
	}
	query := "select id, is_deleted from " + r.schema.Table + " where id in (" + strings.Join(ph, ", ") + ") order by id for update"
	rows, err := tx.QueryContext(ctx, query, w.Args()...)
	if err != nil {
		return 0, r.done("bulk_delete", err)
	}
	type rowState struct {
		id      int64
		deleted bool
	}
	var states []rowState
	for rows.Next() {
		var st rowState
		if err := rows.Scan(&st.id, &st.deleted); err != nil {
			rows.Close()
			return 0, r.done("bulk_delete", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, r.done("bulk_delete", err)
	}
	rows.Close()

	changed := 0
	for _, st := range states {
		next := !st.deleted
		if _, err := tx.ExecContext(ctx, "update "+r.schema.Table+" set is_deleted = $1 where id = $2", next, st.id); err != nil {
			return 0, r.done("bulk_delete", err)
		}
		action := audit.ActionDelete
		if !next {
			action = audit.ActionRestore
		}
		r.rec.Record(ctx, tx, audit.Entry{
			TableName: r.schema.Table,
			RecordID:  st.id,
			Action:    action,
			OldData:   map[string]any{"is_deleted": st.deleted},
			NewData:   map[string]any{"is_deleted": next},
		})
		changed++
	}
	if err := tx.Commit(); err != nil {
		return 0, r.done("bulk_delete", err)
	}
	return changed, r.done("bulk_delete", nil)
}

// Logs returns the audit trail for this table.
func (r *Repository[T]) Logs(ctx context.Context, q audit.Query) (audit.Result, error) {
	out, err := r.logs.List(ctx, r.schema.Table, q)
	return out, r.done("logs", err)
}

func (r *Repository[T]) flipDeleted(ctx context.Context, id int64, deleted bool) (bool, error) {
	op := "soft_delete"
	action := audit.ActionDelete
	if !deleted {
		op = "restore"
		action = audit.ActionRestore
	}
	if !r.schema.SoftDelete {
		return false, r.done(op, fmt.Errorf("%w: table does not soft-delete", ErrInvalidFilter))
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, r.done(op, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"update "+r.schema.Table+" set is_deleted = $1 where id = $2 and is_deleted = $3",
		deleted, id, !deleted)
	if err != nil {
		return false, r.done(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, r.done(op, err)
	}
	if n == 0 {
		return false, r.done(op, nil)
	}
	r.rec.Record(ctx, tx, audit.Entry{
		TableName: r.schema.Table,
		RecordID:  id,
		Action:    action,
		OldData:   map[string]any{"is_deleted": !deleted},
		NewData:   map[string]any{"is_deleted": deleted},
	})
	if err := tx.Commit(); err != nil {
		return false, r.done(op, err)
	}
	return true, r.done(op, nil)
}

func (r *Repository[T]) insertOne(ctx context.Context, tx *sql.Tx, data map[string]any) (T, error) {
	var zero T
	cols, vals, err := r.payloadColumns(data)
	if err != nil {
		return zero, err
	}
	w := &Where{}
	var query string
	if len(cols) == 0 {
		query = "insert into " + r.schema.Table + " default values returning id"
	} else {
		ph := make([]string, len(cols))
		for i, v := range vals {
			ph[i] = w.Arg(v)
		}
		query = "insert into " + r.schema.Table + " (" + strings.Join(cols, ", ") + ") values (" +
			strings.Join(ph, ", ") + ") returning id"
	}
	var id int64
	if err := tx.QueryRowContext(ctx, query, w.Args()...).Scan(&id); err != nil {
		return zero, err
	}
	img, err := r.snapshot(ctx, tx, id, false)
	if err != nil {
		return zero, err
	}
	r.rec.Record(ctx, tx, audit.Entry{
		TableName: r.schema.Table,
		RecordID:  id,
		Action:    audit.ActionCreate,
		NewData:   img,
	})
	return r.fetchOne(ctx, tx, id)
}

func (r *Repository[T]) updateOne(ctx context.Context, tx *sql.Tx, id int64, data map[string]any) (T, error) {
	var zero T
	current, err := r.fetchOne(ctx, tx, id)
	if err != nil {
		return zero, err
	}
	old, err := r.snapshot(ctx, tx, id, false)
	if err != nil {
		return zero, err
	}

	var assignCols []string
	var assignVals []any
	hooked := 0
	for _, key := range sortedKeys(data) {
		if key == "id" {
			continue
		}
		value := data[key]
		if hook, ok := r.schema.Updates[key]; ok {
			if err := hook(ctx, tx, current, value); err != nil {
				return zero, err
			}
			hooked++
			continue
		}
		if !r.schema.writable(key) {
			continue
		}
		value, err = r.castValue(key, value)
		if err != nil {
			return zero, err
		}
		assignCols = append(assignCols, key)
		assignVals = append(assignVals, value)
	}
	if len(assignCols) == 0 && hooked == 0 {
		return zero, ErrNoData
	}
	if len(assignCols) > 0 {
		w := &Where{}
		sets := make([]string, len(assignCols))
		for i, col := range assignCols {
			sets[i] = col + " = " + w.Arg(assignVals[i])
		}
		if r.schema.hasColumn("updated_at") {
			sets = append(sets, "updated_at = now()")
		}
		query := "update " + r.schema.Table + " set " + strings.Join(sets, ", ") + " where id = " + w.Arg(id)
		if _, err := tx.ExecContext(ctx, query, w.Args()...); err != nil {
			return zero, err
		}
	}

	fresh, err := r.snapshot(ctx, tx, id, false)
	if err != nil {
		return zero, err
	}
	r.rec.Record(ctx, tx, audit.Entry{
		TableName: r.schema.Table,
		RecordID:  id,
		Action:    audit.ActionUpdate,
		OldData:   old,
		NewData:   fresh,
	})
	return r.fetchOne(ctx, tx, id)
}

// fetchOne loads a row regardless of its deletion flag, inside the given
// querier.
func (r *Repository[T]) fetchOne(ctx context.Context, q Querier, id int64) (T, error) {
	var zero T
	query := "select " + r.schema.selectList() + " from " + r.schema.Table + " where id = $1"
	item, err := r.schema.Scan(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, err
	}
	return item, nil
}

// snapshot captures a row as a JSON-safe map for audit images. Identity and
// deletion columns are excluded unless full is set.
func (r *Repository[T]) snapshot(ctx context.Context, q Querier, id int64, full bool) (map[string]any, error) {
	query := "select " + r.schema.selectList() + " from " + r.schema.Table + " where id = $1"
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	img := make(map[string]any, len(cols))
	for i, col := range cols {
		if !full && (col == "id" || col == "is_deleted") {
			continue
		}
		if r.schema.redacted(col) {
			continue
		}
		img[col] = jsonSafe(raw[i])
	}
	return img, rows.Err()
}

func (r *Repository[T]) queryItems(ctx context.Context, q Querier, query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []T{}
	for rows.Next() {
		item, err := r.schema.Scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// buildWhere turns the filter map into conditions. Keys run in sorted order
// so generated SQL is deterministic. Unknown keys are ignored.
func (r *Repository[T]) buildWhere(includeDeleted bool, filters map[string]any) (*Where, error) {
	w := &Where{}
	if r.schema.SoftDelete && !includeDeleted {
		w.Cond("is_deleted = false")
	}
	for _, key := range sortedKeys(filters) {
		value := filters[key]
		switch {
		case key == QueryFilterKey:
			term, _ := value.(string)
			if term == "" || len(r.schema.SearchFields) == 0 {
				continue
			}
			ors := make([]string, len(r.schema.SearchFields))
			for i, f := range r.schema.SearchFields {
				ors[i] = f + " ilike " + w.Arg("%"+term+"%")
			}
			w.Cond("(" + strings.Join(ors, " or ") + ")")
		case r.schema.Filters[key] != nil:
			if err := r.schema.Filters[key](w, value); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFilter, key, err)
			}
		case r.schema.hasColumn(key):
			cast, err := r.castValue(key, value)
			if err != nil {
				return nil, err
			}
			switch v := cast.(type) {
			case nil:
				w.Cond(key + " is null")
			case []any:
				if len(v) == 0 {
					w.Cond("false")
					continue
				}
				ph := make([]string, len(v))
				for i, item := range v {
					ph[i] = w.Arg(item)
				}
				w.Cond(key + " in (" + strings.Join(ph, ", ") + ")")
			default:
				w.Cond(key + " = " + w.Arg(v))
			}
		}
	}
	return w, nil
}

func (r *Repository[T]) castValue(key string, value any) (any, error) {
	cast := r.schema.Casts[key]
	if cast == nil {
		return value, nil
	}
	if list, ok := value.([]any); ok {
		out := make([]any, len(list))
		for i, item := range list {
			cv, err := cast(item)
			if err != nil {
				return nil, fmt.Errorf("%w: field %s: %v", ErrInvalidFilter, key, err)
			}
			out[i] = cv
		}
		return out, nil
	}
	cv, err := cast(value)
	if err != nil {
		return nil, fmt.Errorf("%w: field %s: %v", ErrInvalidFilter, key, err)
	}
	return cv, nil
}

// payloadColumns splits a payload into writable insert columns and cast
// values, in sorted key order.
func (r *Repository[T]) payloadColumns(data map[string]any) ([]string, []any, error) {
	var cols []string
	var vals []any
	for _, key := range sortedKeys(data) {
		if !r.schema.writable(key) {
			continue
		}
		value, err := r.castValue(key, data[key])
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, key)
		vals = append(vals, value)
	}
	return cols, vals, nil
}

func (r *Repository[T]) normalizePage(p Page) Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 || p.PerPage > maxPerPage {
		p.PerPage = defaultPerPage
	}
	if p.SortBy == "" || !r.schema.hasColumn(p.SortBy) {
		p.SortBy = "id"
	}
	if p.SortOrder != "asc" && p.SortOrder != "desc" {
		p.SortOrder = "desc"
	}
	return p
}

func pageCount(total, perPage int) int {
	if total <= 0 {
		return 0
	}
	return (total + perPage - 1) / perPage
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func jsonSafe(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(t)
	default:
		return t
	}
}
