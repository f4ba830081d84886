package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Query narrows and paginates a log listing. Pagination normalizes like any
// repository listing: page >= 1, 1 <= per_page <= 100, defaults 1/10.
type Query struct {
	Page      int
	PerPage   int
	SortBy    string
	SortOrder string
	RecordID  *int64
	UserID    *int64
	Action    string
}

// Result is one page of audit entries.
type Result struct {
	Items   []Entry `json:"items"`
	Total   int     `json:"total"`
	Page    int     `json:"page"`
	PerPage int     `json:"per_page"`
	Pages   int     `json:"pages"`
}

var logSortColumns = map[string]bool{
	"id":         true,
	"record_id":  true,
	"action":     true,
	"user_id":    true,
	"created_at": true,
}

// Store reads persisted audit entries.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("audit: db is required")
	}
	return &Store{db: db}, nil
}

// List returns entries for one table, newest first by default.
func (s *Store) List(ctx context.Context, table string, q Query) (Result, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 || q.PerPage > 100 {
		q.PerPage = 10
	}
	sortBy := q.SortBy
	if !logSortColumns[sortBy] {
		sortBy = "id"
	}
	order := "desc"
	if strings.EqualFold(q.SortOrder, "asc") {
		order = "asc"
	}

	where := []string{"table_name = $1"}
	args := []any{table}
	if q.RecordID != nil {
		args = append(args, *q.RecordID)
		where = append(where, fmt.Sprintf("record_id = $%d", len(args)))
	}
	if q.UserID != nil {
		args = append(args, *q.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if q.Action != "" {
		args = append(args, q.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	cond := strings.Join(where, " and ")

	var total int
	countSQL := "select count(*) from base_logs where " + cond
	if err := s.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return Result{}, fmt.Errorf("audit: count logs: %w", err)
	}

	offset := (q.Page - 1) * q.PerPage
	listSQL := fmt.Sprintf(
		"select id, table_name, record_id, action, old_data, new_data, user_id, ip_address, user_agent, created_at from base_logs where %s order by %s %s limit $%d offset $%d",
		cond, sortBy, order, len(args)+1, len(args)+2,
	)
	rows, err := s.db.QueryContext(ctx, listSQL, append(args, q.PerPage, offset)...)
	if err != nil {
		return Result{}, fmt.Errorf("audit: list logs: %w", err)
	}
	defer rows.Close()

	items := []Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return Result{}, fmt.Errorf("audit: scan log: %w", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("audit: list logs: %w", err)
	}

	return Result{
		Items:   items,
		Total:   total,
		Page:    q.Page,
		PerPage: q.PerPage,
		Pages:   (total + q.PerPage - 1) / q.PerPage,
	}, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		entry     Entry
		oldData   []byte
		newData   []byte
		userID    sql.NullInt64
		ipAddress sql.NullString
		userAgent sql.NullString
	)
	if err := rows.Scan(
		&entry.ID,
		&entry.TableName,
		&entry.RecordID,
		&entry.Action,
		&oldData,
		&newData,
		&userID,
		&ipAddress,
		&userAgent,
		&entry.CreatedAt,
	); err != nil {
		return Entry{}, err
	}
	if len(oldData) > 0 {
		if err := json.Unmarshal(oldData, &entry.OldData); err != nil {
			return Entry{}, err
		}
	}
	if len(newData) > 0 {
		if err := json.Unmarshal(newData, &entry.NewData); err != nil {
			return Entry{}, err
		}
	}
	if userID.Valid {
		v := userID.Int64
		entry.UserID = &v
	}
	entry.IPAddress = ipAddress.String
	entry.UserAgent = userAgent.String
	return entry, nil
}
