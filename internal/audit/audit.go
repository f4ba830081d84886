// Package audit persists the append-only change log written alongside every
// repository mutation. Entries attribute the change to the acting identity
// taken from the request context.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"crudcore.org/internal/auth"
	"crudcore.org/internal/obs"
)

// Action labels recorded with each entry.
const (
	ActionCreate      = "create"
	ActionUpdate      = "update"
	ActionDelete      = "delete"
	ActionRestore     = "restore"
	ActionForceDelete = "force_delete"
)

// Entry is one row of the base_logs table. Rows are never updated or deleted
// by application logic.
type Entry struct {
	ID        int64          `json:"id"`
	TableName string         `json:"table_name"`
	RecordID  int64          `json:"record_id"`
	Action    string         `json:"action"`
	OldData   map[string]any `json:"old_data,omitempty"`
	NewData   map[string]any `json:"new_data,omitempty"`
	UserID    *int64         `json:"user_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Execer is the slice of database/sql needed to append an entry. Both *sql.DB
// and *sql.Tx satisfy it; mutations pass their transaction so the entry commits
// or rolls back together with the data change.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Recorder writes audit entries. The zero value is not usable; construct with
// NewRecorder.
type Recorder struct {
	now func() time.Time
}

// NewRecorder constructs a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// WithRecorderClock overrides the time source (useful for tests).
func (r *Recorder) WithRecorderClock(fn func() time.Time) *Recorder {
	if fn != nil {
		r.now = fn
	}
	return r
}

const insertEntrySQL = `
	insert into base_logs (table_name, record_id, action, old_data, new_data, user_id, ip_address, user_agent, created_at)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Record appends one entry, attributing it to the actor on the context. A
// logging failure never fails the caller's operation: errors are logged and
// swallowed. When Record runs inside a transaction the entry still rolls back
// with it, which keeps the log free of entries for failed mutations.
func (r *Recorder) Record(ctx context.Context, q Execer, entry Entry) {
	if actor, ok := auth.ActorFromContext(ctx); ok {
		if actor.Identity != nil {
			userID := actor.Identity.ID
			entry.UserID = &userID
		}
		if entry.IPAddress == "" {
			entry.IPAddress = actor.IPAddress
		}
		if entry.UserAgent == "" {
			entry.UserAgent = actor.UserAgent
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}

	oldJSON, err := marshalPayload(entry.OldData)
	if err != nil {
		r.warn(entry, err)
		return
	}
	newJSON, err := marshalPayload(entry.NewData)
	if err != nil {
		r.warn(entry, err)
		return
	}

	// A failed statement aborts an open Postgres transaction. The insert runs
	// under a savepoint so an audit failure rolls back alone and the caller's
	// data change can still commit.
	tx, inTx := q.(*sql.Tx)
	if inTx {
		if _, err := tx.ExecContext(ctx, "savepoint audit_entry"); err != nil {
			r.warn(entry, err)
			return
		}
	}
	if _, err := q.ExecContext(ctx, insertEntrySQL,
		entry.TableName,
		entry.RecordID,
		entry.Action,
		oldJSON,
		newJSON,
		entry.UserID,
		nullable(entry.IPAddress),
		nullable(entry.UserAgent),
		entry.CreatedAt,
	); err != nil {
		if inTx {
			if _, rbErr := tx.ExecContext(ctx, "rollback to savepoint audit_entry"); rbErr != nil {
				r.warn(entry, rbErr)
			}
		}
		r.warn(entry, err)
		return
	}
	if inTx {
		if _, err := tx.ExecContext(ctx, "release savepoint audit_entry"); err != nil {
			r.warn(entry, err)
		}
	}
}

func (r *Recorder) warn(entry Entry, err error) {
	obs.LogEntry(map[string]any{
		"level":  "warn",
		"msg":    "audit_entry_dropped",
		"table":  entry.TableName,
		"record": entry.RecordID,
		"action": entry.Action,
		"error":  err.Error(),
	})
}

func marshalPayload(payload map[string]any) (any, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
