package model

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"crudcore.org/internal/repo"
)

func roleRow() *sqlmock.Rows {
	now := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{"id", "name", "description", "is_deleted", "created_at", "updated_at"}).
		AddRow(int64(2), "ops", "operators", false, now, now)
}

func TestRoleUpdateReplacesGrantSet(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	roles, err := repo.New(db, RoleSchema(), nil)
	if err != nil {
		t.Fatalf("repo.New: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("from auth_roles where id = $1")).
		WillReturnRows(roleRow())
	mock.ExpectQuery(regexp.QuoteMeta("from auth_roles where id = $1")).
		WillReturnRows(roleRow())
	mock.ExpectExec(regexp.QuoteMeta("delete from auth_role_permissions where role_id = $1")).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(
		"insert into auth_role_permissions (role_id, permission_id) values ($1, $2), ($1, $3)")).
		WithArgs(int64(2), int64(7), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(
		"update auth_roles set name = $1, updated_at = now() where id = $2")).
		WithArgs("operators", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("from auth_roles where id = $1")).
		WillReturnRows(roleRow())
	mock.ExpectExec("savepoint audit_entry").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into base_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("release savepoint audit_entry").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("from auth_roles where id = $1")).
		WillReturnRows(roleRow())
	mock.ExpectCommit()

	_, err = roles.Update(context.Background(), 2, map[string]any{
		"name":        "operators",
		"permissions": []any{float64(7), float64(9)},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCastActionRejectsUnknown(t *testing.T) {
	if _, err := castAction("read"); err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := castAction("detonate"); err == nil {
		t.Fatal("expected error for unknown action")
	}
	if _, err := castAction(12); err == nil {
		t.Fatal("expected error for non-string action")
	}
}

func TestUserSchemaRedactsPassword(t *testing.T) {
	s := UserSchema()
	for _, col := range s.Redact {
		if col == "password" {
			return
		}
	}
	t.Fatal("password must be redacted from audit snapshots")
}
