// Package model describes the directory resources served by the API:
// users, permissions, roles, and groups, each bound to the generic
// repository engine.
package model

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"crudcore.org/internal/auth"
	"crudcore.org/internal/repo"
)

type User struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsSuperuser  bool      `json:"is_superuser"`
	IsDeleted    bool      `json:"is_deleted"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Permission struct {
	ID          int64     `json:"id"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	AppName     string    `json:"app_name,omitempty"`
	Description string    `json:"description,omitempty"`
	IsDeleted   bool      `json:"is_deleted"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsDeleted   bool      `json:"is_deleted"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Group struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsDeleted   bool      `json:"is_deleted"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserSchema binds auth_users. Passwords are writable but never surface in
// JSON responses or audit snapshots.
func UserSchema() repo.Schema[User] {
	return repo.Schema[User]{
		Table: "auth_users",
		Columns: []string{
			"id", "name", "email", "phone", "username", "password",
			"is_superuser", "is_deleted", "created_at", "updated_at",
		},
		SoftDelete:   true,
		SearchFields: []string{"name", "email", "username"},
		Redact:       []string{"password"},
		Casts: map[string]repo.CastFunc{
			"is_superuser": repo.CastBool,
		},
		Updates: map[string]repo.UpdateFunc[User]{
			"roles":       relink[User]("auth_user_roles", "user_id", "role_id"),
			"groups":      relink[User]("auth_user_groups", "user_id", "group_id"),
			"permissions": relink[User]("auth_user_permissions", "user_id", "permission_id"),
		},
		Scan: func(row repo.Scanner) (User, error) {
			var (
				u     User
				email sql.NullString
				phone sql.NullString
			)
			err := row.Scan(&u.ID, &u.Name, &email, &phone, &u.Username, &u.PasswordHash,
				&u.IsSuperuser, &u.IsDeleted, &u.CreatedAt, &u.UpdatedAt)
			u.Email = email.String
			u.Phone = phone.String
			return u, err
		},
		ID: func(u User) int64 { return u.ID },
	}
}

// PermissionSchema binds auth_permissions. The action value is restricted
// to the known action set at the filter and payload boundary.
func PermissionSchema() repo.Schema[Permission] {
	return repo.Schema[Permission]{
		Table: "auth_permissions",
		Columns: []string{
			"id", "resource", "action", "app_name", "description",
			"is_deleted", "created_at", "updated_at",
		},
		SoftDelete:   true,
		SearchFields: []string{"resource", "action", "app_name"},
		Casts: map[string]repo.CastFunc{
			"action": castAction,
		},
		Scan: func(row repo.Scanner) (Permission, error) {
			var (
				p    Permission
				app  sql.NullString
				desc sql.NullString
			)
			err := row.Scan(&p.ID, &p.Resource, &p.Action, &app, &desc,
				&p.IsDeleted, &p.CreatedAt, &p.UpdatedAt)
			p.AppName = app.String
			p.Description = desc.String
			return p, err
		},
		ID: func(p Permission) int64 { return p.ID },
	}
}

// RoleSchema binds auth_roles. A "permissions" payload field replaces the
// role's grant set instead of writing a column.
func RoleSchema() repo.Schema[Role] {
	return repo.Schema[Role]{
		Table: "auth_roles",
		Columns: []string{
			"id", "name", "description", "is_deleted", "created_at", "updated_at",
		},
		SoftDelete:   true,
		SearchFields: []string{"name", "description"},
		Updates: map[string]repo.UpdateFunc[Role]{
			"permissions": relink[Role]("auth_role_permissions", "role_id", "permission_id"),
		},
		Scan: func(row repo.Scanner) (Role, error) {
			var (
				r    Role
				desc sql.NullString
			)
			err := row.Scan(&r.ID, &r.Name, &desc, &r.IsDeleted, &r.CreatedAt, &r.UpdatedAt)
			r.Description = desc.String
			return r, err
		},
		ID: func(r Role) int64 { return r.ID },
	}
}

// GroupSchema binds auth_groups. A "roles" payload field replaces the
// group's role set.
func GroupSchema() repo.Schema[Group] {
	return repo.Schema[Group]{
		Table: "auth_groups",
		Columns: []string{
			"id", "name", "description", "is_deleted", "created_at", "updated_at",
		},
		SoftDelete:   true,
		SearchFields: []string{"name", "description"},
		Updates: map[string]repo.UpdateFunc[Group]{
			"roles": relink[Group]("auth_group_roles", "group_id", "role_id"),
		},
		Scan: func(row repo.Scanner) (Group, error) {
			var (
				g    Group
				desc sql.NullString
			)
			err := row.Scan(&g.ID, &g.Name, &desc, &g.IsDeleted, &g.CreatedAt, &g.UpdatedAt)
			g.Description = desc.String
			return g, err
		},
		ID: func(g Group) int64 { return g.ID },
	}
}

func castAction(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("cannot read %T as action", value)
	}
	action, ok := auth.ParseAction(s)
	if !ok {
		return nil, fmt.Errorf("unknown action %q", s)
	}
	return string(action), nil
}

// relink builds an update hook that replaces every link-table row owned by
// the current record with the ids in the payload value.
func relink[T any](table, ownerCol, refCol string) repo.UpdateFunc[T] {
	return func(ctx context.Context, q repo.Querier, current T, value any) error {
		list, ok := value.([]any)
		if !ok {
			return fmt.Errorf("expected a list of ids, got %T", value)
		}
		ids := make([]int64, 0, len(list))
		for _, raw := range list {
			cast, err := repo.CastInt64(raw)
			if err != nil || cast == nil {
				return fmt.Errorf("bad id %v", raw)
			}
			ids = append(ids, cast.(int64))
		}
		ownerID, err := ownerIDOf(current)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			"delete from "+table+" where "+ownerCol+" = $1", ownerID); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		args := []any{ownerID}
		rows := make([]string, len(ids))
		for i, id := range ids {
			args = append(args, id)
			rows[i] = fmt.Sprintf("($1, $%d)", i+2)
		}
		_, err = q.ExecContext(ctx,
			"insert into "+table+" ("+ownerCol+", "+refCol+") values "+strings.Join(rows, ", "),
			args...)
		return err
	}
}

func ownerIDOf(current any) (int64, error) {
	switch v := current.(type) {
	case User:
		return v.ID, nil
	case Role:
		return v.ID, nil
	case Group:
		return v.ID, nil
	case Permission:
		return v.ID, nil
	}
	return 0, fmt.Errorf("unsupported owner %T", current)
}
