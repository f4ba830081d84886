package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"crudcore.org/internal/auth"
)

var _ auth.Directory = (*Store)(nil)

// UserByUsername loads an active account for authentication.
func (s *Store) UserByUsername(ctx context.Context, username string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errors.New("database connection unavailable")
	}
	var (
		user  auth.User
		email sql.NullString
		phone sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, email, phone, username, password, is_superuser
		from auth_users
		where username = $1 and is_deleted = false
	`, username).Scan(&user.ID, &user.Name, &email, &phone, &user.Username, &user.PasswordHash, &user.IsSuperuser)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, fmt.Errorf("load user: %w", err)
	}
	user.Email = email.String
	user.Phone = phone.String
	return user, nil
}

// userPermissionsSQL unions the three grant paths: permissions assigned to
// the user directly, via the user's roles, and via roles of the user's
// groups. Soft-deleted permissions, roles, and groups grant nothing.
const userPermissionsSQL = `
	select distinct p.resource, p.action, p.app_name
	from auth_permissions p
	where p.is_deleted = false
	  and (
		p.id in (
			select up.permission_id
			from auth_user_permissions up
			where up.user_id = $1
		)
		or p.id in (
			select rp.permission_id
			from auth_role_permissions rp
			join auth_roles r on r.id = rp.role_id and r.is_deleted = false
			join auth_user_roles ur on ur.role_id = rp.role_id
			where ur.user_id = $1
		)
		or p.id in (
			select rp.permission_id
			from auth_role_permissions rp
			join auth_roles r on r.id = rp.role_id and r.is_deleted = false
			join auth_group_roles gr on gr.role_id = rp.role_id
			join auth_groups g on g.id = gr.group_id and g.is_deleted = false
			join auth_user_groups ug on ug.group_id = gr.group_id
			where ug.user_id = $1
		)
	  )
	order by p.resource, p.action, p.app_name`

// PermissionsForUser resolves the user's effective grants across direct,
// role, and group assignments.
func (s *Store) PermissionsForUser(ctx context.Context, userID int64) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, userPermissionsSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	defer rows.Close()

	var perms []auth.Permission
	for rows.Next() {
		var (
			p      auth.Permission
			action string
			app    sql.NullString
		)
		if err := rows.Scan(&p.Resource, &action, &app); err != nil {
			return nil, err
		}
		p.Action = auth.Action(action)
		p.AppName = app.String
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}
