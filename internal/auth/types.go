package auth

import "strings"

// Action is one of the fixed operation kinds a permission can grant.
type Action string

const (
	ActionCreate      Action = "create"
	ActionRead        Action = "read"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionForceDelete Action = "force_delete"
	ActionRestore     Action = "restore"
	ActionLogs        Action = "logs"
	ActionManage      Action = "manage"
	ActionCopy        Action = "copy"
	ActionExport      Action = "export"
)

// Actions lists every known action, used to validate stored permissions.
var Actions = []Action{
	ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionForceDelete,
	ActionRestore, ActionLogs, ActionManage, ActionCopy, ActionExport,
}

// ParseAction normalizes a raw action string. Returns false for unknown values.
func ParseAction(raw string) (Action, bool) {
	candidate := Action(strings.TrimSpace(strings.ToLower(raw)))
	for _, a := range Actions {
		if a == candidate {
			return a, true
		}
	}
	return "", false
}

// Permission grants one action on one resource, optionally narrowed to an app.
// An empty AppName means the grant is global across apps.
type Permission struct {
	Resource string `json:"resource"`
	Action   Action `json:"action"`
	AppName  string `json:"app_name,omitempty"`
}

// User is the stored account record behind an identity.
type User struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	IsSuperuser  bool   `json:"is_superuser"`
}

// Identity is a resolved principal: the user plus its effective permission set
// (direct grants, grants via roles, grants via group membership). Snapshots are
// immutable for the lifetime of a cache entry.
type Identity struct {
	ID          int64        `json:"id"`
	Username    string       `json:"username"`
	Name        string       `json:"name"`
	IsSuperuser bool         `json:"is_superuser"`
	Permissions []Permission `json:"permissions"`
}

// Allows reports whether the identity covers every required action on the
// resource. A permission scoped to an app matches only that app; an unscoped
// permission matches any app. Superusers pass unconditionally.
func (id Identity) Allows(resource, appName string, required ...Action) bool {
	if id.IsSuperuser {
		return true
	}
	if len(required) == 0 {
		return true
	}
	granted := make(map[Action]struct{}, len(id.Permissions))
	for _, p := range id.Permissions {
		if p.Resource != resource {
			continue
		}
		if appName != "" && p.AppName != "" && p.AppName != appName {
			continue
		}
		granted[p.Action] = struct{}{}
	}
	for _, a := range required {
		if _, ok := granted[a]; !ok {
			return false
		}
	}
	return true
}
