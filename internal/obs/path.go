package obs

import "strings"

// CanonicalPath collapses resource item segments to keep metric label
// cardinality bounded: /v1/users/42 -> /v1/users/:id.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// Canonical shapes: /v1/<resource>/<id> and /v1/<resource>/<id>/<verb>.
	if len(parts) >= 3 && parts[0] == "v1" {
		if isIdentSegment(parts[2]) {
			parts[2] = ":id"
			if len(parts) > 4 {
				return path
			}
			return "/" + strings.Join(parts, "/")
		}
	}
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func isIdentSegment(s string) bool {
	if s == "" {
		return false
	}
	switch s {
	case "search", "logs", "count", "bulk", "restore", "force", "token", "me":
		return false
	}
	return true
}
