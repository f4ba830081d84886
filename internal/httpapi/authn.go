package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"crudcore.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth resolves a bearer token into the request's actor. Requests
// without credentials pass through anonymously; route-level permission
// checks reject them where authentication is required.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a.resolver == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get(authHeader))
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, err := extractBearerToken(header)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, err.Error())
			return
		}
		identity, err := a.resolver.Resolve(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInvalidCredential), errors.Is(err, auth.ErrUnauthenticated):
				writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, codeInternal, "authentication error")
			}
			return
		}
		ctx := auth.ContextWithActor(r.Context(), auth.Actor{
			Identity:  &identity,
			Token:     token,
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermissions guards a route. The denial never echoes which grant
// was missing.
func (a *API) requirePermissions(resource, appName string, actions []auth.Action, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(actions) == 0 {
			next(w, r)
			return
		}
		identity, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "authentication required")
			return
		}
		if !identity.Allows(resource, appName, actions...) {
			writeError(w, r, http.StatusForbidden, codeForbidden, "permission denied")
			return
		}
		next(w, r)
	})
}

func extractBearerToken(header string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
