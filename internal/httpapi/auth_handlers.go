package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"crudcore.org/internal/auth"
)

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// handleAuthToken exchanges credentials for a bearer token. Unknown users
// and wrong passwords get the same answer.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if a.tokens == nil || a.dir == nil {
		writeError(w, r, http.StatusServiceUnavailable, codeInternal, "authentication unavailable")
		return
	}
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, codeValidation, "username and password are required")
		return
	}

	user, err := a.dir.UserByUsername(r.Context(), username)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, codeInternal, "authentication error")
		return
	}
	if err := auth.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := a.tokens.Issue(user.Username, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, codeInternal, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   expiresAt,
	})
}

// handleAuthMe returns the caller's resolved identity and grants.
func (a *API) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, identity)
}
