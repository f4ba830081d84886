package httpapi

import (
	"net/http"
	"testing"
	"time"

	"crudcore.org/internal/auth"
)

func newAuthAPI(t *testing.T) http.Handler {
	t.Helper()
	hash, err := auth.HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	dir := stubDirectory{
		user: auth.User{ID: 3, Username: "amina", Name: "Amina", PasswordHash: hash},
		perms: []auth.Permission{
			{Resource: "invoices", Action: auth.ActionRead, AppName: "billing"},
		},
	}
	tokens, err := auth.NewTokenService("test-secret")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	resolver, err := auth.NewResolver(tokens, dir, time.Minute)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	a := New(Config{
		Resolver:  resolver,
		Tokens:    tokens,
		Directory: dir,
		TokenTTL:  time.Minute,
	})
	return a.Handler()
}

func TestTokenFlowEndToEnd(t *testing.T) {
	h := newAuthAPI(t)

	rr := doRequest(h, http.MethodPost, "/v1/auth/token", "", `{"username":"amina","password":"s3cret"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("token status = %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatal("expected access_token")
	}
	if body["token_type"] != "bearer" {
		t.Fatalf("token_type = %v", body["token_type"])
	}

	// The issued token authenticates /v1/auth/me.
	rr = doRequest(h, http.MethodGet, "/v1/auth/me", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("me status = %d: %s", rr.Code, rr.Body.String())
	}
	me := decodeBody(t, rr)
	if me["username"] != "amina" {
		t.Fatalf("username = %v", me["username"])
	}
	if _, leaked := me["password"]; leaked {
		t.Fatal("identity payload must not carry credentials")
	}
}

func TestTokenRejectsBadCredentials(t *testing.T) {
	h := newAuthAPI(t)

	for _, body := range []string{
		`{"username":"amina","password":"wrong"}`,
		`{"username":"ghost","password":"s3cret"}`,
	} {
		rr := doRequest(h, http.MethodPost, "/v1/auth/token", "", body)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d for %s", rr.Code, body)
		}
		resp := decodeBody(t, rr)
		if resp["error"] != "invalid credentials" {
			t.Fatalf("error = %v", resp["error"])
		}
	}
}

func TestTokenValidatesInput(t *testing.T) {
	h := newAuthAPI(t)

	rr := doRequest(h, http.MethodPost, "/v1/auth/token", "", `{"username":""}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestMeRequiresAuth(t *testing.T) {
	h := newAuthAPI(t)

	rr := doRequest(h, http.MethodGet, "/v1/auth/me", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}
}
