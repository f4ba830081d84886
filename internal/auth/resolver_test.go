package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubVerifier struct {
	calls   int
	subject string
	err     error
}

func (v *stubVerifier) Verify(_ context.Context, _ string) (string, error) {
	v.calls++
	if v.err != nil {
		return "", v.err
	}
	return v.subject, nil
}

type stubDirectory struct {
	users map[string]User
	perms map[int64][]Permission
}

func (d *stubDirectory) UserByUsername(_ context.Context, username string) (User, error) {
	u, ok := d.users[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (d *stubDirectory) PermissionsForUser(_ context.Context, userID int64) ([]Permission, error) {
	return d.perms[userID], nil
}

func testDirectory() *stubDirectory {
	return &stubDirectory{
		users: map[string]User{
			"alice": {ID: 1, Username: "alice", Name: "Alice"},
		},
		perms: map[int64][]Permission{
			1: {{Resource: "invoices", Action: ActionRead}},
		},
	}
}

func TestResolveCachesWithinTTL(t *testing.T) {
	verifier := &stubVerifier{subject: "alice"}
	r, err := NewResolver(verifier, testDirectory(), time.Hour)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	first, err := r.Resolve(context.Background(), "token-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if verifier.calls != 1 {
		t.Fatalf("expected one verifier call, got %d", verifier.calls)
	}

	second, err := r.Resolve(context.Background(), "token-1")
	if err != nil {
		t.Fatalf("Resolve (cached): %v", err)
	}
	if verifier.calls != 1 {
		t.Fatalf("cache hit must not re-verify, calls=%d", verifier.calls)
	}
	if first.ID != second.ID || second.Username != "alice" {
		t.Fatalf("snapshot mismatch: %+v vs %+v", first, second)
	}
}

func TestResolveExpiredEntryReverifies(t *testing.T) {
	verifier := &stubVerifier{subject: "alice"}
	now := time.Now()
	r, err := NewResolver(verifier, testDirectory(), time.Minute,
		WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	if _, err := r.Resolve(context.Background(), "token-2"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := r.Resolve(context.Background(), "token-2"); err != nil {
		t.Fatalf("Resolve after expiry: %v", err)
	}
	if verifier.calls != 2 {
		t.Fatalf("expired entry must re-verify, calls=%d", verifier.calls)
	}
}

func TestResolveZeroTTLDisablesCache(t *testing.T) {
	verifier := &stubVerifier{subject: "alice"}
	r, err := NewResolver(verifier, testDirectory(), 0)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background(), "token-3"); err != nil {
			t.Fatalf("Resolve %d: %v", i, err)
		}
	}
	if verifier.calls != 3 {
		t.Fatalf("expected a verifier call per resolve, got %d", verifier.calls)
	}
}

func TestResolveInvalidCredential(t *testing.T) {
	verifier := &stubVerifier{err: ErrInvalidToken}
	r, _ := NewResolver(verifier, testDirectory(), time.Hour)

	_, err := r.Resolve(context.Background(), "tampered")
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestResolveUnknownSubject(t *testing.T) {
	verifier := &stubVerifier{subject: "ghost"}
	r, _ := NewResolver(verifier, testDirectory(), time.Hour)

	_, err := r.Resolve(context.Background(), "token-4")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestResolveMissingToken(t *testing.T) {
	verifier := &stubVerifier{subject: "alice"}
	r, _ := NewResolver(verifier, testDirectory(), time.Hour)

	if _, err := r.Resolve(context.Background(), ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for empty token, got %v", err)
	}
	if verifier.calls != 0 {
		t.Fatalf("empty token must not reach the verifier")
	}
}

func TestInvalidateDropsCacheEntry(t *testing.T) {
	verifier := &stubVerifier{subject: "alice"}
	r, _ := NewResolver(verifier, testDirectory(), time.Hour)

	if _, err := r.Resolve(context.Background(), "token-5"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	r.Invalidate("token-5")
	if _, err := r.Resolve(context.Background(), "token-5"); err != nil {
		t.Fatalf("Resolve after invalidate: %v", err)
	}
	if verifier.calls != 2 {
		t.Fatalf("invalidated token must re-verify, calls=%d", verifier.calls)
	}
}
