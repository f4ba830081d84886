package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"crudcore.org/internal/obs"
)

const defaultCacheSize = 4096

// Verifier validates an opaque bearer credential and returns its subject.
type Verifier interface {
	Verify(ctx context.Context, token string) (subject string, err error)
}

// Directory loads user records and their effective permissions.
type Directory interface {
	UserByUsername(ctx context.Context, username string) (User, error)
	PermissionsForUser(ctx context.Context, userID int64) ([]Permission, error)
}

type cachedIdentity struct {
	identity  Identity
	expiresAt time.Time
}

// Resolver turns bearer tokens into identity snapshots, caching them by token
// with a TTL so repeated requests skip the verifier and directory. A TTL of
// zero or less disables caching entirely. Safe for concurrent use.
type Resolver struct {
	verifier Verifier
	dir      Directory
	ttl      time.Duration
	cache    *expirable.LRU[string, cachedIdentity]
	now      func() time.Time
}

// ResolverOption configures Resolver behavior.
type ResolverOption func(*Resolver)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a Resolver with the given cache TTL.
func NewResolver(verifier Verifier, dir Directory, ttl time.Duration, opts ...ResolverOption) (*Resolver, error) {
	if verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if dir == nil {
		return nil, errors.New("directory is required")
	}
	r := &Resolver{
		verifier: verifier,
		dir:      dir,
		ttl:      ttl,
		now:      time.Now,
	}
	if ttl > 0 {
		r.cache = expirable.NewLRU[string, cachedIdentity](defaultCacheSize, nil, ttl)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve returns the identity behind the token. Cache hits skip verification;
// an expired entry is treated as absent and re-verified. Unknown subjects and
// missing tokens yield ErrUnauthenticated, malformed or tampered tokens yield
// ErrInvalidCredential.
func (r *Resolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	if r.cache != nil {
		if entry, ok := r.cache.Get(token); ok {
			// The LRU evicts on its own schedule; the explicit expiry check
			// guarantees a stale entry is never returned mid-eviction.
			if entry.expiresAt.After(r.now()) {
				obs.AuthCacheLookup(true)
				return entry.identity, nil
			}
			r.cache.Remove(token)
		}
		obs.AuthCacheLookup(false)
	}

	subject, err := r.verifier.Verify(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	identity, err := r.lookup(ctx, subject)
	if err != nil {
		return Identity{}, err
	}

	if r.cache != nil {
		r.cache.Add(token, cachedIdentity{
			identity:  identity,
			expiresAt: r.now().Add(r.ttl),
		})
	}
	return identity, nil
}

// Invalidate drops the cache entry for the token, forcing re-verification.
func (r *Resolver) Invalidate(token string) {
	if r.cache != nil {
		r.cache.Remove(token)
	}
}

func (r *Resolver) lookup(ctx context.Context, subject string) (Identity, error) {
	user, err := r.dir.UserByUsername(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, ErrUnauthenticated
		}
		return Identity{}, err
	}
	perms, err := r.dir.PermissionsForUser(ctx, user.ID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		ID:          user.ID,
		Username:    user.Username,
		Name:        user.Name,
		IsSuperuser: user.IsSuperuser,
		Permissions: perms,
	}, nil
}
