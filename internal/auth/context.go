package auth

import "context"

// Actor carries everything downstream code needs to attribute a unit of work:
// the resolved identity (nil when unauthenticated), the raw bearer token and
// the client network details. It travels on the request context so repositories
// and the audit log can read "who is acting" without parameter threading.
type Actor struct {
	Identity  *Identity
	Token     string
	IPAddress string
	UserAgent string
}

type actorContextKey struct{}

// ContextWithActor attaches the acting principal to the context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, &actor)
}

// ActorFromContext extracts the acting principal from the context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	v, ok := ctx.Value(actorContextKey{}).(*Actor)
	if !ok || v == nil {
		return Actor{}, false
	}
	return *v, true
}

// IdentityFromContext returns the resolved identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Identity == nil {
		return Identity{}, false
	}
	return *actor.Identity, true
}
