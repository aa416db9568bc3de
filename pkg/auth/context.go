package auth

import "context"

// identityKey is a private type for the identity context key.
type identityKey struct{}

// SetIdentity stores the authenticated identity in the context.
func SetIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext retrieves the authenticated identity.
// Returns nil if no identity is set.
func IdentityFromContext(ctx context.Context) *Identity {
	if v, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return v
	}
	return nil
}

// OwnerFromContext returns the subject to record as script owner, or ""
// for anonymous and unauthenticated callers.
func OwnerFromContext(ctx context.Context) string {
	id := IdentityFromContext(ctx)
	if id == nil || id.Subject == Anonymous {
		return ""
	}
	return id.Subject
}
