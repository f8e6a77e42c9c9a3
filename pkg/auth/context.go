package auth

import "context"

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

// SubjectFromContext returns the authenticated subject, or "anonymous"
// when the request carries no identity.
func SubjectFromContext(ctx context.Context) string {
	if id := IdentityFromContext(ctx); id != nil && id.Subject != "" {
		return id.Subject
	}
	return "anonymous"
}
