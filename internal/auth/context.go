package auth

import (
	"context"

	"github.com/groundplane/groundplane/pkg/models"
)

type contextKey string

const identityKey contextKey = "verified_identity"

// WithIdentity returns a context carrying the verified identity. The auth
// middleware sets it once per request; services read it with IdentityFrom.
func WithIdentity(ctx context.Context, ident *models.VerifiedIdentity) context.Context {
	return context.WithValue(ctx, identityKey, ident)
}

// IdentityFrom retrieves the verified identity from the context.
func IdentityFrom(ctx context.Context) (*models.VerifiedIdentity, bool) {
	ident, ok := ctx.Value(identityKey).(*models.VerifiedIdentity)
	return ident, ok && ident != nil
}

// UserIDFrom returns the verified user id, or "" for unauthenticated
// contexts (tests, CLI paths that bypass the middleware).
func UserIDFrom(ctx context.Context) string {
	if ident, ok := IdentityFrom(ctx); ok {
		return ident.UserID
	}
	return ""
}
