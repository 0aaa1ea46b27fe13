// Package contracts — authentication interfaces.
//
// TokenVerifier is the single verification path every protected route goes
// through; the local-user requirement and whitelist auto-create behavior
// are knobs on its implementation, not separate verifiers.
package contracts

import (
	"context"

	"github.com/groundplane/groundplane/pkg/models"
)

// ── Token Verifier ──────────────────────────────────────────

// TokenVerifier turns a raw bearer token into a verified identity.
// Implementations cache verdicts; verification failures are never cached.
type TokenVerifier interface {
	// Verify validates the token with the identity provider and applies
	// the local-user policy. The returned identity may still be inactive;
	// callers decide whether inactive identities are acceptable.
	Verify(ctx context.Context, rawToken string) (*models.VerifiedIdentity, error)
}

// ── Identity Provider ───────────────────────────────────────

// IdentityProvider is the external collaborator that owns credentials.
// The platform never sees passwords beyond forwarding sign-in calls.
type IdentityProvider interface {
	// SignIn exchanges credentials for tokens.
	SignIn(ctx context.Context, email, password string) (*models.TokenResponse, error)

	// Refresh exchanges a refresh token for fresh tokens.
	Refresh(ctx context.Context, refreshToken string) (*models.TokenResponse, error)

	// UserInfo resolves a raw token to the identity it belongs to.
	UserInfo(ctx context.Context, rawToken string) (*models.VerifiedIdentity, error)
}
