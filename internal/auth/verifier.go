package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/groundplane/groundplane/internal/cache"
	"github.com/groundplane/groundplane/internal/config"
	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/internal/store"
	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/groundplane/groundplane/pkg/models"
)

// Verifier resolves bearer tokens through the token cache, the identity
// service, and the optional local-user gate. One verifier serves every
// protected route; the gate is switched by config, not by a second type.
type Verifier struct {
	cfg      config.IdentityConfig
	store    store.Store
	cache    cache.Cache
	identity contracts.IdentityProvider
}

// NewVerifier wires the verifier. The cache may be degraded or unreachable;
// verification then falls through to the identity service on every call.
func NewVerifier(cfg config.IdentityConfig, st store.Store, c cache.Cache, idp contracts.IdentityProvider) *Verifier {
	return &Verifier{cfg: cfg, store: st, cache: c, identity: idp}
}

// Verify resolves rawToken to an active identity.
//
// Cached entries are trusted for their TTL, so two verifications of the
// same token inside the TTL return the identical identity. Rejections are
// never cached; a deactivated user is re-checked upstream on every request.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*models.VerifiedIdentity, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, faults.New(faults.AuthUnauthenticated, "token not found")
	}

	key := cache.TokenKey(rawToken)
	var cached models.VerifiedIdentity
	if cache.GetJSON(ctx, v.cache, key, &cached) {
		return &cached, nil
	}

	ident, err := v.identity.UserInfo(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	if !ident.Active() {
		return nil, faults.Errorf(faults.AuthForbidden, "user %s is %s", ident.Email, ident.Status)
	}
	if v.cfg.RequireLocalUser {
		if err := v.ensureLocalUser(ctx, ident); err != nil {
			return nil, err
		}
	}

	cache.PutJSON(ctx, v.cache, key, ident, cache.DefaultTTL)
	return ident, nil
}

// SignOut invalidates the cached identity for rawToken. The token itself
// stays valid upstream until it expires; only this platform forgets it.
func (v *Verifier) SignOut(ctx context.Context, rawToken string) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return
	}
	if err := v.cache.Delete(ctx, cache.TokenKey(rawToken)); err != nil && !errors.Is(err, cache.ErrMiss) {
		log.Warn().Err(err).Msg("auth: sign-out cache invalidation failed")
	}
}

// ensureLocalUser demands a users-collection record for the identity.
// Unknown whitelisted emails are provisioned on first sight; a local
// record that was switched off rejects even an upstream-active token.
func (v *Verifier) ensureLocalUser(ctx context.Context, ident *models.VerifiedIdentity) error {
	user, err := v.store.GetUserByEmail(ctx, ident.Email)
	if err != nil {
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			return faults.Wrap(faults.Internal, "look up local user", err)
		}
		if !v.cfg.AutoCreateIfWhitelisted || !v.whitelisted(ident.Email) {
			return faults.Errorf(faults.AuthForbidden, "user %s is not provisioned", ident.Email)
		}
		now := time.Now().UTC()
		user = &models.User{
			ID:            uuid.NewString(),
			Email:         ident.Email,
			Status:        "active",
			UserType:      ident.UserType,
			AccessAPIDocs: ident.AccessAPIDocs,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := v.store.CreateUser(ctx, user); err != nil {
			return faults.Wrap(faults.Internal, "provision whitelisted user", err)
		}
		log.Info().Str("email", ident.Email).Msg("auth: provisioned whitelisted user")
		return nil
	}
	if user.Status != "active" {
		return faults.Errorf(faults.AuthForbidden, "user %s is %s", user.Email, user.Status)
	}
	return nil
}

func (v *Verifier) whitelisted(email string) bool {
	for _, w := range v.cfg.Whitelist {
		if strings.EqualFold(strings.TrimSpace(w), email) {
			return true
		}
	}
	return false
}

var _ contracts.TokenVerifier = (*Verifier)(nil)
