// Package auth verifies bearer tokens and resolves them to platform
// identities.
//
// Token issuance lives in a separate identity service; this package only
// consumes it. The Verifier fronts that service with the shared token
// cache and an optional local-user gate, and the IdentityClient proxies
// credential sign-in and token refresh.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/groundplane/groundplane/pkg/models"
)

// IdentityClient talks to the identity service over HTTP.
type IdentityClient struct {
	baseURL string
	client  *http.Client
}

// NewIdentityClient returns a client for the identity service at baseURL.
func NewIdentityClient(baseURL string) *IdentityClient {
	return &IdentityClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// SignIn exchanges credentials for a token pair.
func (c *IdentityClient) SignIn(ctx context.Context, email, password string) (*models.TokenResponse, error) {
	body := models.SignInRequest{Email: email, Password: password}
	var out models.TokenResponse
	if err := c.post(ctx, "/auth/sign-in/credentials", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *IdentityClient) Refresh(ctx context.Context, refreshToken string) (*models.TokenResponse, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var out models.TokenResponse
	if err := c.post(ctx, "/auth/token/refresh", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UserInfo resolves a raw bearer token to the identity that owns it.
func (c *IdentityClient) UserInfo(ctx context.Context, rawToken string) (*models.VerifiedIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/userinfo", nil)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "build identity request", err)
	}
	req.Header.Set("Authorization", "Bearer "+rawToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "identity service unreachable", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var ident models.VerifiedIdentity
	if err := json.NewDecoder(resp.Body).Decode(&ident); err != nil {
		return nil, faults.Wrap(faults.Internal, "decode identity response", err)
	}
	return &ident, nil
}

// post sends a JSON body and decodes the JSON response into out.
func (c *IdentityClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return faults.Wrap(faults.Internal, "marshal identity request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return faults.Wrap(faults.Internal, "build identity request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return faults.Wrap(faults.Internal, "identity service unreachable", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return faults.Wrap(faults.Internal, "decode identity response", err)
	}
	return nil
}

// checkStatus maps identity-service HTTP failures onto the fault taxonomy.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// Bounded read: error bodies are short and untrusted.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest:
		return faults.New(faults.AuthUnauthenticated, "identity service rejected the request")
	default:
		return faults.Errorf(faults.Internal, "identity service returned HTTP %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
}

var _ contracts.IdentityProvider = (*IdentityClient)(nil)
