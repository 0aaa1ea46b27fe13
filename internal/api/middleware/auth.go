package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/groundplane/groundplane/internal/auth"
	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// publicPaths are reachable without a bearer token: the sign-in flow
// itself plus the health and version probes.
var publicPaths = map[string]bool{
	"/auth/sign-in/credentials": true,
	"/auth/token/refresh":       true,
	"/health":                   true,
	"/version":                  true,
}

// BearerAuth verifies the Authorization header on every non-public request
// and stores the resulting identity in the request context.
//
// A request without an Authorization header is a malformed request, not an
// unauthorized one: it gets 400 "Token not found". A header that fails
// verification gets the status mapped from the fault code, 401 for both
// unknown tokens and deactivated users.
func BearerAuth(verifier contracts.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if strings.TrimSpace(header) == "" {
				rejectJSON(w, http.StatusBadRequest, "Token not found")
				return
			}

			ident, err := verifier.Verify(r.Context(), BearerToken(header))
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("token verification failed")
				rejectJSON(w, faults.HTTPStatus(faults.CodeOf(err)), faults.MessageOf(err))
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), ident)))
		})
	}
}

// BearerToken strips the Bearer scheme prefix, if present. Raw tokens
// without the scheme are accepted as-is.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// rejectJSON writes the uniform error envelope without pulling in the
// handlers package.
func rejectJSON(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"message": message,
		"data":    map[string]interface{}{},
	})
}
