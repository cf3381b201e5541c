package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/conclave-ai/conclave/pkg/a2a"
)

// MiddlewareOptions configures the HTTP auth middleware.
type MiddlewareOptions struct {
	// ExcludedPaths bypass authentication entirely (health checks,
	// public agent card). Matched with and without a trailing slash.
	ExcludedPaths []string

	// Require controls what happens without a token: true rejects the
	// request, false lets it through without claims. Invalid tokens are
	// always rejected.
	Require bool
}

// Middleware returns an HTTP middleware validating bearer tokens. A
// rejection is a 401 whose body is a JSON-RPC AuthenticationRequired
// error, so protocol clients see a well-formed response.
func Middleware(validator TokenValidator, opts MiddlewareOptions) func(http.Handler) http.Handler {
	excluded := make(map[string]bool, len(opts.ExcludedPaths))
	for _, p := range opts.ExcludedPaths {
		excluded[strings.TrimSuffix(p, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded[strings.TrimSuffix(r.URL.Path, "/")] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				if !opts.Require {
					next.ServeHTTP(w, r)
					return
				}
				writeAuthError(w, "missing Authorization header")
				return
			}

			token := extractToken(header)
			if token == "" {
				writeAuthError(w, "invalid Authorization format, expected: Bearer <token>")
				return
			}

			claims, err := validator.ValidateToken(r.Context(), token)
			if err != nil {
				writeAuthError(w, "token validation failed")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

// extractToken accepts "Bearer <token>" or a raw token.
func extractToken(header string) string {
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return header
}

func writeAuthError(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(
		a2a.NewErrorResponse(nil, a2a.ErrAuthenticationRequired.WithData(detail)))
}
