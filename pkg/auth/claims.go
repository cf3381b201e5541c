// Package auth validates inbound JWT bearer tokens against a provider's
// JWKS and supplies credentials for outbound peer requests. Rejections
// on protocol endpoints carry a JSON-RPC AuthenticationRequired body so
// A2A clients can distinguish auth failures from transport failures.
package auth

import "context"

type contextKey string

const claimsContextKey contextKey = "conclave_auth_claims"

// Claims holds the validated identity of a caller. The standard fields
// cover common identity providers; everything else lands in Custom.
type Claims struct {
	Subject  string         `json:"sub"`
	Email    string         `json:"email,omitempty"`
	Role     string         `json:"role,omitempty"`
	TenantID string         `json:"tenant_id,omitempty"`
	Custom   map[string]any `json:"-"`
}

// GetClaim returns a custom claim by key.
func (c *Claims) GetClaim(key string) (any, bool) {
	v, ok := c.Custom[key]
	return v, ok
}

// HasRole reports whether the caller carries the given role.
func (c *Claims) HasRole(role string) bool { return c.Role == role }

// HasAnyRole reports whether the caller carries any of the given roles.
func (c *Claims) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if c.Role == r {
			return true
		}
	}
	return false
}

// ContextWithClaims attaches validated claims to a request context.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the claims attached by the middleware, or
// nil for unauthenticated requests.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

// TokenValidator checks a raw bearer token and returns its claims.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}
