package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://issuer.test"
	testAudience = "conclave-api"
	testKeyID    = "test-key-id"
)

// testIdentityProvider serves a JWKS and signs tokens for it.
type testIdentityProvider struct {
	key    *rsa.PrivateKey
	server *httptest.Server
}

func newTestIdentityProvider(t *testing.T) *testIdentityProvider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := jwk.FromRaw(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, testKeyID))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, jwa.RS256))

	keyset := jwk.NewSet()
	require.NoError(t, keyset.AddKey(pub))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keyset)
	}))
	t.Cleanup(server.Close)

	return &testIdentityProvider{key: key, server: server}
}

func (p *testIdentityProvider) jwksURL() string { return p.server.URL + "/jwks.json" }

func (p *testIdentityProvider) sign(t *testing.T, subject string, extra map[string]any) string {
	t.Helper()

	token := jwt.New()
	require.NoError(t, token.Set(jwt.IssuerKey, testIssuer))
	require.NoError(t, token.Set(jwt.AudienceKey, testAudience))
	require.NoError(t, token.Set(jwt.SubjectKey, subject))
	require.NoError(t, token.Set(jwt.IssuedAtKey, time.Now()))
	require.NoError(t, token.Set(jwt.ExpirationKey, time.Now().Add(time.Hour)))
	for k, v := range extra {
		require.NoError(t, token.Set(k, v))
	}

	priv, err := jwk.FromRaw(p.key)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, testKeyID))

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, priv))
	require.NoError(t, err)
	return string(signed)
}

func newTestValidator(t *testing.T, provider *testIdentityProvider) *JWTValidator {
	t.Helper()
	v, err := NewJWTValidator(JWTValidatorConfig{
		JWKSURL:  provider.jwksURL(),
		Issuer:   testIssuer,
		Audience: testAudience,
	})
	require.NoError(t, err)
	return v
}

func TestNewJWTValidatorRequiresJWKSURL(t *testing.T) {
	_, err := NewJWTValidator(JWTValidatorConfig{})
	assert.Error(t, err)
}

func TestNewJWTValidatorUnreachableJWKS(t *testing.T) {
	_, err := NewJWTValidator(JWTValidatorConfig{
		JWKSURL: "http://127.0.0.1:1/jwks.json",
	})
	assert.Error(t, err)
}

func TestValidateToken(t *testing.T) {
	provider := newTestIdentityProvider(t)
	validator := newTestValidator(t, provider)

	token := provider.sign(t, "user-42", map[string]any{
		"email":     "dev@example.com",
		"role":      "admin",
		"tenant_id": "acme",
		"plan":      "enterprise",
	})

	claims, err := validator.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "dev@example.com", claims.Email)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "acme", claims.TenantID)

	plan, ok := claims.GetClaim("plan")
	require.True(t, ok)
	assert.Equal(t, "enterprise", plan)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	provider := newTestIdentityProvider(t)
	validator := newTestValidator(t, provider)

	_, err := validator.ValidateToken(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenRejectsWrongIssuer(t *testing.T) {
	provider := newTestIdentityProvider(t)

	validator, err := NewJWTValidator(JWTValidatorConfig{
		JWKSURL:  provider.jwksURL(),
		Issuer:   "https://someone-else.test",
		Audience: testAudience,
	})
	require.NoError(t, err)

	token := provider.sign(t, "user-1", nil)
	_, err = validator.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenRejectsWrongKey(t *testing.T) {
	provider := newTestIdentityProvider(t)
	imposter := newTestIdentityProvider(t)
	validator := newTestValidator(t, provider)

	token := imposter.sign(t, "user-1", nil)
	_, err := validator.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestClaimsRoles(t *testing.T) {
	claims := &Claims{Role: "operator"}
	assert.True(t, claims.HasRole("operator"))
	assert.False(t, claims.HasRole("admin"))
	assert.True(t, claims.HasAnyRole("admin", "operator"))
	assert.False(t, claims.HasAnyRole("admin", "viewer"))
}
