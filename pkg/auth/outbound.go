package auth

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/conclave-ai/conclave/pkg/config"
)

// Credentials decorates outbound requests to a peer with the configured
// authentication material.
type Credentials struct {
	header string
	value  string
}

// NewCredentials builds outbound credentials from config. A nil config
// yields nil: requests go out unauthenticated.
func NewCredentials(cfg *config.CredentialsConfig) (*Credentials, error) {
	if cfg == nil || cfg.Type == "" {
		return nil, nil
	}
	switch cfg.Type {
	case "bearer":
		if cfg.Token == "" {
			return nil, fmt.Errorf("bearer token is required")
		}
		return &Credentials{header: "Authorization", value: "Bearer " + cfg.Token}, nil

	case "api_key":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("api_key is required")
		}
		header := cfg.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		return &Credentials{header: header, value: cfg.APIKey}, nil

	case "basic":
		if cfg.Username == "" || cfg.Password == "" {
			return nil, fmt.Errorf("username and password are required for basic auth")
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		return &Credentials{header: "Authorization", value: "Basic " + encoded}, nil

	default:
		return nil, fmt.Errorf("unsupported credentials type: %s (valid: bearer, api_key, basic)", cfg.Type)
	}
}

// Apply sets the credential header on an outbound request. Nil-safe.
func (c *Credentials) Apply(req *http.Request) {
	if c == nil {
		return
	}
	req.Header.Set(c.header, c.value)
}
