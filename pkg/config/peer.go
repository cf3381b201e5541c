package config

import (
	"fmt"
	"net/url"
	"time"
)

// PeerConfig declares one remote node this node may delegate to.
type PeerConfig struct {
	// Name is the local alias for the peer.
	Name string `yaml:"name" json:"name"`

	// URL is the peer's base URL; the agent card is fetched from its
	// well-known path.
	URL string `yaml:"url" json:"url"`

	// Credentials for outbound requests to this peer.
	Credentials *CredentialsConfig `yaml:"credentials,omitempty" json:"credentials,omitempty"`

	// SkillsOverride pins the peer's routable skills, skipping card
	// discovery for routing decisions.
	SkillsOverride []string `yaml:"skills_override,omitempty" json:"skills_override,omitempty"`

	// CardTTL bounds how long a cached agent card is trusted.
	// Default: 5m
	CardTTL time.Duration `yaml:"card_ttl,omitempty" json:"card_ttl,omitempty"`
}

// SetDefaults applies default values to PeerConfig.
func (c *PeerConfig) SetDefaults() {
	if c.CardTTL == 0 {
		c.CardTTL = 5 * time.Minute
	}
	if c.Credentials != nil {
		c.Credentials.SetDefaults()
	}
}

// Validate checks the PeerConfig.
func (c *PeerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", c.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", c.URL)
	}
	if c.Credentials != nil {
		if err := c.Credentials.Validate(); err != nil {
			return fmt.Errorf("credentials: %w", err)
		}
	}
	return nil
}

// OrchestratorConfig configures the coordinator worker that plans,
// routes, and fans out steps across peers and local workers.
type OrchestratorConfig struct {
	// Enabled hosts the orchestrator worker on this node.
	// Default: false
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Parallelism bounds concurrently executing plan steps. Default: 4
	Parallelism int `yaml:"parallelism,omitempty" json:"parallelism,omitempty"`

	// StepTimeout bounds one step's remote call. Default: 60s
	StepTimeout time.Duration `yaml:"step_timeout,omitempty" json:"step_timeout,omitempty"`

	// MaxRetries for steps failing with timeout or unreachable.
	// Remote application failures are never retried. Default: 1
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// SetDefaults applies default values to OrchestratorConfig.
func (c *OrchestratorConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(false)
	}
	if c.Parallelism == 0 {
		c.Parallelism = 4
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 60 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 1
	}
}

// Validate checks the OrchestratorConfig.
func (c *OrchestratorConfig) Validate() error {
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.StepTimeout < time.Second {
		return fmt.Errorf("step_timeout must be at least 1s")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	return nil
}

// IsEnabled returns whether the orchestrator worker is hosted.
func (c *OrchestratorConfig) IsEnabled() bool {
	return c != nil && BoolValue(c.Enabled, false)
}
