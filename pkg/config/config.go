// Package config defines the node configuration schema and the loading
// pipeline: provider -> parse -> env expansion -> strict validation ->
// decode -> defaults -> validate.
package config

import (
	"fmt"

	"github.com/conclave-ai/conclave/pkg/observability"
)

// Config is the root configuration for a node.
type Config struct {
	// Node identifies this node on its agent card.
	Node NodeConfig `yaml:"node,omitempty" json:"node,omitempty"`

	// Logger configures process logging.
	Logger LoggerConfig `yaml:"logger,omitempty" json:"logger,omitempty"`

	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty"`

	// Databases declares named SQL databases referenced by tasks and
	// checkpoint sections.
	Databases map[string]*DatabaseConfig `yaml:"databases,omitempty" json:"databases,omitempty"`

	// Tasks configures task persistence.
	Tasks TasksConfig `yaml:"tasks,omitempty" json:"tasks,omitempty"`

	// Queue configures per-task event queues.
	Queue QueueConfig `yaml:"queue,omitempty" json:"queue,omitempty"`

	// Checkpoint configures durable worker state and recovery.
	Checkpoint CheckpointConfig `yaml:"checkpoint,omitempty" json:"checkpoint,omitempty"`

	// Workers declares the workers hosted by this node, keyed by name.
	Workers map[string]*WorkerConfig `yaml:"workers,omitempty" json:"workers,omitempty"`

	// Peers lists remote nodes this node may delegate to.
	Peers []*PeerConfig `yaml:"peers,omitempty" json:"peers,omitempty"`

	// Orchestrator configures the fan-out coordinator worker.
	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty" json:"orchestrator,omitempty"`
}

// ProcessConfigPipeline runs defaults then validation, returning the
// same config for chaining.
func ProcessConfigPipeline(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return cfg, nil
}

// SetDefaults applies defaults across every section.
func (c *Config) SetDefaults() {
	c.Node.SetDefaults()
	c.Logger.SetDefaults()
	c.Server.SetDefaults()

	if c.Databases == nil {
		c.Databases = make(map[string]*DatabaseConfig)
	}
	for _, db := range c.Databases {
		db.SetDefaults()
	}

	c.Tasks.SetDefaults()
	c.Queue.SetDefaults()
	c.Checkpoint.SetDefaults()

	if c.Workers == nil {
		c.Workers = make(map[string]*WorkerConfig)
	}
	for name, w := range c.Workers {
		w.SetDefaults(name)
	}

	for _, p := range c.Peers {
		p.SetDefaults()
	}

	c.Orchestrator.SetDefaults()

	// The node URL on the agent card defaults to the listen address.
	if c.Node.URL == "" {
		host := c.Server.Host
		if host == "0.0.0.0" || host == "" {
			host = "localhost"
		}
		c.Node.URL = fmt.Sprintf("http://%s:%d", host, c.Server.Port)
	}
}

// Validate checks every section, wrapping errors with the section name.
func (c *Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	for name, db := range c.Databases {
		if err := db.Validate(); err != nil {
			return fmt.Errorf("databases.%s: %w", name, err)
		}
	}

	if err := c.Tasks.Validate(); err != nil {
		return fmt.Errorf("tasks: %w", err)
	}
	if c.Tasks.IsSQL() {
		if _, ok := c.Databases[c.Tasks.Database]; !ok {
			return fmt.Errorf("tasks: database %q is not declared in databases", c.Tasks.Database)
		}
	}

	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	if err := c.Checkpoint.Validate(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if c.Checkpoint.IsSQL() {
		if _, ok := c.Databases[c.Checkpoint.Database]; !ok {
			return fmt.Errorf("checkpoint: database %q is not declared in databases", c.Checkpoint.Database)
		}
	}

	workerNames := make(map[string]bool, len(c.Workers))
	for name, w := range c.Workers {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("workers.%s: %w", name, err)
		}
		workerNames[name] = true
	}

	peerNames := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
		if peerNames[p.Name] {
			return fmt.Errorf("peers[%d]: duplicate peer name %q", i, p.Name)
		}
		peerNames[p.Name] = true
	}

	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if c.Orchestrator.IsEnabled() && len(c.Peers) == 0 && len(c.Workers) == 0 {
		return fmt.Errorf("orchestrator: requires at least one peer or local worker")
	}

	return nil
}

// NodeConfig identifies the node for discovery.
type NodeConfig struct {
	// Name is the agent card name.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Description is shown on the agent card.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Version is the advertised node version.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// URL is the externally reachable base URL. Defaults to the listen
	// address.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// SetDefaults applies default values to NodeConfig.
func (c *NodeConfig) SetDefaults() {
	if c.Name == "" {
		c.Name = "conclave-node"
	}
	if c.Description == "" {
		c.Description = "Conclave inter-agent coordination node"
	}
	if c.Version == "" {
		c.Version = "0.1.0"
	}
}

// Validate checks the NodeConfig.
func (c *NodeConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Observability returns the observability section, defaulting when unset.
func (c *Config) Observability() *observability.Config {
	if c.Server.Observability == nil {
		cfg := &observability.Config{}
		cfg.SetDefaults()
		return cfg
	}
	return c.Server.Observability
}
