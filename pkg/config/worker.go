package config

import (
	"fmt"
	"time"
)

// WorkerConfig declares one hosted worker.
type WorkerConfig struct {
	// Name is filled from the map key.
	Name string `yaml:"-" json:"-"`

	// Type selects the worker implementation registered under this name
	// (e.g. "currency", "clock", "echo", "orchestrator").
	Type string `yaml:"type" json:"type"`

	// Description is advertised on the agent card skill.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Skills advertised for this worker. Tags drive orchestrator routing.
	Skills []SkillConfig `yaml:"skills,omitempty" json:"skills,omitempty"`

	// MaxConcurrentTasks bounds tasks executing at once for this worker.
	// Default: 100
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks,omitempty" json:"max_concurrent_tasks,omitempty"`

	// CancelGrace is how long a canceled task's worker may keep running
	// before its context is forcibly cut. Default: 5s
	CancelGrace time.Duration `yaml:"cancel_grace,omitempty" json:"cancel_grace,omitempty"`

	// TurnTimeout bounds one worker turn. Zero disables the bound.
	TurnTimeout time.Duration `yaml:"turn_timeout,omitempty" json:"turn_timeout,omitempty"`

	// Settings holds worker-type-specific options.
	Settings map[string]any `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// SkillConfig describes one advertised skill.
type SkillConfig struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name,omitempty" json:"name,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Examples    []string `yaml:"examples,omitempty" json:"examples,omitempty"`
}

// SetDefaults applies default values, taking the map key as the name.
func (c *WorkerConfig) SetDefaults(name string) {
	c.Name = name
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = 100
	}
	if c.CancelGrace == 0 {
		c.CancelGrace = 5 * time.Second
	}
	for i := range c.Skills {
		if c.Skills[i].Name == "" {
			c.Skills[i].Name = c.Skills[i].ID
		}
	}
}

// Validate checks the WorkerConfig.
func (c *WorkerConfig) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("type is required")
	}
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be positive")
	}
	if c.CancelGrace < 0 {
		return fmt.Errorf("cancel_grace must be non-negative")
	}
	if c.TurnTimeout < 0 {
		return fmt.Errorf("turn_timeout must be non-negative")
	}
	for i, s := range c.Skills {
		if s.ID == "" {
			return fmt.Errorf("skills[%d]: id is required", i)
		}
	}
	return nil
}
