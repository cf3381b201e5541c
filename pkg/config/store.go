package config

import (
	"fmt"
	"time"
)

// StorageBackend identifies a storage backend type.
type StorageBackend string

const (
	// StorageBackendMemory uses in-memory storage (default).
	StorageBackendMemory StorageBackend = "memory"

	// StorageBackendSQL uses a SQL database for persistence.
	StorageBackendSQL StorageBackend = "sql"

	// StorageBackendRedis uses Redis (checkpoint backend only).
	StorageBackendRedis StorageBackend = "redis"
)

// TasksConfig configures task storage.
type TasksConfig struct {
	// Backend specifies the storage backend: "memory" (default) or "sql".
	Backend StorageBackend `yaml:"backend,omitempty" json:"backend,omitempty"`

	// Database references a database from the databases section.
	// Required when Backend is "sql".
	Database string `yaml:"database,omitempty" json:"database,omitempty"`

	// HistoryLength caps task history returned by default. 0 means
	// unlimited; per-request historyLength still applies.
	HistoryLength int `yaml:"history_length,omitempty" json:"history_length,omitempty"`
}

// SetDefaults applies default values for TasksConfig.
func (c *TasksConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = StorageBackendMemory
	}
}

// Validate checks the tasks configuration.
func (c *TasksConfig) Validate() error {
	switch c.Backend {
	case "", StorageBackendMemory, StorageBackendSQL:
	default:
		return fmt.Errorf("invalid backend %q (valid: memory, sql)", c.Backend)
	}

	if c.Backend == StorageBackendSQL && c.Database == "" {
		return fmt.Errorf("database reference is required when backend is sql")
	}
	if c.Database != "" && c.Backend != StorageBackendSQL {
		return fmt.Errorf("database reference requires backend to be sql")
	}
	if c.HistoryLength < 0 {
		return fmt.Errorf("history_length must be non-negative")
	}

	return nil
}

// IsSQL returns true if using SQL task storage.
func (c *TasksConfig) IsSQL() bool {
	return c != nil && c.Backend == StorageBackendSQL
}

// QueueConfig configures per-task event queues.
type QueueConfig struct {
	// CapacityPerTask is the retained event window per task (ring size).
	// Default: 1024
	CapacityPerTask int `yaml:"capacity_per_task,omitempty" json:"capacity_per_task,omitempty"`

	// SubscriberBuffer is each subscriber's channel buffer. A subscriber
	// that stays this far behind gets dropped. Default: 64
	SubscriberBuffer int `yaml:"subscriber_buffer,omitempty" json:"subscriber_buffer,omitempty"`
}

// SetDefaults applies default values for QueueConfig.
func (c *QueueConfig) SetDefaults() {
	if c.CapacityPerTask == 0 {
		c.CapacityPerTask = 1024
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = 64
	}
}

// Validate checks the queue configuration.
func (c *QueueConfig) Validate() error {
	if c.CapacityPerTask < 1 {
		return fmt.Errorf("capacity_per_task must be positive")
	}
	if c.SubscriberBuffer < 1 {
		return fmt.Errorf("subscriber_buffer must be positive")
	}
	return nil
}

// CheckpointConfig configures durable worker state and crash recovery.
//
// Checkpoints capture worker execution state at interrupt points and on
// a coalescing timer, so a restarted node can resume non-terminal tasks
// instead of abandoning them.
type CheckpointConfig struct {
	// Enabled turns checkpointing on. Default: true
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Backend: "memory" (default), "sql", or "redis".
	Backend StorageBackend `yaml:"backend,omitempty" json:"backend,omitempty"`

	// Database references a database from the databases section.
	// Required when Backend is "sql".
	Database string `yaml:"database,omitempty" json:"database,omitempty"`

	// Redis configures the redis backend.
	Redis *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`

	// Interval is the write-coalescing window. Dirty state is flushed at
	// most once per interval; transitions flush immediately. Default: 1s
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`

	// Required fails the live task when a checkpoint write fails.
	// Default: false (writes are best-effort)
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Retention bounds how long checkpoint keys live.
	Retention RetentionConfig `yaml:"retention,omitempty" json:"retention,omitempty"`

	// Recovery configures startup recovery of interrupted tasks.
	Recovery RecoveryConfig `yaml:"recovery,omitempty" json:"recovery,omitempty"`
}

// RetentionConfig bounds how long checkpoint values live, keyed by the
// task's outcome. Worker state and mappings belong to tasks that are
// still running, so they take the active TTL.
type RetentionConfig struct {
	// ActiveDays is the TTL for non-terminal tasks. Default: 7
	ActiveDays int `yaml:"active_days,omitempty" json:"active_days,omitempty"`

	// CompletedDays is the TTL applied once a task completes. Default: 30
	CompletedDays int `yaml:"completed_days,omitempty" json:"completed_days,omitempty"`

	// FailedDays is the TTL for failed, canceled, or rejected tasks.
	// Default: 3
	FailedDays int `yaml:"failed_days,omitempty" json:"failed_days,omitempty"`
}

// Active returns the TTL for non-terminal checkpoint values.
func (c *RetentionConfig) Active() time.Duration {
	return time.Duration(c.ActiveDays) * 24 * time.Hour
}

// Completed returns the TTL for completed task snapshots.
func (c *RetentionConfig) Completed() time.Duration {
	return time.Duration(c.CompletedDays) * 24 * time.Hour
}

// Failed returns the TTL for failed, canceled, or rejected snapshots.
func (c *RetentionConfig) Failed() time.Duration {
	return time.Duration(c.FailedDays) * 24 * time.Hour
}

// Validate checks the retention configuration.
func (c *RetentionConfig) Validate() error {
	if c.ActiveDays < 0 || c.CompletedDays < 0 || c.FailedDays < 0 {
		return fmt.Errorf("retention days must be non-negative")
	}
	return nil
}

// RecoveryConfig configures startup recovery.
type RecoveryConfig struct {
	// Enabled runs recovery at startup. Default: true
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// RedisConfig configures a redis connection.
type RedisConfig struct {
	// Addr is the host:port of the redis server.
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty"`

	// Password authenticates the connection, if set.
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// DB selects the redis logical database.
	DB int `yaml:"db,omitempty" json:"db,omitempty"`

	// KeyPrefix namespaces all keys written by this node.
	KeyPrefix string `yaml:"key_prefix,omitempty" json:"key_prefix,omitempty"`
}

// SetDefaults applies default values for CheckpointConfig.
func (c *CheckpointConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.Backend == "" {
		c.Backend = StorageBackendMemory
	}
	if c.Interval == 0 {
		c.Interval = time.Second
	}
	if c.Retention.ActiveDays == 0 {
		c.Retention.ActiveDays = 7
	}
	if c.Retention.CompletedDays == 0 {
		c.Retention.CompletedDays = 30
	}
	if c.Retention.FailedDays == 0 {
		c.Retention.FailedDays = 3
	}
	if c.Recovery.Enabled == nil {
		c.Recovery.Enabled = BoolPtr(true)
	}
	if c.Backend == StorageBackendRedis && c.Redis == nil {
		c.Redis = &RedisConfig{}
	}
	if c.Redis != nil {
		if c.Redis.Addr == "" {
			c.Redis.Addr = "localhost:6379"
		}
		if c.Redis.KeyPrefix == "" {
			c.Redis.KeyPrefix = "conclave:"
		}
	}
}

// Validate checks the CheckpointConfig.
func (c *CheckpointConfig) Validate() error {
	switch c.Backend {
	case "", StorageBackendMemory, StorageBackendSQL, StorageBackendRedis:
	default:
		return fmt.Errorf("invalid backend %q (valid: memory, sql, redis)", c.Backend)
	}

	if c.Backend == StorageBackendSQL && c.Database == "" {
		return fmt.Errorf("database reference is required when backend is sql")
	}
	if c.Backend == StorageBackendRedis && (c.Redis == nil || c.Redis.Addr == "") {
		return fmt.Errorf("redis.addr is required when backend is redis")
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must be non-negative")
	}
	if err := c.Retention.Validate(); err != nil {
		return err
	}
	return nil
}

// IsEnabled returns whether checkpointing is enabled.
func (c *CheckpointConfig) IsEnabled() bool {
	return c != nil && BoolValue(c.Enabled, true)
}

// IsSQL returns true if using the SQL checkpoint backend.
func (c *CheckpointConfig) IsSQL() bool {
	return c != nil && c.Backend == StorageBackendSQL
}

// IsRedis returns true if using the redis checkpoint backend.
func (c *CheckpointConfig) IsRedis() bool {
	return c != nil && c.Backend == StorageBackendRedis
}

// ShouldRecover returns whether startup recovery runs.
func (c *CheckpointConfig) ShouldRecover() bool {
	return c.IsEnabled() && BoolValue(c.Recovery.Enabled, true)
}
