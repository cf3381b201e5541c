// Package checkpoint provides durable persistence for task snapshots and
// opaque worker state, plus the synchronizer that writes task state
// through from the event stream.
//
// Values live in a keyed store with per-key TTLs:
//
//	task:<task_id>     -> latest task snapshot (JSON)
//	thread:<thread_id> -> worker conversational state (opaque bytes)
//	map:task:<id>      -> thread id
//	map:thread:<id>    -> task id
//
// The backend is pluggable: memory (always available), SQL, and Redis.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = errors.New("checkpoint key not found")

// Backend is the key-value contract every checkpoint store implements.
// A zero TTL means the value does not expire.
type Backend interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores the value with the given TTL.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ListByPrefix returns all live key/value pairs under the prefix.
	ListByPrefix(ctx context.Context, prefix string) (map[string][]byte, error)

	// CompareAndSwap replaces the value only if the current value equals
	// old. A nil old asserts the key is absent. Returns whether the swap
	// happened.
	CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error)

	// Close releases backend resources.
	Close() error
}
