package checkpoint

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value    []byte
	deadline time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}

// MemoryBackend is the in-memory Backend. Expired entries are dropped
// lazily on access and by a janitor sweep.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemoryBackend creates a memory backend with a janitor sweeping at
// the given interval (0 disables the sweep).
func NewMemoryBackend(sweepInterval time.Duration) *MemoryBackend {
	b := &MemoryBackend{
		entries: make(map[string]*memoryEntry),
		stop:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go b.janitor(sweepInterval)
	}
	return b
}

func (b *MemoryBackend) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-b.stop:
			return
		}
	}
}

func (b *MemoryBackend) sweep() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, e := range b.entries {
		if e.expired(now) {
			delete(b.entries, key)
		}
	}
}

// Get returns the value for key, or ErrNotFound.
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	e, ok := b.entries[key]
	b.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Put stores the value with the given TTL.
func (b *MemoryBackend) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := &memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.deadline = time.Now().Add(ttl)
	}

	b.mu.Lock()
	b.entries[key] = e
	b.mu.Unlock()
	return nil
}

// Delete removes the key.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
	return nil
}

// ListByPrefix returns all live pairs under the prefix.
func (b *MemoryBackend) ListByPrefix(_ context.Context, prefix string) (map[string][]byte, error) {
	now := time.Now()
	out := make(map[string][]byte)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for key, e := range b.entries {
		if !strings.HasPrefix(key, prefix) || e.expired(now) {
			continue
		}
		v := make([]byte, len(e.value))
		copy(v, e.value)
		out[key] = v
	}
	return out, nil
}

// CompareAndSwap replaces the value only if the current value equals old.
func (b *MemoryBackend) CompareAndSwap(_ context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if ok && e.expired(now) {
		delete(b.entries, key)
		ok = false
	}

	if old == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || !bytes.Equal(e.value, old) {
			return false, nil
		}
	}

	entry := &memoryEntry{value: append([]byte(nil), new...)}
	if ttl > 0 {
		entry.deadline = now.Add(ttl)
	}
	b.entries[key] = entry
	return true, nil
}

// Close stops the janitor.
func (b *MemoryBackend) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	return nil
}
