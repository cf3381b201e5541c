package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores checkpoint keys in Redis using native key TTLs.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisBackend connects to Redis and verifies the connection.
// keyPrefix namespaces all keys so several nodes can share an instance.
func NewRedisBackend(addr, password string, db int, keyPrefix string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisBackend{client: client, keyPrefix: keyPrefix}, nil
}

func (b *RedisBackend) key(k string) string {
	return b.keyPrefix + k
}

// Get returns the value for key, or ErrNotFound.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := b.client.Get(ctx, b.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return val, nil
}

// Put stores the value. A ttl of 0 means no expiry.
func (b *RedisBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := b.client.Set(ctx, b.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to put checkpoint: %w", err)
	}
	return nil
}

// Delete removes the key.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// ListByPrefix walks matching keys with SCAN and fetches their values.
func (b *RedisBackend) ListByPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	pattern := b.key(prefix) + "*"

	iter := b.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		val, err := b.client.Get(ctx, full).Bytes()
		if err == redis.Nil {
			// Expired between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get checkpoint during scan: %w", err)
		}
		out[full[len(b.keyPrefix):]] = val
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan checkpoints: %w", err)
	}
	return out, nil
}

// CompareAndSwap performs an optimistic swap under WATCH. A nil old
// asserts the key must be absent.
func (b *RedisBackend) CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	full := b.key(key)
	swapped := false

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, full).Bytes()
		exists := err == nil
		if err != nil && err != redis.Nil {
			return err
		}

		if old == nil {
			if exists {
				return nil
			}
		} else {
			if !exists || string(current) != string(old) {
				return nil
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, new, ttl)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}

	err := b.client.Watch(ctx, txn, full)
	if err == redis.TxFailedErr {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to swap checkpoint: %w", err)
	}
	return swapped, nil
}

// Close releases the client connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
