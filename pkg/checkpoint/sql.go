package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Database drivers selected by the dialect at runtime.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const createCheckpointsTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    key VARCHAR(512) PRIMARY KEY,
    value BLOB,
    expires_at TIMESTAMP NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_expires_at ON checkpoints(expires_at);
`

// SQLBackend stores checkpoint keys in a database/sql table with an
// expires_at column. Expired rows are filtered on read and removed by a
// janitor sweep.
type SQLBackend struct {
	db      *sql.DB
	dialect string

	stopOnce chan struct{}
}

// NewSQLBackend wraps an open database handle. The dialect must be
// "postgres", "mysql", or "sqlite".
func NewSQLBackend(db *sql.DB, dialect string) (*SQLBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	b := &SQLBackend{db: db, dialect: dialect, stopOnce: make(chan struct{})}
	if err := b.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	go b.janitor()
	return b, nil
}

func (b *SQLBackend) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := createCheckpointsTableSQL
	// BLOB is bytea on postgres.
	if b.dialect == "postgres" {
		schema = strings.ReplaceAll(schema, "BLOB", "BYTEA")
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (b *SQLBackend) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, _ = b.db.ExecContext(ctx, b.rebind(
				"DELETE FROM checkpoints WHERE expires_at IS NOT NULL AND expires_at < ?"), time.Now().UTC())
			cancel()
		case <-b.stopOnce:
			return
		}
	}
}

func (b *SQLBackend) rebind(query string) string {
	if b.dialect != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func expiresAt(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().UTC().Add(ttl)
}

// Get returns the value for key, or ErrNotFound.
func (b *SQLBackend) Get(ctx context.Context, key string) ([]byte, error) {
	query := b.rebind(`
SELECT value, expires_at FROM checkpoints WHERE key = ?`)

	var value []byte
	var expires sql.NullTime
	err := b.db.QueryRowContext(ctx, query, key).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	if expires.Valid && time.Now().UTC().After(expires.Time) {
		return nil, ErrNotFound
	}
	return value, nil
}

// Put stores the value with the given TTL (upsert).
func (b *SQLBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var query string
	switch b.dialect {
	case "mysql":
		query = `
INSERT INTO checkpoints (key, value, expires_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE value = VALUES(value), expires_at = VALUES(expires_at)`
	default:
		// sqlite and postgres share the ON CONFLICT form.
		query = b.rebind(`
INSERT INTO checkpoints (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`)
	}

	if _, err := b.db.ExecContext(ctx, query, key, value, expiresAt(ttl)); err != nil {
		return fmt.Errorf("failed to put checkpoint: %w", err)
	}
	return nil
}

// Delete removes the key.
func (b *SQLBackend) Delete(ctx context.Context, key string) error {
	query := b.rebind(`DELETE FROM checkpoints WHERE key = ?`)
	if _, err := b.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// ListByPrefix returns all live pairs under the prefix.
func (b *SQLBackend) ListByPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	query := b.rebind(`
SELECT key, value, expires_at FROM checkpoints WHERE key LIKE ?`)

	rows, err := b.db.QueryContext(ctx, query, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		var expires sql.NullTime
		if err := rows.Scan(&key, &value, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		if expires.Valid && now.After(expires.Time) {
			continue
		}
		out[key] = value
	}
	return out, rows.Err()
}

// likePrefix escapes LIKE metacharacters so the prefix matches literally.
func likePrefix(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}

// CompareAndSwap replaces the value only if the current value equals old.
// The comparison and write run inside one transaction.
func (b *SQLBackend) CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current []byte
	var expires sql.NullTime
	err = tx.QueryRowContext(ctx, b.rebind(
		`SELECT value, expires_at FROM checkpoints WHERE key = ?`), key).Scan(&current, &expires)

	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if exists && expires.Valid && time.Now().UTC().After(expires.Time) {
		exists = false
	}

	if old == nil {
		if exists {
			return false, nil
		}
	} else {
		if !exists || string(current) != string(old) {
			return false, nil
		}
	}

	var query string
	switch b.dialect {
	case "mysql":
		query = `
INSERT INTO checkpoints (key, value, expires_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE value = VALUES(value), expires_at = VALUES(expires_at)`
	default:
		query = b.rebind(`
INSERT INTO checkpoints (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`)
	}
	if _, err := tx.ExecContext(ctx, query, key, new, expiresAt(ttl)); err != nil {
		return false, fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit checkpoint swap: %w", err)
	}
	return true, nil
}

// Close stops the janitor. The database handle is owned by the pool.
func (b *SQLBackend) Close() error {
	select {
	case <-b.stopOnce:
	default:
		close(b.stopOnce)
	}
	return nil
}
