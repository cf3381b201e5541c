package checkpoint

import (
	"fmt"
	"time"

	"github.com/conclave-ai/conclave/pkg/config"
)

const memorySweepInterval = time.Minute

// NewStoreFromConfig builds the checkpoint store selected by the
// checkpoint section. Returns nil when checkpointing is disabled.
func NewStoreFromConfig(cfg *config.Config, pool *config.DBPool) (*Store, error) {
	if !cfg.Checkpoint.IsEnabled() {
		return nil, nil
	}

	backend, err := newBackend(cfg, pool)
	if err != nil {
		return nil, err
	}
	return NewStore(backend, cfg.Checkpoint.Retention), nil
}

func newBackend(cfg *config.Config, pool *config.DBPool) (Backend, error) {
	switch {
	case cfg.Checkpoint.IsSQL():
		dbCfg, ok := cfg.Databases[cfg.Checkpoint.Database]
		if !ok {
			return nil, fmt.Errorf("checkpoint: database %q is not declared", cfg.Checkpoint.Database)
		}
		db, err := pool.Get(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: failed to open database: %w", err)
		}
		return NewSQLBackend(db, dbCfg.Dialect())

	case cfg.Checkpoint.IsRedis():
		r := cfg.Checkpoint.Redis
		backend, err := NewRedisBackend(r.Addr, r.Password, r.DB, r.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %w", err)
		}
		return backend, nil

	default:
		return NewMemoryBackend(memorySweepInterval), nil
	}
}
