package task

import (
	"fmt"

	"github.com/conclave-ai/conclave/pkg/config"
)

// NewStoreFromConfig builds the task store selected by the tasks section.
// SQL backends resolve their connection through the shared pool.
func NewStoreFromConfig(cfg *config.Config, pool *config.DBPool) (Store, error) {
	if !cfg.Tasks.IsSQL() {
		return NewMemoryStore(), nil
	}

	dbCfg, ok := cfg.Databases[cfg.Tasks.Database]
	if !ok {
		return nil, fmt.Errorf("tasks: database %q is not declared", cfg.Tasks.Database)
	}
	db, err := pool.Get(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("tasks: failed to open database: %w", err)
	}
	return NewSQLStore(db, dbCfg.Dialect())
}
