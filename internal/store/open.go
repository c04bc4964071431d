package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/abi-engine/internal/config"
	"github.com/sells-group/abi-engine/internal/db"
)

// Open returns the store selected by cfg.Driver. Callers run Migrate before
// first use.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := NewSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgres(ctx, cfg.DatabaseURL, &db.PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
}
