package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rca-engine/internal/config"
)

// Open builds the configured Store implementation and runs migrations.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var s Store
	switch cfg.Driver {
	case "sqlite", "":
		sq, err := NewSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s = sq
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.DatabaseURL, nil)
		if err != nil {
			return nil, err
		}
		s = pg
	case "memory":
		s = NewMemory()
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}

	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
