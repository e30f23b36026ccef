package daemon

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/agentcore/internal/config"
	"github.com/harun/agentcore/pkg/session"
)

// openStore opens the conversation store selected by cfg.Backend.
func openStore(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (session.Store, error) {
	switch cfg.Backend {
	case "", "file":
		store, err := session.NewFileStore(cfg.Dir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return store, nil
	case "sqlite", "postgres":
		store, err := session.OpenSQLStore(ctx, session.Dialect(cfg.Backend), cfg.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", cfg.Backend, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
