package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/portal-client/internal/config"
	"github.com/spec-kit/portal-client/internal/store"
)

// newStore builds the configured persistence backend.
func newStore(cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "redis":
		rs := store.NewRedisStore(cfg.Redis, logger)
		return rs, rs.Close, nil
	case "", "file":
		fs, err := store.NewFileStore(cfg.Store)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
