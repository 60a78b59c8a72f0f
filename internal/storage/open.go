package storage

import (
	"context"
	"fmt"

	"github.com/ignatij/goresearch/internal/config"
	"github.com/ignatij/goresearch/pkg/storage"
)

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(cfg.DSN)
	case "sqlite":
		return NewSQLiteStore(cfg.DSN)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPrefix, cfg.RedisTTL)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
