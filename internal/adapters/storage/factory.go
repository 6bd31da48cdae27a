package storage

import (
	"context"
	"log/slog"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

// New builds the state store selected by cfg.Backend.
func New(ctx context.Context, cfg domain.StorageConfig, logger *slog.Logger) (ports.StateStore, error) {
	switch cfg.Backend {
	case domain.StorageMemory, "":
		return NewMemoryStore(logger), nil
	case domain.StorageBadger:
		return NewBadgerStore(cfg.DataDir, cfg.GCInterval, logger)
	case domain.StorageRedis:
		return NewRedisStore(ctx, cfg.Redis, logger)
	default:
		return nil, domain.NewConfigError("storage.backend", domain.ErrInvalidInput)
	}
}
