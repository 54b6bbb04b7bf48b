package objectstore

import (
	"context"
	"fmt"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/config"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
)

// Open returns the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.ObjectStoreConfig, log *logger.Logger) (core.ObjectStore, error) {
	switch cfg.Backend {
	case "", "s3":
		return NewS3Store(ctx, cfg, log)
	case "fs":
		return NewFSStore(cfg.Path)
	}
	return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
}
