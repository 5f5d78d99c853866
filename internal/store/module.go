package store

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"xray-fleet/internal/config"
)

// Module provides the entity store selected by the panel configuration
var Module = fx.Provide(NewStore)

func NewStore(lc fx.Lifecycle, cfg *config.PanelConfig, logger *zap.Logger) (Store, error) {
	s, err := Open(cfg.Store)
	if err != nil {
		return nil, err
	}

	logger.Info("entity store opened",
		zap.String("driver", cfg.Store.Driver),
		zap.String("path", cfg.Store.Path))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return s.Close()
		},
	})
	return s, nil
}

// Open returns the store for a driver configuration.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "bolt":
		return OpenBolt(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}
