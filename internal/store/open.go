package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/config"
)

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.Store, logger zerolog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "mongo":
		m, err := NewMongo(ctx, MongoConfig{
			URI:      cfg.Mongo.URI,
			Database: cfg.Mongo.Database,
			Timeout:  cfg.Mongo.Timeout,
			AppName:  "storefrontgw",
		}, logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
