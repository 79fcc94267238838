package core

import (
	"context"
	"fmt"

	"garagecore/internal/config"
	"garagecore/internal/infra/persistence/memory"
	"garagecore/internal/infra/persistence/postgres"
	"garagecore/internal/infra/persistence/sqlite"
	"garagecore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// ClosableStore is a persistent store that owns a connection.
type ClosableStore interface {
	domain.PersistentStore
	Close() error
}

type memoryCloser struct{ *memory.Store }

func (memoryCloser) Close() error { return nil }

// OpenPersistentStore selects a backend from configuration. Defaults to sqlite
// when the driver is unset.
func OpenPersistentStore(ctx context.Context, cfg config.StorageConfig, engine *domain.RulesEngine, opts ...memory.Option) (ClosableStore, error) {
	driver := StorageDriver(cfg.Driver)
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memoryCloser{memory.NewStore(engine, opts...)}, nil
	case StorageSQLite:
		store, err := sqlite.NewStore(cfg.SQLitePath, engine, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN, engine, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
