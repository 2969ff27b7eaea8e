// Package storage selects and opens the configured backend.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tinoosan/tokenledger/db/migrations"
	"github.com/tinoosan/tokenledger/internal/config"
	"github.com/tinoosan/tokenledger/internal/service/dataset"
	"github.com/tinoosan/tokenledger/internal/service/inference"
	"github.com/tinoosan/tokenledger/internal/service/report"
	"github.com/tinoosan/tokenledger/internal/service/tokens"
	"github.com/tinoosan/tokenledger/internal/storage/boltdb"
	"github.com/tinoosan/tokenledger/internal/storage/memory"
	"github.com/tinoosan/tokenledger/internal/storage/postgres"
)

// Backend is everything the services and binaries need from a store.
type Backend interface {
	tokens.Repo
	tokens.Writer
	dataset.Repo
	dataset.Writer
	inference.Repo
	inference.Writer
	report.Repo
	DeleteUser(ctx context.Context, userID uuid.UUID, at time.Time) error
	AllBalances(ctx context.Context) (map[uuid.UUID]decimal.Decimal, error)
	Ready(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*memory.Store)(nil)
	_ Backend = (*boltdb.Store)(nil)
	_ Backend = (*postgres.Store)(nil)
)

// Open returns the backend named by cfg.Storage. Postgres schemas are applied on open.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Backend, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		logger.Info("using in-memory storage")
		return memory.New(), nil
	case config.StorageBolt:
		logger.Info("using bolt storage", "path", cfg.BoltPath)
		s, err := boltdb.Open(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("open bolt: %w", err)
		}
		return s, nil
	case config.StoragePostgres:
		logger.Info("using postgres storage")
		s, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		scripts, err := migrations.Scripts()
		if err != nil {
			s.Close()
			return nil, err
		}
		for _, sql := range scripts {
			if err := s.Migrate(ctx, sql); err != nil {
				s.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}
}
