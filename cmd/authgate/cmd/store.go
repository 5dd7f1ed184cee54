package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/authgate/config"
	"github.com/jmcleod/authgate/credentials"
	"github.com/jmcleod/authgate/storage"
	bboltstorage "github.com/jmcleod/authgate/storage/bbolt"
	"github.com/jmcleod/authgate/storage/memory"
	"github.com/jmcleod/authgate/storage/postgres"
)

// openStore opens the configured backend and wraps it in a credential
// store. The returned func releases the backend.
func openStore(ctx context.Context, cfg *config.Config) (*credentials.Store, func(), error) {
	var (
		repo    storage.Repository
		release = func() {}
	)
	switch cfg.Storage {
	case config.StorageBBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		db, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "credentials.db"), &bbolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open credential storage: %w", err)
		}
		repo = db
		release = func() { db.Close() }
	case config.StoragePostgres:
		db, err := postgres.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open credential storage: %w", err)
		}
		repo = db
		release = db.Close
	case config.StorageMemory:
		repo = memory.NewRepository()
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}

	store, err := credentials.NewStore(repo, cfg.Secrets.Store)
	if err != nil {
		release()
		return nil, nil, err
	}
	return store, release, nil
}
