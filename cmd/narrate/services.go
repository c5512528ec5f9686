package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/narrate/internal/catalog"
	"github.com/jackzampolin/narrate/internal/config"
	"github.com/jackzampolin/narrate/internal/home"
	"github.com/jackzampolin/narrate/internal/ledger"
)

// redisLockTTL bounds how long a crashed run keeps a shared ledger locked.
const redisLockTTL = 2 * time.Minute

// ledgerHandle bundles a store with its lock and cleanup.
type ledgerHandle struct {
	Store  *ledger.Store
	Locker ledger.Locker
	close  func() error
}

func (l *ledgerHandle) Close() error {
	if l.close == nil {
		return nil
	}
	return l.close()
}

// openLedger opens the configured ledger backend.
func openLedger(ctx context.Context, cfg *config.Config, h *home.Dir, logger *slog.Logger) (*ledgerHandle, error) {
	switch cfg.Ledger.Backend {
	case config.LedgerRedis:
		backend, err := ledger.NewRedisBackend(ctx, cfg.RedisConfig())
		if err != nil {
			return nil, fmt.Errorf("connect ledger redis: %w", err)
		}
		store, err := ledger.Open(ctx, backend, logger)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		logger.Debug("ledger opened", "backend", "redis", "addr", cfg.Ledger.RedisAddr)
		return &ledgerHandle{Store: store, Locker: backend.Locker(redisLockTTL), close: backend.Close}, nil
	default:
		path := cfg.LedgerPath(h)
		store, err := ledger.Open(ctx, ledger.NewFileBackend(path), logger)
		if err != nil {
			return nil, err
		}
		logger.Debug("ledger opened", "backend", "file", "path", path)
		lock := ledger.NewFileLock(path)
		lock.Logger = logger
		return &ledgerHandle{Store: store, Locker: lock}, nil
	}
}

// lockLedger takes the run lock, translating contention into a readable error.
func lockLedger(ctx context.Context, l ledger.Locker) (func() error, error) {
	release, err := l.Acquire(ctx)
	if errors.Is(err, ledger.ErrLocked) {
		return nil, fmt.Errorf("another narrate run holds the ledger lock: %w", err)
	}
	return release, err
}

// loadCatalog discovers chapters under the configured source directory.
func loadCatalog(ctx context.Context, cfg *config.Config, f catalog.Filter, logger *slog.Logger) (*catalog.Catalog, error) {
	if cfg.SourceDir == "" {
		return nil, fmt.Errorf("no source directory: set source_dir in config or pass --source")
	}
	cat, err := catalog.Load(ctx, &catalog.DirSource{Root: cfg.SourceDir, Logger: logger})
	if err != nil {
		return nil, err
	}
	if !f.IsZero() {
		cat = cat.Filter(f)
	}
	return cat, nil
}
