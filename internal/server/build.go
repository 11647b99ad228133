package server

import (
	"context"
	"log/slog"

	"bookledger/internal/catalog"
	"bookledger/internal/circulation"
	"bookledger/internal/circulation/memstore"
	"bookledger/internal/circulation/pgstore"
	"bookledger/internal/config"
	"bookledger/internal/database"
	"bookledger/internal/membership"
)

// Build wires the services for the configured store. The returned close
// function releases the database pool, if any.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Deps, func() error, error) {
	retry := circulation.RetryPolicy{
		MaxAttempts:     cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
	}

	if cfg.Store == config.StoreMemory {
		books := catalog.NewMemoryService()
		store := memstore.New(books)
		books.SetRemovalGuard(store)
		logger.InfoContext(ctx, "using in-memory store")
		return Deps{
			Catalog:     books,
			Members:     membership.NewMemoryService(cfg.AuthRatePerMinute),
			Circulation: circulation.NewService(store, logger),
			Events:      store,
			Auditor:     store,
			Retry:       retry,
			Logger:      logger,
		}, func() error { return nil }, nil
	}

	db, err := database.Open(ctx, database.Options{
		Driver:       cfg.DBDriver,
		URL:          cfg.DatabaseURL,
		MaxOpenConns: cfg.DBMaxOpenConns,
	})
	if err != nil {
		return Deps{}, nil, err
	}
	if err := database.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return Deps{}, nil, err
	}
	logger.InfoContext(ctx, "connected to database", "driver", cfg.DBDriver)

	store := pgstore.New(db)
	return Deps{
		Catalog:     catalog.NewService(db),
		Members:     membership.NewService(db, cfg.AuthRatePerMinute),
		Circulation: circulation.NewService(store, logger),
		Events:      store,
		Auditor:     store,
		Retry:       retry,
		Logger:      logger,
		Ping:        db.PingContext,
	}, db.Close, nil
}
