package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/velocityfibre/onemap-sync/internal/store"
)

const defaultSQLitePath = "onemap.db"

// initStore opens the configured backend and applies migrations.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// syncStore opens the store for a sync run. Dry runs never migrate, so they
// leave the schema untouched.
func syncStore(ctx context.Context, dryRun bool) (store.Store, error) {
	if dryRun {
		return openStore(ctx)
	}
	return initStore(ctx)
}

// openStore opens the configured backend without touching its schema.
func openStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		if err := cfg.ValidateStore(); err != nil {
			return nil, err
		}
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}
