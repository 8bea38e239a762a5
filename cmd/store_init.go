package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/seed-platform/seedctl/internal/resilience"
	"github.com/seed-platform/seedctl/internal/store"
)

// initStore opens the configured store. Only the initial Postgres
// connection is retried.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "seed.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		poolCfg := &store.PoolConfig{
			MaxConns: cfg.Store.Pool.MaxConns,
			MinConns: cfg.Store.Pool.MinConns,
		}
		var st *store.PostgresStore
		err := resilience.Do(ctx, resilience.ConnectRetryConfig(cfg.Store.ConnectRetries), func(ctx context.Context) error {
			var err error
			st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, poolCfg)
			return err
		})
		if err != nil {
			return nil, eris.Wrap(err, "connect to postgres")
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens the store and brings its schema up to date.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}
