package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/trainset/internal/db"
	"github.com/sells-group/trainset/internal/source"
	"github.com/sells-group/trainset/internal/store"
)

// initStore opens the configured registry backend and migrates it.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "trainset.db"
		}
		st, err = store.NewSQLite(path)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// sourcePool returns the pool postgres sources read from. The registry's own
// pool is shared when the store is postgres; otherwise a pool is opened only
// if some source needs one. The returned func releases it.
func sourcePool(ctx context.Context, st store.Store, specs []source.Spec) (db.Pool, func(), error) {
	noop := func() {}
	if ps, ok := st.(*store.PostgresStore); ok {
		return ps.Pool(), noop, nil
	}
	if !needsPostgres(specs) {
		return nil, noop, nil
	}
	pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
	if err != nil {
		return nil, noop, eris.Wrap(err, "connect source database")
	}
	zap.L().Info("opened source database pool for postgres sources")
	return pool, pool.Close, nil
}

func needsPostgres(specs []source.Spec) bool {
	for _, s := range specs {
		if s.Kind == source.KindPostgres {
			return true
		}
	}
	return false
}
