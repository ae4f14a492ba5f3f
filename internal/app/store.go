package app

import (
	"context"
	"fmt"
	"time"

	"gridsync/internal/cellstore"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pinger is satisfied by stores that can report readiness.
type pinger interface {
	Ping(ctx context.Context) error
}

// newCellStore opens the configured backend and wraps it in the column allowlist.
// The returned store owns its resources; a Postgres pool stays owned by the App.
func newCellStore(ctx context.Context, cfg Config, pool *pgxpool.Pool, log Logger) (cellstore.Writer, cellstore.Store, error) {
	var st cellstore.Store

	switch kind := cfg.StoreKind(); kind {
	case StoreMemory:
		log.Info("store.memory")
		st = cellstore.NewMemory()

	case StorePostgres:
		if pool == nil {
			return nil, nil, fmt.Errorf("store: postgres selected without a database pool")
		}
		pg, err := cellstore.NewPostgres(pool, cellstore.WithSchema(cfg.DBSchema))
		if err != nil {
			return nil, nil, err
		}
		mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = pg.Migrate(mctx)
		cancel()
		if err != nil {
			return nil, nil, fmt.Errorf("store: migrate: %w", err)
		}
		log.Info("store.postgres", "schema", cfg.DBSchema)
		st = pg

	case StoreSQLite:
		lite, err := cellstore.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("store.sqlite", "path", cfg.SQLitePath)
		st = lite

	default:
		return nil, nil, fmt.Errorf("store: unknown kind %q", kind)
	}

	if len(cfg.Columns) > 0 {
		log.Info("store.columns", "columns", cfg.Columns)
	}
	return cellstore.NewColumnGuard(st, cfg.Columns), st, nil
}
