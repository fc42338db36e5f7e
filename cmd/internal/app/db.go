package app

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"shopsync/cmd/internal/lists"
)

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// storeKind names the persistence backend chosen by newStore.
type storeKind string

const (
	storePostgres storeKind = "postgres"
	storeSQLite   storeKind = "sqlite"
	storeMemory   storeKind = "memory"
)

// newStore picks Postgres when a database URL is set, then SQLite when a path is set,
// and falls back to the in-memory dev store. The returned closer releases everything
// the store depends on, the pgx pool included.
func newStore(ctx context.Context, cfg Config, log Logger) (lists.Store, storeKind, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, "", nil, err
		}
		st, err := lists.NewPostgresStore(pool, lists.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, "", nil, err
		}
		if cfg.DBAutoMigrate {
			if err := st.EnsureSchema(ctx); err != nil {
				pool.Close()
				return nil, "", nil, err
			}
			log.Info("db.schema.ensured", "schema", cfg.DBSchema)
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
		return st, storePostgres, func() {
			_ = st.Close()
			pool.Close()
		}, nil

	case cfg.SQLitePath != "":
		st, err := lists.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, "", nil, err
		}
		log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
		return st, storeSQLite, func() { _ = st.Close() }, nil

	default:
		log.Info("db.disabled.inmemory_store")
		st := lists.NewInMemoryStore()
		return st, storeMemory, func() { _ = st.Close() }, nil
	}
}
