package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"taskchat/cmd/internal/records"
)

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
// It does not touch the schema; see migrate.
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

// migrate applies the messages/presence/profiles DDL when AutoMigrate is set.
func migrate(ctx context.Context, pool *pgxpool.Pool, cfg Config, log Logger) error {
	if !cfg.AutoMigrate {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := records.ApplySchema(ctx, pool, cfg.DBSchema); err != nil {
		return fmt.Errorf("apply schema %q: %w", cfg.DBSchema, err)
	}
	log.Info("db.migrate.ok", "schema", cfg.DBSchema)
	return nil
}
