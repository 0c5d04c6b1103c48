// Package postgres implements the partitioned document store facade on
// PostgreSQL. It is the only code path that writes to storage; every other
// component depends on the facade port.
package postgres

import (
	"context"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is the minimal pool surface the store needs; satisfied by
// *pgxpool.Pool and by lightweight fakes in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool creates a pgx connection pool from the provided DSN with OTEL
// query tracing attached.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates the documents table and its indexes if absent.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			container     text        NOT NULL,
			id            text        NOT NULL,
			partition_key text        NOT NULL,
			etag          text        NOT NULL,
			doc           jsonb       NOT NULL,
			expires_at    timestamptz,
			updated_at    timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (container, id)
		)`,
		`CREATE INDEX IF NOT EXISTS documents_partition_idx
			ON documents (container, partition_key)`,
		`CREATE INDEX IF NOT EXISTS documents_doc_idx
			ON documents USING gin (doc jsonb_path_ops)`,
		`CREATE INDEX IF NOT EXISTS documents_expiry_idx
			ON documents (expires_at) WHERE expires_at IS NOT NULL`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
