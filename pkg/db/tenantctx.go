package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BeginTxWithTenant starts a read-write transaction with app.tenant_id set
// for row level security. Callers defer tx.Rollback and Commit on success.
func BeginTxWithTenant(ctx context.Context, pool *pgxpool.Pool, tenantID string) (pgx.Tx, error) {
	return beginScoped(ctx, pool, tenantID, pgx.TxOptions{})
}

// BeginReadTxWithTenant is BeginTxWithTenant for lookups.
func BeginReadTxWithTenant(ctx context.Context, pool *pgxpool.Pool, tenantID string) (pgx.Tx, error) {
	return beginScoped(ctx, pool, tenantID, pgx.TxOptions{AccessMode: pgx.ReadOnly})
}

func beginScoped(ctx context.Context, pool *pgxpool.Pool, tenantID string, opts pgx.TxOptions) (pgx.Tx, error) {
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return tx, nil
}
