package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"tenantgate/pkg/db"
)

// Postgres verifies against the users table. Reads run in a transaction
// scoped to the tenant so row level security policies apply.
type Postgres struct {
	pool *pgxpool.Pool
	log  *zap.SugaredLogger
}

func NewPostgres(pool *pgxpool.Pool, log *zap.SugaredLogger) *Postgres {
	return &Postgres{pool: pool, log: log}
}

// EnsureSchema creates the users table. Safe to call repeatedly.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS users (
	tenant_id text NOT NULL,
	username text NOT NULL,
	subject text NOT NULL,
	password_hash text NOT NULL,
	role text NOT NULL DEFAULT 'member',
	created_at timestamptz NOT NULL DEFAULT NOW(),
	updated_at timestamptz NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, username)
);
`)
	return err
}

func (p *Postgres) Verify(ctx context.Context, tenant, principal, secret string) (Identity, error) {
	tx, err := db.BeginReadTxWithTenant(ctx, p.pool, tenant)
	if err != nil {
		return Identity{}, fmt.Errorf("credentials: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id := Identity{Tenant: tenant}
	var hash string
	err = tx.QueryRow(ctx, `SELECT subject, role, password_hash FROM users WHERE tenant_id=$1 AND username=$2`,
		tenant, normalize(principal)).Scan(&id.Subject, &id.Role, &hash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		compare(nil, secret)
		return Identity{}, ErrInvalid
	case err != nil:
		return Identity{}, fmt.Errorf("credentials: lookup: %w", err)
	}
	if !compare([]byte(hash), secret) {
		return Identity{}, ErrInvalid
	}
	return id, nil
}

// Upsert creates or replaces a user. Used by gatewayctl.
func (p *Postgres) Upsert(ctx context.Context, tenant, username, subject, role, secret string) error {
	hash, err := Hash(secret)
	if err != nil {
		return err
	}
	if subject == "" {
		subject = normalize(username)
	}
	tx, err := db.BeginTxWithTenant(ctx, p.pool, tenant)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	_, err = tx.Exec(ctx, `INSERT INTO users(tenant_id,username,subject,password_hash,role)
	 VALUES ($1,$2,$3,$4,$5)
	 ON CONFLICT (tenant_id, username) DO UPDATE SET subject=EXCLUDED.subject, password_hash=EXCLUDED.password_hash, role=EXCLUDED.role, updated_at=NOW()`,
		tenant, normalize(username), subject, hash, role)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	p.log.Infow("user upserted", "tenant", tenant, "role", role)
	return nil
}
