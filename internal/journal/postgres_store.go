package journal

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists entries in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS trade_submissions (
    id TEXT PRIMARY KEY,
    attempt INT NOT NULL,
    account TEXT NOT NULL,
    chain_id TEXT NOT NULL,
    x_asset TEXT NOT NULL,
    x_amount TEXT NOT NULL,
    y_asset TEXT NOT NULL,
    y_amount TEXT NOT NULL,
    y_owner TEXT NOT NULL,
    phase TEXT NOT NULL,
    approval_tx TEXT NOT NULL DEFAULT '',
    escrow_tx TEXT NOT NULL DEFAULT '',
    fee TEXT NOT NULL DEFAULT '',
    failure_kind TEXT NOT NULL DEFAULT '',
    failure_step TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

const selectColumns = `
SELECT id, attempt, account, chain_id, x_asset, x_amount, y_asset, y_amount, y_owner,
       phase, approval_tx, escrow_tx, fee, failure_kind, failure_step, error, created_at, updated_at
FROM trade_submissions
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := p.pool.QueryRow(ctx, selectColumns+`WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *PostgresStore) Save(ctx context.Context, e Entry) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO trade_submissions (id, attempt, account, chain_id, x_asset, x_amount, y_asset, y_amount, y_owner,
    phase, approval_tx, escrow_tx, fee, failure_kind, failure_step, error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT (id) DO UPDATE
SET attempt = EXCLUDED.attempt,
    phase = EXCLUDED.phase,
    approval_tx = EXCLUDED.approval_tx,
    escrow_tx = EXCLUDED.escrow_tx,
    fee = EXCLUDED.fee,
    failure_kind = EXCLUDED.failure_kind,
    failure_step = EXCLUDED.failure_step,
    error = EXCLUDED.error,
    updated_at = EXCLUDED.updated_at
`, e.ID, e.Attempt, e.Account, e.ChainID, e.XAsset, e.XAmount, e.YAsset, e.YAmount, e.YOwner,
		e.Phase, e.ApprovalTx, e.EscrowTx, e.Fee, e.FailureKind, e.FailureStep, e.Error, e.CreatedAt, e.UpdatedAt)
	return err
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, selectColumns+`ORDER BY updated_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.Attempt, &e.Account, &e.ChainID, &e.XAsset, &e.XAmount, &e.YAsset, &e.YAmount, &e.YOwner,
		&e.Phase, &e.ApprovalTx, &e.EscrowTx, &e.Fee, &e.FailureKind, &e.FailureStep, &e.Error, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}
