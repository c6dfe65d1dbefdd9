package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createBlobsTableSQL = `
CREATE TABLE IF NOT EXISTS content_blobs (
    cid TEXT PRIMARY KEY,
    data BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresBlobs persists blobs in a PostgreSQL table.
type PostgresBlobs struct {
	pool *pgxpool.Pool
}

// NewPostgresBlobs connects using dsn and ensures the table exists.
func NewPostgresBlobs(ctx context.Context, dsn string) (*PostgresBlobs, error) {
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
	if _, err := pool.Exec(ctx, createBlobsTableSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresBlobs{pool: pool}, nil
}

func (p *PostgresBlobs) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO content_blobs (cid, data) VALUES ($1, $2)
ON CONFLICT (cid) DO NOTHING
`, key, value)
	return err
}

func (p *PostgresBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM content_blobs WHERE cid = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return data, err
}

func (p *PostgresBlobs) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresBlobs) Close() error {
	p.pool.Close()
	return nil
}
