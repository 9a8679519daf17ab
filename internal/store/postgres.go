package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tickwatch/tickwatch/internal/config"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS user_snapshots (
    user_id    TEXT PRIMARY KEY,
    data       BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres stores snapshots in a single upsert-only table.
type Postgres struct {
	pool    *pgxpool.Pool
	coldTTL time.Duration
	logger  *slog.Logger
}

// NewPostgres connects a pool, verifies it, and ensures the schema.
func NewPostgres(ctx context.Context, cfg config.DBConfig, coldTTL time.Duration, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, snapshotSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure snapshot schema: %w", err)
	}

	logger.Info("postgres snapshot store ready",
		"host", cfg.Host,
		"database", cfg.Name,
		"cold_ttl", coldTTL,
	)

	return &Postgres{pool: pool, coldTTL: coldTTL, logger: logger}, nil
}

// connect creates a single connection pool.
func connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Save upserts the full snapshot for a user.
func (p *Postgres) Save(ctx context.Context, userID string, data []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO user_snapshots (user_id, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`, userID, data)
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", userID, err)
	}
	return nil
}

// Load returns the snapshot blob, or ErrNotFound when missing or older
// than the cold TTL.
func (p *Postgres) Load(ctx context.Context, userID string) ([]byte, error) {
	cutoff := time.Now().Add(-p.coldTTL)

	var data []byte
	err := p.pool.QueryRow(ctx, `
		SELECT data FROM user_snapshots
		WHERE user_id = $1 AND updated_at >= $2
	`, userID, cutoff).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", userID, err)
	}
	return data, nil
}

// Delete removes the snapshot for a user. Deleting a missing row is not
// an error.
func (p *Postgres) Delete(ctx context.Context, userID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM user_snapshots WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete snapshot for %s: %w", userID, err)
	}
	return nil
}

// Ping verifies the pool is healthy.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
