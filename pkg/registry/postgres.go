package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// advisoryLockID serializes surrogate-key allocation across processes
// sharing one registry database. Arbitrary but stable.
const advisoryLockID int64 = 7_310_441

const postgresSchema = `
CREATE TABLE IF NOT EXISTS surrogate_keys (
    natural_key   TEXT PRIMARY KEY,
    surrogate_key BIGINT NOT NULL UNIQUE,
    assigned_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type PostgresConfig struct {
	Logger *slog.Logger
	DSN    string
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DSN == "" {
		return errors.New("dsn is required")
	}
	return nil
}

// Postgres is a shared Registry for deployments where multiple hosts run the
// pipeline. An advisory transaction lock enforces the single-writer
// discipline on allocation.
type Postgres struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create surrogate_keys table: %w", err)
	}

	cfg.Logger.Info("postgres key registry initialized")

	return &Postgres{log: cfg.Logger, pool: pool}, nil
}

func (p *Postgres) Assign(ctx context.Context, naturalKey string) (int64, error) {
	if naturalKey == "" {
		return 0, errors.New("natural key is required")
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin allocation transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockID); err != nil {
		return 0, fmt.Errorf("failed to take allocation lock: %w", err)
	}

	var assigned int64
	err = tx.QueryRow(ctx,
		"SELECT surrogate_key FROM surrogate_keys WHERE natural_key = $1", naturalKey,
	).Scan(&assigned)
	if err == nil {
		return assigned, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up natural key: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO surrogate_keys (natural_key, surrogate_key)
		SELECT $1, COALESCE(MAX(surrogate_key), 0) + 1 FROM surrogate_keys
		RETURNING surrogate_key`, naturalKey,
	).Scan(&assigned)
	if err != nil {
		return 0, fmt.Errorf("failed to persist new surrogate key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit allocation: %w", err)
	}
	p.log.Debug("allocated surrogate key", "natural_key", naturalKey, "surrogate_key", assigned)
	return assigned, nil
}

func (p *Postgres) Snapshot(ctx context.Context) (map[string]int64, error) {
	rows, err := p.pool.Query(ctx, "SELECT natural_key, surrogate_key FROM surrogate_keys")
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var surrogate int64
		if err := rows.Scan(&key, &surrogate); err != nil {
			return nil, fmt.Errorf("failed to scan registry row: %w", err)
		}
		out[key] = surrogate
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate registry rows: %w", err)
	}
	return out, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
