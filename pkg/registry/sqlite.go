package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type surrogateKeyRow struct {
	bun.BaseModel `bun:"table:surrogate_keys,alias:sk"`

	NaturalKey   string    `bun:"natural_key,pk"`
	SurrogateKey int64     `bun:"surrogate_key,notnull,unique"`
	AssignedAt   time.Time `bun:"assigned_at,notnull"`
}

type SQLiteConfig struct {
	Logger *slog.Logger
	// Path is the SQLite database file; ":memory:" works for throwaway runs.
	Path string
}

func (cfg *SQLiteConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Path == "" {
		return errors.New("database path is required")
	}
	return nil
}

// SQLite is a file-backed Registry. Allocation runs inside a transaction, so
// a single registry file gives the single-writer discipline key allocation
// needs.
type SQLite struct {
	log *slog.Logger
	db  *bun.DB
}

func NewSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLite, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())

	if _, err := db.ExecContext(ctx, `
        PRAGMA journal_mode = WAL;
        PRAGMA synchronous = NORMAL;
        PRAGMA busy_timeout = 5000;
    `); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply registry pragmas: %w", err)
	}

	if _, err := db.NewCreateTable().
		Model((*surrogateKeyRow)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create surrogate_keys table: %w", err)
	}

	cfg.Logger.Info("sqlite key registry opened", "path", cfg.Path)

	return &SQLite{log: cfg.Logger, db: db}, nil
}

func (s *SQLite) Assign(ctx context.Context, naturalKey string) (int64, error) {
	if naturalKey == "" {
		return 0, errors.New("natural key is required")
	}

	var assigned int64
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := new(surrogateKeyRow)
		err := tx.NewSelect().
			Model(existing).
			Where("natural_key = ?", naturalKey).
			Scan(ctx)
		if err == nil {
			assigned = existing.SurrogateKey
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to look up natural key: %w", err)
		}

		var maxKey int64
		if err := tx.NewSelect().
			Model((*surrogateKeyRow)(nil)).
			ColumnExpr("COALESCE(MAX(surrogate_key), 0)").
			Scan(ctx, &maxKey); err != nil {
			return fmt.Errorf("failed to find max surrogate key: %w", err)
		}

		row := &surrogateKeyRow{
			NaturalKey:   naturalKey,
			SurrogateKey: maxKey + 1,
			AssignedAt:   time.Now().UTC(),
		}
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return fmt.Errorf("failed to persist new surrogate key: %w", err)
		}
		assigned = row.SurrogateKey
		s.log.Debug("allocated surrogate key", "natural_key", naturalKey, "surrogate_key", assigned)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

func (s *SQLite) Snapshot(ctx context.Context) (map[string]int64, error) {
	var rows []surrogateKeyRow
	if err := s.db.NewSelect().Model(&rows).Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.NaturalKey] = r.SurrogateKey
	}
	return out, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
