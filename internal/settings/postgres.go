package settings

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/scaneye/scaneye/internal/config"
)

// embeddedMigrations holds the schema for the postgres backend.
//
//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const defaultDocumentID = "default"

// PostgresBackend stores the document as a JSONB row.
type PostgresBackend struct {
	pool *pgxpool.Pool
	id   string
}

// OpenPostgres connects, runs pending migrations and returns the backend.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig) (*PostgresBackend, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if cfg.Pool.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.Pool.MaxConns)
	}
	if cfg.Pool.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.Pool.MinConns)
	}
	if cfg.Pool.MaxConnLifetimeMinutes > 0 {
		poolCfg.MaxConnLifetime = time.Duration(cfg.Pool.MaxConnLifetimeMinutes) * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if err := runMigrations(pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresBackend{pool: pool, id: defaultDocumentID}, nil
}

func runMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(embeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Load(ctx context.Context) ([]byte, error) {
	var doc []byte
	err := b.pool.QueryRow(ctx,
		`SELECT document FROM scaneye_settings WHERE id = $1`, b.id,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

func (b *PostgresBackend) Save(ctx context.Context, doc []byte) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO scaneye_settings (id, document, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = now()`,
		b.id, string(doc),
	)
	return err
}

// Close releases the pool.
func (b *PostgresBackend) Close() {
	b.pool.Close()
}
