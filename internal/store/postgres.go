package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresConfig holds database connection configuration.
type PostgresConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultPostgresConfig returns a PostgresConfig with sensible defaults.
func DefaultPostgresConfig(url string) PostgresConfig {
	return PostgresConfig{
		URL:             url,
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// PostgresBackend stores documents as JSONB rows in a shared PostgreSQL database.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresBackend creates a connection pool and ensures the schema exists.
func NewPostgresBackend(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*PostgresBackend, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	p := &PostgresBackend{
		pool:   pool,
		logger: logger.With().Str("component", "postgres_store").Logger(),
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	p.logger.Info().Msg("database connection pool established")
	return p, nil
}

func (p *PostgresBackend) migrate(ctx context.Context) error {
	// Serialize schema creation across processes sharing the database.
	const migrationLockID int64 = 7364827164
	return p.execTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
			return fmt.Errorf("acquire migration advisory lock: %w", err)
		}
		_, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS recovery_documents (
				collection TEXT NOT NULL,
				id TEXT NOT NULL,
				body JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (collection, id)
			)
		`)
		return err
	})
}

func (p *PostgresBackend) execTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Load implements Backend.
func (p *PostgresBackend) Load(ctx context.Context, collection string) (map[string][]byte, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, body FROM recovery_documents WHERE collection = $1`, collection)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := make(map[string][]byte)
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs[id] = body
	}
	return docs, rows.Err()
}

// Put implements Backend.
func (p *PostgresBackend) Put(ctx context.Context, collection, id string, doc []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO recovery_documents (collection, id, body, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()
	`, collection, id, string(doc))
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (p *PostgresBackend) Delete(ctx context.Context, collection, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM recovery_documents WHERE collection = $1 AND id = $2`, collection, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Ping implements Backend.
func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Health returns basic health information about the connection pool.
func (p *PostgresBackend) Health() map[string]any {
	stats := p.pool.Stat()
	return map[string]any{
		"total_conns":    stats.TotalConns(),
		"acquired_conns": stats.AcquiredConns(),
		"idle_conns":     stats.IdleConns(),
		"max_conns":      stats.MaxConns(),
	}
}

// Close implements Backend.
func (p *PostgresBackend) Close() error {
	p.pool.Close()
	p.logger.Info().Msg("database connection pool closed")
	return nil
}
