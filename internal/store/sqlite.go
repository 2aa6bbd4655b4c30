package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteBackend stores documents in a single SQLite database file.
type SQLiteBackend struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteBackend opens (or creates) the catalog database at path.
func NewSQLiteBackend(path string, logger zerolog.Logger) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteBackend{
		db:     db,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("catalog database initialized")
	return s, nil
}

func (s *SQLiteBackend) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			body BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load implements Backend.
func (s *SQLiteBackend) Load(ctx context.Context, collection string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM documents WHERE collection = ?`, collection)
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
func (s *SQLiteBackend) Put(ctx context.Context, collection, id string, doc []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, collection, id, doc, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (s *SQLiteBackend) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Ping implements Backend.
func (s *SQLiteBackend) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Backend.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
