package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
)

// Driver selects a Backend implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverBadger   Driver = "badger"
	DriverPostgres Driver = "postgres"
)

// Config selects and configures the catalog backend.
type Config struct {
	Driver Driver
	// Path is the SQLite file or Badger directory.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Backend, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryBackend(), nil
	case DriverSQLite, "":
		return NewSQLiteBackend(cfg.Path, logger)
	case DriverBadger:
		return NewBadgerBackend(cfg.Path, logger)
	case DriverPostgres:
		return NewPostgresBackend(ctx, DefaultPostgresConfig(cfg.DSN), logger)
	default:
		return nil, apperrors.Kind(apperrors.ErrPolicy, "unsupported store driver: %q", cfg.Driver)
	}
}

// Ensure the backends satisfy the interface.
var (
	_ Backend = (*MemoryBackend)(nil)
	_ Backend = (*SQLiteBackend)(nil)
	_ Backend = (*BadgerBackend)(nil)
	_ Backend = (*PostgresBackend)(nil)
)

// String implements fmt.Stringer.
func (d Driver) String() string { return string(d) }

// Validate reports whether the driver is known.
func (d Driver) Validate() error {
	switch d {
	case DriverMemory, DriverSQLite, DriverBadger, DriverPostgres:
		return nil
	}
	return fmt.Errorf("unknown store driver %q", string(d))
}
