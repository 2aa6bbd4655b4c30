// Package logging builds the process logger and keeps recent entries in
// memory for the ops server.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Config selects level and output format.
type Config struct {
	Level string
	// Format is json or console.
	Format  string
	Version string
	// Writer receives JSON output. Nil means stdout.
	Writer io.Writer
}

// New creates the root logger writing to cfg.Writer and, when buf is
// non-nil, into buf. Console output goes to stderr. Unknown levels fall back to info.
func New(cfg Config, buf *Buffer) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Writer != nil {
		out = cfg.Writer
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	if buf != nil {
		out = zerolog.MultiLevelWriter(out, buf)
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.Version != "" {
		ctx = ctx.Str("version", cfg.Version)
	}
	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}
