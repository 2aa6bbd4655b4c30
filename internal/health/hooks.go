package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ErrNoDatabase is returned by VerifyDatabase when no database is configured.
var ErrNoDatabase = errors.New("no application database configured")

// HooksConfig configures HostHooks.
type HooksConfig struct {
	// DatabasePath is the SQLite database checked by VerifyDatabase.
	DatabasePath string
	// RestartCommands run in order by RestartServices. Each is an argv list.
	RestartCommands [][]string
	// CommandTimeout bounds each restart command. Zero means no bound.
	CommandTimeout time.Duration
	// Thresholds decide whether VerifySystem passes.
	Thresholds Thresholds
}

// HostHooks checks the application database and the host, and restarts
// services with operator-supplied commands.
type HostHooks struct {
	cfg     HooksConfig
	collect func(ctx context.Context) (*Metrics, error)
	checker *Checker
	logger  zerolog.Logger
}

// NewHostHooks creates host hooks using collector for VerifySystem.
func NewHostHooks(cfg HooksConfig, collector *Collector, logger zerolog.Logger) *HostHooks {
	return &HostHooks{
		cfg:     cfg,
		collect: collector.Collect,
		checker: NewChecker(cfg.Thresholds),
		logger:  logger.With().Str("component", "host_hooks").Logger(),
	}
}

// VerifyDatabase opens the application database read-only and runs SQLite's
// integrity check.
func (h *HostHooks) VerifyDatabase(ctx context.Context) error {
	if h.cfg.DatabasePath == "" {
		return ErrNoDatabase
	}
	if _, err := os.Stat(h.cfg.DatabasePath); err != nil {
		return fmt.Errorf("stat database: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+h.cfg.DatabasePath+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("read integrity check: %w", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if len(problems) > 0 {
		return fmt.Errorf("database integrity check failed: %s", strings.Join(problems, "; "))
	}
	h.logger.Info().Str("path", h.cfg.DatabasePath).Msg("database integrity verified")
	return nil
}

// RestartServices runs the configured restart commands in order and stops at
// the first failure. Without commands it only logs.
func (h *HostHooks) RestartServices(ctx context.Context) error {
	if len(h.cfg.RestartCommands) == 0 {
		h.logger.Warn().Msg("no restart commands configured; services must be restarted manually")
		return nil
	}
	for _, argv := range h.cfg.RestartCommands {
		if len(argv) == 0 {
			continue
		}
		cmdCtx := ctx
		if h.cfg.CommandTimeout > 0 {
			var cancel context.CancelFunc
			cmdCtx, cancel = context.WithTimeout(ctx, h.cfg.CommandTimeout)
			defer cancel()
		}
		out, err := exec.CommandContext(cmdCtx, argv[0], argv[1:]...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("restart command %q: %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(string(out)))
		}
		h.logger.Info().Strs("command", argv).Msg("restart command succeeded")
	}
	return nil
}

// VerifySystem collects host metrics and fails when the host is critical.
// Warnings are logged but pass.
func (h *HostHooks) VerifySystem(ctx context.Context) error {
	m, err := h.collect(ctx)
	if err != nil {
		return fmt.Errorf("collect host metrics: %w", err)
	}
	result := h.checker.EvaluateMetrics(m)
	switch result.Status {
	case StatusCritical:
		blocking := result.Blocking()
		msgs := make([]string, 0, len(blocking))
		for _, issue := range blocking {
			msgs = append(msgs, issue.String())
		}
		return fmt.Errorf("host is critical: %s", strings.Join(msgs, "; "))
	case StatusWarning:
		for _, issue := range result.Issues {
			h.logger.Warn().Str("check", issue.Component).Float64("value", issue.Value).Msg(issue.String())
		}
	}
	return nil
}
