package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/ulule/limiter/v3"

	"github.com/MacJediWizard/keldris-recovery/internal/api"
	"github.com/MacJediWizard/keldris-recovery/internal/api/handlers"
	"github.com/MacJediWizard/keldris-recovery/internal/api/middleware"
	"github.com/MacJediWizard/keldris-recovery/internal/dr"
	"github.com/MacJediWizard/keldris-recovery/internal/jobs"
	"github.com/MacJediWizard/keldris-recovery/internal/shutdown"
	"github.com/MacJediWizard/keldris-recovery/internal/supervisor"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sweep scheduler and the ops API until interrupted",
		Long: `Run the background sweeps (backup health, backup cleanup, replication
health, offsite retention) and the ops HTTP API.

On SIGINT or SIGTERM new operations are refused, in-flight ones get
server.shutdown_timeout to finish and are cancelled after that.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags)
		},
	}
}

func runServe(flags *rootFlags) error {
	ctx, stop := signalContext()
	defer stop()

	queue := dr.NewConfirmationQueue()
	a, err := newApp(ctx, flags, appOptions{confirmer: queue, bufferLogs: true})
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	logger := a.logger

	logger.Info().
		Str("environment", string(cfg.Server.Environment)).
		Str("store", string(cfg.Store.Driver)).
		Strs("providers", providerNames(a)).
		Msg("starting keldris-recovery")

	if n, err := a.recoverInterrupted(ctx); err != nil {
		logger.Error().Err(err).Msg("recovering interrupted operations")
	} else if n > 0 {
		logger.Warn().Int("count", n).Msg("marked operations interrupted by a previous run as failed")
	}

	sched := jobs.NewScheduler(a.metrics, logger)
	if err := registerSweeps(sched, a); err != nil {
		return err
	}

	manager := shutdown.NewManager(shutdown.Config{
		Timeout:     cfg.Server.ShutdownTimeout,
		CancelGrace: cfg.Server.CancelGrace,
	}, a.registry, logger)

	// Work started over the API must survive the request and the signal
	// context; the shutdown manager cancels it through the registry.
	baseCtx := context.WithoutCancel(ctx)

	apiCfg := api.Config{
		APIToken:          cfg.Server.APIToken,
		DefaultActor:      cfg.Server.Actor,
		RateLimitRequests: cfg.Server.RateLimitRequests,
		RateLimitPeriod:   cfg.Server.RateLimitPeriod,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		Version:           Version,
		Commit:            Commit,
		BuildDate:         BuildDate,
	}
	if a.redis != nil {
		var rlStore limiter.Store
		if rlStore, err = middleware.NewRedisStore(a.redis, "keldris:ratelimit:"); err != nil {
			return fmt.Errorf("rate limit store: %w", err)
		}
		apiCfg.RateLimitStore = rlStore
	}

	router, err := api.NewRouter(baseCtx, apiCfg, api.Services{
		Backups:       a.backups,
		Offsite:       a.offsite,
		Recovery:      a.orchestrator,
		Confirmations: queue,
		Jobs:          sched,
		Shutdown:      manager,
		Operations:    a.registry,
		Logs:          a.logs,
		Checks: map[string]handlers.HealthCheck{
			"store": a.backend.Ping,
			"accepting_operations": func(context.Context) error {
				if !a.registry.Accepting() {
					return errors.New("shutting down")
				}
				return nil
			},
		},
		Gatherer: a.promReg,
	}, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig(), logger)
	tree.AddSchedulingService(sched)
	tree.AddAPIService(supervisor.NewHTTPService(srv, 10*time.Second))

	treeCtx, stopTree := context.WithCancel(context.Background())
	defer stopTree()
	treeDone := tree.ServeBackground(treeCtx)
	logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("ops API listening")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-treeDone:
		return fmt.Errorf("supervisor stopped: %w", err)
	}

	// Probes keep answering while in-flight work drains.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+cfg.Server.CancelGrace)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}

	stopTree()
	if err := <-treeDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn().Err(err).Msg("supervisor stop")
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logger.Warn().Int("services", len(report)).Msg("services did not stop in time")
	}
	logger.Info().Msg("keldris-recovery stopped")
	return nil
}

// registerSweeps adds the periodic jobs. An empty schedule disables a sweep.
func registerSweeps(s *jobs.Scheduler, a *app) error {
	sched := a.cfg.Schedule
	sweeps := []jobs.Job{
		{
			Name: "backup_health",
			Spec: sched.BackupHealth,
			Run: func(ctx context.Context) error {
				_, err := a.backups.RunHealthCheck(ctx)
				return err
			},
		},
		{
			Name:    "backup_cleanup",
			Spec:    sched.BackupCleanup,
			Timeout: time.Hour,
			Run: func(ctx context.Context) error {
				_, err := a.backups.CleanupExpiredBackups(ctx)
				return err
			},
		},
		{
			Name: "replication_health",
			Spec: sched.ReplicationHealth,
			Run: func(ctx context.Context) error {
				_, err := a.offsite.CheckReplicationHealth(ctx)
				return err
			},
		},
		{
			Name:    "offsite_retention",
			Spec:    sched.OffsiteRetention,
			Timeout: 6 * time.Hour,
			Run: func(ctx context.Context) error {
				_, err := a.offsite.EnforceAllPolicies(ctx)
				return err
			},
		},
	}
	for _, job := range sweeps {
		if job.Spec == "" {
			a.logger.Info().Str("job", job.Name).Msg("sweep disabled")
			continue
		}
		if err := s.Register(job); err != nil {
			return fmt.Errorf("register %s: %w", job.Name, err)
		}
	}
	return nil
}

func providerNames(a *app) []string {
	kinds := a.offsite.Providers()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
