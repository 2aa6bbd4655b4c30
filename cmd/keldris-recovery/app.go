package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/audit"
	"github.com/MacJediWizard/keldris-recovery/internal/backup"
	"github.com/MacJediWizard/keldris-recovery/internal/config"
	"github.com/MacJediWizard/keldris-recovery/internal/crypto"
	"github.com/MacJediWizard/keldris-recovery/internal/dr"
	"github.com/MacJediWizard/keldris-recovery/internal/health"
	"github.com/MacJediWizard/keldris-recovery/internal/lock"
	"github.com/MacJediWizard/keldris-recovery/internal/logging"
	"github.com/MacJediWizard/keldris-recovery/internal/metrics"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
	"github.com/MacJediWizard/keldris-recovery/internal/notifications"
	"github.com/MacJediWizard/keldris-recovery/internal/offsite"
	"github.com/MacJediWizard/keldris-recovery/internal/offsite/providers"
	"github.com/MacJediWizard/keldris-recovery/internal/shutdown"
	"github.com/MacJediWizard/keldris-recovery/internal/store"
)

var _ dr.BackupRestorer = (*backup.Manager)(nil)

// app holds the wired components shared by every command.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	logs   *logging.Buffer

	backend  store.Backend
	redis    *redis.Client
	registry *shutdown.Registry
	promReg  *prometheus.Registry
	metrics  *metrics.PrometheusMetrics
	locker   lock.Locker

	keys         *crypto.KeyManager
	backups      *backup.Manager
	offsite      *offsite.Manager
	orchestrator *dr.Orchestrator
	hooks        *health.HostHooks
}

// appOptions vary the wiring between the daemon and one-shot commands.
type appOptions struct {
	// confirmer answers manual recovery steps. Nil lets them pass with a
	// logged warning.
	confirmer dr.ManualConfirmer
	// bufferLogs keeps recent log lines for the ops API.
	bufferLogs bool
	// logWriter receives JSON logs. Nil means stdout.
	logWriter io.Writer
}

func newApp(ctx context.Context, flags *rootFlags, opts appOptions) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}

	a := &app{cfg: cfg}
	if opts.bufferLogs {
		a.logs = logging.NewBuffer(logging.DefaultBufferSize)
	}
	a.logger = logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Version: Version,
		Writer:  opts.logWriter,
	}, a.logs)

	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) error {
	cfg := a.cfg

	for _, dir := range []string{cfg.Backup.BackupDir, cfg.Backup.RestoreDir, cfg.Offsite.WorkDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	backend, err := store.Open(ctx, cfg.StoreConfig(), a.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.backend = backend

	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if a.metrics, err = metrics.NewPrometheusMetrics(a.promReg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	a.registry = shutdown.NewRegistry(a.logger)
	a.locker = lock.NewLocalLocker()
	if cfg.Lock.Driver == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.Lock.RedisAddr, err)
		}
		a.locker = lock.NewRedisLocker(a.redis, cfg.Lock.Prefix, cfg.Lock.TTL, a.logger)
	}

	var notifier interface {
		notifications.Notifier
		notifications.AlertPublisher
	} = notifications.NewLogNotifier(a.logger)
	if cfg.Notifications.WebhookURL != "" {
		sender, err := notifications.NewWebhookSender(cfg.WebhookConfig(), a.logger)
		if err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
		notifier = sender
	}
	auditor := audit.NewLogRecorder(a.logger)

	backupCat, err := store.OpenCatalog[*models.BackupRecord](ctx, backend, store.CollectionBackups, a.logger)
	if err != nil {
		return err
	}
	alertCat, err := store.OpenCatalog[*models.BackupAlert](ctx, backend, store.CollectionBackupAlerts, a.logger)
	if err != nil {
		return err
	}
	keyCat, err := store.OpenCatalog[*models.BackupKey](ctx, backend, store.CollectionBackupKeys, a.logger)
	if err != nil {
		return err
	}
	offsiteCat, err := store.OpenCatalog[*models.OffsiteRecord](ctx, backend, store.CollectionOffsite, a.logger)
	if err != nil {
		return err
	}
	planCat, err := store.OpenCatalog[*models.RecoveryPlan](ctx, backend, store.CollectionPlans, a.logger)
	if err != nil {
		return err
	}
	execCat, err := store.OpenCatalog[*models.RecoveryExecution](ctx, backend, store.CollectionExecutions, a.logger)
	if err != nil {
		return err
	}
	testCat, err := store.OpenCatalog[*models.RecoveryTest](ctx, backend, store.CollectionTests, a.logger)
	if err != nil {
		return err
	}

	if cfg.Crypto.MasterKey == "" {
		a.logger.Warn().Msg("crypto.master_key not set; generating an ephemeral key, backups will not be restorable after exit")
		if cfg.Crypto.MasterKey, err = ephemeralMasterKey(); err != nil {
			return err
		}
	}
	masterKey, err := cfg.Crypto.Key()
	if err != nil {
		return err
	}
	keyOpts, err := cfg.Crypto.KeyManagerOptions()
	if err != nil {
		return err
	}
	if a.keys, err = crypto.NewKeyManager(masterKey, keyCat, a.logger, keyOpts...); err != nil {
		return fmt.Errorf("key manager: %w", err)
	}

	capture := cfg.CaptureConfig(func() (any, error) { return cfg.Sanitized(), nil })
	a.backups, err = backup.NewManager(cfg.BackupManagerConfig(), backupCat, alertCat, a.keys, a.logger,
		backup.WithCapturers(backup.DefaultCapturers(capture)),
		backup.WithLocker(a.locker),
		backup.WithAuditor(auditor),
		backup.WithAlertPublisher(notifier),
		backup.WithMetrics(a.metrics),
		backup.WithRegistry(a.registry),
	)
	if err != nil {
		return fmt.Errorf("backup manager: %w", err)
	}

	provs, err := providers.Build(ctx, cfg.Offsite.Providers, a.logger)
	if err != nil {
		return fmt.Errorf("offsite providers: %w", err)
	}
	a.offsite, err = offsite.NewManager(cfg.OffsiteManagerConfig(), offsiteCat, backupCat, provs, a.logger,
		offsite.WithAuditor(auditor),
		offsite.WithMetrics(a.metrics),
		offsite.WithRegistry(a.registry),
	)
	if err != nil {
		return fmt.Errorf("offsite manager: %w", err)
	}

	a.hooks = health.NewHostHooks(cfg.HooksConfig(), health.NewCollector(cfg.Backup.DataRoot), a.logger)
	drOpts := []dr.Option{
		dr.WithSystemHooks(a.hooks),
		dr.WithNotifier(notifier),
		dr.WithLocker(a.locker),
		dr.WithAuditor(auditor),
		dr.WithMetrics(a.metrics),
		dr.WithRegistry(a.registry),
	}
	if opts.confirmer != nil {
		drOpts = append(drOpts, dr.WithConfirmer(opts.confirmer))
	}
	a.orchestrator = dr.NewOrchestrator(cfg.OrchestratorConfig(), planCat, execCat, testCat, a.backups, a.logger, drOpts...)
	return nil
}

// recoverInterrupted fails work a previous process left running.
func (a *app) recoverInterrupted(ctx context.Context) (int, error) {
	startup := shutdown.NewStartupService(map[string]shutdown.InterruptedRecoverer{
		"backups":       a.backups,
		"dr_executions": a.orchestrator,
	}, a.logger)
	return startup.RecoverInterrupted(ctx)
}

// Close releases the store and the Redis client.
func (a *app) Close() {
	var errs []error
	if a.backend != nil {
		errs = append(errs, a.backend.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("close")
	}
}

func ephemeralMasterKey() (string, error) {
	key, err := crypto.GenerateMasterKey()
	if err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}
	return fmt.Sprintf("%x", key), nil
}
