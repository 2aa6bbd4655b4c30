// Package jobs runs the periodic sweeps (backup health, retention cleanup,
// replication health, offsite retention) on cron schedules.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/metrics"
)

// Default sweep schedules (six-field, with seconds).
const (
	DefaultBackupHealthSpec      = "0 0 * * * *"
	DefaultBackupCleanupSpec     = "0 15 * * * *"
	DefaultReplicationHealthSpec = "0 0 */6 * * *"
	DefaultOffsiteRetentionSpec  = "0 30 2 * * *"
)

// Job is a named sweep.
type Job struct {
	Name string
	Spec string
	// Timeout bounds a single run. Zero means no bound.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler runs registered jobs on their cron specs. A run that is still in
// progress when its next tick fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	metrics *metrics.PrometheusMetrics
	logger  zerolog.Logger

	mu      sync.RWMutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	running bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. m may be nil.
func NewScheduler(m *metrics.PrometheusMetrics, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "sweep_scheduler").Logger()
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		metrics: m,
		logger:  logger,
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
		baseCtx: context.Background(),
	}
}

// Register adds a job. Names must be unique.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return apperrors.Kind(apperrors.ErrValidation, "job needs a name and a run func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return apperrors.Kind(apperrors.ErrConflict, "job %q already registered", job.Name)
	}

	entryID, err := s.cron.AddFunc(job.Spec, func() { s.execute(job) })
	if err != nil {
		return fmt.Errorf("add cron entry for %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	s.entries[job.Name] = entryID
	s.logger.Debug().Str("job", job.Name).Str("cron_expression", job.Spec).Msg("registered sweep")
	return nil
}

// Start starts the cron loop. Runs derive their context from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("sweep scheduler already running")
	}
	s.running = true
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.entries)).Msg("sweep scheduler started")
	return nil
}

// Stop stops scheduling, cancels running sweeps and returns a context that is
// done once they have returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.running = false
	s.cancel()
	s.logger.Info().Msg("stopping sweep scheduler")
	return s.cron.Stop()
}

// Serve runs the scheduler until ctx is cancelled, for use under a supervisor.
func (s *Scheduler) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	<-s.Stop().Done()
	return ctx.Err()
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return apperrors.Kind(apperrors.ErrNotFound, "job %q not registered", name)
	}
	return s.run(ctx, job)
}

// NextRun returns the next scheduled time of a job, zero if unknown or not started.
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) execute(job Job) {
	s.mu.RLock()
	ctx := s.baseCtx
	s.mu.RUnlock()
	_ = s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	logger := s.logger.With().Str("job", job.Name).Logger()
	start := time.Now()
	logger.Debug().Msg("sweep started")

	err := job.Run(ctx)
	s.metrics.RecordSweep(job.Name, err == nil)
	if err != nil {
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("sweep failed")
		return err
	}
	logger.Info().Dur("duration", time.Since(start)).Msg("sweep completed")
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
