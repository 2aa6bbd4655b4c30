// Package dr runs disaster recovery plans: ordered, partly automated steps
// with escalation on early failures, rehearsals that measure steps against
// their estimates, and markdown runbooks generated from plans.
package dr

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/audit"
	"github.com/MacJediWizard/keldris-recovery/internal/lock"
	"github.com/MacJediWizard/keldris-recovery/internal/metrics"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
	"github.com/MacJediWizard/keldris-recovery/internal/notifications"
	"github.com/MacJediWizard/keldris-recovery/internal/shutdown"
	"github.com/MacJediWizard/keldris-recovery/internal/store"
)

// Config holds the orchestrator settings.
type Config struct {
	// RestoreDir receives restored artifacts, one subdirectory per execution.
	// Empty uses the Backup Manager's restore directory.
	RestoreDir string
	// ManualStepTimeout bounds the wait for operator confirmation of a
	// manual step. Zero waits until the execution is cancelled.
	ManualStepTimeout time.Duration
	// SlowStepFactor flags rehearsed steps slower than estimate times this factor.
	SlowStepFactor float64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ManualStepTimeout: 30 * time.Minute,
		SlowStepFactor:    1.2,
	}
}

// Orchestrator owns the plan, execution and test catalogs.
type Orchestrator struct {
	cfg        Config
	plans      *store.Catalog[*models.RecoveryPlan]
	executions *store.Catalog[*models.RecoveryExecution]
	tests      *store.Catalog[*models.RecoveryTest]
	backups    BackupRestorer
	hooks      SystemHooks
	notifier   notifications.Notifier
	confirmer  ManualConfirmer
	handlers   map[models.CommandKind]StepHandler
	overrides  map[models.CommandKind]StepHandler
	locker     lock.Locker
	auditor    audit.Recorder
	metrics    *metrics.PrometheusMetrics
	registry   *shutdown.Registry
	validate   *validator.Validate
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSystemHooks sets the database, service and system hooks.
func WithSystemHooks(h SystemHooks) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

// WithNotifier sets the emergency contact notifier.
func WithNotifier(n notifications.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithConfirmer makes manual steps wait for operator confirmation.
func WithConfirmer(c ManualConfirmer) Option {
	return func(o *Orchestrator) { o.confirmer = c }
}

// WithHandler replaces the handler of one command kind.
func WithHandler(kind models.CommandKind, h StepHandler) Option {
	return func(o *Orchestrator) { o.overrides[kind] = h }
}

// WithLocker sets the per-plan mutual exclusion guard.
func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithAuditor sets the audit recorder.
func WithAuditor(r audit.Recorder) Option {
	return func(o *Orchestrator) { o.auditor = r }
}

// WithMetrics sets the metrics sink.
func WithMetrics(pm *metrics.PrometheusMetrics) Option {
	return func(o *Orchestrator) { o.metrics = pm }
}

// WithRegistry registers executions so they can be cancelled.
func WithRegistry(r *shutdown.Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates a DR Orchestrator. backups may be nil, in which
// case restore_backup steps fail.
func NewOrchestrator(cfg Config, plans *store.Catalog[*models.RecoveryPlan], executions *store.Catalog[*models.RecoveryExecution], tests *store.Catalog[*models.RecoveryTest], backups BackupRestorer, logger zerolog.Logger, opts ...Option) *Orchestrator {
	if cfg.SlowStepFactor <= 0 {
		cfg.SlowStepFactor = 1.2
	}
	logger = logger.With().Str("component", "dr_orchestrator").Logger()
	o := &Orchestrator{
		cfg:        cfg,
		plans:      plans,
		executions: executions,
		tests:      tests,
		backups:    backups,
		notifier:   notifications.NewLogNotifier(logger),
		overrides:  make(map[models.CommandKind]StepHandler),
		locker:     lock.NewLocalLocker(),
		registry:   shutdown.NewRegistry(logger),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.handlers = defaultHandlers(o.backups, o.hooks, o.notifier, o.cfg.RestoreDir, o.now)
	for kind, h := range o.overrides {
		o.handlers[kind] = h
	}
	return o
}

// validatePlan checks struct tags and step commands.
func (o *Orchestrator) validatePlan(plan *models.RecoveryPlan) error {
	if err := o.validate.Struct(plan); err != nil {
		return apperrors.Kind(apperrors.ErrValidation, "invalid recovery plan: %v", err)
	}
	for _, s := range plan.Steps {
		if s.Command == nil {
			continue
		}
		if err := s.Command.Validate(); err != nil {
			return apperrors.Kind(apperrors.ErrValidation, "step %q: %v", s.Name, err)
		}
	}
	return nil
}

// CreateRecoveryPlan validates and stores a new plan. IDs are assigned to the
// plan and its steps when missing; status defaults to active.
func (o *Orchestrator) CreateRecoveryPlan(ctx context.Context, plan *models.RecoveryPlan, actor string) (*models.RecoveryPlan, error) {
	plan = plan.Clone()
	if plan.ID == uuid.Nil {
		plan.ID = uuid.New()
	}
	if plan.Status == "" {
		plan.Status = models.PlanStatusActive
	}
	for i := range plan.Steps {
		if plan.Steps[i].ID == uuid.Nil {
			plan.Steps[i].ID = uuid.New()
		}
	}
	if err := o.validatePlan(plan); err != nil {
		return nil, err
	}
	if _, exists := o.plans.Get(plan.ID); exists {
		return nil, apperrors.Kind(apperrors.ErrConflict, "recovery plan %s already exists", plan.ID)
	}
	now := o.now()
	plan.CreatedBy = actor
	plan.CreatedAt = now
	plan.UpdatedAt = now
	if err := o.plans.Put(ctx, plan); err != nil {
		return nil, fmt.Errorf("persist recovery plan: %w", err)
	}

	o.logger.Info().Str("plan_id", plan.ID.String()).Str("name", plan.Name).Int("steps", len(plan.Steps)).Msg("recovery plan created")
	audit.Emit(ctx, o.auditor, o.logger, audit.Event{
		Actor:        actor,
		Action:       audit.ActionCreate,
		ResourceType: audit.ResourcePlan,
		ResourceID:   plan.ID,
		After:        plan,
	})
	return plan, nil
}

// UpdateRecoveryPlan replaces the editable fields of a plan. Identity,
// authorship and test history are preserved.
func (o *Orchestrator) UpdateRecoveryPlan(ctx context.Context, id uuid.UUID, update *models.RecoveryPlan, actor string) (*models.RecoveryPlan, error) {
	var before *models.RecoveryPlan
	updated, err := o.plans.Update(ctx, id, func(p *models.RecoveryPlan) error {
		before = p.Clone()
		next := update.Clone()
		next.ID = p.ID
		next.CreatedBy = p.CreatedBy
		next.CreatedAt = p.CreatedAt
		next.LastTestedAt = p.LastTestedAt
		if next.Status == "" {
			next.Status = p.Status
		}
		for i := range next.Steps {
			if next.Steps[i].ID == uuid.Nil {
				next.Steps[i].ID = uuid.New()
			}
		}
		if err := o.validatePlan(next); err != nil {
			return err
		}
		next.UpdatedAt = o.now()
		*p = *next
		return nil
	})
	if err != nil {
		return nil, err
	}
	audit.Emit(ctx, o.auditor, o.logger, audit.Event{
		Actor:        actor,
		Action:       audit.ActionUpdate,
		ResourceType: audit.ResourcePlan,
		ResourceID:   id,
		Before:       before,
		After:        updated,
	})
	return updated, nil
}

// DeleteRecoveryPlan removes a plan. Executions and tests are kept.
func (o *Orchestrator) DeleteRecoveryPlan(ctx context.Context, id uuid.UUID, actor string) (bool, error) {
	release, err := o.locker.TryAcquire(ctx, planLockKey(id))
	if err != nil {
		return false, fmt.Errorf("delete recovery plan %s: %w", id, err)
	}
	defer release()

	deleted, err := o.plans.Delete(ctx, id)
	if err != nil || !deleted {
		return deleted, err
	}
	audit.Emit(ctx, o.auditor, o.logger, audit.Event{
		Actor:        actor,
		Action:       audit.ActionDelete,
		ResourceType: audit.ResourcePlan,
		ResourceID:   id,
	})
	return true, nil
}

// GetRecoveryPlan returns a plan.
func (o *Orchestrator) GetRecoveryPlan(_ context.Context, id uuid.UUID) (*models.RecoveryPlan, error) {
	return o.plans.MustGet(id)
}

// ListRecoveryPlans returns plans matching filter, by priority then name.
func (o *Orchestrator) ListRecoveryPlans(_ context.Context, filter models.PlanFilter) []*models.RecoveryPlan {
	out := o.plans.List(filter.Matches)
	rank := map[models.PlanPriority]int{
		models.PlanPriorityCritical: 0,
		models.PlanPriorityHigh:     1,
		models.PlanPriorityMedium:   2,
		models.PlanPriorityLow:      3,
	}
	sort.Slice(out, func(i, j int) bool {
		if rank[out[i].Priority] != rank[out[j].Priority] {
			return rank[out[i].Priority] < rank[out[j].Priority]
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// GetExecution returns an execution.
func (o *Orchestrator) GetExecution(_ context.Context, id uuid.UUID) (*models.RecoveryExecution, error) {
	return o.executions.MustGet(id)
}

// ListExecutions returns executions, newest first, optionally for one plan.
func (o *Orchestrator) ListExecutions(_ context.Context, planID *uuid.UUID) []*models.RecoveryExecution {
	out := o.executions.List(func(e *models.RecoveryExecution) bool {
		return planID == nil || e.PlanID == *planID
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	return out
}

// GetTestResults returns rehearsals, newest first, optionally for one plan.
func (o *Orchestrator) GetTestResults(_ context.Context, planID *uuid.UUID) []*models.RecoveryTest {
	out := o.tests.List(func(t *models.RecoveryTest) bool {
		return planID == nil || t.PlanID == *planID
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TestedAt.After(out[j].TestedAt) })
	return out
}

// latestTest returns the newest rehearsal of a plan, or nil.
func (o *Orchestrator) latestTest(planID uuid.UUID) *models.RecoveryTest {
	tests := o.GetTestResults(context.Background(), &planID)
	if len(tests) == 0 {
		return nil
	}
	return tests[0]
}

// RecoverInterrupted finalizes executions left pending or in progress by a
// previous process as failed, skipping the steps they never reached.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	stale := o.executions.List(func(e *models.RecoveryExecution) bool {
		return e.Status == models.ExecutionStatusPending || e.Status == models.ExecutionStatusInProgress
	})
	n := 0
	for _, e := range stale {
		_, err := o.executions.Update(ctx, e.ID, func(x *models.RecoveryExecution) error {
			if x.CurrentStep != nil && !hasOutcome(x, *x.CurrentStep) {
				x.StepFailed(*x.CurrentStep)
			}
			skipUnreached(x, o.planSteps(x.PlanID))
			at := o.now()
			x.Append(at, models.LogLevelError, nil, "execution interrupted by restart", nil)
			x.Finalize(models.ExecutionStatusFailed, at)
			return nil
		})
		if err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		o.logger.Warn().Int("count", n).Msg("marked interrupted recovery executions as failed")
	}
	return n, nil
}

func (o *Orchestrator) planSteps(planID uuid.UUID) []models.RecoveryStep {
	plan, ok := o.plans.Get(planID)
	if !ok {
		return nil
	}
	return plan.OrderedSteps()
}

func planLockKey(id uuid.UUID) string {
	return "dr_plan:" + id.String()
}
