package dr

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/audit"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
	"github.com/MacJediWizard/keldris-recovery/internal/notifications"
)

// ManualConfirmer blocks until an operator confirms a manual step. A non-nil
// error fails the step.
type ManualConfirmer interface {
	Confirm(ctx context.Context, req StepRequest) error
}

// ConfirmerFunc adapts a function to ManualConfirmer.
type ConfirmerFunc func(ctx context.Context, req StepRequest) error

// Confirm implements ManualConfirmer.
func (f ConfirmerFunc) Confirm(ctx context.Context, req StepRequest) error { return f(ctx, req) }

// errNoHandler is returned for a command kind without a registered handler.
var errNoHandler = errors.New("no handler registered")

// ExecuteRecoveryPlan runs a plan's steps strictly in ascending order. A
// failing step at or below the plan's escalation ceiling aborts the
// execution as failed; later failures are recorded and the loop continues.
// Steps never reached are counted as skipped.
//
// The returned execution is terminal. Failed and cancelled executions are
// results, not errors; an error is returned only when the execution could
// not be started.
func (o *Orchestrator) ExecuteRecoveryPlan(ctx context.Context, planID uuid.UUID, reason, actor string) (*models.RecoveryExecution, error) {
	_, result, err := o.StartRecoveryPlan(ctx, planID, reason, actor)
	if err != nil {
		return nil, err
	}
	return <-result, nil
}

// StartRecoveryPlan starts an execution and returns it once persisted as in
// progress. The steps run in the background until done or ctx ends; the
// channel receives the terminal execution.
func (o *Orchestrator) StartRecoveryPlan(ctx context.Context, planID uuid.UUID, reason, actor string) (*models.RecoveryExecution, <-chan *models.RecoveryExecution, error) {
	plan, err := o.plans.MustGet(planID)
	if err != nil {
		return nil, nil, err
	}
	release, err := o.locker.TryAcquire(ctx, planLockKey(planID))
	if err != nil {
		return nil, nil, fmt.Errorf("execute recovery plan %s: %w", planID, err)
	}

	steps := plan.OrderedSteps()
	exec := models.NewRecoveryExecution(plan.ID, reason, actor, len(steps))
	exec.TriggeredAt = o.now()

	opCtx, done, err := o.registry.Register(ctx, "dr_execution", exec.ID)
	if err != nil {
		release()
		return nil, nil, err
	}

	persistCtx := context.WithoutCancel(ctx)
	exec.Start(o.now())
	exec.Append(o.now(), models.LogLevelInfo, nil, "execution started", map[string]any{
		"reason":      reason,
		"total_steps": len(steps),
	})
	if err := o.executions.Put(persistCtx, exec); err != nil {
		done()
		release()
		return nil, nil, fmt.Errorf("persist recovery execution: %w", err)
	}
	o.logger.Warn().
		Str("plan_id", plan.ID.String()).
		Str("execution_id", exec.ID.String()).
		Str("plan", plan.Name).Str("actor", actor).Str("reason", reason).
		Msg("recovery plan execution started")
	audit.Emit(persistCtx, o.auditor, o.logger, audit.Event{
		Actor:        actor,
		Action:       audit.ActionExecute,
		ResourceType: audit.ResourceExecution,
		ResourceID:   exec.ID,
		After:        exec,
	})

	started := exec.Clone()
	result := make(chan *models.RecoveryExecution, 1)
	go func() {
		final := o.runExecution(opCtx, persistCtx, plan, steps, exec, actor)
		done()
		release()
		result <- final
	}()
	return started, result, nil
}

// runExecution drives a started execution to a terminal status and returns
// a snapshot of it.
func (o *Orchestrator) runExecution(opCtx, persistCtx context.Context, plan *models.RecoveryPlan, steps []models.RecoveryStep, exec *models.RecoveryExecution, actor string) *models.RecoveryExecution {
	logger := o.logger.With().
		Str("plan_id", plan.ID.String()).
		Str("execution_id", exec.ID.String()).
		Logger()

	o.notifyStart(opCtx, plan, exec)

	status := models.ExecutionStatusCompleted
	ceiling := plan.EscalationCeiling()
	for i, step := range steps {
		if opCtx.Err() != nil {
			status = models.ExecutionStatusCancelled
			o.skipRemaining(exec, steps[i:])
			exec.Append(o.now(), models.LogLevelWarning, nil, "execution cancelled", nil)
			break
		}

		stepID := step.ID
		exec.CurrentStep = &stepID
		exec.Append(o.now(), models.LogLevelInfo, &stepID, "executing step: "+step.Name, map[string]any{"order": step.Order})
		o.persist(persistCtx, exec)

		req := StepRequest{Plan: plan, Step: step, ExecutionID: exec.ID, Actor: actor}
		started := o.now()
		outcome, stepErr := o.runStep(opCtx, exec, req)
		elapsed := o.now().Sub(started)

		if stepErr == nil {
			if outcome.RPOMinutes != nil {
				exec.RecordRPO(*outcome.RPOMinutes)
			}
			exec.StepCompleted(stepID)
			details := withDuration(outcome.Details, elapsed)
			exec.Append(o.now(), models.LogLevelInfo, &stepID, "step completed: "+step.Name, details)
			o.metrics.RecordStep("completed")
			o.persist(persistCtx, exec)
			continue
		}

		exec.StepFailed(stepID)
		exec.Append(o.now(), models.LogLevelError, &stepID, "step failed: "+step.Name, map[string]any{
			"error":            stepErr.Error(),
			"duration_seconds": elapsed.Seconds(),
		})
		o.metrics.RecordStep("failed")
		logger.Error().Err(stepErr).Str("step", step.Name).Int("order", step.Order).Msg("recovery step failed")

		if opCtx.Err() != nil {
			status = models.ExecutionStatusCancelled
			o.skipRemaining(exec, steps[i+1:])
			exec.Append(o.now(), models.LogLevelWarning, nil, "execution cancelled", nil)
			break
		}
		if step.Order <= ceiling {
			status = models.ExecutionStatusFailed
			o.skipRemaining(exec, steps[i+1:])
			exec.Append(o.now(), models.LogLevelError, nil, "execution aborted: critical step failed", map[string]any{
				"order":   step.Order,
				"ceiling": ceiling,
			})
			break
		}
		o.persist(persistCtx, exec)
	}

	exec.Finalize(status, o.now())
	exec.Append(*exec.CompletedAt, models.LogLevelInfo, nil, "execution "+string(status), map[string]any{
		"completed_steps": exec.Metrics.CompletedSteps,
		"failed_steps":    exec.Metrics.FailedSteps,
		"skipped_steps":   exec.Metrics.SkippedSteps,
		"success_rate":    exec.Metrics.SuccessRate,
	})
	o.persist(persistCtx, exec)

	o.metrics.RecordExecution(string(status), string(plan.Priority), exec.Metrics.ActualRTOMinutes)
	event := logger.Info()
	if status != models.ExecutionStatusCompleted {
		event = logger.Error()
	}
	event.Str("status", string(status)).
		Float64("rto_minutes", exec.Metrics.ActualRTOMinutes).
		Float64("success_rate", exec.Metrics.SuccessRate).
		Msg("recovery plan execution finished")
	audit.Emit(persistCtx, o.auditor, o.logger, audit.Event{
		Actor:        actor,
		Action:       audit.ActionUpdate,
		ResourceType: audit.ResourceExecution,
		ResourceID:   exec.ID,
		After:        exec,
	})
	return exec.Clone()
}

// runStep dispatches automated steps with a command to their handler and
// takes every other step through the manual path.
func (o *Orchestrator) runStep(ctx context.Context, exec *models.RecoveryExecution, req StepRequest) (StepOutcome, error) {
	if !req.Step.IsDispatchable() {
		return StepOutcome{}, o.runManual(ctx, exec, req)
	}
	h, ok := o.handlers[req.Step.Command.Kind]
	if !ok {
		return StepOutcome{}, fmt.Errorf("%s: %w", req.Step.Command, errNoHandler)
	}
	return h.Execute(ctx, req)
}

// runManual logs a manual step and its validation criteria. With a
// confirmer configured it waits for the operator, bounded by the manual
// step timeout.
func (o *Orchestrator) runManual(ctx context.Context, exec *models.RecoveryExecution, req StepRequest) error {
	stepID := req.Step.ID
	exec.Append(o.now(), models.LogLevelWarning, &stepID, "manual intervention required: "+req.Step.Name, map[string]any{
		"description": req.Step.Description,
	})
	for _, criterion := range req.Step.ValidationCriteria {
		exec.Append(o.now(), models.LogLevelInfo, &stepID, "validation criterion: "+criterion, nil)
	}
	if o.confirmer == nil {
		return nil
	}
	o.persist(context.WithoutCancel(ctx), exec)

	waitCtx := ctx
	if o.cfg.ManualStepTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, o.cfg.ManualStepTimeout)
		defer cancel()
	}
	if err := o.confirmer.Confirm(waitCtx, req); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("manual step not confirmed within %s", o.cfg.ManualStepTimeout)
		}
		return fmt.Errorf("manual step not confirmed: %w", err)
	}
	exec.Append(o.now(), models.LogLevelInfo, &stepID, "manual step confirmed", nil)
	return nil
}

// notifyStart tells the plan's contacts an execution began. Failures are
// logged into the execution and never stop it.
func (o *Orchestrator) notifyStart(ctx context.Context, plan *models.RecoveryPlan, exec *models.RecoveryExecution) {
	if len(plan.Contacts) == 0 {
		return
	}
	err := notifications.NotifyContacts(ctx, o.notifier, plan.Contacts, notifications.Message{
		EventType: "dr_execution_started",
		Subject:   fmt.Sprintf("Recovery plan %q is being executed", plan.Name),
		Body:      exec.Reason,
		Severity:  "critical",
		Details: map[string]any{
			"execution_id": exec.ID.String(),
			"triggered_by": exec.TriggeredBy,
		},
		Timestamp: o.now(),
	})
	if err != nil {
		exec.Append(o.now(), models.LogLevelWarning, nil, "contact notification failed", map[string]any{"error": err.Error()})
		return
	}
	exec.Append(o.now(), models.LogLevelInfo, nil, "emergency contacts notified", map[string]any{"contacts": len(plan.Contacts)})
}

// CancelExecution cancels a running execution and waits for it to reach a
// terminal status.
func (o *Orchestrator) CancelExecution(ctx context.Context, id uuid.UUID, actor string) (*models.RecoveryExecution, error) {
	exec, err := o.executions.MustGet(id)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return nil, apperrors.Kind(apperrors.ErrConflict, "execution %s already %s", id, exec.Status)
	}
	if !o.registry.Cancel(id) {
		return nil, apperrors.Kind(apperrors.ErrConflict, "execution %s is not running in this process", id)
	}
	if err := o.registry.Wait(ctx, id); err != nil {
		return nil, err
	}
	audit.Emit(ctx, o.auditor, o.logger, audit.Event{
		Actor:        actor,
		Action:       audit.ActionCancel,
		ResourceType: audit.ResourceExecution,
		ResourceID:   id,
	})
	return o.executions.MustGet(id)
}

func (o *Orchestrator) persist(ctx context.Context, exec *models.RecoveryExecution) {
	if err := o.executions.Put(ctx, exec); err != nil {
		o.logger.Error().Err(err).Str("execution_id", exec.ID.String()).Msg("failed to persist recovery execution")
	}
}

func (o *Orchestrator) skipRemaining(exec *models.RecoveryExecution, steps []models.RecoveryStep) {
	for _, s := range steps {
		exec.StepSkipped(s.ID)
		o.metrics.RecordStep("skipped")
	}
}

// skipUnreached marks every step with no recorded outcome as skipped.
func skipUnreached(exec *models.RecoveryExecution, steps []models.RecoveryStep) {
	for _, s := range steps {
		if !hasOutcome(exec, s.ID) {
			exec.StepSkipped(s.ID)
		}
	}
}

func hasOutcome(exec *models.RecoveryExecution, id uuid.UUID) bool {
	return slices.Contains(exec.CompletedSteps, id) ||
		slices.Contains(exec.FailedSteps, id) ||
		slices.Contains(exec.SkippedSteps, id)
}

func withDuration(details map[string]any, elapsed time.Duration) map[string]any {
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out["duration_seconds"] = elapsed.Seconds()
	return out
}
