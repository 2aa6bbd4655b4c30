package dr

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/audit"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// TestRecoveryPlan rehearses a plan without side effects. Each automated step
// runs its handler's rehearsal and is timed against its estimate: a step that
// errors fails, a step slower than the estimate by more than the configured
// factor is partial. Manual steps are skipped. The plan's last-tested time is
// updated, and a failed rehearsal marks the plan as needing an update.
func (o *Orchestrator) TestRecoveryPlan(ctx context.Context, planID uuid.UUID, env models.TestEnvironment, actor string) (*models.RecoveryTest, error) {
	env, err := models.ParseTestEnvironment(string(env))
	if err != nil {
		return nil, apperrors.Kind(apperrors.ErrValidation, "%v", err)
	}
	plan, err := o.plans.MustGet(planID)
	if err != nil {
		return nil, err
	}
	release, err := o.locker.TryAcquire(ctx, planLockKey(planID))
	if err != nil {
		return nil, fmt.Errorf("test recovery plan %s: %w", planID, err)
	}
	defer release()

	test := models.NewRecoveryTest(plan.ID, env, actor, o.now())
	logger := o.logger.With().
		Str("plan_id", plan.ID.String()).
		Str("test_id", test.ID.String()).
		Str("environment", string(env)).
		Logger()

	for _, step := range plan.OrderedSteps() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result := o.rehearseStep(ctx, StepRequest{Plan: plan, Step: step, ExecutionID: test.ID, Actor: actor})
		test.Results = append(test.Results, result)
		if result.Status == models.TestStatusFailed {
			logger.Warn().Str("step", step.Name).Strs("issues", result.Issues).Msg("rehearsed step failed")
		}
	}

	test.DurationMinutes = o.now().Sub(test.TestedAt).Minutes()
	test.OverallStatus = models.OverallStatusOf(test.Results)
	test.Recommendations = o.recommend(plan, test)

	persistCtx := context.WithoutCancel(ctx)
	if err := o.tests.Put(persistCtx, test); err != nil {
		return nil, fmt.Errorf("persist recovery test: %w", err)
	}
	testedAt := test.TestedAt
	if _, err := o.plans.Update(persistCtx, plan.ID, func(p *models.RecoveryPlan) error {
		p.LastTestedAt = &testedAt
		switch {
		case test.OverallStatus == models.TestStatusFailed:
			p.Status = models.PlanStatusNeedsUpdate
		case p.Status == models.PlanStatusNeedsUpdate && test.OverallStatus == models.TestStatusPassed:
			p.Status = models.PlanStatusActive
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("persist plan test time: %w", err)
	}

	o.metrics.RecordTest(string(test.OverallStatus))
	logger.Info().
		Str("status", string(test.OverallStatus)).
		Int("issues", test.IssueCount()).
		Time("next_test", test.NextTestDate).
		Msg("recovery plan rehearsed")
	audit.Emit(persistCtx, o.auditor, o.logger, audit.Event{
		Actor:        actor,
		Action:       audit.ActionTest,
		ResourceType: audit.ResourceTest,
		ResourceID:   test.ID,
		After:        test,
	})
	return test, nil
}

func (o *Orchestrator) rehearseStep(ctx context.Context, req StepRequest) models.StepTestResult {
	step := req.Step
	result := models.StepTestResult{
		StepID:           step.ID,
		StepName:         step.Name,
		EstimatedMinutes: step.EstimatedMinutes,
	}
	if !step.IsDispatchable() {
		result.Status = models.TestStatusSkipped
		result.Notes = "manual step; confirm the procedure with the responsible operator"
		if len(step.ValidationCriteria) > 0 {
			result.Notes += ": " + strings.Join(step.ValidationCriteria, "; ")
		}
		return result
	}

	started := o.now()
	var err error
	if h, ok := o.handlers[step.Command.Kind]; ok {
		err = h.Rehearse(ctx, req)
	} else {
		err = fmt.Errorf("%s: %w", step.Command, errNoHandler)
	}
	result.DurationMinutes = o.now().Sub(started).Minutes()

	switch {
	case err != nil:
		result.Status = models.TestStatusFailed
		result.Issues = append(result.Issues, err.Error())
	case o.isSlow(result):
		result.Status = models.TestStatusPartial
		result.Issues = append(result.Issues, fmt.Sprintf("took %.1f minutes, estimated %d", result.DurationMinutes, step.EstimatedMinutes))
	default:
		result.Status = models.TestStatusPassed
	}
	return result
}

// isSlow reports whether a step exceeded its estimate by more than the slow
// step factor. Steps without an estimate are never slow.
func (o *Orchestrator) isSlow(r models.StepTestResult) bool {
	return r.EstimatedMinutes > 0 && r.DurationMinutes > float64(r.EstimatedMinutes)*o.cfg.SlowStepFactor
}

func (o *Orchestrator) recommend(plan *models.RecoveryPlan, test *models.RecoveryTest) []string {
	var recs []string
	var failed []string
	rehearsed, slow := 0, 0
	for _, r := range test.Results {
		switch r.Status {
		case models.TestStatusSkipped:
			continue
		case models.TestStatusFailed:
			failed = append(failed, r.StepName)
		}
		rehearsed++
		if o.isSlow(r) {
			slow++
		}
	}
	if len(failed) > 0 {
		recs = append(recs, fmt.Sprintf("Fix the failing steps before relying on this plan: %s", strings.Join(failed, ", ")))
	}
	if rehearsed > 0 && slow*2 >= rehearsed && slow > 0 {
		recs = append(recs, fmt.Sprintf("Revise time estimates: %d of %d rehearsed steps ran over", slow, rehearsed))
	}
	if plan.TargetRTOMinutes > 0 && test.DurationMinutes > float64(plan.TargetRTOMinutes) {
		recs = append(recs, fmt.Sprintf("Rehearsal took %.1f minutes, over the %d minute RTO target", test.DurationMinutes, plan.TargetRTOMinutes))
	}
	if len(plan.Contacts) == 0 {
		recs = append(recs, "Add emergency contacts to the plan")
	}
	return recs
}
