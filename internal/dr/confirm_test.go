package dr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

func waitPending(t *testing.T, q *ConfirmationQueue) PendingStep {
	t.Helper()
	var pending []PendingStep
	require.Eventually(t, func() bool {
		pending = q.Pending()
		return len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	return pending[0]
}

func TestConfirmationQueue_ConfirmsStep(t *testing.T) {
	q := NewConfirmationQueue()
	f := newFixture(t, WithConfirmer(q))
	plan := f.defaultPlan(t)

	type result struct {
		exec *models.RecoveryExecution
		err  error
	}
	done := make(chan result, 1)
	go func() {
		exec, err := f.orch.ExecuteRecoveryPlan(context.Background(), plan.ID, "drill", "admin")
		done <- result{exec, err}
	}()

	p := waitPending(t, q)
	assert.Equal(t, plan.ID, p.PlanID)
	assert.Equal(t, "Assess the Situation", p.Name)
	assert.Len(t, p.ValidationCriteria, 2)

	running, err := f.orch.GetExecution(context.Background(), p.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusInProgress, running.Status)

	require.NoError(t, q.Resolve(p.ExecutionID, p.StepID, nil))

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, models.ExecutionStatusCompleted, r.exec.Status)
	assert.Empty(t, q.Pending())
}

func TestConfirmationQueue_RejectFailsStep(t *testing.T) {
	q := NewConfirmationQueue()
	f := newFixture(t, WithConfirmer(q))
	plan := f.defaultPlan(t)

	done := make(chan *models.RecoveryExecution, 1)
	go func() {
		exec, _ := f.orch.ExecuteRecoveryPlan(context.Background(), plan.ID, "drill", "admin")
		done <- exec
	}()

	p := waitPending(t, q)
	require.NoError(t, q.Resolve(p.ExecutionID, p.StepID, errors.New("data center still flooded")))

	exec := <-done
	assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
	assertTerminalInvariants(t, exec)
}

func TestConfirmationQueue_ResolveUnknown(t *testing.T) {
	q := NewConfirmationQueue()
	err := q.Resolve(uuid.New(), uuid.New(), nil)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestConfirmationQueue_ContextEnds(t *testing.T) {
	q := NewConfirmationQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Confirm(ctx, StepRequest{ExecutionID: uuid.New(), Step: models.RecoveryStep{ID: uuid.New(), Name: "Assess"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, q.Pending())
}

func TestStartRecoveryPlan(t *testing.T) {
	q := NewConfirmationQueue()
	f := newFixture(t, WithConfirmer(q))
	plan := f.defaultPlan(t)

	started, result, err := f.orch.StartRecoveryPlan(context.Background(), plan.ID, "flood", "admin")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusInProgress, started.Status)
	assert.Equal(t, plan.ID, started.PlanID)

	_, _, err = f.orch.StartRecoveryPlan(context.Background(), plan.ID, "again", "admin")
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	p := waitPending(t, q)
	assert.Equal(t, started.ID, p.ExecutionID)
	require.NoError(t, q.Resolve(p.ExecutionID, p.StepID, nil))

	final := <-result
	assert.Equal(t, started.ID, final.ID)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)

	_, result, err = f.orch.StartRecoveryPlan(context.Background(), plan.ID, "lock released", "admin")
	require.NoError(t, err)
	p = waitPending(t, q)
	require.NoError(t, q.Resolve(p.ExecutionID, p.StepID, nil))
	<-result
}
