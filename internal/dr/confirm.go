package dr

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
)

// PendingStep is a manual step waiting for an operator.
type PendingStep struct {
	ExecutionID        uuid.UUID `json:"execution_id"`
	PlanID             uuid.UUID `json:"plan_id"`
	StepID             uuid.UUID `json:"step_id"`
	Order              int       `json:"order"`
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	ValidationCriteria []string  `json:"validation_criteria,omitempty"`
	Since              time.Time `json:"since"`
}

type pendingKey struct {
	execution uuid.UUID
	step      uuid.UUID
}

type waiter struct {
	step PendingStep
	done chan error
}

// ConfirmationQueue is a ManualConfirmer that parks each manual step until
// Resolve is called for it.
type ConfirmationQueue struct {
	mu      sync.Mutex
	waiting map[pendingKey]*waiter
	now     func() time.Time
}

// NewConfirmationQueue creates an empty queue.
func NewConfirmationQueue() *ConfirmationQueue {
	return &ConfirmationQueue{waiting: make(map[pendingKey]*waiter), now: time.Now}
}

// Confirm implements ManualConfirmer.
func (q *ConfirmationQueue) Confirm(ctx context.Context, req StepRequest) error {
	key := pendingKey{execution: req.ExecutionID, step: req.Step.ID}
	w := &waiter{
		step: PendingStep{
			ExecutionID:        req.ExecutionID,
			StepID:             req.Step.ID,
			Order:              req.Step.Order,
			Name:               req.Step.Name,
			Description:        req.Step.Description,
			ValidationCriteria: slices.Clone(req.Step.ValidationCriteria),
			Since:              q.now(),
		},
		done: make(chan error, 1),
	}
	if req.Plan != nil {
		w.step.PlanID = req.Plan.ID
	}

	q.mu.Lock()
	q.waiting[key] = w
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		if q.waiting[key] == w {
			delete(q.waiting, key)
		}
		q.mu.Unlock()
	}()

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve releases a waiting step. A nil err confirms it; anything else
// fails it with err.
func (q *ConfirmationQueue) Resolve(executionID, stepID uuid.UUID, err error) error {
	key := pendingKey{execution: executionID, step: stepID}
	q.mu.Lock()
	w, ok := q.waiting[key]
	if ok {
		delete(q.waiting, key)
	}
	q.mu.Unlock()
	if !ok {
		return apperrors.Kind(apperrors.ErrNotFound, "no manual step %s waiting in execution %s", stepID, executionID)
	}
	w.done <- err
	return nil
}

// Pending returns the waiting steps, oldest first.
func (q *ConfirmationQueue) Pending() []PendingStep {
	q.mu.Lock()
	out := make([]PendingStep, 0, len(q.waiting))
	for _, w := range q.waiting {
		out = append(out, w.step)
	}
	q.mu.Unlock()
	slices.SortFunc(out, func(a, b PendingStep) int {
		if c := a.Since.Compare(b.Since); c != 0 {
			return c
		}
		return a.Order - b.Order
	})
	return out
}
