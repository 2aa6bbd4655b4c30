package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the state of a recovery execution.
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "pending"
	ExecutionStatusInProgress ExecutionStatus = "in_progress"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusPaused     ExecutionStatus = "paused"
	ExecutionStatusCancelled  ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// LogLevel is the level of an execution log entry.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// ExecutionLogEntry is one append-only entry of an execution log.
type ExecutionLogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	StepID    *uuid.UUID     `json:"step_id,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// ExecutionMetrics are the realized recovery metrics of an execution.
type ExecutionMetrics struct {
	TotalSteps       int      `json:"total_steps"`
	CompletedSteps   int      `json:"completed_steps"`
	FailedSteps      int      `json:"failed_steps"`
	SkippedSteps     int      `json:"skipped_steps"`
	ActualRTOMinutes float64  `json:"actual_rto_minutes"`
	ActualRPOMinutes *float64 `json:"actual_rpo_minutes,omitempty"`
	DataLossBytes    int64    `json:"data_loss_bytes"`
	SuccessRate      float64  `json:"success_rate"`
}

// RecoveryExecution is one invocation of a recovery plan.
type RecoveryExecution struct {
	ID              uuid.UUID           `json:"id"`
	PlanID          uuid.UUID           `json:"plan_id"`
	TriggeredBy     string              `json:"triggered_by"`
	TriggeredAt     time.Time           `json:"triggered_at"`
	Reason          string              `json:"reason"`
	Status          ExecutionStatus     `json:"status"`
	CurrentStep     *uuid.UUID          `json:"current_step,omitempty"`
	CompletedSteps  []uuid.UUID         `json:"completed_steps"`
	FailedSteps     []uuid.UUID         `json:"failed_steps"`
	SkippedSteps    []uuid.UUID         `json:"skipped_steps"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	DurationMinutes float64             `json:"duration_minutes"`
	Log             []ExecutionLogEntry `json:"log"`
	Metrics         ExecutionMetrics    `json:"metrics"`
}

// NewRecoveryExecution creates a pending execution for the plan.
func NewRecoveryExecution(planID uuid.UUID, reason, actor string, totalSteps int) *RecoveryExecution {
	return &RecoveryExecution{
		ID:             uuid.New(),
		PlanID:         planID,
		TriggeredBy:    actor,
		TriggeredAt:    time.Now().UTC(),
		Reason:         reason,
		Status:         ExecutionStatusPending,
		CompletedSteps: []uuid.UUID{},
		FailedSteps:    []uuid.UUID{},
		SkippedSteps:   []uuid.UUID{},
		Log:            []ExecutionLogEntry{},
		Metrics:        ExecutionMetrics{TotalSteps: totalSteps},
	}
}

// Start moves the execution to in_progress at the given time.
func (e *RecoveryExecution) Start(at time.Time) {
	e.Status = ExecutionStatusInProgress
	e.StartedAt = &at
}

// Append adds a log entry.
func (e *RecoveryExecution) Append(at time.Time, level LogLevel, stepID *uuid.UUID, message string, details map[string]any) {
	e.Log = append(e.Log, ExecutionLogEntry{
		Timestamp: at,
		Level:     level,
		StepID:    stepID,
		Message:   message,
		Details:   details,
	})
}

// StepCompleted records a completed step.
func (e *RecoveryExecution) StepCompleted(id uuid.UUID) {
	e.CompletedSteps = append(e.CompletedSteps, id)
	e.Metrics.CompletedSteps = len(e.CompletedSteps)
}

// StepFailed records a failed step.
func (e *RecoveryExecution) StepFailed(id uuid.UUID) {
	e.FailedSteps = append(e.FailedSteps, id)
	e.Metrics.FailedSteps = len(e.FailedSteps)
}

// StepSkipped records a step that was never attempted.
func (e *RecoveryExecution) StepSkipped(id uuid.UUID) {
	e.SkippedSteps = append(e.SkippedSteps, id)
	e.Metrics.SkippedSteps = len(e.SkippedSteps)
}

// RecordRPO keeps the worst (largest) realized RPO seen so far.
func (e *RecoveryExecution) RecordRPO(minutes float64) {
	if e.Metrics.ActualRPOMinutes == nil || minutes > *e.Metrics.ActualRPOMinutes {
		e.Metrics.ActualRPOMinutes = &minutes
	}
}

// Finalize sets the terminal status, timing and derived metrics.
func (e *RecoveryExecution) Finalize(status ExecutionStatus, at time.Time) {
	e.Status = status
	e.CompletedAt = &at
	e.CurrentStep = nil
	if e.StartedAt != nil {
		e.DurationMinutes = at.Sub(*e.StartedAt).Minutes()
	}
	e.Metrics.ActualRTOMinutes = e.DurationMinutes
	e.Metrics.SuccessRate = SuccessRate(e.Metrics.CompletedSteps, e.Metrics.TotalSteps)
}

// SuccessRate returns completed/total*100, or 0 when total is 0.
func SuccessRate(completed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total) * 100
}

// Clone returns a deep copy of the execution.
func (e *RecoveryExecution) Clone() *RecoveryExecution {
	c := *e
	if e.CurrentStep != nil {
		id := *e.CurrentStep
		c.CurrentStep = &id
	}
	c.StartedAt = cloneTime(e.StartedAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	c.CompletedSteps = slices.Clone(e.CompletedSteps)
	c.FailedSteps = slices.Clone(e.FailedSteps)
	c.SkippedSteps = slices.Clone(e.SkippedSteps)
	c.Log = make([]ExecutionLogEntry, len(e.Log))
	for i, entry := range e.Log {
		if entry.StepID != nil {
			id := *entry.StepID
			entry.StepID = &id
		}
		entry.Details = cloneAnyMap(entry.Details)
		c.Log[i] = entry
	}
	if e.Metrics.ActualRPOMinutes != nil {
		v := *e.Metrics.ActualRPOMinutes
		c.Metrics.ActualRPOMinutes = &v
	}
	return &c
}

// CatalogID returns the catalog key.
func (e *RecoveryExecution) CatalogID() uuid.UUID { return e.ID }
