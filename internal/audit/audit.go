// Package audit records state-changing operations of the backup, offsite and
// disaster recovery services.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Action is the kind of operation audited.
type Action string

const (
	ActionCreate      Action = "create"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionVerify      Action = "verify"
	ActionRestore     Action = "restore"
	ActionUpload      Action = "upload"
	ActionDownload    Action = "download"
	ActionReplicate   Action = "replicate"
	ActionArchive     Action = "archive"
	ActionExecute     Action = "execute"
	ActionCancel      Action = "cancel"
	ActionTest        Action = "test"
	ActionAcknowledge Action = "acknowledge"
)

// Resource types.
const (
	ResourceBackup    = "backup"
	ResourceAlert     = "backup_alert"
	ResourceOffsite   = "offsite_record"
	ResourcePlan      = "recovery_plan"
	ResourceExecution = "recovery_execution"
	ResourceTest      = "recovery_test"
)

// Event is one audited operation. Before and After are snapshots of the
// resource and may be nil.
type Event struct {
	ID           uuid.UUID `json:"id"`
	Actor        string    `json:"actor"`
	Action       Action    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   uuid.UUID `json:"resource_id"`
	Before       any       `json:"before,omitempty"`
	After        any       `json:"after,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Recorder accepts audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Emit records event and logs a failure instead of returning it, so auditing
// never blocks the primary operation.
func Emit(ctx context.Context, r Recorder, logger zerolog.Logger, event Event) {
	if r == nil {
		return
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := r.Record(ctx, event); err != nil {
		logger.Warn().Err(err).
			Str("action", string(event.Action)).
			Str("resource_type", event.ResourceType).
			Str("resource_id", event.ResourceID.String()).
			Msg("failed to record audit event")
	}
}

// LogRecorder writes audit events to a dedicated zerolog logger.
type LogRecorder struct {
	logger zerolog.Logger
}

// NewLogRecorder creates a LogRecorder.
func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.With().Str("component", "audit").Logger()}
}

// Record implements Recorder.
func (l *LogRecorder) Record(_ context.Context, event Event) error {
	e := l.logger.Info().
		Str("event_id", event.ID.String()).
		Str("actor", event.Actor).
		Str("action", string(event.Action)).
		Str("resource_type", event.ResourceType).
		Str("resource_id", event.ResourceID.String())
	if event.Before != nil {
		e = e.Interface("before", event.Before)
	}
	if event.After != nil {
		e = e.Interface("after", event.After)
	}
	e.Msg("audit")
	return nil
}

// MemoryRecorder keeps events in memory.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
	// Err, when set, is returned from every Record call.
	Err error
}

// Record implements Recorder.
func (m *MemoryRecorder) Record(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, event)
	return nil
}

// Events returns a snapshot of the recorded events.
func (m *MemoryRecorder) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Actions returns the recorded actions for a resource type, in order.
func (m *MemoryRecorder) Actions(resourceType string) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Action
	for _, e := range m.events {
		if e.ResourceType == resourceType {
			out = append(out, e.Action)
		}
	}
	return out
}
