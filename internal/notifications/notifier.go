// Package notifications dispatches emergency-contact notifications for
// recovery executions and forwards backup alerts to operators.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// Message is a notification addressed to one contact.
type Message struct {
	EventType string         `json:"event_type"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body,omitempty"`
	Severity  string         `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers a message to a single contact.
type Notifier interface {
	Notify(ctx context.Context, contact models.EmergencyContact, msg Message) error
}

// AlertPublisher forwards backup alerts outside the process.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert *models.BackupAlert) error
}

// NotifyContacts notifies contacts in ascending priority order. Delivery is
// best-effort: every contact is attempted and the failures are joined.
func NotifyContacts(ctx context.Context, n Notifier, contacts []models.EmergencyContact, msg Message) error {
	plan := models.RecoveryPlan{Contacts: contacts}
	var errs []error
	for _, c := range plan.ContactsByPriority() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.Notify(ctx, c, msg); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier records notifications in the structured log. It is the default
// when no external channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, contact models.EmergencyContact, msg Message) error {
	l.logger.Info().
		Str("contact", contact.Name).
		Str("role", contact.Role).
		Int("priority", contact.Priority).
		Str("event_type", msg.EventType).
		Str("severity", msg.Severity).
		Msg(msg.Subject)
	return nil
}

// PublishAlert implements AlertPublisher.
func (l *LogNotifier) PublishAlert(_ context.Context, alert *models.BackupAlert) error {
	l.logger.Info().
		Str("alert_id", alert.ID.String()).
		Str("alert_type", string(alert.Type)).
		Str("severity", string(alert.Severity)).
		Msg(alert.Message)
	return nil
}

// Recorder keeps every notification in memory. It backs dry runs and tests.
type Recorder struct {
	mu      sync.Mutex
	Sent    []Sent
	FailFor map[string]error
	alerts  []*models.BackupAlert
}

// Sent is one recorded delivery.
type Sent struct {
	Contact models.EmergencyContact
	Message Message
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, contact models.EmergencyContact, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.FailFor[contact.Name]; err != nil {
		return err
	}
	r.Sent = append(r.Sent, Sent{Contact: contact, Message: msg})
	return nil
}

// PublishAlert implements AlertPublisher.
func (r *Recorder) PublishAlert(_ context.Context, alert *models.BackupAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert.Clone())
	return nil
}

// Deliveries returns a snapshot of the recorded deliveries.
func (r *Recorder) Deliveries() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.Sent...)
}

// Alerts returns a snapshot of the published alerts.
func (r *Recorder) Alerts() []*models.BackupAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.BackupAlert(nil), r.alerts...)
}
