package models

import (
	"time"

	"github.com/google/uuid"
)

// AlertType represents the type of a backup alert.
type AlertType string

const (
	// AlertTypeBackupCreated is raised when a backup completes.
	AlertTypeBackupCreated AlertType = "backup_created"
	// AlertTypeBackupFailed is raised when any backup step fails.
	AlertTypeBackupFailed AlertType = "backup_failed"
	// AlertTypeVerificationFailed is raised when an artifact no longer matches its checksums.
	AlertTypeVerificationFailed AlertType = "verification_failed"
	// AlertTypeEncryptionFailed is raised when artifact encryption fails.
	AlertTypeEncryptionFailed AlertType = "encryption_failed"
	// AlertTypeStorageFull is raised when the backup volume crosses its usage threshold.
	AlertTypeStorageFull AlertType = "storage_full"
	// AlertTypeRetentionExpired is raised for each backup removed by the expiry sweep.
	AlertTypeRetentionExpired AlertType = "retention_expired"
	// AlertTypeKeyRotationRequired is raised when a backup key outlives the rotation age.
	AlertTypeKeyRotationRequired AlertType = "key_rotation_required"
)

// AlertSeverity represents the severity level of an alert.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// BackupAlert is an operational notification raised by the backup manager.
type BackupAlert struct {
	ID             uuid.UUID      `json:"id"`
	BackupID       *uuid.UUID     `json:"backup_id,omitempty"`
	Severity       AlertSeverity  `json:"severity"`
	Type           AlertType      `json:"type"`
	Message        string         `json:"message"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
}

// NewBackupAlert creates a new unacknowledged alert.
func NewBackupAlert(alertType AlertType, severity AlertSeverity, message string) *BackupAlert {
	return &BackupAlert{
		ID:        uuid.New(),
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Details:   map[string]any{},
		CreatedAt: time.Now().UTC(),
	}
}

// ForBackup associates the alert with a backup.
func (a *BackupAlert) ForBackup(backupID uuid.UUID) *BackupAlert {
	a.BackupID = &backupID
	return a
}

// WithDetail adds a detail entry.
func (a *BackupAlert) WithDetail(key string, value any) *BackupAlert {
	if a.Details == nil {
		a.Details = map[string]any{}
	}
	a.Details[key] = value
	return a
}

// Acknowledge marks the alert as acknowledged. Acknowledging twice keeps the
// first acknowledgement.
func (a *BackupAlert) Acknowledge(actor string) {
	if a.Acknowledged {
		return
	}
	now := time.Now().UTC()
	a.Acknowledged = true
	a.AcknowledgedBy = actor
	a.AcknowledgedAt = &now
}

// Clone returns a deep copy of the alert.
func (a *BackupAlert) Clone() *BackupAlert {
	c := *a
	if a.BackupID != nil {
		id := *a.BackupID
		c.BackupID = &id
	}
	c.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	c.Details = cloneAnyMap(a.Details)
	return &c
}

// CatalogID returns the catalog key.
func (a *BackupAlert) CatalogID() uuid.UUID { return a.ID }

// AlertFilter narrows alert listings. Zero values match everything.
type AlertFilter struct {
	Severity     AlertSeverity
	Type         AlertType
	BackupID     *uuid.UUID
	Acknowledged *bool
	CreatedAfter *time.Time
}

// Matches reports whether a satisfies the filter.
func (f AlertFilter) Matches(a *BackupAlert) bool {
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.BackupID != nil && (a.BackupID == nil || *a.BackupID != *f.BackupID) {
		return false
	}
	if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
		return false
	}
	if f.CreatedAfter != nil && a.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	return true
}
