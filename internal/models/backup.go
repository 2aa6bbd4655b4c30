package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BackupType identifies which subsystem a backup captures.
type BackupType string

const (
	BackupTypeDatabase      BackupType = "database"
	BackupTypeFiles         BackupType = "files"
	BackupTypeConfiguration BackupType = "configuration"
	BackupTypeFull          BackupType = "full"
	BackupTypeIncremental   BackupType = "incremental"
	BackupTypeDifferential  BackupType = "differential"
)

// AllBackupTypes returns every supported backup type.
func AllBackupTypes() []BackupType {
	return []BackupType{
		BackupTypeDatabase,
		BackupTypeFiles,
		BackupTypeConfiguration,
		BackupTypeFull,
		BackupTypeIncremental,
		BackupTypeDifferential,
	}
}

// ParseBackupType parses a backup type case-insensitively ("DATABASE" and "database" are equal).
func ParseBackupType(s string) (BackupType, error) {
	t := BackupType(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(AllBackupTypes(), t) {
		return "", fmt.Errorf("unsupported backup type: %q", s)
	}
	return t, nil
}

// BackupStatus represents the lifecycle state of a backup record.
type BackupStatus string

const (
	BackupStatusPending    BackupStatus = "pending"
	BackupStatusInProgress BackupStatus = "in_progress"
	BackupStatusVerifying  BackupStatus = "verifying"
	BackupStatusVerified   BackupStatus = "verified"
	BackupStatusCompleted  BackupStatus = "completed"
	BackupStatusFailed     BackupStatus = "failed"
	BackupStatusExpired    BackupStatus = "expired"
)

// BackupRecord is one durable backup artifact and its metadata.
type BackupRecord struct {
	ID                uuid.UUID         `json:"id"`
	Name              string            `json:"name"`
	Type              BackupType        `json:"type"`
	Status            BackupStatus      `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	Size              int64             `json:"size"`
	EncryptedSize     int64             `json:"encrypted_size,omitempty"`
	Checksum          string            `json:"checksum,omitempty"`
	EncryptedChecksum string            `json:"encrypted_checksum,omitempty"`
	Location          string            `json:"location,omitempty"`
	EncryptedLocation string            `json:"encrypted_location,omitempty"`
	Locations         []string          `json:"locations,omitempty"`
	KeyID             *uuid.UUID        `json:"key_id,omitempty"`
	RetentionDays     int               `json:"retention_days"`
	ExpiresAt         time.Time         `json:"expires_at"`
	Encrypted         bool              `json:"encrypted"`
	Compressed        bool              `json:"compressed"`
	Tags              []string          `json:"tags,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedBy         string            `json:"created_by"`
	ErrorMessage      string            `json:"error_message,omitempty"`
}

// NewBackupRecord creates a pending backup record. ExpiresAt is derived from
// CreatedAt and the retention period.
func NewBackupRecord(name string, backupType BackupType, retentionDays int, actor string) *BackupRecord {
	now := time.Now().UTC()
	return &BackupRecord{
		ID:            uuid.New(),
		Name:          name,
		Type:          backupType,
		Status:        BackupStatusPending,
		CreatedAt:     now,
		RetentionDays: retentionDays,
		ExpiresAt:     ExpiryFor(now, retentionDays),
		Metadata:      map[string]string{},
		CreatedBy:     actor,
	}
}

// ExpiryFor returns createdAt plus the retention period in whole days.
func ExpiryFor(createdAt time.Time, retentionDays int) time.Time {
	return createdAt.Add(time.Duration(retentionDays) * 24 * time.Hour)
}

// ArtifactPath returns the authoritative artifact location: the encrypted
// artifact when present, else the plaintext one.
func (b *BackupRecord) ArtifactPath() string {
	if b.EncryptedLocation != "" {
		return b.EncryptedLocation
	}
	return b.Location
}

// StoredChecksum returns the checksum of the authoritative artifact.
func (b *BackupRecord) StoredChecksum() string {
	if b.EncryptedLocation != "" {
		return b.EncryptedChecksum
	}
	return b.Checksum
}

// StoredSize returns the size of the authoritative artifact.
func (b *BackupRecord) StoredSize() int64 {
	if b.EncryptedLocation != "" {
		return b.EncryptedSize
	}
	return b.Size
}

// IsRestorable reports whether the backup finished successfully.
func (b *BackupRecord) IsRestorable() bool {
	return b.Status == BackupStatusCompleted || b.Status == BackupStatusVerified
}

// IsExpired reports whether the record is past its expiry at now.
func (b *BackupRecord) IsExpired(now time.Time) bool {
	return b.ExpiresAt.Before(now)
}

// HasTag reports whether the record carries tag.
func (b *BackupRecord) HasTag(tag string) bool {
	return slices.Contains(b.Tags, tag)
}

// AddLocation records an additional storage location, ignoring duplicates.
func (b *BackupRecord) AddLocation(location string) {
	if location == "" || slices.Contains(b.Locations, location) {
		return
	}
	b.Locations = append(b.Locations, location)
}

// Start marks the backup as in progress.
func (b *BackupRecord) Start() {
	b.Status = BackupStatusInProgress
}

// Complete marks the backup as finished. verified selects VERIFIED over COMPLETED.
func (b *BackupRecord) Complete(verified bool) {
	now := time.Now().UTC()
	b.CompletedAt = &now
	b.Status = BackupStatusCompleted
	if verified {
		b.Status = BackupStatusVerified
	}
}

// Fail marks the backup as failed with the given error message.
func (b *BackupRecord) Fail(errMsg string) {
	now := time.Now().UTC()
	b.Status = BackupStatusFailed
	b.CompletedAt = &now
	b.ErrorMessage = errMsg
}

// Clone returns a deep copy of the record.
func (b *BackupRecord) Clone() *BackupRecord {
	c := *b
	c.CompletedAt = cloneTime(b.CompletedAt)
	if b.KeyID != nil {
		id := *b.KeyID
		c.KeyID = &id
	}
	c.Locations = slices.Clone(b.Locations)
	c.Tags = slices.Clone(b.Tags)
	c.Metadata = cloneStringMap(b.Metadata)
	return &c
}

// CatalogID returns the catalog key.
func (b *BackupRecord) CatalogID() uuid.UUID { return b.ID }

// BackupConfig describes a backup request.
type BackupConfig struct {
	Name           string            `json:"name" yaml:"name" validate:"required,max=200"`
	Type           BackupType        `json:"type" yaml:"type" validate:"required,oneof=database files configuration full incremental differential"`
	RetentionDays  int               `json:"retention_days" yaml:"retention_days" validate:"gte=1,lte=3650"`
	Encrypt        bool              `json:"encrypt" yaml:"encrypt"`
	Compress       bool              `json:"compress" yaml:"compress"`
	IntegrityCheck bool              `json:"integrity_check" yaml:"integrity_check"`
	Offsite        bool              `json:"offsite" yaml:"offsite"`
	Tags           []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// BackupFilter narrows ListBackups results. Zero values match everything.
type BackupFilter struct {
	Type          BackupType
	Status        BackupStatus
	Tag           string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Matches reports whether b satisfies the filter.
func (f BackupFilter) Matches(b *BackupRecord) bool {
	if f.Type != "" && b.Type != f.Type {
		return false
	}
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	if f.Tag != "" && !b.HasTag(f.Tag) {
		return false
	}
	if f.CreatedAfter != nil && b.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && b.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

// VerificationResult is the outcome of re-checking a stored artifact.
type VerificationResult struct {
	BackupID        uuid.UUID `json:"backup_id"`
	Valid           bool      `json:"valid"`
	ChecksumValid   bool      `json:"checksum_valid"`
	EncryptionValid bool      `json:"encryption_valid"`
	SizeValid       bool      `json:"size_valid"`
	Errors          []string  `json:"errors,omitempty"`
	VerifiedAt      time.Time `json:"verified_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
