package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxAccessLogEntries bounds the per-record access log. Oldest entries are evicted first.
const MaxAccessLogEntries = 100

// OffsiteProvider identifies a remote storage provider.
type OffsiteProvider string

const (
	OffsiteProviderS3          OffsiteProvider = "s3"
	OffsiteProviderAzureBlob   OffsiteProvider = "azure_blob"
	OffsiteProviderGoogleCloud OffsiteProvider = "google_cloud"
	OffsiteProviderLocalRemote OffsiteProvider = "local_remote"
	OffsiteProviderSFTP        OffsiteProvider = "sftp"
)

// AllOffsiteProviders returns every known provider kind.
func AllOffsiteProviders() []OffsiteProvider {
	return []OffsiteProvider{
		OffsiteProviderS3,
		OffsiteProviderAzureBlob,
		OffsiteProviderGoogleCloud,
		OffsiteProviderLocalRemote,
		OffsiteProviderSFTP,
	}
}

// ParseOffsiteProvider parses a provider kind case-insensitively.
func ParseOffsiteProvider(s string) (OffsiteProvider, error) {
	p := OffsiteProvider(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(AllOffsiteProviders(), p) {
		return "", fmt.Errorf("unsupported offsite provider: %q", s)
	}
	return p, nil
}

// OffsiteStatus is the state of an offsite replica.
type OffsiteStatus string

const (
	OffsiteStatusPending   OffsiteStatus = "pending"
	OffsiteStatusUploading OffsiteStatus = "uploading"
	OffsiteStatusCompleted OffsiteStatus = "completed"
	OffsiteStatusFailed    OffsiteStatus = "failed"
	OffsiteStatusArchived  OffsiteStatus = "archived"
	OffsiteStatusDeleted   OffsiteStatus = "deleted"
)

// ReplicationStatus is the secondary replication state of an offsite record.
type ReplicationStatus string

const (
	ReplicationStatusNotReplicated ReplicationStatus = "not_replicated"
	ReplicationStatusReplicating   ReplicationStatus = "replicating"
	ReplicationStatusReplicated    ReplicationStatus = "replicated"
	ReplicationStatusFailed        ReplicationStatus = "replication_failed"
)

// AccessLogEntry records one access to an offsite replica.
type AccessLogEntry struct {
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
}

// OffsiteRecord is a replica of a backup stored at a remote provider.
type OffsiteRecord struct {
	ID                uuid.UUID          `json:"id"`
	BackupID          uuid.UUID          `json:"backup_id"`
	BackupType        BackupType         `json:"backup_type"`
	Provider          OffsiteProvider    `json:"provider"`
	Location          string             `json:"location,omitempty"`
	UploadedAt        *time.Time         `json:"uploaded_at,omitempty"`
	Size              int64              `json:"size"`
	Checksum          string             `json:"checksum,omitempty"`
	Status            OffsiteStatus      `json:"status"`
	ReplicationStatus *ReplicationStatus `json:"replication_status,omitempty"`
	ReplicaLocations  []string           `json:"replica_locations,omitempty"`
	LastReplicatedAt  *time.Time         `json:"last_replicated_at,omitempty"`
	ArchivedAt        *time.Time         `json:"archived_at,omitempty"`
	DeletedAt         *time.Time         `json:"deleted_at,omitempty"`
	AccessLog         []AccessLogEntry   `json:"access_log"`
	CreatedBy         string             `json:"created_by"`
	CreatedAt         time.Time          `json:"created_at"`
	ErrorMessage      string             `json:"error_message,omitempty"`
}

// NewOffsiteRecord creates a record in the uploading state for the given backup.
func NewOffsiteRecord(backup *BackupRecord, provider OffsiteProvider, actor string) *OffsiteRecord {
	return &OffsiteRecord{
		ID:         uuid.New(),
		BackupID:   backup.ID,
		BackupType: backup.Type,
		Provider:   provider,
		Status:     OffsiteStatusUploading,
		AccessLog:  []AccessLogEntry{},
		CreatedBy:  actor,
		CreatedAt:  time.Now().UTC(),
	}
}

// LogAccess appends an access-log entry, evicting the oldest beyond MaxAccessLogEntries.
func (r *OffsiteRecord) LogAccess(actor, action, source string, success bool, details string) {
	r.AccessLog = append(r.AccessLog, AccessLogEntry{
		Actor:     actor,
		Action:    action,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Success:   success,
		Details:   details,
	})
	if n := len(r.AccessLog); n > MaxAccessLogEntries {
		r.AccessLog = slices.Clone(r.AccessLog[n-MaxAccessLogEntries:])
	}
}

// SetReplicationStatus sets the replication status.
func (r *OffsiteRecord) SetReplicationStatus(status ReplicationStatus) {
	r.ReplicationStatus = &status
}

// ReplicationState returns the replication status or "" when undefined.
func (r *OffsiteRecord) ReplicationState() ReplicationStatus {
	if r.ReplicationStatus == nil {
		return ""
	}
	return *r.ReplicationStatus
}

// MarkCompleted records a successful upload.
func (r *OffsiteRecord) MarkCompleted(location string, size int64, checksum string) {
	now := time.Now().UTC()
	r.Status = OffsiteStatusCompleted
	r.Location = location
	r.Size = size
	r.Checksum = checksum
	r.UploadedAt = &now
	r.ErrorMessage = ""
}

// MarkFailed records an upload failure.
func (r *OffsiteRecord) MarkFailed(errMsg string) {
	r.Status = OffsiteStatusFailed
	r.ErrorMessage = errMsg
}

// MarkArchived moves the record to the archived state.
func (r *OffsiteRecord) MarkArchived() {
	now := time.Now().UTC()
	r.Status = OffsiteStatusArchived
	r.ArchivedAt = &now
}

// MarkDeleted tombstones the record.
func (r *OffsiteRecord) MarkDeleted() {
	now := time.Now().UTC()
	r.Status = OffsiteStatusDeleted
	r.DeletedAt = &now
}

// Clone returns a deep copy of the record.
func (r *OffsiteRecord) Clone() *OffsiteRecord {
	c := *r
	c.UploadedAt = cloneTime(r.UploadedAt)
	c.LastReplicatedAt = cloneTime(r.LastReplicatedAt)
	c.ArchivedAt = cloneTime(r.ArchivedAt)
	c.DeletedAt = cloneTime(r.DeletedAt)
	if r.ReplicationStatus != nil {
		s := *r.ReplicationStatus
		c.ReplicationStatus = &s
	}
	c.ReplicaLocations = slices.Clone(r.ReplicaLocations)
	c.AccessLog = slices.Clone(r.AccessLog)
	return &c
}

// CatalogID returns the catalog key.
func (r *OffsiteRecord) CatalogID() uuid.UUID { return r.ID }

// OffsiteFilter narrows offsite listings. Zero values match everything.
type OffsiteFilter struct {
	BackupID *uuid.UUID
	Provider OffsiteProvider
	Status   OffsiteStatus
}

// Matches reports whether r satisfies the filter.
func (f OffsiteFilter) Matches(r *OffsiteRecord) bool {
	if f.BackupID != nil && r.BackupID != *f.BackupID {
		return false
	}
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// ReplicationHealth summarizes replica state for a backup.
type ReplicationHealth string

const (
	ReplicationHealthHealthy   ReplicationHealth = "healthy"
	ReplicationHealthDegraded  ReplicationHealth = "degraded"
	ReplicationHealthUnhealthy ReplicationHealth = "unhealthy"
	ReplicationHealthUnknown   ReplicationHealth = "unknown"
)

// ReplicationSummary is the replication view of one backup across its offsite records.
type ReplicationSummary struct {
	BackupID          uuid.UUID         `json:"backup_id"`
	PrimaryLocation   string            `json:"primary_location"`
	ReplicaLocations  []string          `json:"replica_locations"`
	LastReplicationAt *time.Time        `json:"last_replication_at,omitempty"`
	Health            ReplicationHealth `json:"health"`
}
