package models

import (
	"slices"
	"time"
)

// RetentionPolicy governs how long offsite replicas are kept.
type RetentionPolicy struct {
	ID               string       `json:"id" yaml:"id" koanf:"id" validate:"required"`
	Name             string       `json:"name" yaml:"name" koanf:"name" validate:"required"`
	RetentionDays    int          `json:"retention_days" yaml:"retention_days" koanf:"retention_days" validate:"gte=1"`
	BackupTypes      []BackupType `json:"backup_types" yaml:"backup_types" koanf:"backup_types" validate:"min=1"`
	AutoDelete       bool         `json:"auto_delete" yaml:"auto_delete" koanf:"auto_delete"`
	ArchiveAfterDays int          `json:"archive_after_days,omitempty" yaml:"archive_after_days,omitempty" koanf:"archive_after_days" validate:"gte=0"`
}

// AppliesTo reports whether the policy covers the backup type.
func (p RetentionPolicy) AppliesTo(t BackupType) bool {
	return slices.Contains(p.BackupTypes, t)
}

// DeleteCutoff returns the upload time before which replicas are deleted.
func (p RetentionPolicy) DeleteCutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(p.RetentionDays) * 24 * time.Hour)
}

// ArchiveCutoff returns the upload time before which replicas are archived.
func (p RetentionPolicy) ArchiveCutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(p.ArchiveAfterDays) * 24 * time.Hour)
}

// DefaultRetentionPolicies returns the pre-configured offsite retention policies.
func DefaultRetentionPolicies() []RetentionPolicy {
	return []RetentionPolicy{
		{
			ID:            "database-30d",
			Name:          "Database 30 days",
			RetentionDays: 30,
			BackupTypes:   []BackupType{BackupTypeDatabase, BackupTypeFull},
			AutoDelete:    true,
		},
		{
			ID:            "full-90d",
			Name:          "Full 90 days",
			RetentionDays: 90,
			BackupTypes:   []BackupType{BackupTypeFull},
			AutoDelete:    true,
		},
		{
			ID:               "full-365d-archive",
			Name:             "Full 365 days with archive",
			RetentionDays:    365,
			BackupTypes:      []BackupType{BackupTypeFull},
			AutoDelete:       false,
			ArchiveAfterDays: 180,
		},
	}
}
