package models

import (
	"time"

	"github.com/google/uuid"
)

// BackupKey is a per-backup data key wrapped by the master key.
type BackupKey struct {
	ID                uuid.UUID         `json:"id"`
	BackupID          uuid.UUID         `json:"backup_id"`
	Algorithm         string            `json:"algorithm"`
	BitLength         int               `json:"bit_length"`
	WrappedKey        []byte            `json:"wrapped_key"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedBy         string            `json:"created_by"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	RevokedAt         *time.Time        `json:"revoked_at,omitempty"`
	RotationAlertedAt *time.Time        `json:"rotation_alerted_at,omitempty"`
}

// IsRevoked reports whether the key has been revoked.
func (k *BackupKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// Revoke marks the key revoked and drops the wrapped material.
func (k *BackupKey) Revoke(at time.Time) {
	k.RevokedAt = &at
	k.WrappedKey = nil
}

// Clone returns a deep copy of the key.
func (k *BackupKey) Clone() *BackupKey {
	c := *k
	c.WrappedKey = append([]byte(nil), k.WrappedKey...)
	c.Metadata = cloneStringMap(k.Metadata)
	c.ExpiresAt = cloneTime(k.ExpiresAt)
	c.RevokedAt = cloneTime(k.RevokedAt)
	c.RotationAlertedAt = cloneTime(k.RotationAlertedAt)
	return &c
}

// CatalogID returns the catalog key.
func (k *BackupKey) CatalogID() uuid.UUID { return k.ID }

// KeyInfo describes a key without exposing its material.
type KeyInfo struct {
	ID        uuid.UUID  `json:"id"`
	BackupID  uuid.UUID  `json:"backup_id"`
	Algorithm string     `json:"algorithm"`
	BitLength int        `json:"bit_length"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Revoked   bool       `json:"revoked"`
}
