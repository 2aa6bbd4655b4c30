// Package backup creates, verifies, restores and expires backups of the
// database, file trees, configuration and the whole data root.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/audit"
	"github.com/MacJediWizard/keldris-recovery/internal/checksum"
	"github.com/MacJediWizard/keldris-recovery/internal/crypto"
	"github.com/MacJediWizard/keldris-recovery/internal/lock"
	"github.com/MacJediWizard/keldris-recovery/internal/metrics"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
	"github.com/MacJediWizard/keldris-recovery/internal/notifications"
	"github.com/MacJediWizard/keldris-recovery/internal/shutdown"
	"github.com/MacJediWizard/keldris-recovery/internal/store"
)

// Metadata keys written on backup records.
const (
	MetaOffsiteRequested = "offsite_requested"
	MetaBaseBackupID     = "base_backup_id"
	MetaSince            = "since"
	MetaCompression      = "compression"
	// MetaPlaintextChecksum and MetaPlaintextSize describe the captured
	// artifact when Checksum and Size cover its zstd-compressed form.
	MetaPlaintextChecksum = "plaintext_checksum"
	MetaPlaintextSize     = "plaintext_size"
)

// KeyProvider issues data keys and encrypts artifacts with them.
type KeyProvider interface {
	GenerateKey(ctx context.Context, req crypto.KeyRequest) (*models.BackupKey, error)
	EncryptArtifact(ctx context.Context, path string, keyID uuid.UUID, compress bool) (string, error)
	DecryptArtifact(ctx context.Context, path, destDir string) (string, error)
	RevokeKey(ctx context.Context, id uuid.UUID) error
	KeysDueForRotation(maxAge time.Duration, now time.Time) []*models.BackupKey
	MarkRotationAlerted(ctx context.Context, id uuid.UUID) error
}

// DiskUsageFunc reports the used percentage of the filesystem holding path.
type DiskUsageFunc func(ctx context.Context, path string) (float64, error)

// Config holds the Backup Manager settings.
type Config struct {
	// BackupDir receives artifacts, one subdirectory per type.
	BackupDir string
	// RestoreDir is the default destination of RestoreBackup.
	RestoreDir string
	// HealthWindow bounds which backups the health sweep re-verifies.
	HealthWindow time.Duration
	// StorageFullPercent raises storage_full at or above this usage. Zero disables the check.
	StorageFullPercent float64
	// KeyRotationAge raises key_rotation_required for older keys. Zero disables the check.
	KeyRotationAge time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(backupDir string) Config {
	return Config{
		BackupDir:          backupDir,
		RestoreDir:         filepath.Join(backupDir, "restore"),
		HealthWindow:       7 * 24 * time.Hour,
		StorageFullPercent: 90,
		KeyRotationAge:     90 * 24 * time.Hour,
	}
}

// Manager owns the backup and alert catalogs.
type Manager struct {
	cfg       Config
	backups   *store.Catalog[*models.BackupRecord]
	alerts    *store.Catalog[*models.BackupAlert]
	keys      KeyProvider
	capturers map[models.BackupType]Capturer
	locker    lock.Locker
	auditor   audit.Recorder
	publisher notifications.AlertPublisher
	metrics   *metrics.PrometheusMetrics
	registry  *shutdown.Registry
	diskUsage DiskUsageFunc
	validate  *validator.Validate
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithCapturers replaces the capture routines.
func WithCapturers(c map[models.BackupType]Capturer) Option {
	return func(m *Manager) { m.capturers = c }
}

// WithLocker sets the per-type mutual exclusion guard.
func WithLocker(l lock.Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// WithAuditor sets the audit recorder.
func WithAuditor(r audit.Recorder) Option {
	return func(m *Manager) { m.auditor = r }
}

// WithAlertPublisher forwards every raised alert.
func WithAlertPublisher(p notifications.AlertPublisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(pm *metrics.PrometheusMetrics) Option {
	return func(m *Manager) { m.metrics = pm }
}

// WithRegistry registers captures as cancellable in-flight operations.
func WithRegistry(r *shutdown.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithDiskUsage replaces the disk usage probe.
func WithDiskUsage(f DiskUsageFunc) Option {
	return func(m *Manager) { m.diskUsage = f }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Backup Manager.
func NewManager(cfg Config, backups *store.Catalog[*models.BackupRecord], alerts *store.Catalog[*models.BackupAlert], keys KeyProvider, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if cfg.BackupDir == "" {
		return nil, apperrors.Kind(apperrors.ErrValidation, "backup directory is required")
	}
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = 7 * 24 * time.Hour
	}
	if cfg.RestoreDir == "" {
		cfg.RestoreDir = filepath.Join(cfg.BackupDir, "restore")
	}
	m := &Manager{
		cfg:       cfg,
		backups:   backups,
		alerts:    alerts,
		keys:      keys,
		capturers: map[models.BackupType]Capturer{},
		locker:    lock.NewLocalLocker(),
		diskUsage: HostDiskUsage,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("component", "backup_manager").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := os.MkdirAll(cfg.BackupDir, 0700); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	return m, nil
}

// CreateBackup captures, checksums, optionally encrypts and verifies a new
// backup. The record is persisted before capture starts so a failure at any
// step stays observable; on failure it is marked failed, a critical
// backup_failed alert is raised and the error is returned. Partial artifacts
// stay on disk.
func (m *Manager) CreateBackup(ctx context.Context, cfg models.BackupConfig, actor string) (*models.BackupRecord, error) {
	if err := m.validate.Struct(cfg); err != nil {
		return nil, apperrors.Kind(apperrors.ErrValidation, "invalid backup config: %v", err)
	}
	capturer, ok := m.capturers[cfg.Type]
	if !ok {
		return nil, apperrors.Kind(apperrors.ErrPolicy, "no capture routine for backup type %q", cfg.Type)
	}

	release, err := m.locker.TryAcquire(ctx, "backup:"+string(cfg.Type))
	if err != nil {
		return nil, fmt.Errorf("backup of type %s: %w", cfg.Type, err)
	}
	defer release()

	rec := models.NewBackupRecord(cfg.Name, cfg.Type, cfg.RetentionDays, actor)
	rec.CreatedAt = m.now()
	rec.ExpiresAt = models.ExpiryFor(rec.CreatedAt, cfg.RetentionDays)
	rec.Tags = append(rec.Tags, cfg.Tags...)
	for k, v := range cfg.Metadata {
		rec.Metadata[k] = v
	}
	if cfg.Offsite {
		rec.Metadata[MetaOffsiteRequested] = "true"
	}

	logger := m.logger.With().
		Str("backup_id", rec.ID.String()).
		Str("type", string(rec.Type)).
		Logger()

	if err := m.backups.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist pending backup: %w", err)
	}

	start := time.Now()
	opCtx, done, err := m.registry.Register(ctx, "backup", rec.ID)
	if err != nil {
		return nil, m.failBackup(ctx, rec, err, logger)
	}
	defer done()

	if err := m.runBackup(opCtx, rec, cfg, actor, capturer, logger); err != nil {
		m.metrics.RecordBackup(string(rec.Type), string(models.BackupStatusFailed), time.Since(start).Seconds(), 0)
		return nil, m.failBackup(ctx, rec, err, logger)
	}

	m.metrics.RecordBackup(string(rec.Type), string(rec.Status), time.Since(start).Seconds(), rec.StoredSize())
	m.raiseAlert(ctx, models.NewBackupAlert(models.AlertTypeBackupCreated, models.AlertSeverityInfo,
		fmt.Sprintf("backup %q completed", rec.Name)).
		ForBackup(rec.ID).
		WithDetail("status", string(rec.Status)).
		WithDetail("size", rec.StoredSize()))
	audit.Emit(ctx, m.auditor, m.logger, audit.Event{
		Actor:        actor,
		Action:       audit.ActionCreate,
		ResourceType: audit.ResourceBackup,
		ResourceID:   rec.ID,
		After:        rec,
	})

	logger.Info().
		Str("status", string(rec.Status)).
		Int64("size", rec.StoredSize()).
		Dur("duration", time.Since(start)).
		Msg("backup created")
	return rec.Clone(), nil
}

// runBackup walks the record through the capture pipeline, persisting each
// status change.
func (m *Manager) runBackup(ctx context.Context, rec *models.BackupRecord, cfg models.BackupConfig, actor string, capturer Capturer, logger zerolog.Logger) error {
	rec.Start()
	if err := m.backups.Put(ctx, rec); err != nil {
		return err
	}

	if cfg.Encrypt {
		key, err := m.keys.GenerateKey(ctx, crypto.KeyRequest{
			BackupID:  rec.ID,
			ExpiresAt: &rec.ExpiresAt,
			Metadata:  map[string]string{"backup_type": string(rec.Type), "backup_name": rec.Name},
			Actor:     actor,
		})
		if err != nil {
			return &stepError{step: "generate key", err: err, encryption: true}
		}
		keyID := key.ID
		rec.KeyID = &keyID
	}

	req := CaptureRequest{
		BackupID: rec.ID,
		Type:     rec.Type,
		Dir:      filepath.Join(m.cfg.BackupDir, string(rec.Type)),
		Compress: cfg.Compress,
	}
	if err := m.applyBase(rec, &req); err != nil {
		return &stepError{step: "resolve base backup", err: err}
	}
	if err := os.MkdirAll(req.Dir, 0700); err != nil {
		return &stepError{step: "prepare artifact directory", err: err}
	}

	path, err := capturer.Capture(ctx, req)
	if err != nil {
		return &stepError{step: "capture", err: err}
	}
	rec.Location = path

	sum, size, err := checksum.File(ctx, path)
	if err != nil {
		return &stepError{step: "checksum", err: err}
	}
	rec.Checksum = sum
	rec.Size = size
	if err := m.backups.Put(ctx, rec); err != nil {
		return err
	}
	logger.Debug().Str("path", path).Int64("size", size).Msg("artifact captured")

	if cfg.Encrypt {
		encPath, err := m.keys.EncryptArtifact(ctx, path, *rec.KeyID, cfg.Compress)
		if err != nil {
			return &stepError{step: "encrypt", err: err, encryption: true}
		}
		encSum, encSize, err := checksum.File(ctx, encPath)
		if err != nil {
			return &stepError{step: "checksum encrypted artifact", err: err}
		}
		rec.EncryptedLocation = encPath
		rec.EncryptedChecksum = encSum
		rec.EncryptedSize = encSize
		rec.Encrypted = true
		rec.Compressed = cfg.Compress
		if err := os.Remove(path); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("failed to discard plaintext artifact")
		}
		if err := m.backups.Put(ctx, rec); err != nil {
			return err
		}
	} else if cfg.Compress {
		rec.Compressed = true
		if isArchive(path) {
			rec.Metadata[MetaCompression] = "gzip"
		} else {
			zpath, err := compressArtifact(ctx, path)
			if err != nil {
				return &stepError{step: "compress", err: err}
			}
			sum, size, err := checksum.File(ctx, zpath)
			if err != nil {
				return &stepError{step: "checksum compressed artifact", err: err}
			}
			rec.Metadata[MetaPlaintextChecksum] = rec.Checksum
			rec.Metadata[MetaPlaintextSize] = strconv.FormatInt(rec.Size, 10)
			rec.Location, rec.Checksum, rec.Size = zpath, sum, size
			rec.Metadata[MetaCompression] = "zstd"
		}
		if err := m.backups.Put(ctx, rec); err != nil {
			return err
		}
	}

	verified := false
	if cfg.IntegrityCheck {
		rec.Status = models.BackupStatusVerifying
		if err := m.backups.Put(ctx, rec); err != nil {
			return err
		}
		result := m.verifyRecord(ctx, rec)
		m.metrics.RecordVerification(result.Valid)
		if !result.Valid {
			return &stepError{step: "verify", err: integrityError(rec.ID, result), verification: result}
		}
		verified = true
	}

	rec.Complete(verified)
	rec.CompletedAt = timePtr(m.now())
	return m.backups.Put(ctx, rec)
}

// applyBase points incremental and differential captures at their base
// backup: the newest restorable backup of any file-bearing type for
// incremental, the newest restorable full backup for differential.
func (m *Manager) applyBase(rec *models.BackupRecord, req *CaptureRequest) error {
	var bases []models.BackupType
	switch rec.Type {
	case models.BackupTypeIncremental:
		bases = []models.BackupType{models.BackupTypeFull, models.BackupTypeIncremental, models.BackupTypeDifferential}
	case models.BackupTypeDifferential:
		bases = []models.BackupType{models.BackupTypeFull}
	default:
		return nil
	}
	base := m.newestRestorable(bases...)
	if base == nil {
		m.logger.Info().Str("type", string(rec.Type)).Msg("no base backup found, capturing everything")
		return nil
	}
	req.Since = base.CreatedAt
	rec.Metadata[MetaBaseBackupID] = base.ID.String()
	rec.Metadata[MetaSince] = base.CreatedAt.Format(time.RFC3339Nano)
	return nil
}

// stepError records which pipeline step failed.
type stepError struct {
	step         string
	err          error
	encryption   bool
	verification *models.VerificationResult
}

func (e *stepError) Error() string { return e.step + ": " + e.err.Error() }

func (e *stepError) Unwrap() error { return e.err }

// failBackup marks rec failed, raises the alerts for the failing step and
// returns the error for the caller.
func (m *Manager) failBackup(ctx context.Context, rec *models.BackupRecord, cause error, logger zerolog.Logger) error {
	// The record must reach failed even if the operation context was cancelled.
	persistCtx := context.WithoutCancel(ctx)

	rec.Fail(cause.Error())
	if err := m.backups.Put(persistCtx, rec); err != nil {
		logger.Error().Err(err).Msg("failed to persist failed backup status")
	}
	logger.Error().Err(cause).Msg("backup failed")

	var se *stepError
	if errors.As(cause, &se) {
		if se.encryption {
			m.raiseAlert(persistCtx, models.NewBackupAlert(models.AlertTypeEncryptionFailed, models.AlertSeverityError,
				fmt.Sprintf("encryption of backup %q failed", rec.Name)).
				ForBackup(rec.ID).
				WithDetail("error", se.err.Error()))
		}
		if se.verification != nil {
			m.raiseAlert(persistCtx, models.NewBackupAlert(models.AlertTypeVerificationFailed, models.AlertSeverityError,
				fmt.Sprintf("verification of backup %q failed", rec.Name)).
				ForBackup(rec.ID).
				WithDetail("errors", se.verification.Errors))
		}
	}
	m.raiseAlert(persistCtx, models.NewBackupAlert(models.AlertTypeBackupFailed, models.AlertSeverityCritical,
		fmt.Sprintf("backup %q failed", rec.Name)).
		ForBackup(rec.ID).
		WithDetail("error", cause.Error()).
		WithDetail("type", string(rec.Type)))
	audit.Emit(persistCtx, m.auditor, m.logger, audit.Event{
		Actor:        rec.CreatedBy,
		Action:       audit.ActionCreate,
		ResourceType: audit.ResourceBackup,
		ResourceID:   rec.ID,
		After:        rec,
	})
	return cause
}

// GetBackupMetadata returns a backup record.
func (m *Manager) GetBackupMetadata(_ context.Context, id uuid.UUID) (*models.BackupRecord, error) {
	return m.backups.MustGet(id)
}

// ListBackups returns backups matching filter, newest first.
func (m *Manager) ListBackups(_ context.Context, filter models.BackupFilter) []*models.BackupRecord {
	out := m.backups.List(filter.Matches)
	sortNewestFirst(out)
	return out
}

// LatestRestorable returns the newest completed or verified backup of a type.
func (m *Manager) LatestRestorable(_ context.Context, backupType models.BackupType) (*models.BackupRecord, error) {
	rec := m.newestRestorable(backupType)
	if rec == nil {
		return nil, apperrors.Kind(apperrors.ErrNotFound, "no restorable %s backup", backupType)
	}
	return rec, nil
}

func (m *Manager) newestRestorable(types ...models.BackupType) *models.BackupRecord {
	var newest *models.BackupRecord
	for _, rec := range m.backups.List(func(b *models.BackupRecord) bool {
		if !b.IsRestorable() {
			return false
		}
		for _, t := range types {
			if b.Type == t {
				return true
			}
		}
		return false
	}) {
		if newest == nil || rec.CreatedAt.After(newest.CreatedAt) {
			newest = rec
		}
	}
	return newest
}

// DeleteBackup removes a backup's artifacts, revokes its key and drops the
// catalog entry. Artifact removal is best effort. It returns false when the
// backup does not exist.
func (m *Manager) DeleteBackup(ctx context.Context, id uuid.UUID, actor string) (bool, error) {
	rec, ok := m.backups.Get(id)
	if !ok {
		return false, nil
	}
	logger := m.logger.With().Str("backup_id", id.String()).Logger()

	for _, path := range []string{rec.Location, rec.EncryptedLocation} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("failed to remove backup artifact")
		}
	}
	if rec.KeyID != nil {
		if err := m.keys.RevokeKey(ctx, *rec.KeyID); err != nil && !apperrors.IsNotFound(err) {
			logger.Warn().Err(err).Str("key_id", rec.KeyID.String()).Msg("failed to revoke backup key")
		}
	}

	deleted, err := m.backups.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	audit.Emit(ctx, m.auditor, m.logger, audit.Event{
		Actor:        actor,
		Action:       audit.ActionDelete,
		ResourceType: audit.ResourceBackup,
		ResourceID:   id,
		Before:       rec,
	})
	logger.Info().Str("actor", actor).Msg("backup deleted")
	return deleted, nil
}

// CleanupExpiredBackups deletes every backup whose expiry is before now and
// raises one retention_expired alert per deletion.
func (m *Manager) CleanupExpiredBackups(ctx context.Context) (int, error) {
	now := m.now()
	expired := m.backups.List(func(b *models.BackupRecord) bool { return b.IsExpired(now) })

	count := 0
	var errs []error
	for _, rec := range expired {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		deleted, err := m.DeleteBackup(ctx, rec.ID, "system:retention")
		if err != nil {
			errs = append(errs, fmt.Errorf("delete expired backup %s: %w", rec.ID, err))
			continue
		}
		if !deleted {
			continue
		}
		count++
		m.raiseAlert(ctx, models.NewBackupAlert(models.AlertTypeRetentionExpired, models.AlertSeverityInfo,
			fmt.Sprintf("backup %q expired and was deleted", rec.Name)).
			ForBackup(rec.ID).
			WithDetail("expired_at", rec.ExpiresAt.Format(time.RFC3339)).
			WithDetail("retention_days", rec.RetentionDays))
	}

	if count > 0 {
		m.logger.Info().Int("deleted", count).Msg("expired backups cleaned up")
	}
	return count, errors.Join(errs...)
}

// RecoverInterrupted marks backups left pending, in progress or verifying by a
// previous process as failed.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int, error) {
	stuck := m.backups.List(func(b *models.BackupRecord) bool {
		switch b.Status {
		case models.BackupStatusPending, models.BackupStatusInProgress, models.BackupStatusVerifying:
			return true
		}
		return false
	})
	for _, rec := range stuck {
		if _, err := m.backups.Update(ctx, rec.ID, func(b *models.BackupRecord) error {
			b.Fail("interrupted: process stopped before the backup finished")
			return nil
		}); err != nil {
			return 0, err
		}
	}
	return len(stuck), nil
}

// Stats counts catalog entries by status.
func (m *Manager) Stats() map[models.BackupStatus]int {
	counts := map[models.BackupStatus]int{}
	for _, b := range m.backups.List(nil) {
		counts[b.Status]++
	}
	return counts
}

func timePtr(t time.Time) *time.Time { return &t }
