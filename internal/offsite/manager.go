// Package offsite replicates completed backups to remote storage providers,
// tracks replica health and enforces offsite retention policies.
package offsite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/audit"
	"github.com/MacJediWizard/keldris-recovery/internal/checksum"
	"github.com/MacJediWizard/keldris-recovery/internal/metrics"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
	"github.com/MacJediWizard/keldris-recovery/internal/offsite/providers"
	"github.com/MacJediWizard/keldris-recovery/internal/shutdown"
	"github.com/MacJediWizard/keldris-recovery/internal/store"
)

// Access log actions.
const (
	AccessUpload    = "upload"
	AccessDownload  = "download"
	AccessDelete    = "delete"
	AccessReplicate = "replicate"
	AccessArchive   = "archive"
)

// UploadConfig selects the primary provider and optional replication.
type UploadConfig struct {
	Provider           models.OffsiteProvider   `json:"provider" validate:"required"`
	ReplicationEnabled bool                     `json:"replication_enabled"`
	ReplicationTargets []models.OffsiteProvider `json:"replication_targets,omitempty"`
}

// ReplicateConfig lists the providers a replica is copied to.
type ReplicateConfig struct {
	Targets []models.OffsiteProvider `json:"targets" validate:"min=1"`
}

// Config holds the Offsite Manager settings.
type Config struct {
	// WorkDir holds staging files while replicating from a remote.
	WorkDir string
	// OperationTimeout bounds every provider call. Zero means no bound.
	OperationTimeout time.Duration
	// Policies are the retention policies, by ID.
	Policies []models.RetentionPolicy
}

// Manager owns the offsite record catalog.
type Manager struct {
	cfg       Config
	records   *store.Catalog[*models.OffsiteRecord]
	backups   *store.Catalog[*models.BackupRecord]
	providers *providers.Registry
	policies  map[string]models.RetentionPolicy
	auditor   audit.Recorder
	metrics   *metrics.PrometheusMetrics
	registry  *shutdown.Registry
	validate  *validator.Validate
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuditor sets the audit recorder.
func WithAuditor(r audit.Recorder) Option {
	return func(m *Manager) { m.auditor = r }
}

// WithMetrics sets the metrics sink.
func WithMetrics(pm *metrics.PrometheusMetrics) Option {
	return func(m *Manager) { m.metrics = pm }
}

// WithRegistry registers transfers as cancellable in-flight operations.
func WithRegistry(r *shutdown.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an Offsite Manager. Policies default to
// models.DefaultRetentionPolicies.
func NewManager(cfg Config, records *store.Catalog[*models.OffsiteRecord], backups *store.Catalog[*models.BackupRecord], reg *providers.Registry, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "keldris-offsite")
	}
	if len(cfg.Policies) == 0 {
		cfg.Policies = models.DefaultRetentionPolicies()
	}
	m := &Manager{
		cfg:       cfg,
		records:   records,
		backups:   backups,
		providers: reg,
		policies:  make(map[string]models.RetentionPolicy, len(cfg.Policies)),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("component", "offsite_manager").Logger(),
	}
	for _, p := range cfg.Policies {
		if err := m.validate.Struct(p); err != nil {
			return nil, apperrors.Kind(apperrors.ErrValidation, "invalid retention policy %q: %v", p.ID, err)
		}
		if _, dup := m.policies[p.ID]; dup {
			return nil, apperrors.Kind(apperrors.ErrValidation, "duplicate retention policy %q", p.ID)
		}
		m.policies[p.ID] = p
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// UploadBackup copies a restorable backup to the configured provider. The
// provider's checksum, computed over the streamed bytes, must equal the
// backup's stored checksum; on mismatch the record is marked failed and an
// integrity error is returned.
func (m *Manager) UploadBackup(ctx context.Context, backupID uuid.UUID, cfg UploadConfig, actor string) (*models.OffsiteRecord, error) {
	if err := m.validate.Struct(cfg); err != nil {
		return nil, apperrors.Kind(apperrors.ErrValidation, "invalid upload config: %v", err)
	}
	src, err := m.backups.MustGet(backupID)
	if err != nil {
		return nil, err
	}
	if !src.IsRestorable() {
		return nil, apperrors.Kind(apperrors.ErrPolicy, "backup %s is %s, not restorable", backupID, src.Status)
	}
	provider, err := m.providers.Get(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if cfg.ReplicationEnabled && len(replicationTargets(cfg.Provider, cfg.ReplicationTargets)) == 0 {
		return nil, apperrors.Kind(apperrors.ErrValidation, "replication needs a target other than the primary provider %s", cfg.Provider)
	}

	rec := models.NewOffsiteRecord(src, cfg.Provider, actor)
	rec.CreatedAt = m.now()
	if err := m.records.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist offsite record: %w", err)
	}

	logger := m.logger.With().
		Str("offsite_id", rec.ID.String()).
		Str("backup_id", backupID.String()).
		Str("provider", string(cfg.Provider)).
		Logger()

	opCtx, done, err := m.registry.Register(ctx, "offsite_upload", rec.ID)
	if err != nil {
		if _, uerr := m.records.Update(context.WithoutCancel(ctx), rec.ID, func(r *models.OffsiteRecord) error {
			r.MarkFailed(err.Error())
			r.LogAccess(actor, AccessUpload, string(cfg.Provider), false, err.Error())
			return nil
		}); uerr != nil {
			logger.Error().Err(uerr).Msg("failed to persist offsite failure")
		}
		return nil, err
	}
	defer done()

	res, uploadErr := m.upload(opCtx, provider, src, rec.ID)
	if uploadErr == nil && res.Checksum != src.StoredChecksum() {
		uploadErr = &apperrors.IntegrityError{
			Resource: "offsite " + rec.ID.String(),
			Checks:   []string{fmt.Sprintf("checksum: provider reported %s, backup stored %s", res.Checksum, src.StoredChecksum())},
		}
	}

	persistCtx := context.WithoutCancel(ctx)
	if uploadErr != nil {
		updated, err := m.records.Update(persistCtx, rec.ID, func(r *models.OffsiteRecord) error {
			r.MarkFailed(uploadErr.Error())
			r.LogAccess(actor, AccessUpload, string(cfg.Provider), false, uploadErr.Error())
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to persist offsite failure")
		}
		m.metrics.RecordOffsite(string(cfg.Provider), AccessUpload, false, 0)
		logger.Error().Err(uploadErr).Msg("offsite upload failed")
		audit.Emit(persistCtx, m.auditor, m.logger, audit.Event{
			Actor:        actor,
			Action:       audit.ActionUpload,
			ResourceType: audit.ResourceOffsite,
			ResourceID:   rec.ID,
			After:        updated,
		})
		return updated, fmt.Errorf("upload backup %s to %s: %w", backupID, cfg.Provider, uploadErr)
	}

	updated, err := m.records.Update(persistCtx, rec.ID, func(r *models.OffsiteRecord) error {
		r.MarkCompleted(res.Location, res.Size, res.Checksum)
		uploaded := m.now()
		r.UploadedAt = &uploaded
		r.LogAccess(actor, AccessUpload, string(cfg.Provider), true, res.Location)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist offsite record: %w", err)
	}
	if _, err := m.backups.Update(persistCtx, backupID, func(b *models.BackupRecord) error {
		b.AddLocation(res.Location)
		return nil
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to record offsite location on backup")
	}

	m.metrics.RecordOffsite(string(cfg.Provider), AccessUpload, true, res.Size)
	logger.Info().Str("location", res.Location).Int64("size", res.Size).Msg("backup uploaded offsite")
	audit.Emit(persistCtx, m.auditor, m.logger, audit.Event{
		Actor:        actor,
		Action:       audit.ActionUpload,
		ResourceType: audit.ResourceOffsite,
		ResourceID:   rec.ID,
		After:        updated,
	})

	if cfg.ReplicationEnabled {
		replicated, err := m.ReplicateBackup(ctx, rec.ID, ReplicateConfig{Targets: cfg.ReplicationTargets}, actor)
		if err != nil {
			// The upload itself succeeded; the failure is visible in the
			// replication status.
			logger.Warn().Err(err).Msg("replication after upload failed")
			if replicated != nil {
				return replicated, nil
			}
			return m.records.MustGet(rec.ID)
		}
		return replicated, nil
	}
	return updated, nil
}

func (m *Manager) upload(ctx context.Context, p providers.Provider, src *models.BackupRecord, offsiteID uuid.UUID) (*providers.UploadResult, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	return p.Upload(ctx, src.ArtifactPath(), remoteKey(src.Type, offsiteID, src.ArtifactPath()))
}

// DownloadBackup fetches a replica into destination, a directory or a file
// path, and re-verifies its checksum. A mismatching file is removed and an
// integrity error returned.
func (m *Manager) DownloadBackup(ctx context.Context, offsiteID uuid.UUID, destination, actor string) (string, error) {
	rec, err := m.records.MustGet(offsiteID)
	if err != nil {
		return "", err
	}
	if rec.Status != models.OffsiteStatusCompleted && rec.Status != models.OffsiteStatusArchived {
		return "", apperrors.Kind(apperrors.ErrPolicy, "offsite record %s is %s", offsiteID, rec.Status)
	}
	provider, err := m.providers.Get(rec.Provider)
	if err != nil {
		return "", err
	}

	dest := destination
	if info, err := os.Stat(destination); err == nil && info.IsDir() {
		dest = filepath.Join(destination, path.Base(rec.Location))
	} else if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return "", fmt.Errorf("create destination: %w", err)
	}

	downloadErr := m.fetch(ctx, provider, rec, dest)
	m.logAccess(context.WithoutCancel(ctx), offsiteID, actor, AccessDownload, string(rec.Provider), downloadErr, dest)
	m.metrics.RecordOffsite(string(rec.Provider), AccessDownload, downloadErr == nil, rec.Size)
	if downloadErr != nil {
		return "", fmt.Errorf("download offsite %s: %w", offsiteID, downloadErr)
	}

	m.logger.Info().Str("offsite_id", offsiteID.String()).Str("destination", dest).Msg("offsite replica downloaded")
	audit.Emit(ctx, m.auditor, m.logger, audit.Event{
		Actor:        actor,
		Action:       audit.ActionDownload,
		ResourceType: audit.ResourceOffsite,
		ResourceID:   offsiteID,
	})
	return dest, nil
}

// fetch downloads rec into dest and verifies size and checksum, removing
// dest when they do not match.
func (m *Manager) fetch(ctx context.Context, p providers.Provider, rec *models.OffsiteRecord, dest string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := p.Download(ctx, rec.Location, dest); err != nil {
		os.Remove(dest)
		return err
	}
	sum, size, err := checksum.File(ctx, dest)
	if err != nil {
		os.Remove(dest)
		return err
	}
	var failed []string
	if sum != rec.Checksum {
		failed = append(failed, fmt.Sprintf("checksum: got %s, want %s", sum, rec.Checksum))
	}
	if size != rec.Size {
		failed = append(failed, fmt.Sprintf("size: got %d, want %d", size, rec.Size))
	}
	if len(failed) > 0 {
		os.Remove(dest)
		return &apperrors.IntegrityError{Resource: "offsite " + rec.ID.String(), Checks: failed}
	}
	return nil
}

// DeleteOffsiteBackup removes the replica and its secondary copies from the
// remotes, best-effort, and tombstones the record regardless.
func (m *Manager) DeleteOffsiteBackup(ctx context.Context, offsiteID uuid.UUID, actor string) (*models.OffsiteRecord, error) {
	rec, err := m.records.MustGet(offsiteID)
	if err != nil {
		return nil, err
	}
	before := rec.Clone()
	remoteErr := m.deleteRemote(ctx, rec)
	if remoteErr != nil {
		m.logger.Warn().Err(remoteErr).Str("offsite_id", offsiteID.String()).Msg("remote delete failed; tombstoning anyway")
	}

	updated, err := m.records.Update(context.WithoutCancel(ctx), offsiteID, func(r *models.OffsiteRecord) error {
		r.MarkDeleted()
		deleted := m.now()
		r.DeletedAt = &deleted
		details := r.Location
		if remoteErr != nil {
			details = remoteErr.Error()
		}
		r.LogAccess(actor, AccessDelete, string(r.Provider), remoteErr == nil, details)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tombstone offsite record: %w", err)
	}
	m.metrics.RecordOffsite(string(rec.Provider), AccessDelete, remoteErr == nil, 0)
	audit.Emit(ctx, m.auditor, m.logger, audit.Event{
		Actor:        actor,
		Action:       audit.ActionDelete,
		ResourceType: audit.ResourceOffsite,
		ResourceID:   offsiteID,
		Before:       before,
		After:        updated,
	})
	return updated, nil
}

func (m *Manager) deleteRemote(ctx context.Context, rec *models.OffsiteRecord) error {
	if rec.Location == "" {
		return nil
	}
	var errs []error
	locations := append([]string{rec.Location}, rec.ReplicaLocations...)
	for _, loc := range locations {
		kind := rec.Provider
		if loc != rec.Location {
			k, ok := providerForLocation(loc)
			if !ok {
				continue
			}
			kind = k
		}
		p, err := m.providers.Get(kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		opCtx, cancel := m.withTimeout(ctx)
		err = p.Delete(opCtx, loc)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", loc, err))
		}
	}
	if len(errs) > 0 {
		return apperrors.Transient("delete offsite replica", errors.Join(errs...))
	}
	return nil
}

// GetOffsiteRecord returns one offsite record.
func (m *Manager) GetOffsiteRecord(id uuid.UUID) (*models.OffsiteRecord, error) {
	return m.records.MustGet(id)
}

// ListOffsiteRecords returns records matching filter, newest first.
func (m *Manager) ListOffsiteRecords(filter models.OffsiteFilter) []*models.OffsiteRecord {
	out := m.records.List(filter.Matches)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Providers returns the configured provider kinds.
func (m *Manager) Providers() []models.OffsiteProvider {
	return m.providers.Kinds()
}

// CheckProviders probes every configured provider. The map holds nil for
// reachable providers.
func (m *Manager) CheckProviders(ctx context.Context) map[models.OffsiteProvider]error {
	out := make(map[models.OffsiteProvider]error)
	for _, kind := range m.providers.Kinds() {
		p, err := m.providers.Get(kind)
		if err == nil {
			cctx, cancel := m.withTimeout(ctx)
			err = p.Check(cctx)
			cancel()
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("provider", string(kind)).Msg("offsite provider check failed")
		}
		out[kind] = err
	}
	return out
}

func (m *Manager) logAccess(ctx context.Context, id uuid.UUID, actor, action, source string, opErr error, details string) {
	if opErr != nil {
		details = opErr.Error()
	}
	if _, err := m.records.Update(ctx, id, func(r *models.OffsiteRecord) error {
		r.LogAccess(actor, action, source, opErr == nil, details)
		return nil
	}); err != nil {
		m.logger.Warn().Err(err).Str("offsite_id", id.String()).Msg("failed to append access log")
	}
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.OperationTimeout)
}

// remoteKey names the object of one offsite record:
// "<type>/<offsite id>/<artifact file name>". Records never share an object,
// so deleting one leaves the bytes of every other record in place.
func remoteKey(t models.BackupType, offsiteID uuid.UUID, artifact string) string {
	return path.Join(string(t), offsiteID.String(), filepath.Base(artifact))
}

// providerForLocation infers the provider kind from a location string.
func providerForLocation(loc string) (models.OffsiteProvider, bool) {
	switch {
	case strings.HasPrefix(loc, "s3://"):
		return models.OffsiteProviderS3, true
	case strings.HasPrefix(loc, "azure://"):
		return models.OffsiteProviderAzureBlob, true
	case strings.HasPrefix(loc, "gs://"):
		return models.OffsiteProviderGoogleCloud, true
	case strings.HasPrefix(loc, "sftp://"):
		return models.OffsiteProviderSFTP, true
	case filepath.IsAbs(loc):
		return models.OffsiteProviderLocalRemote, true
	}
	return "", false
}
