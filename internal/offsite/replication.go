package offsite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/audit"
	"github.com/MacJediWizard/keldris-recovery/internal/checksum"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// ReplicateBackup copies a completed replica to every target provider in
// parallel. The replication status moves to replicating, then to replicated
// when every target succeeded or to replication_failed otherwise. Failed
// targets are not retried; locations of targets that succeeded are kept.
func (m *Manager) ReplicateBackup(ctx context.Context, offsiteID uuid.UUID, cfg ReplicateConfig, actor string) (*models.OffsiteRecord, error) {
	rec, err := m.records.MustGet(offsiteID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.OffsiteStatusCompleted {
		return nil, apperrors.Kind(apperrors.ErrPolicy, "offsite record %s is %s, not completed", offsiteID, rec.Status)
	}
	targets := replicationTargets(rec.Provider, cfg.Targets)
	if len(targets) == 0 {
		return nil, apperrors.Kind(apperrors.ErrValidation, "no replication target other than the primary provider %s", rec.Provider)
	}

	logger := m.logger.With().Str("offsite_id", offsiteID.String()).Logger()
	persistCtx := context.WithoutCancel(ctx)
	if _, err := m.records.Update(persistCtx, offsiteID, func(r *models.OffsiteRecord) error {
		r.SetReplicationStatus(models.ReplicationStatusReplicating)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("persist replication status: %w", err)
	}

	opCtx, done, err := m.registry.Register(ctx, "offsite_replicate", offsiteID)
	if err != nil {
		return nil, err
	}
	defer done()

	locations, replicateErr := m.replicate(opCtx, rec, targets)

	status := models.ReplicationStatusReplicated
	if replicateErr != nil {
		status = models.ReplicationStatusFailed
	}
	updated, err := m.records.Update(persistCtx, offsiteID, func(r *models.OffsiteRecord) error {
		r.SetReplicationStatus(status)
		for _, loc := range locations {
			if !slices.Contains(r.ReplicaLocations, loc) {
				r.ReplicaLocations = append(r.ReplicaLocations, loc)
			}
		}
		if len(locations) > 0 {
			at := m.now()
			r.LastReplicatedAt = &at
		}
		details := fmt.Sprintf("%d/%d targets", len(locations), len(targets))
		if replicateErr != nil {
			details = replicateErr.Error()
		}
		r.LogAccess(actor, AccessReplicate, string(r.Provider), replicateErr == nil, details)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist replication result: %w", err)
	}

	audit.Emit(persistCtx, m.auditor, m.logger, audit.Event{
		Actor:        actor,
		Action:       audit.ActionReplicate,
		ResourceType: audit.ResourceOffsite,
		ResourceID:   offsiteID,
		Before:       rec,
		After:        updated,
	})
	if replicateErr != nil {
		logger.Error().Err(replicateErr).Int("replicated", len(locations)).Msg("replication failed")
		return updated, fmt.Errorf("replicate offsite %s: %w", offsiteID, replicateErr)
	}
	logger.Info().Strs("locations", locations).Msg("replica copied to all targets")
	return updated, nil
}

// replicate uploads the replica's bytes to each target and returns the
// locations that were written and verified.
func (m *Manager) replicate(ctx context.Context, rec *models.OffsiteRecord, targets []models.OffsiteProvider) ([]string, error) {
	src, cleanup, err := m.stageSource(ctx, rec)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	key := remoteKeyFor(rec)
	var (
		mu        sync.Mutex
		locations []string
		g         errgroup.Group
	)
	for _, target := range targets {
		g.Go(func() error {
			p, err := m.providers.Get(target)
			if err != nil {
				return err
			}
			opCtx, cancel := m.withTimeout(ctx)
			defer cancel()
			res, err := p.Upload(opCtx, src, key)
			if err == nil && res.Checksum != rec.Checksum {
				err = &apperrors.IntegrityError{
					Resource: string(target),
					Checks:   []string{fmt.Sprintf("checksum: got %s, want %s", res.Checksum, rec.Checksum)},
				}
			}
			if err != nil {
				m.metrics.RecordOffsite(string(target), AccessReplicate, false, 0)
				return fmt.Errorf("%s: %w", target, err)
			}
			m.metrics.RecordOffsite(string(target), AccessReplicate, true, res.Size)
			mu.Lock()
			locations = append(locations, res.Location)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	slices.Sort(locations)
	return locations, err
}

// stageSource returns a local file holding the replica's bytes: the backup
// artifact when it is still on disk and unchanged, otherwise a verified
// download from the primary provider.
func (m *Manager) stageSource(ctx context.Context, rec *models.OffsiteRecord) (string, func(), error) {
	noop := func() {}
	if b, ok := m.backups.Get(rec.BackupID); ok {
		if sum, _, err := checksum.File(ctx, b.ArtifactPath()); err == nil && sum == rec.Checksum {
			return b.ArtifactPath(), noop, nil
		}
	}

	p, err := m.providers.Get(rec.Provider)
	if err != nil {
		return "", noop, err
	}
	if err := os.MkdirAll(m.cfg.WorkDir, 0700); err != nil {
		return "", noop, fmt.Errorf("create work directory: %w", err)
	}
	dir, err := os.MkdirTemp(m.cfg.WorkDir, "replicate-")
	if err != nil {
		return "", noop, fmt.Errorf("create staging directory: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }
	dest := filepath.Join(dir, filepath.Base(remoteKeyFor(rec)))
	if err := m.fetch(ctx, p, rec, dest); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("stage from %s: %w", rec.Provider, err)
	}
	return dest, cleanup, nil
}

// replicationTargets drops duplicates and the primary provider.
func replicationTargets(primary models.OffsiteProvider, targets []models.OffsiteProvider) []models.OffsiteProvider {
	var out []models.OffsiteProvider
	for _, t := range targets {
		if t != primary && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// remoteKeyFor names the replica objects of rec on the target providers.
func remoteKeyFor(rec *models.OffsiteRecord) string {
	return remoteKey(rec.BackupType, rec.ID, rec.Location)
}

// GetReplicationStatus summarizes the replicas of a backup across its live
// offsite records. Health is unknown when no replication was attempted,
// healthy when every attempted record is replicated, degraded when some are
// and unhealthy when none are.
func (m *Manager) GetReplicationStatus(_ context.Context, backupID uuid.UUID) (*models.ReplicationSummary, error) {
	if _, ok := m.backups.Get(backupID); !ok && len(m.liveRecords(backupID)) == 0 {
		return nil, apperrors.Kind(apperrors.ErrNotFound, "backup %s not found", backupID)
	}
	return summarize(backupID, m.liveRecords(backupID)), nil
}

func (m *Manager) liveRecords(backupID uuid.UUID) []*models.OffsiteRecord {
	recs := m.records.List(func(r *models.OffsiteRecord) bool {
		return r.BackupID == backupID && r.Status != models.OffsiteStatusDeleted
	})
	slices.SortFunc(recs, func(a, b *models.OffsiteRecord) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return recs
}

func summarize(backupID uuid.UUID, recs []*models.OffsiteRecord) *models.ReplicationSummary {
	s := &models.ReplicationSummary{
		BackupID:         backupID,
		ReplicaLocations: []string{},
		Health:           models.ReplicationHealthUnknown,
	}
	attempted, replicated := 0, 0
	for _, r := range recs {
		if s.PrimaryLocation == "" && r.Status == models.OffsiteStatusCompleted {
			s.PrimaryLocation = r.Location
		}
		for _, loc := range r.ReplicaLocations {
			if !slices.Contains(s.ReplicaLocations, loc) {
				s.ReplicaLocations = append(s.ReplicaLocations, loc)
			}
		}
		if r.LastReplicatedAt != nil && (s.LastReplicationAt == nil || r.LastReplicatedAt.After(*s.LastReplicationAt)) {
			t := *r.LastReplicatedAt
			s.LastReplicationAt = &t
		}
		if r.ReplicationStatus == nil {
			continue
		}
		attempted++
		if *r.ReplicationStatus == models.ReplicationStatusReplicated {
			replicated++
		}
	}
	switch {
	case attempted == 0:
		s.Health = models.ReplicationHealthUnknown
	case replicated == attempted:
		s.Health = models.ReplicationHealthHealthy
	case replicated > 0:
		s.Health = models.ReplicationHealthDegraded
	default:
		s.Health = models.ReplicationHealthUnhealthy
	}
	return s
}

// CheckReplicationHealth computes the replication health of every backup
// with live offsite records, logs degraded and unhealthy ones and updates
// the health gauges. It never retries replication.
func (m *Manager) CheckReplicationHealth(ctx context.Context) (map[models.ReplicationHealth]int, error) {
	byBackup := make(map[uuid.UUID][]*models.OffsiteRecord)
	for _, r := range m.records.List(func(r *models.OffsiteRecord) bool { return r.Status != models.OffsiteStatusDeleted }) {
		byBackup[r.BackupID] = append(byBackup[r.BackupID], r)
	}

	counts := map[models.ReplicationHealth]int{
		models.ReplicationHealthHealthy:   0,
		models.ReplicationHealthDegraded:  0,
		models.ReplicationHealthUnhealthy: 0,
		models.ReplicationHealthUnknown:   0,
	}
	for backupID, recs := range byBackup {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		slices.SortFunc(recs, func(a, b *models.OffsiteRecord) int { return a.CreatedAt.Compare(b.CreatedAt) })
		s := summarize(backupID, recs)
		counts[s.Health]++
		switch s.Health {
		case models.ReplicationHealthUnhealthy:
			m.logger.Error().Str("backup_id", backupID.String()).Msg("replication unhealthy: no replica replicated")
		case models.ReplicationHealthDegraded:
			m.logger.Warn().Str("backup_id", backupID.String()).Msg("replication degraded")
		}
	}

	gauge := make(map[string]int, len(counts))
	for h, n := range counts {
		gauge[string(h)] = n
	}
	m.metrics.SetReplicationHealth(gauge)
	m.logger.Info().
		Int("healthy", counts[models.ReplicationHealthHealthy]).
		Int("degraded", counts[models.ReplicationHealthDegraded]).
		Int("unhealthy", counts[models.ReplicationHealthUnhealthy]).
		Int("unknown", counts[models.ReplicationHealthUnknown]).
		Msg("replication health checked")
	return counts, nil
}
