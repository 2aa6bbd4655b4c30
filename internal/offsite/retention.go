package offsite

import (
	"context"
	"sort"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/audit"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// Policies returns the configured retention policies sorted by ID.
func (m *Manager) Policies() []models.RetentionPolicy {
	out := make([]models.RetentionPolicy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EnforceRetentionPolicy applies one policy to the completed replicas of the
// backup types it covers. With AutoDelete, replicas uploaded before the
// retention cutoff are deleted; otherwise, when ArchiveAfterDays is set,
// replicas uploaded before the archive cutoff are archived. It returns the
// number of replicas deleted.
func (m *Manager) EnforceRetentionPolicy(ctx context.Context, policyID string) (int, error) {
	policy, ok := m.policies[policyID]
	if !ok {
		return 0, apperrors.Kind(apperrors.ErrNotFound, "retention policy %q not found", policyID)
	}

	now := m.now()
	deleteCutoff := policy.DeleteCutoff(now)
	archiveCutoff := policy.ArchiveCutoff(now)
	logger := m.logger.With().Str("policy", policy.ID).Logger()
	const actor = "system:retention"

	candidates := m.records.List(func(r *models.OffsiteRecord) bool {
		return r.Status == models.OffsiteStatusCompleted && r.UploadedAt != nil && policy.AppliesTo(r.BackupType)
	})

	deleted, archived := 0, 0
	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		switch {
		case policy.AutoDelete && rec.UploadedAt.Before(deleteCutoff):
			if _, err := m.DeleteOffsiteBackup(ctx, rec.ID, actor); err != nil {
				logger.Error().Err(err).Str("offsite_id", rec.ID.String()).Msg("failed to delete expired replica")
				continue
			}
			deleted++
		case !policy.AutoDelete && policy.ArchiveAfterDays > 0 && rec.UploadedAt.Before(archiveCutoff):
			updated, err := m.records.Update(ctx, rec.ID, func(r *models.OffsiteRecord) error {
				r.MarkArchived()
				at := m.now()
				r.ArchivedAt = &at
				r.LogAccess(actor, AccessArchive, string(r.Provider), true, policy.ID)
				return nil
			})
			if err != nil {
				logger.Error().Err(err).Str("offsite_id", rec.ID.String()).Msg("failed to archive replica")
				continue
			}
			audit.Emit(ctx, m.auditor, m.logger, audit.Event{
				Actor:        actor,
				Action:       audit.ActionArchive,
				ResourceType: audit.ResourceOffsite,
				ResourceID:   rec.ID,
				Before:       rec,
				After:        updated,
			})
			archived++
		}
	}

	logger.Info().Int("deleted", deleted).Int("archived", archived).Msg("offsite retention enforced")
	return deleted, nil
}

// EnforceAllPolicies applies every configured policy and returns the total
// number of replicas deleted.
func (m *Manager) EnforceAllPolicies(ctx context.Context) (int, error) {
	total := 0
	for _, p := range m.Policies() {
		n, err := m.EnforceRetentionPolicy(ctx, p.ID)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
