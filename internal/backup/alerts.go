package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/MacJediWizard/keldris-recovery/internal/audit"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// HostDiskUsage reports the used percentage of the filesystem holding path.
func HostDiskUsage(ctx context.Context, path string) (float64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.UsedPercent, nil
}

// HealthReport summarizes one health sweep.
type HealthReport struct {
	Checked            int     `json:"checked"`
	VerificationFailed int     `json:"verification_failed"`
	DiskUsedPercent    float64 `json:"disk_used_percent"`
	StorageFull        bool    `json:"storage_full"`
	KeysDueForRotation int     `json:"keys_due_for_rotation"`
}

// RunHealthCheck re-verifies recent restorable backups, checks the backup
// volume usage and flags keys older than the rotation age. Each finding
// raises a warning alert; a key is flagged once.
func (m *Manager) RunHealthCheck(ctx context.Context) (*HealthReport, error) {
	now := m.now()
	cutoff := now.Add(-m.cfg.HealthWindow)
	report := &HealthReport{}
	var errs []error

	recent := m.backups.List(func(b *models.BackupRecord) bool {
		return b.IsRestorable() && b.CreatedAt.After(cutoff)
	})
	sortNewestFirst(recent)
	for _, rec := range recent {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		result := m.verifyRecord(ctx, rec)
		m.metrics.RecordVerification(result.Valid)
		if result.Valid {
			continue
		}
		report.VerificationFailed++
		m.raiseAlert(ctx, models.NewBackupAlert(models.AlertTypeVerificationFailed, models.AlertSeverityWarning,
			fmt.Sprintf("backup %q failed its health check", rec.Name)).
			ForBackup(rec.ID).
			WithDetail("errors", result.Errors))
	}

	if m.cfg.StorageFullPercent > 0 && m.diskUsage != nil {
		used, err := m.diskUsage(ctx, m.cfg.BackupDir)
		if err != nil {
			errs = append(errs, fmt.Errorf("read disk usage: %w", err))
		} else {
			report.DiskUsedPercent = used
			if used >= m.cfg.StorageFullPercent {
				report.StorageFull = true
				m.raiseAlert(ctx, models.NewBackupAlert(models.AlertTypeStorageFull, models.AlertSeverityWarning,
					fmt.Sprintf("backup storage is %.1f%% full", used)).
					WithDetail("used_percent", used).
					WithDetail("threshold_percent", m.cfg.StorageFullPercent).
					WithDetail("path", m.cfg.BackupDir))
			}
		}
	}

	if m.cfg.KeyRotationAge > 0 {
		for _, key := range m.keys.KeysDueForRotation(m.cfg.KeyRotationAge, now) {
			if err := m.keys.MarkRotationAlerted(ctx, key.ID); err != nil {
				errs = append(errs, fmt.Errorf("mark key %s: %w", key.ID, err))
				continue
			}
			report.KeysDueForRotation++
			alert := models.NewBackupAlert(models.AlertTypeKeyRotationRequired, models.AlertSeverityWarning,
				fmt.Sprintf("backup key %s is older than %s", key.ID, m.cfg.KeyRotationAge)).
				WithDetail("key_id", key.ID.String()).
				WithDetail("created_at", key.CreatedAt)
			if key.BackupID != uuid.Nil {
				alert.ForBackup(key.BackupID)
			}
			m.raiseAlert(ctx, alert)
		}
	}

	m.logger.Info().
		Int("checked", report.Checked).
		Int("verification_failed", report.VerificationFailed).
		Bool("storage_full", report.StorageFull).
		Int("keys_due", report.KeysDueForRotation).
		Msg("backup health check finished")
	return report, errors.Join(errs...)
}

// raiseAlert persists an alert and forwards it to the publisher. Publisher
// failures are logged and never fail the caller.
func (m *Manager) raiseAlert(ctx context.Context, alert *models.BackupAlert) {
	alert.CreatedAt = m.now()
	if err := m.alerts.Put(ctx, alert); err != nil {
		m.logger.Error().Err(err).Str("alert_type", string(alert.Type)).Msg("failed to persist alert")
		return
	}
	m.metrics.RecordAlert(string(alert.Type), string(alert.Severity))

	event := m.logger.Info()
	switch alert.Severity {
	case models.AlertSeverityWarning:
		event = m.logger.Warn()
	case models.AlertSeverityError, models.AlertSeverityCritical:
		event = m.logger.Error()
	}
	event.Str("alert_id", alert.ID.String()).
		Str("alert_type", string(alert.Type)).
		Str("severity", string(alert.Severity)).
		Msg(alert.Message)

	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishAlert(ctx, alert.Clone()); err != nil {
		m.logger.Warn().Err(err).Str("alert_id", alert.ID.String()).Msg("failed to publish alert")
	}
}

// ListAlerts returns alerts matching filter, newest first.
func (m *Manager) ListAlerts(_ context.Context, filter models.AlertFilter) []*models.BackupAlert {
	out := m.alerts.List(filter.Matches)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// AcknowledgeAlert marks an alert acknowledged by actor. Acknowledging an
// already acknowledged alert keeps the first acknowledgement.
func (m *Manager) AcknowledgeAlert(ctx context.Context, id uuid.UUID, actor string) (*models.BackupAlert, error) {
	var before *models.BackupAlert
	alert, err := m.alerts.Update(ctx, id, func(a *models.BackupAlert) error {
		before = a.Clone()
		a.Acknowledge(actor)
		return nil
	})
	if err != nil {
		return nil, err
	}
	audit.Emit(ctx, m.auditor, m.logger, audit.Event{
		Actor:        actor,
		Action:       audit.ActionAcknowledge,
		ResourceType: audit.ResourceAlert,
		ResourceID:   id,
		Before:       before,
		After:        alert,
	})
	return alert, nil
}

func sortNewestFirst(recs []*models.BackupRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
}
