package dr

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/MacJediWizard/keldris-recovery/internal/models"
	"github.com/MacJediWizard/keldris-recovery/internal/notifications"
)

// BackupRestorer is the part of the Backup Manager recovery steps use.
type BackupRestorer interface {
	LatestRestorable(ctx context.Context, backupType models.BackupType) (*models.BackupRecord, error)
	RestoreBackup(ctx context.Context, id uuid.UUID, destDir, actor string) (string, error)
	VerifyBackup(ctx context.Context, id uuid.UUID, actor string) (*models.VerificationResult, error)
}

// SystemHooks are the integration points with the surrounding system.
type SystemHooks interface {
	VerifyDatabase(ctx context.Context) error
	RestartServices(ctx context.Context) error
	VerifySystem(ctx context.Context) error
}

// StepRequest carries what a handler needs to run one step.
type StepRequest struct {
	Plan        *models.RecoveryPlan
	Step        models.RecoveryStep
	ExecutionID uuid.UUID
	Actor       string
}

// StepOutcome reports what an executed step produced.
type StepOutcome struct {
	// RPOMinutes is the realized recovery point of a restore, if any.
	RPOMinutes *float64
	Details    map[string]any
}

// StepHandler runs one kind of automated step. Rehearse must not change the
// system; it checks the step could run.
type StepHandler interface {
	Execute(ctx context.Context, req StepRequest) (StepOutcome, error)
	Rehearse(ctx context.Context, req StepRequest) error
}

// restoreHandler restores the newest restorable backup of the command's type.
type restoreHandler struct {
	backups    BackupRestorer
	restoreDir string
	now        func() time.Time
}

func (h *restoreHandler) Execute(ctx context.Context, req StepRequest) (StepOutcome, error) {
	backupType := req.Step.Command.BackupType
	rec, err := h.backups.LatestRestorable(ctx, backupType)
	if err != nil {
		return StepOutcome{}, err
	}
	dest := ""
	if h.restoreDir != "" {
		dest = filepath.Join(h.restoreDir, req.ExecutionID.String(), string(backupType))
	}
	path, err := h.backups.RestoreBackup(ctx, rec.ID, dest, req.Actor)
	if err != nil {
		return StepOutcome{}, err
	}
	rpo := h.now().Sub(rec.CreatedAt).Minutes()
	return StepOutcome{
		RPOMinutes: &rpo,
		Details: map[string]any{
			"backup_id":   rec.ID.String(),
			"backup_type": string(backupType),
			"restored_to": path,
			"rpo_minutes": rpo,
		},
	}, nil
}

func (h *restoreHandler) Rehearse(ctx context.Context, req StepRequest) error {
	rec, err := h.backups.LatestRestorable(ctx, req.Step.Command.BackupType)
	if err != nil {
		return err
	}
	result, err := h.backups.VerifyBackup(ctx, rec.ID, req.Actor)
	if err != nil {
		return err
	}
	if !result.Valid {
		return fmt.Errorf("backup %s failed verification: %v", rec.ID, result.Errors)
	}
	return nil
}

// hookHandler calls a system hook. rehearse is the non-destructive variant.
type hookHandler struct {
	run      func(context.Context) error
	rehearse func(context.Context) error
}

func (h *hookHandler) Execute(ctx context.Context, _ StepRequest) (StepOutcome, error) {
	return StepOutcome{}, h.run(ctx)
}

func (h *hookHandler) Rehearse(ctx context.Context, _ StepRequest) error {
	return h.rehearse(ctx)
}

// notifyHandler notifies the plan's contacts in ascending priority.
type notifyHandler struct {
	notifier notifications.Notifier
	now      func() time.Time
}

func (h *notifyHandler) Execute(ctx context.Context, req StepRequest) (StepOutcome, error) {
	err := notifications.NotifyContacts(ctx, h.notifier, req.Plan.Contacts, notifications.Message{
		EventType: "dr_step",
		Subject:   fmt.Sprintf("Recovery plan %q: %s", req.Plan.Name, req.Step.Name),
		Body:      req.Step.Description,
		Severity:  "critical",
		Details:   map[string]any{"execution_id": req.ExecutionID.String()},
		Timestamp: h.now(),
	})
	return StepOutcome{Details: map[string]any{"contacts": len(req.Plan.Contacts)}}, err
}

func (h *notifyHandler) Rehearse(_ context.Context, req StepRequest) error {
	if len(req.Plan.Contacts) == 0 {
		return errors.New("plan has no emergency contacts")
	}
	return nil
}

// defaultHandlers builds the handler table for the built-in commands.
func defaultHandlers(backups BackupRestorer, hooks SystemHooks, notifier notifications.Notifier, restoreDir string, now func() time.Time) map[models.CommandKind]StepHandler {
	handlers := map[models.CommandKind]StepHandler{
		models.CommandNotifyContacts: &notifyHandler{notifier: notifier, now: now},
	}
	if backups != nil {
		handlers[models.CommandRestoreBackup] = &restoreHandler{backups: backups, restoreDir: restoreDir, now: now}
	}
	if hooks != nil {
		handlers[models.CommandVerifyDatabase] = &hookHandler{run: hooks.VerifyDatabase, rehearse: hooks.VerifyDatabase}
		handlers[models.CommandRestartServices] = &hookHandler{run: hooks.RestartServices, rehearse: hooks.VerifySystem}
		handlers[models.CommandVerifySystem] = &hookHandler{run: hooks.VerifySystem, rehearse: hooks.VerifySystem}
	}
	return handlers
}
