package dr

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// DefaultRecoveryPlan returns the standard database recovery procedure:
// assess, restore the newest database backup, verify the database, restart
// services and verify the system. The plan is not stored.
func DefaultRecoveryPlan(name string) *models.RecoveryPlan {
	plan := models.NewRecoveryPlan(name, models.PlanPriorityCritical)
	plan.Description = "Restore service after loss of the primary database."
	plan.TargetRTOMinutes = 240
	plan.TargetRPOMinutes = 60
	plan.BackupTypes = []models.BackupType{models.BackupTypeDatabase}

	plan.AddStep(models.RecoveryStep{
		Order:            1,
		Name:             "Assess the Situation",
		Description:      "Determine the scope of the failure, which systems are affected and which data must be recovered.",
		EstimatedMinutes: 15,
		ValidationCriteria: []string{
			"Affected systems are documented",
			"Incident commander is assigned",
		},
	})
	plan.AddStep(models.RecoveryStep{
		Order:            2,
		Name:             "Restore Database Backup",
		Description:      "Restore the newest verified database backup.",
		EstimatedMinutes: 30,
		Automated:        true,
		Command:          models.RestoreCommand(models.BackupTypeDatabase),
		ValidationCriteria: []string{
			"Restore completes without integrity errors",
		},
	})
	plan.AddStep(models.RecoveryStep{
		Order:            3,
		Name:             "Verify Database Integrity",
		Description:      "Check the restored database opens and passes its integrity checks.",
		EstimatedMinutes: 10,
		Automated:        true,
		Command:          models.NewCommand(models.CommandVerifyDatabase),
	})
	plan.AddStep(models.RecoveryStep{
		Order:            4,
		Name:             "Restart Services",
		Description:      "Restart application services against the restored data.",
		EstimatedMinutes: 5,
		Automated:        true,
		Command:          models.NewCommand(models.CommandRestartServices),
	})
	plan.AddStep(models.RecoveryStep{
		Order:            5,
		Name:             "Verify System Functionality",
		Description:      "Confirm the system is healthy and serving requests.",
		EstimatedMinutes: 15,
		Automated:        true,
		Command:          models.NewCommand(models.CommandVerifySystem),
		ValidationCriteria: []string{
			"Health checks pass",
			"Operators confirm normal operation",
		},
	})
	return plan
}

// runbookData is the template input.
type runbookData struct {
	Plan        *models.RecoveryPlan
	Steps       []models.RecoveryStep
	Contacts    []models.EmergencyContact
	LastTest    *models.RecoveryTest
	GeneratedAt time.Time
}

const runbookTemplate = `# {{ .Plan.Name }}

**Generated:** {{ .GeneratedAt.Format "2006-01-02 15:04:05 MST" }}
**Priority:** {{ .Plan.Priority }}
**Status:** {{ .Plan.Status }}
{{- if .Plan.BackupTypes }}
**Backup Types:** {{ join .Plan.BackupTypes }}
{{- end }}
{{- if .Plan.Description }}

## Description

{{ .Plan.Description }}
{{- end }}

## Recovery Objectives

{{- if .Plan.TargetRTOMinutes }}
- **RTO (Recovery Time Objective):** {{ .Plan.TargetRTOMinutes }} minutes
{{- end }}
{{- if .Plan.TargetRPOMinutes }}
- **RPO (Recovery Point Objective):** {{ .Plan.TargetRPOMinutes }} minutes
{{- end }}
- **Escalation:** a failure in step {{ .Plan.EscalationCeiling }} or earlier aborts the recovery

{{- if .Contacts }}

## Contacts

| Priority | Name | Role | Email | Phone |
|----------|------|------|-------|-------|
{{- range .Contacts }}
| {{ .Priority }} | {{ .Name }} | {{ .Role }} | {{ .Email }} | {{ .Phone }} |
{{- end }}
{{- end }}

## Recovery Steps

{{- range .Steps }}

### Step {{ .Order }}: {{ .Name }}

**Type:** {{ if .IsDispatchable }}automated{{ else }}manual{{ end }}
**Estimated Duration:** {{ .EstimatedMinutes }} minutes
{{- if .Description }}

{{ .Description }}
{{- end }}

{{- if .Command }}

**Command:** ` + "`" + `{{ .Command }}` + "`" + `
{{- end }}

{{- if .ValidationCriteria }}

**Validation:**
{{- range .ValidationCriteria }}
- [ ] {{ . }}
{{- end }}
{{- end }}

{{- end }}

{{- if .LastTest }}

## Last Rehearsal

- **Date:** {{ .LastTest.TestedAt.Format "2006-01-02 15:04:05 MST" }}
- **Environment:** {{ .LastTest.Environment }}
- **Status:** {{ .LastTest.OverallStatus }}
- **Next Test Due:** {{ .LastTest.NextTestDate.Format "2006-01-02" }}
{{- range .LastTest.Recommendations }}
- {{ . }}
{{- end }}
{{- end }}

---

*This runbook was generated from the recovery plan. Keep the plan, not this document, up to date.*
`

var runbookTmpl = template.Must(template.New("runbook").Funcs(template.FuncMap{
	"join": func(types []models.BackupType) string {
		parts := make([]string, len(types))
		for i, t := range types {
			parts[i] = string(t)
		}
		return strings.Join(parts, ", ")
	},
}).Parse(runbookTemplate))

// RenderPlan renders a plan as a markdown runbook. lastTest may be nil.
func RenderPlan(plan *models.RecoveryPlan, lastTest *models.RecoveryTest, generatedAt time.Time) (string, error) {
	data := runbookData{
		Plan:        plan,
		Steps:       plan.OrderedSteps(),
		Contacts:    plan.ContactsByPriority(),
		LastTest:    lastTest,
		GeneratedAt: generatedAt,
	}
	var buf bytes.Buffer
	if err := runbookTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

// RenderRunbook renders a stored plan with its most recent rehearsal.
func (o *Orchestrator) RenderRunbook(ctx context.Context, planID uuid.UUID) (string, error) {
	plan, err := o.GetRecoveryPlan(ctx, planID)
	if err != nil {
		return "", err
	}
	return RenderPlan(plan, o.latestTest(planID), o.now())
}
