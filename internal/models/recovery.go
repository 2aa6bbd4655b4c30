package models

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultCriticalStepOrder is the escalation ceiling used when a plan does not set one.
// A failing step with order at or below the ceiling aborts the execution.
const DefaultCriticalStepOrder = 3

// PlanPriority represents the business priority of a recovery plan.
type PlanPriority string

const (
	PlanPriorityCritical PlanPriority = "critical"
	PlanPriorityHigh     PlanPriority = "high"
	PlanPriorityMedium   PlanPriority = "medium"
	PlanPriorityLow      PlanPriority = "low"
)

// PlanStatus represents the status of a recovery plan.
type PlanStatus string

const (
	PlanStatusActive      PlanStatus = "active"
	PlanStatusInactive    PlanStatus = "inactive"
	PlanStatusTesting     PlanStatus = "testing"
	PlanStatusNeedsUpdate PlanStatus = "needs_update"
)

// CommandKind names a built-in step handler.
type CommandKind string

const (
	CommandRestoreBackup   CommandKind = "restore_backup"
	CommandVerifyDatabase  CommandKind = "verify_database"
	CommandRestartServices CommandKind = "restart_services"
	CommandVerifySystem    CommandKind = "verify_system"
	CommandNotifyContacts  CommandKind = "notify_contacts"
)

var commandKinds = []CommandKind{
	CommandRestoreBackup,
	CommandVerifyDatabase,
	CommandRestartServices,
	CommandVerifySystem,
	CommandNotifyContacts,
}

// Command is the machine-actionable part of an automated step.
// BackupType is required for restore_backup and rejected otherwise.
type Command struct {
	Kind       CommandKind
	BackupType BackupType
}

// RestoreCommand returns a restore_backup command for the given type.
func RestoreCommand(t BackupType) *Command {
	return &Command{Kind: CommandRestoreBackup, BackupType: t}
}

// NewCommand returns a parameterless command.
func NewCommand(kind CommandKind) *Command {
	return &Command{Kind: kind}
}

// ParseCommand parses the textual form "kind" or "restore_backup:<type>".
func ParseCommand(s string) (*Command, error) {
	kindPart, arg, hasArg := strings.Cut(strings.TrimSpace(s), ":")
	kind := CommandKind(strings.ToLower(kindPart))
	if !slices.Contains(commandKinds, kind) {
		return nil, fmt.Errorf("unknown step command %q", s)
	}
	cmd := &Command{Kind: kind}
	if err := cmd.setArg(arg, hasArg); err != nil {
		return nil, fmt.Errorf("step command %q: %w", s, err)
	}
	return cmd, nil
}

func (c *Command) setArg(arg string, hasArg bool) error {
	if c.Kind != CommandRestoreBackup {
		if hasArg {
			return fmt.Errorf("%s takes no argument", c.Kind)
		}
		return nil
	}
	if !hasArg || arg == "" {
		return fmt.Errorf("%s requires a backup type", c.Kind)
	}
	t, err := ParseBackupType(arg)
	if err != nil {
		return err
	}
	c.BackupType = t
	return nil
}

// Validate checks the command is well formed.
func (c Command) Validate() error {
	_, err := ParseCommand(c.String())
	return err
}

// String returns the textual form of the command.
func (c Command) String() string {
	if c.BackupType != "" {
		return string(c.Kind) + ":" + string(c.BackupType)
	}
	return string(c.Kind)
}

// MarshalText implements encoding.TextMarshaler.
func (c Command) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Command) UnmarshalText(text []byte) error {
	parsed, err := ParseCommand(string(text))
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}

// RecoveryStep is one step of a recovery plan.
type RecoveryStep struct {
	ID                 uuid.UUID   `json:"id" yaml:"id"`
	Order              int         `json:"order" yaml:"order" validate:"gte=0"`
	Name               string      `json:"name" yaml:"name" validate:"required,max=200"`
	Description        string      `json:"description,omitempty" yaml:"description,omitempty"`
	EstimatedMinutes   int         `json:"estimated_minutes" yaml:"estimated_minutes" validate:"gte=0"`
	Automated          bool        `json:"automated" yaml:"automated"`
	Command            *Command    `json:"command,omitempty" yaml:"command,omitempty"`
	ValidationCriteria []string    `json:"validation_criteria,omitempty" yaml:"validation_criteria,omitempty"`
	Dependencies       []uuid.UUID `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// IsDispatchable reports whether the step runs through a built-in handler.
func (s RecoveryStep) IsDispatchable() bool {
	return s.Automated && s.Command != nil
}

// EmergencyContact is a person notified when a plan is executed.
type EmergencyContact struct {
	Name     string `json:"name" yaml:"name" validate:"required"`
	Role     string `json:"role,omitempty" yaml:"role,omitempty"`
	Email    string `json:"email,omitempty" yaml:"email,omitempty" validate:"omitempty,email"`
	Phone    string `json:"phone,omitempty" yaml:"phone,omitempty"`
	Priority int    `json:"priority" yaml:"priority"`
}

// RecoveryPlan is a named, ordered disaster recovery procedure.
type RecoveryPlan struct {
	ID                uuid.UUID          `json:"id" yaml:"id"`
	Name              string             `json:"name" yaml:"name" validate:"required,max=200"`
	Description       string             `json:"description,omitempty" yaml:"description,omitempty"`
	Priority          PlanPriority       `json:"priority" yaml:"priority" validate:"required,oneof=critical high medium low"`
	TargetRTOMinutes  int                `json:"target_rto_minutes" yaml:"target_rto_minutes" validate:"gte=0"`
	TargetRPOMinutes  int                `json:"target_rpo_minutes" yaml:"target_rpo_minutes" validate:"gte=0"`
	BackupTypes       []BackupType       `json:"backup_types,omitempty" yaml:"backup_types,omitempty"`
	Steps             []RecoveryStep     `json:"steps" yaml:"steps" validate:"dive"`
	Contacts          []EmergencyContact `json:"contacts,omitempty" yaml:"contacts,omitempty" validate:"dive"`
	Status            PlanStatus         `json:"status" yaml:"status" validate:"omitempty,oneof=active inactive testing needs_update"`
	CriticalStepOrder *int               `json:"critical_step_order,omitempty" yaml:"critical_step_order,omitempty" validate:"omitempty,gte=0"`
	CreatedBy         string             `json:"created_by" yaml:"created_by,omitempty"`
	CreatedAt         time.Time          `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at" yaml:"updated_at,omitempty"`
	LastTestedAt      *time.Time         `json:"last_tested_at,omitempty" yaml:"last_tested_at,omitempty"`
}

// NewRecoveryPlan creates an active plan with no steps.
func NewRecoveryPlan(name string, priority PlanPriority) *RecoveryPlan {
	now := time.Now().UTC()
	return &RecoveryPlan{
		ID:        uuid.New(),
		Name:      name,
		Priority:  priority,
		Steps:     []RecoveryStep{},
		Contacts:  []EmergencyContact{},
		Status:    PlanStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddStep appends a step, assigning an ID if missing.
func (p *RecoveryPlan) AddStep(step RecoveryStep) {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	p.Steps = append(p.Steps, step)
}

// EscalationCeiling returns the highest step order whose failure aborts an execution.
func (p *RecoveryPlan) EscalationCeiling() int {
	if p.CriticalStepOrder != nil {
		return *p.CriticalStepOrder
	}
	return DefaultCriticalStepOrder
}

// OrderedSteps returns the steps sorted stably by order.
func (p *RecoveryPlan) OrderedSteps() []RecoveryStep {
	steps := slices.Clone(p.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}

// ContactsByPriority returns contacts sorted by ascending priority.
func (p *RecoveryPlan) ContactsByPriority() []EmergencyContact {
	contacts := slices.Clone(p.Contacts)
	sort.SliceStable(contacts, func(i, j int) bool { return contacts[i].Priority < contacts[j].Priority })
	return contacts
}

// Clone returns a deep copy of the plan.
func (p *RecoveryPlan) Clone() *RecoveryPlan {
	c := *p
	c.BackupTypes = slices.Clone(p.BackupTypes)
	c.Contacts = slices.Clone(p.Contacts)
	c.LastTestedAt = cloneTime(p.LastTestedAt)
	if p.CriticalStepOrder != nil {
		v := *p.CriticalStepOrder
		c.CriticalStepOrder = &v
	}
	c.Steps = make([]RecoveryStep, len(p.Steps))
	for i, s := range p.Steps {
		if s.Command != nil {
			cmd := *s.Command
			s.Command = &cmd
		}
		s.ValidationCriteria = slices.Clone(s.ValidationCriteria)
		s.Dependencies = slices.Clone(s.Dependencies)
		c.Steps[i] = s
	}
	return &c
}

// CatalogID returns the catalog key.
func (p *RecoveryPlan) CatalogID() uuid.UUID { return p.ID }

// PlanFilter narrows plan listings.
type PlanFilter struct {
	Status   PlanStatus
	Priority PlanPriority
}

// Matches reports whether p satisfies the filter.
func (f PlanFilter) Matches(p *RecoveryPlan) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Priority != "" && p.Priority != f.Priority {
		return false
	}
	return true
}
