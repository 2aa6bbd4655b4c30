package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/keldris-recovery/internal/dr"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeConfig writes a config using an sqlite catalog under a temp dir.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0o700))
	cfg := fmt.Sprintf(`server:
  environment: development
logging:
  level: error
store:
  driver: sqlite
  path: %[1]s/catalog.db
crypto:
  master_key: %[2]s
backup:
  data_root: %[1]s/data
  backup_dir: %[1]s/backups
offsite:
  providers:
    local:
      path: %[1]s/remote
`, dir, strings.Repeat("ab", 32))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "keldris-recovery dev")
	assert.Contains(t, out, "Go version:")
}

func TestUnknownOutputFormat(t *testing.T) {
	_, err := runCLI(t, "-o", "xml", "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestConfigValidate(t *testing.T) {
	out, err := runCLI(t, "--config", writeConfig(t), "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("store:\n  driver: mysql\n"), 0o600))
	_, err = runCLI(t, "--config", bad, "config", "validate")
	require.Error(t, err)
}

func TestConfigShowMasksSecrets(t *testing.T) {
	out, err := runCLI(t, "--config", writeConfig(t), "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "store:")
	assert.NotContains(t, out, strings.Repeat("ab", 32))
}

func TestPlanDefaultRoundTrips(t *testing.T) {
	out, err := runCLI(t, "plan", "default", "--name", "DB")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(out), 0o600))
	plan, err := readPlan(path)
	require.NoError(t, err)

	want := dr.DefaultRecoveryPlan("DB")
	assert.Equal(t, "DB", plan.Name)
	require.Len(t, plan.Steps, len(want.Steps))
	for i := range want.Steps {
		assert.Equal(t, want.Steps[i].Name, plan.Steps[i].Name)
		assert.Equal(t, want.Steps[i].Command, plan.Steps[i].Command)
	}
}

func TestReadPlanRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: x\npriority: high\nrto: 5\n"), 0o600))
	_, err := readPlan(path)
	require.Error(t, err)
}

func TestPromptConfirmer(t *testing.T) {
	req := dr.StepRequest{Step: models.RecoveryStep{
		Order:              1,
		Name:               "Assess",
		ValidationCriteria: []string{"scope documented"},
	}}

	tests := []struct {
		input   string
		wantErr error
	}{
		{"y\n", nil},
		{"YES\n", nil},
		{"n\n", errStepRejected},
		{"\n", errStepRejected},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		confirm := promptConfirmer(strings.NewReader(tt.input), &out)
		err := confirm(context.Background(), req)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("input %q: err = %v, want %v", tt.input, err, tt.wantErr)
		}
		assert.Contains(t, out.String(), "Manual step 1: Assess")
		assert.Contains(t, out.String(), "[ ] scope documented")
	}
}

func TestPromptConfirmerCancelled(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = promptConfirmer(r, &bytes.Buffer{})(ctx, dr.StepRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFmtBytes(t *testing.T) {
	tests := map[int64]string{
		0:             "0 B",
		1023:          "1023 B",
		1024:          "1.0 KiB",
		1536:          "1.5 KiB",
		5 * (1 << 20): "5.0 MiB",
		3 * (1 << 30): "3.0 GiB",
	}
	for in, want := range tests {
		if got := fmtBytes(in); got != want {
			t.Errorf("fmtBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestParseIDInvalid(t *testing.T) {
	_, err := runCLI(t, "--config", writeConfig(t), "backup", "show", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid backup ID "not-a-uuid"`)
}

func TestBackupLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCLI(t, "--config", cfg, "-o", "json", "backup", "create", "--type", "configuration", "--name", "cfg", "--tag", "test")
	require.NoError(t, err)
	var created struct {
		Backup models.BackupRecord `json:"backup"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "cfg", created.Backup.Name)
	assert.True(t, created.Backup.IsRestorable(), "status %s", created.Backup.Status)
	id := created.Backup.ID.String()

	out, err = runCLI(t, "--config", cfg, "-o", "json", "backup", "list", "--tag", "test")
	require.NoError(t, err)
	var listed []models.BackupRecord
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created.Backup.ID, listed[0].ID)

	out, err = runCLI(t, "--config", cfg, "backup", "verify", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Valid:      true")

	out, err = runCLI(t, "--config", cfg, "-o", "json", "offsite", "upload", id, "--provider", "local_remote")
	require.NoError(t, err)
	var replica models.OffsiteRecord
	require.NoError(t, json.Unmarshal([]byte(out), &replica))
	assert.Equal(t, models.OffsiteStatusCompleted, replica.Status)

	out, err = runCLI(t, "--config", cfg, "offsite", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "local_remote")

	out, err = runCLI(t, "--config", cfg, "backup", "delete", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted backup "+id)
}

func TestPlanLifecycle(t *testing.T) {
	cfg := writeConfig(t)
	planFile := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(planFile, []byte(`name: Manual only
priority: high
target_rto_minutes: 30
steps:
  - order: 1
    name: Call the on-call lead
    estimated_minutes: 5
`), 0o600))

	out, err := runCLI(t, "--config", cfg, "-o", "json", "plan", "create", "-f", planFile)
	require.NoError(t, err)
	var plan models.RecoveryPlan
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, models.PlanStatusActive, plan.Status)
	id := plan.ID.String()

	out, err = runCLI(t, "--config", cfg, "plan", "runbook", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Manual only")

	out, err = runCLI(t, "--config", cfg, "-o", "json", "dr", "test", id, "--env", "isolated")
	require.NoError(t, err)
	var test models.RecoveryTest
	require.NoError(t, json.Unmarshal([]byte(out), &test))
	assert.Equal(t, models.TestEnvironmentIsolated, test.Environment)

	out, err = runCLI(t, "--config", cfg, "-o", "json", "dr", "execute", id, "--reason", "drill")
	require.NoError(t, err)
	var exec models.RecoveryExecution
	require.NoError(t, json.Unmarshal([]byte(out), &exec))
	assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, "drill", exec.Reason)

	out, err = runCLI(t, "--config", cfg, "dr", "executions", "--plan", id)
	require.NoError(t, err)
	assert.Contains(t, out, exec.ID.String())

	_, err = runCLI(t, "--config", cfg, "dr", "execute", id)
	require.Error(t, err, "--reason is required")
}
