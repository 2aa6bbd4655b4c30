package backup

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/audit"
	"github.com/MacJediWizard/keldris-recovery/internal/checksum"
	"github.com/MacJediWizard/keldris-recovery/internal/crypto"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
	"github.com/MacJediWizard/keldris-recovery/internal/notifications"
	"github.com/MacJediWizard/keldris-recovery/internal/store"
)

type fixture struct {
	mgr       *Manager
	keys      *crypto.KeyManager
	auditor   *audit.MemoryRecorder
	published *notifications.Recorder
	dataRoot  string
	dbPath    string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	tmp := t.TempDir()
	backend := store.NewMemoryBackend()

	backups, err := store.OpenCatalog[*models.BackupRecord](ctx, backend, store.CollectionBackups, zerolog.Nop())
	require.NoError(t, err)
	alerts, err := store.OpenCatalog[*models.BackupAlert](ctx, backend, store.CollectionBackupAlerts, zerolog.Nop())
	require.NoError(t, err)
	keyCatalog, err := store.OpenCatalog[*models.BackupKey](ctx, backend, store.CollectionBackupKeys, zerolog.Nop())
	require.NoError(t, err)

	master, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	km, err := crypto.NewKeyManager(master, keyCatalog, zerolog.Nop())
	require.NoError(t, err)

	dataRoot := filepath.Join(tmp, "data")
	require.NoError(t, os.MkdirAll(filepath.Join(dataRoot, "uploads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataRoot, "uploads", "report.txt"), []byte("quarterly numbers"), 0o644))
	dbPath := filepath.Join(dataRoot, "app.db")
	createSQLiteDB(t, dbPath)

	f := &fixture{
		keys:      km,
		auditor:   &audit.MemoryRecorder{},
		published: &notifications.Recorder{},
		dataRoot:  dataRoot,
		dbPath:    dbPath,
	}
	capturers := DefaultCapturers(CaptureConfig{
		DatabasePath: dbPath,
		FileDirs:     []string{filepath.Join(dataRoot, "uploads")},
		DataRoot:     dataRoot,
		ConfigSource: func() (any, error) { return map[string]any{"server": map[string]any{"port": 8080}}, nil },
	})

	cfg := DefaultConfig(filepath.Join(tmp, "backups"))
	cfg.StorageFullPercent = 0
	all := append([]Option{
		WithCapturers(capturers),
		WithAuditor(f.auditor),
		WithAlertPublisher(f.published),
	}, opts...)
	f.mgr, err = NewManager(cfg, backups, alerts, km, zerolog.Nop(), all...)
	require.NoError(t, err)
	return f
}

func createSQLiteDB(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE jobs (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO jobs (name) VALUES ('nightly'), ('weekly')`)
	require.NoError(t, err)
}

func alertTypes(alerts []*models.BackupAlert) []models.AlertType {
	out := make([]models.AlertType, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Type)
	}
	return out
}

func TestCreateBackup_EncryptedDatabaseVerified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := time.Now().UTC()
	rec, err := f.mgr.CreateBackup(ctx, models.BackupConfig{
		Name:           "nightly-db",
		Type:           models.BackupTypeDatabase,
		RetentionDays:  30,
		Encrypt:        true,
		IntegrityCheck: true,
	}, "admin")
	require.NoError(t, err)

	assert.Equal(t, models.BackupStatusVerified, rec.Status)
	assert.True(t, rec.Encrypted)
	assert.NotEmpty(t, rec.EncryptedChecksum)
	assert.NotEmpty(t, rec.Checksum)
	require.NotNil(t, rec.KeyID)
	assert.WithinDuration(t, before.Add(30*24*time.Hour), rec.ExpiresAt, 5*time.Second)
	assert.Equal(t, rec.CreatedAt.Add(30*24*time.Hour), rec.ExpiresAt)

	_, err = os.Stat(rec.Location)
	assert.True(t, os.IsNotExist(err), "plaintext artifact should be discarded")
	_, err = os.Stat(rec.EncryptedLocation)
	assert.NoError(t, err)

	alerts := f.mgr.ListAlerts(ctx, models.AlertFilter{BackupID: &rec.ID})
	assert.Equal(t, []models.AlertType{models.AlertTypeBackupCreated}, alertTypes(alerts))
	assert.Len(t, f.published.Alerts(), 1)
	assert.Equal(t, []audit.Action{audit.ActionCreate}, f.auditor.Actions(audit.ResourceBackup))
}

func TestCreateBackup_UnencryptedCompleted(t *testing.T) {
	f := newFixture(t)
	rec, err := f.mgr.CreateBackup(context.Background(), models.BackupConfig{
		Name:          "files",
		Type:          models.BackupTypeFiles,
		RetentionDays: 7,
	}, "admin")
	require.NoError(t, err)

	assert.Equal(t, models.BackupStatusCompleted, rec.Status)
	assert.False(t, rec.Encrypted)
	assert.Nil(t, rec.KeyID)
	assert.Empty(t, rec.EncryptedLocation)
	assert.Equal(t, rec.Location, rec.ArtifactPath())
}

func TestCreateBackup_ValidationAndPolicy(t *testing.T) {
	f := newFixture(t, WithCapturers(map[models.BackupType]Capturer{}))
	ctx := context.Background()

	_, err := f.mgr.CreateBackup(ctx, models.BackupConfig{Type: models.BackupTypeDatabase, RetentionDays: 1}, "admin")
	assert.True(t, errors.Is(err, apperrors.ErrValidation), "missing name: %v", err)

	_, err = f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "x", Type: models.BackupTypeDatabase, RetentionDays: 0}, "admin")
	assert.True(t, errors.Is(err, apperrors.ErrValidation), "zero retention: %v", err)

	_, err = f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "x", Type: models.BackupTypeDatabase, RetentionDays: 1}, "admin")
	assert.True(t, errors.Is(err, apperrors.ErrPolicy), "no capturer: %v", err)
	assert.Empty(t, f.mgr.ListBackups(ctx, models.BackupFilter{}))
}

func TestCreateBackup_CaptureFailure(t *testing.T) {
	boom := errors.New("disk went away")
	f := newFixture(t, WithCapturers(map[models.BackupType]Capturer{
		models.BackupTypeFiles: CaptureFunc(func(context.Context, CaptureRequest) (string, error) { return "", boom }),
	}))
	ctx := context.Background()

	_, err := f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "files", Type: models.BackupTypeFiles, RetentionDays: 1}, "admin")
	require.ErrorIs(t, err, boom)

	recs := f.mgr.ListBackups(ctx, models.BackupFilter{})
	require.Len(t, recs, 1)
	assert.Equal(t, models.BackupStatusFailed, recs[0].Status)
	assert.Contains(t, recs[0].ErrorMessage, "disk went away")

	alerts := f.mgr.ListAlerts(ctx, models.AlertFilter{Type: models.AlertTypeBackupFailed})
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertSeverityCritical, alerts[0].Severity)
}

func TestCreateBackup_VerificationFailure(t *testing.T) {
	tampering := CaptureFunc(func(_ context.Context, req CaptureRequest) (string, error) {
		path := artifactPath(req, ".bin")
		return path, os.WriteFile(path, []byte("payload"), 0o600)
	})
	f := newFixture(t, WithCapturers(map[models.BackupType]Capturer{models.BackupTypeFiles: tampering}))
	ctx := context.Background()

	// The container header names a different key than the record.
	f.mgr.keys = lyingKeys{KeyProvider: f.keys}

	_, err := f.mgr.CreateBackup(ctx, models.BackupConfig{
		Name:           "files",
		Type:           models.BackupTypeFiles,
		RetentionDays:  1,
		Encrypt:        true,
		IntegrityCheck: true,
	}, "admin")
	require.Error(t, err)
	assert.True(t, apperrors.IsIntegrity(err), "expected integrity error, got %v", err)

	recs := f.mgr.ListBackups(ctx, models.BackupFilter{})
	require.Len(t, recs, 1)
	assert.Equal(t, models.BackupStatusFailed, recs[0].Status)
	assert.ElementsMatch(t,
		[]models.AlertType{models.AlertTypeVerificationFailed, models.AlertTypeBackupFailed},
		alertTypes(f.mgr.ListAlerts(ctx, models.AlertFilter{})))
}

// lyingKeys encrypts under a freshly issued key so the container header names
// a different key than the backup record.
type lyingKeys struct {
	KeyProvider
}

func (l lyingKeys) EncryptArtifact(ctx context.Context, path string, _ uuid.UUID, compress bool) (string, error) {
	other, err := l.KeyProvider.GenerateKey(ctx, crypto.KeyRequest{BackupID: uuid.New()})
	if err != nil {
		return "", err
	}
	return l.KeyProvider.EncryptArtifact(ctx, path, other.ID, compress)
}

func TestCreateBackup_EncryptionFailure(t *testing.T) {
	f := newFixture(t)
	f.mgr.keys = failingEncrypt{KeyProvider: f.keys}
	ctx := context.Background()

	_, err := f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "cfg", Type: models.BackupTypeConfiguration, RetentionDays: 1, Encrypt: true}, "admin")
	require.Error(t, err)

	assert.ElementsMatch(t,
		[]models.AlertType{models.AlertTypeEncryptionFailed, models.AlertTypeBackupFailed},
		alertTypes(f.mgr.ListAlerts(ctx, models.AlertFilter{})))
	errorAlerts := f.mgr.ListAlerts(ctx, models.AlertFilter{Severity: models.AlertSeverityError})
	require.Len(t, errorAlerts, 1)
	assert.Equal(t, models.AlertTypeEncryptionFailed, errorAlerts[0].Type)
}

type failingEncrypt struct {
	KeyProvider
}

func (failingEncrypt) EncryptArtifact(context.Context, string, uuid.UUID, bool) (string, error) {
	return "", errors.New("cipher unavailable")
}

func TestCreateBackup_ConcurrentSameTypeConflicts(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	slow := CaptureFunc(func(_ context.Context, req CaptureRequest) (string, error) {
		close(started)
		<-unblock
		path := artifactPath(req, ".bin")
		return path, os.WriteFile(path, []byte("x"), 0o600)
	})
	f := newFixture(t, WithCapturers(map[models.BackupType]Capturer{
		models.BackupTypeFull:  slow,
		models.BackupTypeFiles: CaptureFunc(func(_ context.Context, req CaptureRequest) (string, error) {
			path := artifactPath(req, ".bin")
			return path, os.WriteFile(path, []byte("y"), 0o600)
		}),
	}))
	ctx := context.Background()
	cfg := models.BackupConfig{Name: "full", Type: models.BackupTypeFull, RetentionDays: 1}

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = f.mgr.CreateBackup(ctx, cfg, "admin")
	}()
	<-started

	_, err := f.mgr.CreateBackup(ctx, cfg, "admin")
	assert.True(t, errors.Is(err, apperrors.ErrConflict), "expected conflict, got %v", err)

	_, err = f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "files", Type: models.BackupTypeFiles, RetentionDays: 1}, "admin")
	assert.NoError(t, err, "a different type must not be blocked")

	close(unblock)
	wg.Wait()
	assert.NoError(t, firstErr)
}

func TestVerifyBackup_DetectsTampering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "files", Type: models.BackupTypeFiles, RetentionDays: 1}, "admin")
	require.NoError(t, err)

	result, err := f.mgr.VerifyBackup(ctx, rec.ID, "admin")
	require.NoError(t, err)
	assert.True(t, result.Valid)

	data, err := os.ReadFile(rec.Location)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(rec.Location, data, 0o600))

	result, err = f.mgr.VerifyBackup(ctx, rec.ID, "admin")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.False(t, result.ChecksumValid)
	assert.True(t, result.SizeValid)

	_, err = f.mgr.RestoreBackup(ctx, rec.ID, t.TempDir(), "admin")
	assert.True(t, apperrors.IsIntegrity(err), "restore of tampered backup: %v", err)

	_, err = f.mgr.VerifyBackup(ctx, uuid.New(), "admin")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRestoreBackup_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		cfg      models.BackupConfig
		wantBase string
	}{
		{
			name:     "encrypted compressed configuration",
			cfg:      models.BackupConfig{Name: "cfg", Type: models.BackupTypeConfiguration, RetentionDays: 1, Encrypt: true, Compress: true},
			wantBase: ".yaml",
		},
		{
			name:     "zstd configuration",
			cfg:      models.BackupConfig{Name: "cfg", Type: models.BackupTypeConfiguration, RetentionDays: 1, Compress: true},
			wantBase: ".yaml",
		},
		{
			name:     "plain database",
			cfg:      models.BackupConfig{Name: "db", Type: models.BackupTypeDatabase, RetentionDays: 1, IntegrityCheck: true},
			wantBase: ".db",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			rec, err := f.mgr.CreateBackup(ctx, tt.cfg, "admin")
			require.NoError(t, err)

			dest := t.TempDir()
			out, err := f.mgr.RestoreBackup(ctx, rec.ID, dest, "admin")
			require.NoError(t, err)
			assert.Equal(t, dest, filepath.Dir(out))
			assert.Equal(t, tt.wantBase, filepath.Ext(out))

			if tt.cfg.Type == models.BackupTypeConfiguration {
				data, err := os.ReadFile(out)
				require.NoError(t, err)
				assert.Contains(t, string(data), "port: 8080")
			}
		})
	}
}

func TestCreateBackup_ZstdKeepsPlaintextChecksum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "cfg", Type: models.BackupTypeConfiguration, RetentionDays: 1, Compress: true}, "admin")
	require.NoError(t, err)

	stored, _, err := checksum.File(ctx, rec.Location)
	require.NoError(t, err)
	assert.Equal(t, stored, rec.Checksum, "checksum covers the compressed artifact")
	plain := rec.Metadata[MetaPlaintextChecksum]
	require.NotEmpty(t, plain)
	assert.NotEqual(t, rec.Checksum, plain)
	assert.NotEmpty(t, rec.Metadata[MetaPlaintextSize])

	out, err := f.mgr.RestoreBackup(ctx, rec.ID, t.TempDir(), "admin")
	require.NoError(t, err)
	restored, size, err := checksum.File(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, plain, restored)
	assert.Equal(t, rec.Metadata[MetaPlaintextSize], strconv.FormatInt(size, 10))

	_, err = f.mgr.backups.Update(ctx, rec.ID, func(b *models.BackupRecord) error {
		b.Metadata[MetaPlaintextChecksum] = "0000"
		return nil
	})
	require.NoError(t, err)
	dest := t.TempDir()
	_, err = f.mgr.RestoreBackup(ctx, rec.ID, dest, "admin")
	assert.ErrorIs(t, err, apperrors.ErrIntegrity)
	entries, _ := os.ReadDir(dest)
	assert.Empty(t, entries, "mismatching output is removed")
}

func TestDeleteBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "db", Type: models.BackupTypeDatabase, RetentionDays: 1, Encrypt: true}, "admin")
	require.NoError(t, err)

	deleted, err := f.mgr.DeleteBackup(ctx, rec.ID, "admin")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = os.Stat(rec.EncryptedLocation)
	assert.True(t, os.IsNotExist(err))
	info, err := f.keys.DescribeKey(*rec.KeyID)
	require.NoError(t, err)
	assert.True(t, info.Revoked)

	_, err = f.mgr.GetBackupMetadata(ctx, rec.ID)
	assert.True(t, apperrors.IsNotFound(err))

	deleted, err = f.mgr.DeleteBackup(ctx, rec.ID, "admin")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestCleanupExpiredBackups(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	f := newFixture(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	short, err := f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "short", Type: models.BackupTypeFiles, RetentionDays: 1}, "admin")
	require.NoError(t, err)
	long, err := f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "long", Type: models.BackupTypeConfiguration, RetentionDays: 30}, "admin")
	require.NoError(t, err)

	// Exactly at expiry nothing is removed.
	clock = short.ExpiresAt
	n, err := f.mgr.CleanupExpiredBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock = short.ExpiresAt.Add(time.Second)
	n, err = f.mgr.CleanupExpiredBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.mgr.GetBackupMetadata(ctx, short.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = f.mgr.GetBackupMetadata(ctx, long.ID)
	assert.NoError(t, err)

	expired := f.mgr.ListAlerts(ctx, models.AlertFilter{Type: models.AlertTypeRetentionExpired})
	require.Len(t, expired, 1)
	assert.Equal(t, short.ID, *expired[0].BackupID)
	assert.Equal(t, models.AlertSeverityInfo, expired[0].Severity)
}

func TestIncrementalUsesBase(t *testing.T) {
	clock := time.Now().UTC()
	f := newFixture(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	full, err := f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "full", Type: models.BackupTypeFull, RetentionDays: 1}, "admin")
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	incr, err := f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "incr", Type: models.BackupTypeIncremental, RetentionDays: 1}, "admin")
	require.NoError(t, err)
	assert.Equal(t, full.ID.String(), incr.Metadata[MetaBaseBackupID])

	clock = clock.Add(time.Minute)
	diff, err := f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "diff", Type: models.BackupTypeDifferential, RetentionDays: 1}, "admin")
	require.NoError(t, err)
	assert.Equal(t, full.ID.String(), diff.Metadata[MetaBaseBackupID], "differential is always based on the last full backup")

	clock = clock.Add(time.Minute)
	incr2, err := f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "incr2", Type: models.BackupTypeIncremental, RetentionDays: 1}, "admin")
	require.NoError(t, err)
	assert.Equal(t, diff.ID.String(), incr2.Metadata[MetaBaseBackupID])
}

func TestRunHealthCheck(t *testing.T) {
	clock := time.Now().UTC()
	f := newFixture(t,
		WithClock(func() time.Time { return clock }),
		WithDiskUsage(func(context.Context, string) (float64, error) { return 95, nil }),
	)
	f.mgr.cfg.StorageFullPercent = 90
	f.mgr.cfg.KeyRotationAge = time.Hour
	ctx := context.Background()

	good, err := f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "good", Type: models.BackupTypeDatabase, RetentionDays: 30, Encrypt: true}, "admin")
	require.NoError(t, err)
	bad, err := f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "bad", Type: models.BackupTypeFiles, RetentionDays: 30}, "admin")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(bad.Location, []byte("truncated"), 0o600))

	clock = clock.Add(2 * time.Hour)
	report, err := f.mgr.RunHealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.VerificationFailed)
	assert.True(t, report.StorageFull)
	assert.Equal(t, 1, report.KeysDueForRotation)

	warnings := f.mgr.ListAlerts(ctx, models.AlertFilter{Severity: models.AlertSeverityWarning})
	assert.ElementsMatch(t,
		[]models.AlertType{models.AlertTypeVerificationFailed, models.AlertTypeStorageFull, models.AlertTypeKeyRotationRequired},
		alertTypes(warnings))

	rotation := f.mgr.ListAlerts(ctx, models.AlertFilter{Type: models.AlertTypeKeyRotationRequired})
	require.Len(t, rotation, 1)
	assert.Equal(t, good.ID, *rotation[0].BackupID)

	// A key is flagged only once.
	report, err = f.mgr.RunHealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.KeysDueForRotation)
}

func TestAcknowledgeAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "files", Type: models.BackupTypeFiles, RetentionDays: 1}, "admin")
	require.NoError(t, err)

	alerts := f.mgr.ListAlerts(ctx, models.AlertFilter{})
	require.Len(t, alerts, 1)

	acked, err := f.mgr.AcknowledgeAlert(ctx, alerts[0].ID, "oncall")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	assert.Equal(t, "oncall", acked.AcknowledgedBy)

	again, err := f.mgr.AcknowledgeAlert(ctx, alerts[0].ID, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, "oncall", again.AcknowledgedBy)

	unacked := false
	assert.Empty(t, f.mgr.ListAlerts(ctx, models.AlertFilter{Acknowledged: &unacked}))

	_, err = f.mgr.AcknowledgeAlert(ctx, uuid.New(), "oncall")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stuck := models.NewBackupRecord("stuck", models.BackupTypeFull, 1, "admin")
	stuck.Start()
	require.NoError(t, f.mgr.backups.Put(ctx, stuck))
	done, err := f.mgr.CreateBackup(ctx, models.BackupConfig{Name: "files", Type: models.BackupTypeFiles, RetentionDays: 1}, "admin")
	require.NoError(t, err)

	n, err := f.mgr.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.mgr.GetBackupMetadata(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusFailed, got.Status)
	got, err = f.mgr.GetBackupMetadata(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusCompleted, got.Status)
}
