package offsite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/audit"
	"github.com/MacJediWizard/keldris-recovery/internal/backup"
	"github.com/MacJediWizard/keldris-recovery/internal/checksum"
	"github.com/MacJediWizard/keldris-recovery/internal/crypto"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
	"github.com/MacJediWizard/keldris-recovery/internal/offsite/providers"
	"github.com/MacJediWizard/keldris-recovery/internal/shutdown"
	"github.com/MacJediWizard/keldris-recovery/internal/store"
)

// memProvider keeps objects in memory. lie makes Upload report a wrong
// checksum; failUpload makes it fail.
type memProvider struct {
	kind       models.OffsiteProvider
	lie        bool
	failUpload bool
	checkErr   error

	mu      sync.Mutex
	objects map[string][]byte
}

func newMemProvider(kind models.OffsiteProvider) *memProvider {
	return &memProvider{kind: kind, objects: make(map[string][]byte)}
}

func (p *memProvider) Kind() models.OffsiteProvider { return p.kind }

func (p *memProvider) Upload(ctx context.Context, src, key string) (*providers.UploadResult, error) {
	if p.failUpload {
		return nil, errors.New("remote unavailable")
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, err
	}
	sum, _, err := checksum.File(ctx, src)
	if err != nil {
		return nil, err
	}
	if p.lie {
		sum = "0000"
	}
	scheme := map[models.OffsiteProvider]string{
		models.OffsiteProviderS3:        "s3",
		models.OffsiteProviderAzureBlob: "azure",
	}[p.kind]
	loc := fmt.Sprintf("%s://bucket/%s", scheme, key)
	p.mu.Lock()
	p.objects[loc] = data
	p.mu.Unlock()
	return &providers.UploadResult{Location: loc, Size: int64(len(data)), Checksum: sum}, nil
}

func (p *memProvider) Download(_ context.Context, location, dest string) error {
	p.mu.Lock()
	data, ok := p.objects[location]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no object at %s", location)
	}
	return os.WriteFile(dest, data, 0o600)
}

func (p *memProvider) Delete(_ context.Context, location string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.objects, location)
	return nil
}

func (p *memProvider) Check(context.Context) error { return p.checkErr }

func (p *memProvider) tamper(location string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[location] = append(p.objects[location], []byte("tampered")...)
}

type fixture struct {
	mgr        *Manager
	backups    *store.Catalog[*models.BackupRecord]
	records    *store.Catalog[*models.OffsiteRecord]
	local      *providers.Local
	remoteRoot string
	s3         *memProvider
	azure      *memProvider
	auditor    *audit.MemoryRecorder
	now        time.Time
	tmp        string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	tmp := t.TempDir()
	backend := store.NewMemoryBackend()

	backups, err := store.OpenCatalog[*models.BackupRecord](ctx, backend, store.CollectionBackups, zerolog.Nop())
	require.NoError(t, err)
	records, err := store.OpenCatalog[*models.OffsiteRecord](ctx, backend, store.CollectionOffsite, zerolog.Nop())
	require.NoError(t, err)

	f := &fixture{
		backups:    backups,
		records:    records,
		remoteRoot: filepath.Join(tmp, "remote"),
		s3:         newMemProvider(models.OffsiteProviderS3),
		azure:      newMemProvider(models.OffsiteProviderAzureBlob),
		auditor:    &audit.MemoryRecorder{},
		now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		tmp:        tmp,
	}
	f.local, err = providers.NewLocal(providers.LocalConfig{Path: f.remoteRoot}, zerolog.Nop())
	require.NoError(t, err)

	f.mgr, err = NewManager(Config{WorkDir: filepath.Join(tmp, "work")}, records, backups,
		providers.NewRegistry(f.local, f.s3, f.azure), zerolog.Nop(),
		WithAuditor(f.auditor),
		WithClock(func() time.Time { return f.now }),
	)
	require.NoError(t, err)
	return f
}

// completedBackup stores a completed backup whose artifact holds content.
func (f *fixture) completedBackup(t *testing.T, typ models.BackupType, content string) *models.BackupRecord {
	t.Helper()
	rec := models.NewBackupRecord("b", typ, 30, "admin")
	dir := filepath.Join(f.tmp, "backups", string(typ))
	require.NoError(t, os.MkdirAll(dir, 0o700))
	rec.Location = filepath.Join(dir, fmt.Sprintf("%s-%s.db", typ, rec.ID))
	require.NoError(t, os.WriteFile(rec.Location, []byte(content), 0o600))
	sum, size, err := checksum.File(context.Background(), rec.Location)
	require.NoError(t, err)
	rec.Checksum, rec.Size = sum, size
	rec.Complete(false)
	require.NoError(t, f.backups.Put(context.Background(), rec))
	return rec
}

func TestUploadBackup_LocalRemoteFromEncryptedBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	keyCatalog, err := store.OpenCatalog[*models.BackupKey](ctx, store.NewMemoryBackend(), store.CollectionBackupKeys, zerolog.Nop())
	require.NoError(t, err)
	master, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	km, err := crypto.NewKeyManager(master, keyCatalog, zerolog.Nop())
	require.NoError(t, err)
	alerts, err := store.OpenCatalog[*models.BackupAlert](ctx, store.NewMemoryBackend(), store.CollectionBackupAlerts, zerolog.Nop())
	require.NoError(t, err)

	dbPath := filepath.Join(f.tmp, "app.db")
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	bm, err := backup.NewManager(backup.DefaultConfig(filepath.Join(f.tmp, "managed")), f.backups, alerts, km, zerolog.Nop(),
		backup.WithCapturers(backup.DefaultCapturers(backup.CaptureConfig{DatabasePath: dbPath})),
		backup.WithDiskUsage(func(context.Context, string) (float64, error) { return 10, nil }),
	)
	require.NoError(t, err)
	src, err := bm.CreateBackup(ctx, models.BackupConfig{
		Name:           "nightly-db",
		Type:           models.BackupTypeDatabase,
		RetentionDays:  30,
		Encrypt:        true,
		IntegrityCheck: true,
	}, "admin")
	require.NoError(t, err)
	require.Equal(t, models.BackupStatusVerified, src.Status)

	rec, err := f.mgr.UploadBackup(ctx, src.ID, UploadConfig{Provider: models.OffsiteProviderLocalRemote}, "admin")
	require.NoError(t, err)

	assert.Equal(t, models.OffsiteStatusCompleted, rec.Status)
	assert.Nil(t, rec.ReplicationStatus)
	assert.Equal(t, src.EncryptedChecksum, rec.Checksum)
	assert.Equal(t, src.EncryptedSize, rec.Size)
	assert.FileExists(t, rec.Location)
	require.Len(t, rec.AccessLog, 1)
	assert.Equal(t, AccessUpload, rec.AccessLog[0].Action)
	assert.True(t, rec.AccessLog[0].Success)

	stored, ok := f.backups.Get(src.ID)
	require.True(t, ok)
	assert.Contains(t, stored.Locations, rec.Location)
	assert.Equal(t, []audit.Action{audit.ActionUpload}, f.auditor.Actions(audit.ResourceOffsite))
}

func TestUploadBackup_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.UploadBackup(ctx, uuid.New(), UploadConfig{Provider: models.OffsiteProviderLocalRemote}, "admin")
	assert.True(t, apperrors.IsNotFound(err))

	failed := models.NewBackupRecord("f", models.BackupTypeFiles, 7, "admin")
	failed.Fail("boom")
	require.NoError(t, f.backups.Put(ctx, failed))
	_, err = f.mgr.UploadBackup(ctx, failed.ID, UploadConfig{Provider: models.OffsiteProviderLocalRemote}, "admin")
	assert.ErrorIs(t, err, apperrors.ErrPolicy)

	src := f.completedBackup(t, models.BackupTypeDatabase, "db")
	_, err = f.mgr.UploadBackup(ctx, src.ID, UploadConfig{Provider: models.OffsiteProviderSFTP}, "admin")
	assert.ErrorIs(t, err, providers.ErrUnsupported)

	_, err = f.mgr.UploadBackup(ctx, src.ID, UploadConfig{}, "admin")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	assert.Zero(t, f.records.Len())
}

func TestUploadBackup_EachRecordOwnsItsObject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.completedBackup(t, models.BackupTypeDatabase, "db")
	cfg := UploadConfig{
		Provider:           models.OffsiteProviderLocalRemote,
		ReplicationEnabled: true,
		ReplicationTargets: []models.OffsiteProvider{models.OffsiteProviderS3},
	}

	first, err := f.mgr.UploadBackup(ctx, src.ID, cfg, "admin")
	require.NoError(t, err)
	second, err := f.mgr.UploadBackup(ctx, src.ID, cfg, "admin")
	require.NoError(t, err)
	assert.NotEqual(t, first.Location, second.Location)
	assert.NotEqual(t, first.ReplicaLocations, second.ReplicaLocations)
	assert.Len(t, f.s3.objects, 2)

	_, err = f.mgr.DeleteOffsiteBackup(ctx, first.ID, "admin")
	require.NoError(t, err)
	assert.NoFileExists(t, first.Location)
	assert.FileExists(t, second.Location)
	assert.Len(t, f.s3.objects, 1)

	path, err := f.mgr.DownloadBackup(ctx, second.ID, t.TempDir(), "operator")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "db", string(data))
}

func TestUploadBackup_ReplicationNeedsTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.completedBackup(t, models.BackupTypeDatabase, "db")

	tests := []struct {
		name    string
		targets []models.OffsiteProvider
	}{
		{"no targets", nil},
		{"primary only", []models.OffsiteProvider{models.OffsiteProviderLocalRemote}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mgr.UploadBackup(ctx, src.ID, UploadConfig{
				Provider:           models.OffsiteProviderLocalRemote,
				ReplicationEnabled: true,
				ReplicationTargets: tt.targets,
			}, "admin")
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
	assert.Zero(t, f.records.Len(), "rejected before anything is uploaded")
}

func TestUploadBackup_NotAcceptingMarksFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := shutdown.NewRegistry(zerolog.Nop())
	reg.Close()
	f.mgr.registry = reg

	src := f.completedBackup(t, models.BackupTypeDatabase, "db")
	_, err := f.mgr.UploadBackup(ctx, src.ID, UploadConfig{Provider: models.OffsiteProviderLocalRemote}, "admin")
	require.Error(t, err)

	recs := f.mgr.ListOffsiteRecords(models.OffsiteFilter{BackupID: &src.ID})
	require.Len(t, recs, 1)
	assert.Equal(t, models.OffsiteStatusFailed, recs[0].Status)
	require.Len(t, recs[0].AccessLog, 1)
	assert.False(t, recs[0].AccessLog[0].Success)
}

func TestUploadBackup_ChecksumMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.s3.lie = true

	src := f.completedBackup(t, models.BackupTypeDatabase, "db bytes")
	rec, err := f.mgr.UploadBackup(ctx, src.ID, UploadConfig{Provider: models.OffsiteProviderS3}, "admin")
	require.Error(t, err)
	assert.True(t, apperrors.IsIntegrity(err))
	require.NotNil(t, rec)
	assert.Equal(t, models.OffsiteStatusFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorMessage)
	require.Len(t, rec.AccessLog, 1)
	assert.False(t, rec.AccessLog[0].Success)

	stored, _ := f.backups.Get(src.ID)
	assert.Empty(t, stored.Locations)
}

func TestUploadBackup_ProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.s3.failUpload = true

	src := f.completedBackup(t, models.BackupTypeFull, "full")
	rec, err := f.mgr.UploadBackup(context.Background(), src.ID, UploadConfig{Provider: models.OffsiteProviderS3}, "admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote unavailable")
	assert.Equal(t, models.OffsiteStatusFailed, rec.Status)
}

func TestUploadBackup_WithReplication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.completedBackup(t, models.BackupTypeFull, "full backup bytes")
	rec, err := f.mgr.UploadBackup(ctx, src.ID, UploadConfig{
		Provider:           models.OffsiteProviderLocalRemote,
		ReplicationEnabled: true,
		ReplicationTargets: []models.OffsiteProvider{models.OffsiteProviderS3, models.OffsiteProviderAzureBlob, models.OffsiteProviderLocalRemote},
	}, "admin")
	require.NoError(t, err)

	assert.Equal(t, models.OffsiteStatusCompleted, rec.Status)
	require.NotNil(t, rec.ReplicationStatus)
	assert.Equal(t, models.ReplicationStatusReplicated, *rec.ReplicationStatus)
	assert.Len(t, rec.ReplicaLocations, 2)
	require.NotNil(t, rec.LastReplicatedAt)
	assert.Equal(t, f.now, *rec.LastReplicatedAt)
	assert.Len(t, rec.AccessLog, 2)

	status, err := f.mgr.GetReplicationStatus(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReplicationHealthHealthy, status.Health)
	assert.Equal(t, rec.Location, status.PrimaryLocation)
	assert.ElementsMatch(t, rec.ReplicaLocations, status.ReplicaLocations)
}

func TestReplicateBackup_PartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.azure.failUpload = true

	src := f.completedBackup(t, models.BackupTypeDatabase, "db")
	rec, err := f.mgr.UploadBackup(ctx, src.ID, UploadConfig{Provider: models.OffsiteProviderLocalRemote}, "admin")
	require.NoError(t, err)

	updated, err := f.mgr.ReplicateBackup(ctx, rec.ID, ReplicateConfig{
		Targets: []models.OffsiteProvider{models.OffsiteProviderS3, models.OffsiteProviderAzureBlob},
	}, "admin")
	require.Error(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, models.ReplicationStatusFailed, updated.ReplicationState())
	assert.Len(t, updated.ReplicaLocations, 1, "successful target is kept")

	last := updated.AccessLog[len(updated.AccessLog)-1]
	assert.Equal(t, AccessReplicate, last.Action)
	assert.False(t, last.Success)

	status, err := f.mgr.GetReplicationStatus(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReplicationHealthUnhealthy, status.Health)
}

func TestReplicateBackup_StagesFromPrimaryWhenArtifactGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.completedBackup(t, models.BackupTypeDatabase, "db")
	rec, err := f.mgr.UploadBackup(ctx, src.ID, UploadConfig{Provider: models.OffsiteProviderLocalRemote}, "admin")
	require.NoError(t, err)
	require.NoError(t, os.Remove(src.Location))

	updated, err := f.mgr.ReplicateBackup(ctx, rec.ID, ReplicateConfig{Targets: []models.OffsiteProvider{models.OffsiteProviderS3}}, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.ReplicationStatusReplicated, updated.ReplicationState())
	assert.Len(t, f.s3.objects, 1)
}

func TestReplicateBackup_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.completedBackup(t, models.BackupTypeDatabase, "db")
	rec, err := f.mgr.UploadBackup(ctx, src.ID, UploadConfig{Provider: models.OffsiteProviderS3}, "admin")
	require.NoError(t, err)

	_, err = f.mgr.ReplicateBackup(ctx, rec.ID, ReplicateConfig{Targets: []models.OffsiteProvider{models.OffsiteProviderS3}}, "admin")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.mgr.ReplicateBackup(ctx, uuid.New(), ReplicateConfig{Targets: []models.OffsiteProvider{models.OffsiteProviderAzureBlob}}, "admin")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDownloadBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.completedBackup(t, models.BackupTypeDatabase, "sqlite snapshot")
	rec, err := f.mgr.UploadBackup(ctx, src.ID, UploadConfig{Provider: models.OffsiteProviderS3}, "admin")
	require.NoError(t, err)

	destDir := t.TempDir()
	path, err := f.mgr.DownloadBackup(ctx, rec.ID, destDir, "operator")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, filepath.Base(src.Location)), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite snapshot", string(data))

	stored, err := f.mgr.GetOffsiteRecord(rec.ID)
	require.NoError(t, err)
	last := stored.AccessLog[len(stored.AccessLog)-1]
	assert.Equal(t, AccessDownload, last.Action)
	assert.Equal(t, "operator", last.Actor)
	assert.True(t, last.Success)
}

func TestDownloadBackup_Tampered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.completedBackup(t, models.BackupTypeDatabase, "sqlite snapshot")
	rec, err := f.mgr.UploadBackup(ctx, src.ID, UploadConfig{Provider: models.OffsiteProviderS3}, "admin")
	require.NoError(t, err)
	f.s3.tamper(rec.Location)

	dest := filepath.Join(t.TempDir(), "restored.db")
	_, err = f.mgr.DownloadBackup(ctx, rec.ID, dest, "operator")
	require.Error(t, err)
	assert.True(t, apperrors.IsIntegrity(err))
	assert.NoFileExists(t, dest)

	stored, _ := f.mgr.GetOffsiteRecord(rec.ID)
	last := stored.AccessLog[len(stored.AccessLog)-1]
	assert.False(t, last.Success)
}

func TestDeleteOffsiteBackup_AlwaysTombstones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.completedBackup(t, models.BackupTypeDatabase, "db")
	rec, err := f.mgr.UploadBackup(ctx, src.ID, UploadConfig{
		Provider:           models.OffsiteProviderLocalRemote,
		ReplicationEnabled: true,
		ReplicationTargets: []models.OffsiteProvider{models.OffsiteProviderS3},
	}, "admin")
	require.NoError(t, err)

	deleted, err := f.mgr.DeleteOffsiteBackup(ctx, rec.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.OffsiteStatusDeleted, deleted.Status)
	require.NotNil(t, deleted.DeletedAt)
	assert.NoFileExists(t, rec.Location)
	assert.Empty(t, f.s3.objects, "replicas are removed too")
	last := deleted.AccessLog[len(deleted.AccessLog)-1]
	assert.Equal(t, AccessDelete, last.Action)
	assert.True(t, last.Success)

	_, err = f.mgr.GetOffsiteRecord(rec.ID)
	require.NoError(t, err, "tombstones stay in the catalog")

	status, err := f.mgr.GetReplicationStatus(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReplicationHealthUnknown, status.Health)
	assert.Empty(t, status.PrimaryLocation)
}

func TestAccessLogBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.completedBackup(t, models.BackupTypeDatabase, "db")
	rec, err := f.mgr.UploadBackup(ctx, src.ID, UploadConfig{Provider: models.OffsiteProviderS3}, "admin")
	require.NoError(t, err)

	dir := t.TempDir()
	for i := 0; i < models.MaxAccessLogEntries+5; i++ {
		_, err := f.mgr.DownloadBackup(ctx, rec.ID, dir, fmt.Sprintf("reader-%d", i))
		require.NoError(t, err)
	}
	stored, _ := f.mgr.GetOffsiteRecord(rec.ID)
	require.Len(t, stored.AccessLog, models.MaxAccessLogEntries)
	assert.Equal(t, "reader-5", stored.AccessLog[0].Actor)
	assert.Equal(t, fmt.Sprintf("reader-%d", models.MaxAccessLogEntries+4), stored.AccessLog[len(stored.AccessLog)-1].Actor)
}

func TestGetReplicationStatus(t *testing.T) {
	backupID := uuid.New()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := func(status *models.ReplicationStatus, replicas ...string) *models.OffsiteRecord {
		r := &models.OffsiteRecord{ID: uuid.New(), BackupID: backupID, Status: models.OffsiteStatusCompleted, Location: "/primary", CreatedAt: t0}
		r.ReplicationStatus = status
		r.ReplicaLocations = replicas
		return r
	}
	st := func(s models.ReplicationStatus) *models.ReplicationStatus { return &s }

	tests := []struct {
		name string
		recs []*models.OffsiteRecord
		want models.ReplicationHealth
	}{
		{name: "nothing attempted", recs: []*models.OffsiteRecord{rec(nil)}, want: models.ReplicationHealthUnknown},
		{name: "no records", recs: nil, want: models.ReplicationHealthUnknown},
		{name: "all replicated", recs: []*models.OffsiteRecord{rec(st(models.ReplicationStatusReplicated), "s3://a"), rec(nil)}, want: models.ReplicationHealthHealthy},
		{name: "some replicated", recs: []*models.OffsiteRecord{rec(st(models.ReplicationStatusReplicated)), rec(st(models.ReplicationStatusFailed))}, want: models.ReplicationHealthDegraded},
		{name: "none replicated", recs: []*models.OffsiteRecord{rec(st(models.ReplicationStatusFailed)), rec(st(models.ReplicationStatusReplicating))}, want: models.ReplicationHealthUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := summarize(backupID, tt.recs)
			assert.Equal(t, tt.want, s.Health)
			assert.NotNil(t, s.ReplicaLocations)
		})
	}
}

func TestGetReplicationStatus_UnknownBackup(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.GetReplicationStatus(context.Background(), uuid.New())
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCheckReplicationHealth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.completedBackup(t, models.BackupTypeDatabase, "a")
	_, err := f.mgr.UploadBackup(ctx, a.ID, UploadConfig{
		Provider:           models.OffsiteProviderLocalRemote,
		ReplicationEnabled: true,
		ReplicationTargets: []models.OffsiteProvider{models.OffsiteProviderS3},
	}, "admin")
	require.NoError(t, err)

	b := f.completedBackup(t, models.BackupTypeFiles, "b")
	_, err = f.mgr.UploadBackup(ctx, b.ID, UploadConfig{Provider: models.OffsiteProviderLocalRemote}, "admin")
	require.NoError(t, err)

	f.azure.failUpload = true
	c := f.completedBackup(t, models.BackupTypeFull, "c")
	_, err = f.mgr.UploadBackup(ctx, c.ID, UploadConfig{
		Provider:           models.OffsiteProviderLocalRemote,
		ReplicationEnabled: true,
		ReplicationTargets: []models.OffsiteProvider{models.OffsiteProviderAzureBlob},
	}, "admin")
	require.NoError(t, err, "replication failure does not fail the upload")

	counts, err := f.mgr.CheckReplicationHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.ReplicationHealthHealthy])
	assert.Equal(t, 1, counts[models.ReplicationHealthUnknown])
	assert.Equal(t, 1, counts[models.ReplicationHealthUnhealthy])
	assert.Equal(t, 0, counts[models.ReplicationHealthDegraded])
}

func TestEnforceRetentionPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	upload := func(typ models.BackupType, age time.Duration) *models.OffsiteRecord {
		src := f.completedBackup(t, typ, string(typ)+age.String())
		rec, err := f.mgr.UploadBackup(ctx, src.ID, UploadConfig{Provider: models.OffsiteProviderLocalRemote}, "admin")
		require.NoError(t, err)
		updated, err := f.records.Update(ctx, rec.ID, func(r *models.OffsiteRecord) error {
			at := f.now.Add(-age)
			r.UploadedAt = &at
			return nil
		})
		require.NoError(t, err)
		return updated
	}
	day := 24 * time.Hour

	oldDB := upload(models.BackupTypeDatabase, 31*day)
	freshDB := upload(models.BackupTypeDatabase, 29*day)
	oldFiles := upload(models.BackupTypeFiles, 400*day)
	oldFull := upload(models.BackupTypeFull, 200*day)

	n, err := f.mgr.EnforceRetentionPolicy(ctx, "database-30d")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "database and full replicas older than 30 days")

	get := func(id uuid.UUID) models.OffsiteStatus {
		r, err := f.mgr.GetOffsiteRecord(id)
		require.NoError(t, err)
		return r.Status
	}
	assert.Equal(t, models.OffsiteStatusDeleted, get(oldDB.ID))
	assert.Equal(t, models.OffsiteStatusCompleted, get(freshDB.ID))
	assert.Equal(t, models.OffsiteStatusCompleted, get(oldFiles.ID), "files are not covered")
	assert.Equal(t, models.OffsiteStatusDeleted, get(oldFull.ID))

	_, err = f.mgr.EnforceRetentionPolicy(ctx, "nope")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestEnforceRetentionPolicy_Archive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.completedBackup(t, models.BackupTypeFull, "full")
	rec, err := f.mgr.UploadBackup(ctx, src.ID, UploadConfig{Provider: models.OffsiteProviderS3}, "admin")
	require.NoError(t, err)
	_, err = f.records.Update(ctx, rec.ID, func(r *models.OffsiteRecord) error {
		at := f.now.Add(-181 * 24 * time.Hour)
		r.UploadedAt = &at
		return nil
	})
	require.NoError(t, err)

	n, err := f.mgr.EnforceRetentionPolicy(ctx, "full-365d-archive")
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, _ := f.mgr.GetOffsiteRecord(rec.ID)
	assert.Equal(t, models.OffsiteStatusArchived, stored.Status)
	require.NotNil(t, stored.ArchivedAt)
	assert.Len(t, f.s3.objects, 1, "archiving keeps the remote object")

	dest, err := f.mgr.DownloadBackup(ctx, rec.ID, t.TempDir(), "admin")
	require.NoError(t, err, "archived replicas stay downloadable")
	assert.FileExists(t, dest)
}

func TestPolicies(t *testing.T) {
	f := newFixture(t)
	ids := make([]string, 0)
	for _, p := range f.mgr.Policies() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"database-30d", "full-365d-archive", "full-90d"}, ids)

	_, err := NewManager(Config{Policies: []models.RetentionPolicy{{ID: "x", Name: "x", RetentionDays: 0, BackupTypes: []models.BackupType{models.BackupTypeFull}}}},
		f.records, f.backups, providers.NewRegistry(), zerolog.Nop())
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestDeleteOffsiteBackup_RemoteFailureStillTombstones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.completedBackup(t, models.BackupTypeDatabase, "db")
	rec, err := f.mgr.UploadBackup(ctx, src.ID, UploadConfig{Provider: models.OffsiteProviderS3}, "admin")
	require.NoError(t, err)

	// Drop the provider so the remote delete cannot be dispatched.
	f.mgr.providers = providers.NewRegistry(f.local)
	deleted, err := f.mgr.DeleteOffsiteBackup(ctx, rec.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.OffsiteStatusDeleted, deleted.Status)
	last := deleted.AccessLog[len(deleted.AccessLog)-1]
	assert.False(t, last.Success)
}

func TestCheckProviders(t *testing.T) {
	f := newFixture(t)
	f.azure.checkErr = errors.New("auth failed")

	got := f.mgr.CheckProviders(context.Background())
	require.Len(t, got, 3)
	assert.NoError(t, got[models.OffsiteProviderLocalRemote])
	assert.NoError(t, got[models.OffsiteProviderS3])
	assert.EqualError(t, got[models.OffsiteProviderAzureBlob], "auth failed")
}
