package backup

import (
	"archive/tar"
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

func tarEntries(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	return names
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestCaptureFull_AppliesExcludes(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"config/app.yaml":   "port: 1",
		"uploads/a.txt":     "a",
		"logs/server.log":   "noise",
		"tmp/scratch":       "x",
		"uploads/b.tmp":     "x",
		"backups/old.tar":   "x",
		"data/app.db-wal":   "x",
		"data/custom.skip":  "x",
		"data/important.db": "keep",
	})

	capturers := DefaultCapturers(CaptureConfig{DataRoot: root, Excludes: []string{"*.skip"}})
	out := t.TempDir()
	path, err := capturers[models.BackupTypeFull].Capture(context.Background(), CaptureRequest{
		BackupID: uuid.New(),
		Type:     models.BackupTypeFull,
		Dir:      out,
		Compress: true,
	})
	require.NoError(t, err)
	assert.Equal(t, out, filepath.Dir(path))

	assert.Equal(t, []string{
		"config",
		"config/app.yaml",
		"data",
		"data/important.db",
		"uploads",
		"uploads/a.txt",
	}, tarEntries(t, path))
}

func TestCaptureIncremental_OnlyNewerFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"old.txt": "old", "new.txt": "new"})

	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "old.txt"), base.Add(-time.Hour), base.Add(-time.Hour)))

	capturers := DefaultCapturers(CaptureConfig{DataRoot: root})
	path, err := capturers[models.BackupTypeIncremental].Capture(context.Background(), CaptureRequest{
		BackupID: uuid.New(),
		Type:     models.BackupTypeIncremental,
		Dir:      t.TempDir(),
		Since:    base,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"new.txt"}, tarEntries(t, path))
}

func TestCaptureFiles_PrefixesEachDirectory(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"uploads/a.txt": "a", "media/b.png": "b"})

	capturers := DefaultCapturers(CaptureConfig{FileDirs: []string{
		filepath.Join(root, "uploads"),
		filepath.Join(root, "media"),
	}})
	path, err := capturers[models.BackupTypeFiles].Capture(context.Background(), CaptureRequest{
		BackupID: uuid.New(),
		Type:     models.BackupTypeFiles,
		Dir:      t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"media/b.png", "uploads/a.txt"}, tarEntries(t, path))
}

func TestCaptureDatabase(t *testing.T) {
	t.Run("sqlite snapshot", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "app.db")
		createSQLiteDB(t, src)

		dst := filepath.Join(t.TempDir(), "snapshot.db")
		_, err := captureDatabase(context.Background(), src, dst)
		require.NoError(t, err)

		db, err := sql.Open("sqlite", dst)
		require.NoError(t, err)
		defer db.Close()
		var n int
		require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n))
		assert.Equal(t, 2, n)
	})

	t.Run("plain file copied", func(t *testing.T) {
		src := filepath.Join(t.TempDir(), "dump.sql")
		require.NoError(t, os.WriteFile(src, []byte("INSERT INTO jobs VALUES (1);"), 0o600))

		dst := filepath.Join(t.TempDir(), "dump.db")
		_, err := captureDatabase(context.Background(), src, dst)
		require.NoError(t, err)
		data, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "INSERT INTO jobs VALUES (1);", string(data))
	})

	t.Run("not configured", func(t *testing.T) {
		_, err := captureDatabase(context.Background(), "", filepath.Join(t.TempDir(), "x.db"))
		assert.Error(t, err)
	})
}

func TestCaptureConfiguration_RequiresSource(t *testing.T) {
	capturers := DefaultCapturers(CaptureConfig{})
	_, err := capturers[models.BackupTypeConfiguration].Capture(context.Background(), CaptureRequest{
		BackupID: uuid.New(),
		Type:     models.BackupTypeConfiguration,
		Dir:      t.TempDir(),
	})
	assert.Error(t, err)
}
