package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/MacJediWizard/keldris-recovery/internal/checksum"
	"github.com/MacJediWizard/keldris-recovery/internal/excludes"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// CaptureRequest is the input of a capture routine.
type CaptureRequest struct {
	BackupID uuid.UUID
	Type     models.BackupType
	// Dir is the directory the artifact must be written into.
	Dir string
	// Compress selects gzip compression for archive captures.
	Compress bool
	// Since limits incremental and differential captures to files modified
	// after it. Zero means everything.
	Since time.Time
}

// Capturer produces the raw artifact of one backup type. It is the only part
// of a backup that touches the subsystem being backed up.
type Capturer interface {
	Capture(ctx context.Context, req CaptureRequest) (string, error)
}

// CaptureFunc adapts a function to Capturer.
type CaptureFunc func(ctx context.Context, req CaptureRequest) (string, error)

// Capture implements Capturer.
func (f CaptureFunc) Capture(ctx context.Context, req CaptureRequest) (string, error) {
	return f(ctx, req)
}

// CaptureConfig locates the data each built-in capturer reads.
type CaptureConfig struct {
	// DatabasePath is the database file snapshotted by database backups.
	DatabasePath string
	// FileDirs are archived by files backups.
	FileDirs []string
	// DataRoot is archived by full, incremental and differential backups.
	DataRoot string
	// Excludes are extra patterns on top of the transient library.
	Excludes []string
	// ConfigSource returns the sanitized configuration dumped by
	// configuration backups.
	ConfigSource func() (any, error)
}

// DefaultCapturers returns the built-in capture routine for every backup type.
func DefaultCapturers(cfg CaptureConfig) map[models.BackupType]Capturer {
	matcher := excludes.NewMatcher(append(excludes.Transient(), cfg.Excludes...))
	return map[models.BackupType]Capturer{
		models.BackupTypeDatabase: CaptureFunc(func(ctx context.Context, req CaptureRequest) (string, error) {
			return captureDatabase(ctx, cfg.DatabasePath, artifactPath(req, ".db"))
		}),
		models.BackupTypeFiles: CaptureFunc(func(ctx context.Context, req CaptureRequest) (string, error) {
			roots := make([]archiveRoot, 0, len(cfg.FileDirs))
			for _, dir := range cfg.FileDirs {
				roots = append(roots, archiveRoot{dir: dir, prefix: filepath.Base(dir)})
			}
			return writeArchive(ctx, artifactPath(req, ".tar.gz"), roots, nil, time.Time{}, req.Compress)
		}),
		models.BackupTypeConfiguration: CaptureFunc(func(ctx context.Context, req CaptureRequest) (string, error) {
			return captureConfiguration(cfg.ConfigSource, artifactPath(req, ".yaml"))
		}),
		models.BackupTypeFull: CaptureFunc(func(ctx context.Context, req CaptureRequest) (string, error) {
			return writeArchive(ctx, artifactPath(req, ".tar.gz"), []archiveRoot{{dir: cfg.DataRoot}}, matcher, time.Time{}, req.Compress)
		}),
		models.BackupTypeIncremental: CaptureFunc(func(ctx context.Context, req CaptureRequest) (string, error) {
			return writeArchive(ctx, artifactPath(req, ".tar.gz"), []archiveRoot{{dir: cfg.DataRoot}}, matcher, req.Since, req.Compress)
		}),
		models.BackupTypeDifferential: CaptureFunc(func(ctx context.Context, req CaptureRequest) (string, error) {
			return writeArchive(ctx, artifactPath(req, ".tar.gz"), []archiveRoot{{dir: cfg.DataRoot}}, matcher, req.Since, req.Compress)
		}),
	}
}

func artifactPath(req CaptureRequest, ext string) string {
	return filepath.Join(req.Dir, fmt.Sprintf("%s-%s%s", req.Type, req.BackupID, ext))
}

var sqliteHeader = []byte("SQLite format 3\x00")

// captureDatabase takes a consistent snapshot of a SQLite database with
// VACUUM INTO. Other files are copied byte for byte.
func captureDatabase(ctx context.Context, src, dst string) (string, error) {
	if src == "" {
		return "", fmt.Errorf("database path not configured")
	}
	head := make([]byte, len(sqliteHeader))
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open database: %w", err)
	}
	_, err = io.ReadFull(f, head)
	f.Close()

	if err != nil || !bytes.Equal(head, sqliteHeader) {
		if _, _, err := checksum.CopyFile(ctx, src, dst); err != nil {
			return "", fmt.Errorf("copy database file: %w", err)
		}
		return dst, nil
	}

	db, err := sql.Open("sqlite", "file:"+src+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return "", fmt.Errorf("open sqlite database: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return "", fmt.Errorf("snapshot sqlite database: %w", err)
	}
	return dst, nil
}

func captureConfiguration(source func() (any, error), dst string) (string, error) {
	if source == nil {
		return "", fmt.Errorf("configuration source not configured")
	}
	cfg, err := source()
	if err != nil {
		return "", fmt.Errorf("read configuration: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode configuration: %w", err)
	}
	if err := os.WriteFile(dst, out, 0600); err != nil {
		return "", fmt.Errorf("write configuration dump: %w", err)
	}
	return dst, nil
}

type archiveRoot struct {
	dir    string
	prefix string
}

// writeArchive writes a gzip-compressed tar of roots. Paths the matcher
// excludes are skipped, and with a non-zero since only regular files
// modified after it are included.
func writeArchive(ctx context.Context, dst string, roots []archiveRoot, matcher *excludes.Matcher, since time.Time, compress bool) (string, error) {
	if len(roots) == 0 {
		return "", fmt.Errorf("no directories configured for archive capture")
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	level := gzip.NoCompression
	if compress {
		level = gzip.DefaultCompression
	}
	gz, err := gzip.NewWriterLevel(out, level)
	if err != nil {
		return "", fmt.Errorf("create gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	for _, root := range roots {
		if err := addTree(ctx, tw, root, matcher, since); err != nil {
			return "", err
		}
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("close gzip: %w", err)
	}
	if err := out.Sync(); err != nil {
		return "", fmt.Errorf("sync archive: %w", err)
	}
	return dst, nil
}

func addTree(ctx context.Context, tw *tar.Writer, root archiveRoot, matcher *excludes.Matcher, since time.Time) error {
	return filepath.WalkDir(root.dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("walk %s: %w", path, walkErr)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root.dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if matcher.Excluded(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if !d.IsDir() && !info.Mode().IsRegular() {
			return nil
		}
		if !since.IsZero() && (d.IsDir() || !info.ModTime().After(since)) {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("tar header for %s: %w", path, err)
		}
		hdr.Name = filepath.ToSlash(filepath.Join(root.prefix, rel))
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, checksum.WithContext(ctx, f)); err != nil {
			return fmt.Errorf("archive %s: %w", path, err)
		}
		return nil
	})
}
