package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/audit"
	"github.com/MacJediWizard/keldris-recovery/internal/checksum"
	"github.com/MacJediWizard/keldris-recovery/internal/crypto"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

const zstdSuffix = ".zst"

// VerifyBackup re-checks the stored artifact of a backup against its recorded
// size and checksum, and for encrypted backups that the container header is
// well formed and names the backup's key. An artifact that no longer matches
// produces an invalid result, not an error.
func (m *Manager) VerifyBackup(ctx context.Context, id uuid.UUID, actor string) (*models.VerificationResult, error) {
	rec, err := m.backups.MustGet(id)
	if err != nil {
		return nil, err
	}
	result := m.verifyRecord(ctx, rec)
	m.metrics.RecordVerification(result.Valid)

	audit.Emit(ctx, m.auditor, m.logger, audit.Event{
		Actor:        actor,
		Action:       audit.ActionVerify,
		ResourceType: audit.ResourceBackup,
		ResourceID:   id,
		After:        result,
	})
	m.logger.Info().
		Str("backup_id", id.String()).
		Bool("valid", result.Valid).
		Strs("errors", result.Errors).
		Msg("backup verified")
	return result, nil
}

func (m *Manager) verifyRecord(ctx context.Context, rec *models.BackupRecord) *models.VerificationResult {
	result := &models.VerificationResult{
		BackupID:        rec.ID,
		EncryptionValid: true,
		VerifiedAt:      m.now(),
	}
	path := rec.ArtifactPath()
	if path == "" {
		result.Errors = append(result.Errors, "backup has no artifact")
		return result
	}

	info, err := os.Stat(path)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("artifact unreadable: %v", err))
		result.EncryptionValid = !rec.Encrypted
		return result
	}
	result.SizeValid = info.Size() == rec.StoredSize()
	if !result.SizeValid {
		result.Errors = append(result.Errors, fmt.Sprintf("size mismatch: expected %d, got %d", rec.StoredSize(), info.Size()))
	}

	sum, _, err := checksum.File(ctx, path)
	switch {
	case err != nil:
		result.Errors = append(result.Errors, fmt.Sprintf("checksum failed: %v", err))
	case sum != rec.StoredChecksum():
		result.Errors = append(result.Errors, "checksum mismatch")
	default:
		result.ChecksumValid = true
	}

	if rec.Encrypted {
		header, err := crypto.InspectArtifact(path)
		switch {
		case err != nil:
			result.EncryptionValid = false
			result.Errors = append(result.Errors, fmt.Sprintf("encrypted container invalid: %v", err))
		case rec.KeyID == nil || header.KeyID != *rec.KeyID:
			result.EncryptionValid = false
			result.Errors = append(result.Errors, "encrypted container names a different key")
		}
	}

	result.Valid = result.SizeValid && result.ChecksumValid && result.EncryptionValid
	return result
}

// integrityError converts a failed verification into an IntegrityError.
func integrityError(id uuid.UUID, result *models.VerificationResult) error {
	return &apperrors.IntegrityError{
		Resource: "backup " + id.String(),
		Checks:   slices.Clone(result.Errors),
	}
}

// RestoreBackup verifies a backup and writes its plaintext artifact into
// destDir, decrypting and decompressing as recorded. An empty destDir uses
// the configured restore directory. A backup that fails verification is not
// restored and an IntegrityError is returned.
func (m *Manager) RestoreBackup(ctx context.Context, id uuid.UUID, destDir, actor string) (string, error) {
	rec, err := m.backups.MustGet(id)
	if err != nil {
		return "", err
	}
	if !rec.IsRestorable() {
		return "", apperrors.Kind(apperrors.ErrPolicy, "backup %s is %s and cannot be restored", id, rec.Status)
	}
	if destDir == "" {
		destDir = filepath.Join(m.cfg.RestoreDir, id.String())
	}

	if result := m.verifyRecord(ctx, rec); !result.Valid {
		m.metrics.RecordVerification(false)
		return "", integrityError(id, result)
	}
	if err := os.MkdirAll(destDir, 0700); err != nil {
		return "", apperrors.Transient("create restore directory", err)
	}

	var out string
	switch {
	case rec.Encrypted:
		out, err = m.keys.DecryptArtifact(ctx, rec.EncryptedLocation, destDir)
	case strings.HasSuffix(rec.Location, zstdSuffix):
		out, err = decompressArtifact(ctx, rec.Location, destDir)
	default:
		out = filepath.Join(destDir, filepath.Base(rec.Location))
		_, _, err = checksum.CopyFile(ctx, rec.Location, out)
	}
	if err != nil {
		return "", fmt.Errorf("restore backup %s: %w", id, err)
	}
	if want := rec.Metadata[MetaPlaintextChecksum]; want != "" {
		got, _, err := checksum.File(ctx, out)
		if err != nil {
			return "", fmt.Errorf("restore backup %s: %w", id, err)
		}
		if got != want {
			os.Remove(out)
			return "", &apperrors.IntegrityError{
				Resource: "backup " + id.String(),
				Checks:   []string{fmt.Sprintf("restored checksum %s, captured %s", got, want)},
			}
		}
	}

	audit.Emit(ctx, m.auditor, m.logger, audit.Event{
		Actor:        actor,
		Action:       audit.ActionRestore,
		ResourceType: audit.ResourceBackup,
		ResourceID:   id,
		After:        map[string]string{"path": out},
	})
	m.logger.Info().Str("backup_id", id.String()).Str("path", out).Msg("backup restored")
	return out, nil
}

func isArchive(path string) bool {
	return strings.HasSuffix(path, ".tar.gz")
}

// compressArtifact zstd-compresses path into path+".zst" and removes the
// original.
func compressArtifact(ctx context.Context, path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dst := path + zstdSuffix
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(enc, checksum.WithContext(ctx, in)); err != nil {
		enc.Close()
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	if err := out.Sync(); err != nil {
		return "", err
	}
	in.Close()
	if err := os.Remove(path); err != nil {
		return "", err
	}
	return dst, nil
}

func decompressArtifact(ctx context.Context, path, destDir string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dec, err := zstd.NewReader(checksum.WithContext(ctx, in))
	if err != nil {
		return "", err
	}
	defer dec.Close()

	dst := filepath.Join(destDir, strings.TrimSuffix(filepath.Base(path), zstdSuffix))
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, dec); err != nil {
		out.Close()
		os.Remove(dst)
		return "", err
	}
	return dst, out.Close()
}
