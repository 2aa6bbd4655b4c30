// Package crypto issues per-backup data keys wrapped by a master key and
// encrypts backup artifacts into a chunked AES-256-GCM container.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/checksum"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
	"github.com/MacJediWizard/keldris-recovery/internal/store"
)

const (
	// NonceSize is the size of the AES-GCM nonce (12 bytes standard).
	NonceSize = 12

	// KeySize is the size of the AES-256 key (32 bytes).
	KeySize = 32

	// Algorithm is the only data key algorithm issued.
	Algorithm = "aes-256-gcm"

	// EncryptedSuffix is appended to encrypted artifact paths.
	EncryptedSuffix = ".enc"
)

var (
	// ErrInvalidKeySize indicates the encryption key is not the correct size.
	ErrInvalidKeySize = errors.New("encryption key must be 32 bytes")
	// ErrInvalidCiphertext indicates the ciphertext is too short or malformed.
	ErrInvalidCiphertext = errors.New("ciphertext too short")
	// ErrDecryptionFailed indicates the decryption operation failed.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrKeyNotFound indicates the referenced data key does not exist.
	ErrKeyNotFound = apperrors.Kind(apperrors.ErrNotFound, "backup key not found")
	// ErrKeyRevoked indicates the data key was revoked and can no longer decrypt.
	ErrKeyRevoked = apperrors.Kind(apperrors.ErrPolicy, "backup key revoked")
)

// KeyRequest describes a data key to issue.
type KeyRequest struct {
	BackupID  uuid.UUID
	ExpiresAt *time.Time
	Metadata  map[string]string
	Actor     string
}

// KeyManager handles data key generation and artifact encryption.
type KeyManager struct {
	// masterKey wraps every data key at rest.
	masterKey   []byte
	keys        *store.Catalog[*models.BackupKey]
	compression Compression
	chunkSize   uint32
	logger      zerolog.Logger
}

// Option configures a KeyManager.
type Option func(*KeyManager)

// WithCompression selects the codec used when compression is requested.
func WithCompression(c Compression) Option {
	return func(km *KeyManager) { km.compression = c }
}

// WithChunkSize overrides the plaintext chunk size of new containers.
func WithChunkSize(size uint32) Option {
	return func(km *KeyManager) { km.chunkSize = size }
}

// NewKeyManager creates a new KeyManager with the given master key.
// The master key must be exactly 32 bytes (256 bits) for AES-256.
func NewKeyManager(masterKey []byte, keys *store.Catalog[*models.BackupKey], logger zerolog.Logger, opts ...Option) (*KeyManager, error) {
	if len(masterKey) != KeySize {
		return nil, ErrInvalidKeySize
	}
	km := &KeyManager{
		masterKey:   masterKey,
		keys:        keys,
		compression: CompressionZstd,
		chunkSize:   DefaultChunkSize,
		logger:      logger.With().Str("component", "key_manager").Logger(),
	}
	for _, opt := range opts {
		opt(km)
	}
	return km, nil
}

// GenerateKey issues a fresh 256-bit data key scoped to one backup.
func (km *KeyManager) GenerateKey(ctx context.Context, req KeyRequest) (*models.BackupKey, error) {
	dataKey := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	wrapped, err := km.Encrypt(dataKey)
	if err != nil {
		return nil, fmt.Errorf("wrap data key: %w", err)
	}

	key := &models.BackupKey{
		ID:         uuid.New(),
		BackupID:   req.BackupID,
		Algorithm:  Algorithm,
		BitLength:  KeySize * 8,
		WrappedKey: wrapped,
		Metadata:   req.Metadata,
		CreatedBy:  req.Actor,
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  req.ExpiresAt,
	}
	if err := km.keys.Put(ctx, key); err != nil {
		return nil, fmt.Errorf("store data key: %w", err)
	}

	km.logger.Debug().Str("key_id", key.ID.String()).Str("backup_id", req.BackupID.String()).Msg("data key issued")
	return key, nil
}

// DescribeKey returns key metadata without the key material.
func (km *KeyManager) DescribeKey(id uuid.UUID) (*models.KeyInfo, error) {
	key, ok := km.keys.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return &models.KeyInfo{
		ID:        key.ID,
		BackupID:  key.BackupID,
		Algorithm: key.Algorithm,
		BitLength: key.BitLength,
		CreatedAt: key.CreatedAt,
		ExpiresAt: key.ExpiresAt,
		Revoked:   key.IsRevoked(),
	}, nil
}

// RevokeKey destroys the wrapped key material. Revoking twice is a no-op.
func (km *KeyManager) RevokeKey(ctx context.Context, id uuid.UUID) error {
	_, err := km.keys.Update(ctx, id, func(k *models.BackupKey) error {
		if !k.IsRevoked() {
			k.Revoke(time.Now().UTC())
		}
		return nil
	})
	if apperrors.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return err
}

// KeysDueForRotation returns active keys older than maxAge that have not yet
// been flagged.
func (km *KeyManager) KeysDueForRotation(maxAge time.Duration, now time.Time) []*models.BackupKey {
	return km.keys.List(func(k *models.BackupKey) bool {
		return !k.IsRevoked() && k.RotationAlertedAt == nil && now.Sub(k.CreatedAt) > maxAge
	})
}

// MarkRotationAlerted records that a rotation alert was raised for the key.
func (km *KeyManager) MarkRotationAlerted(ctx context.Context, id uuid.UUID) error {
	_, err := km.keys.Update(ctx, id, func(k *models.BackupKey) error {
		now := time.Now().UTC()
		k.RotationAlertedAt = &now
		return nil
	})
	return err
}

func (km *KeyManager) dataKey(id uuid.UUID) ([]byte, error) {
	key, ok := km.keys.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	if key.IsRevoked() {
		return nil, fmt.Errorf("%w: %s", ErrKeyRevoked, id)
	}
	return km.Decrypt(key.WrappedKey)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptArtifact encrypts path with the data key into path+".enc",
// compressing first when compress is set. The plaintext is left in place.
func (km *KeyManager) EncryptArtifact(ctx context.Context, path string, keyID uuid.UUID, compress bool) (string, error) {
	dataKey, err := km.dataKey(keyID)
	if err != nil {
		return "", err
	}
	aead, err := newAEAD(dataKey)
	if err != nil {
		return "", err
	}

	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	dst := path + EncryptedSuffix
	tmp := dst + ".partial"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("create encrypted artifact: %w", err)
	}

	compression := CompressionNone
	if compress {
		compression = km.compression
	}

	if err := km.seal(ctx, in, out, keyID, aead, compression); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("sync encrypted artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close encrypted artifact: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", fmt.Errorf("finalize encrypted artifact: %w", err)
	}

	km.logger.Debug().Str("path", dst).Str("compression", compression.String()).Msg("artifact encrypted")
	return dst, nil
}

func (km *KeyManager) seal(ctx context.Context, in io.Reader, out io.Writer, keyID uuid.UUID, aead cipher.AEAD, c Compression) error {
	sw, err := newSealWriter(out, aead, ContainerHeader{
		Version:     containerVersion,
		Compression: c,
		KeyID:       keyID,
		ChunkSize:   km.chunkSize,
	})
	if err != nil {
		return err
	}
	cw, err := compressWriter(sw, c)
	if err != nil {
		return err
	}
	if _, err := io.Copy(cw, checksum.WithContext(ctx, in)); err != nil {
		return fmt.Errorf("encrypt artifact: %w", err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("flush compressor: %w", err)
	}
	return sw.Close()
}

// DecryptArtifact decrypts an encrypted artifact into destDir and returns the
// plaintext path. The data key is resolved from the container header.
func (km *KeyManager) DecryptArtifact(ctx context.Context, path, destDir string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open encrypted artifact: %w", err)
	}
	defer in.Close()

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(in, headerBytes); err != nil {
		return "", fmt.Errorf("%w: short header: %v", ErrInvalidContainer, err)
	}
	header, err := decodeHeader(headerBytes)
	if err != nil {
		return "", err
	}

	dataKey, err := km.dataKey(header.KeyID)
	if err != nil {
		return "", err
	}
	aead, err := newAEAD(dataKey)
	if err != nil {
		return "", err
	}

	plain, closeDec, err := decompressReader(newOpenReader(checksum.WithContext(ctx, in), aead, headerBytes, header.ChunkSize), header.Compression)
	if err != nil {
		return "", fmt.Errorf("open decompressor: %w", err)
	}
	defer closeDec()

	if err := os.MkdirAll(destDir, 0700); err != nil {
		return "", fmt.Errorf("create destination: %w", err)
	}
	dst := filepath.Join(destDir, strings.TrimSuffix(filepath.Base(path), EncryptedSuffix))
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("create plaintext artifact: %w", err)
	}
	if _, err := io.Copy(out, plain); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("decrypt artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close plaintext artifact: %w", err)
	}
	return dst, nil
}

// InspectArtifact parses the container header of an encrypted artifact.
func InspectArtifact(path string) (*ContainerHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open encrypted artifact: %w", err)
	}
	defer f.Close()
	return ParseContainerHeader(f)
}

// Encrypt encrypts plaintext using AES-256-GCM with the master key.
// Returns the ciphertext with the nonce prepended.
func (km *KeyManager) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := newAEAD(km.masterKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends the encrypted data to nonce, so the result is nonce + ciphertext + tag
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext encrypted with Encrypt.
// Expects the nonce to be prepended to the ciphertext.
func (km *KeyManager) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := newAEAD(km.masterKey)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// GenerateMasterKey generates a new random master key for use with NewKeyManager.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// MasterKeyToBase64 encodes a master key to base64 for configuration storage.
func MasterKeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// MasterKeyFromBase64 decodes a base64-encoded master key.
func MasterKeyFromBase64(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	return key, nil
}

// MasterKeyFromHex decodes a hex-encoded master key.
func MasterKeyFromHex(encoded string) ([]byte, error) {
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	return key, nil
}
