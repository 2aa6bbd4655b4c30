package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/checksum"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// LocalConfig configures a directory used as the remote, typically a mounted
// network share.
type LocalConfig struct {
	Path string `koanf:"path" json:"path"`
}

// Validate checks if the configuration is valid.
func (c LocalConfig) Validate() error {
	if c.Path == "" {
		return errors.New("local provider: path is required")
	}
	if !filepath.IsAbs(c.Path) {
		return errors.New("local provider: path must be absolute")
	}
	return nil
}

// Local copies artifacts into a directory.
type Local struct {
	root   string
	logger zerolog.Logger
}

// NewLocal creates a local-remote provider.
func NewLocal(cfg LocalConfig, logger zerolog.Logger) (*Local, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Local{
		root:   filepath.Clean(cfg.Path),
		logger: logger.With().Str("component", "offsite_local").Logger(),
	}, nil
}

// Kind implements Provider.
func (l *Local) Kind() models.OffsiteProvider { return models.OffsiteProviderLocalRemote }

// Upload implements Provider.
func (l *Local) Upload(ctx context.Context, src, key string) (*UploadResult, error) {
	dst, err := l.resolve(filepath.Join(l.root, filepath.FromSlash(key)))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return nil, fmt.Errorf("local provider: create directory: %w", err)
	}
	sum, size, err := checksum.CopyFile(ctx, src, dst)
	if err != nil {
		return nil, fmt.Errorf("local provider: copy: %w", err)
	}
	l.logger.Debug().Str("location", dst).Int64("size", size).Msg("artifact copied")
	return &UploadResult{Location: dst, Size: size, Checksum: sum}, nil
}

// Download implements Provider.
func (l *Local) Download(ctx context.Context, location, dest string) error {
	src, err := l.resolve(location)
	if err != nil {
		return err
	}
	if _, _, err := checksum.CopyFile(ctx, src, dest); err != nil {
		return fmt.Errorf("local provider: copy: %w", err)
	}
	return nil
}

// Delete implements Provider.
func (l *Local) Delete(_ context.Context, location string) error {
	p, err := l.resolve(location)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("local provider: delete: %w", err)
	}
	// Each record owns its directory; drop it once empty.
	if dir := filepath.Dir(p); dir != l.root {
		_ = os.Remove(dir)
	}
	return nil
}

// Check implements Provider by checking the parent of the root exists and the
// root is a directory when present.
func (l *Local) Check(_ context.Context) error {
	info, err := os.Stat(filepath.Dir(l.root))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.New("local provider: parent directory does not exist")
		}
		return err
	}
	if !info.IsDir() {
		return errors.New("local provider: parent path is not a directory")
	}
	if info, err := os.Stat(l.root); err == nil && !info.IsDir() {
		return errors.New("local provider: path is not a directory")
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// resolve keeps locations inside the root.
func (l *Local) resolve(p string) (string, error) {
	p = filepath.Clean(p)
	if p != l.root && !strings.HasPrefix(p, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("local provider: location %q is outside %s", p, l.root)
	}
	return p, nil
}
