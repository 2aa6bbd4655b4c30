// Package providers implements the remote stores offsite replicas are
// written to: a local or mounted directory, S3-compatible object storage,
// Azure Blob Storage, Google Cloud Storage and SFTP servers.
package providers

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// UploadResult describes bytes a provider stored. Size and Checksum are
// computed over the bytes read from the source while streaming.
type UploadResult struct {
	Location string
	Size     int64
	Checksum string
}

// Provider stores and fetches artifacts at one remote.
type Provider interface {
	// Kind returns the provider kind.
	Kind() models.OffsiteProvider

	// Upload streams the file at src to the object named key.
	Upload(ctx context.Context, src, key string) (*UploadResult, error)

	// Download writes the object at location to the file dest.
	Download(ctx context.Context, location, dest string) error

	// Delete removes the object at location. Deleting a missing object is not an error.
	Delete(ctx context.Context, location string) error

	// Check verifies the remote is reachable with the configured credentials.
	Check(ctx context.Context) error
}

// ErrUnsupported is returned for a provider kind with no configured adapter.
var ErrUnsupported = errors.New("offsite provider not configured")

// Registry resolves providers by kind.
type Registry struct {
	providers map[models.OffsiteProvider]Provider
}

// NewRegistry creates a registry holding ps. A later provider of the same
// kind replaces an earlier one.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[models.OffsiteProvider]Provider, len(ps))}
	for _, p := range ps {
		r.providers[p.Kind()] = p
	}
	return r
}

// Get returns the provider for kind, or a policy error when none is configured.
func (r *Registry) Get(kind models.OffsiteProvider) (Provider, error) {
	if r != nil {
		if p, ok := r.providers[kind]; ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %w", apperrors.Kind(apperrors.ErrPolicy, "provider %q", kind), ErrUnsupported)
}

// Kinds returns the configured provider kinds, sorted.
func (r *Registry) Kinds() []models.OffsiteProvider {
	if r == nil {
		return nil
	}
	out := make([]models.OffsiteProvider, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Config selects and configures providers. Nil sections are not built.
type Config struct {
	Local *LocalConfig `koanf:"local" json:"local,omitempty"`
	S3    *S3Config    `koanf:"s3" json:"s3,omitempty"`
	Azure *AzureConfig `koanf:"azure" json:"azure,omitempty"`
	GCS   *GCSConfig   `koanf:"gcs" json:"gcs,omitempty"`
	SFTP  *SFTPConfig  `koanf:"sftp" json:"sftp,omitempty"`
}

// Build validates every configured section and returns a registry of the
// resulting providers.
func Build(ctx context.Context, cfg Config, logger zerolog.Logger) (*Registry, error) {
	var ps []Provider
	var errs []error
	add := func(p Provider, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		ps = append(ps, p)
	}
	if cfg.Local != nil {
		add(NewLocal(*cfg.Local, logger))
	}
	if cfg.S3 != nil {
		add(NewS3(ctx, *cfg.S3, logger))
	}
	if cfg.Azure != nil {
		add(NewAzure(*cfg.Azure, logger))
	}
	if cfg.GCS != nil {
		add(NewGCS(ctx, *cfg.GCS, logger))
	}
	if cfg.SFTP != nil {
		add(NewSFTP(*cfg.SFTP, logger))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return NewRegistry(ps...), nil
}

// objectKey joins a configured prefix and a key with forward slashes.
func objectKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	key = strings.TrimLeft(key, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

// splitLocation parses "<scheme>://<container>/<key>".
func splitLocation(location, scheme string) (container, key string, err error) {
	rest, ok := strings.CutPrefix(location, scheme+"://")
	if !ok {
		return "", "", fmt.Errorf("location %q is not a %s location", location, scheme)
	}
	container, key, ok = strings.Cut(rest, "/")
	if !ok || container == "" || key == "" {
		return "", "", fmt.Errorf("location %q has no object key", location)
	}
	return container, key, nil
}
