package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/MacJediWizard/keldris-recovery/internal/checksum"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// GCSConfig configures a Google Cloud Storage bucket.
type GCSConfig struct {
	BucketName      string `koanf:"bucket_name" json:"bucket_name"`
	Prefix          string `koanf:"prefix" json:"prefix,omitempty"`
	ProjectID       string `koanf:"project_id" json:"project_id"`
	CredentialsJSON string `koanf:"credentials_json" json:"credentials_json,omitempty"` // base64-encoded service account JSON
	CredentialsFile string `koanf:"credentials_file" json:"credentials_file,omitempty"` // path to credentials file
	// Endpoint overrides the storage API endpoint, e.g. for an emulator.
	Endpoint string `koanf:"endpoint" json:"endpoint,omitempty"`
}

// Validate checks if the configuration is valid.
func (c GCSConfig) Validate() error {
	if c.BucketName == "" {
		return errors.New("gcs provider: bucket_name is required")
	}
	if c.ProjectID == "" {
		return errors.New("gcs provider: project_id is required")
	}
	if c.CredentialsJSON == "" && c.CredentialsFile == "" && c.Endpoint == "" {
		return errors.New("gcs provider: either credentials_json or credentials_file is required")
	}
	if c.CredentialsJSON != "" {
		if _, err := base64.StdEncoding.DecodeString(c.CredentialsJSON); err != nil {
			return fmt.Errorf("gcs provider: credentials_json is not valid base64: %w", err)
		}
	}
	return nil
}

func (c GCSConfig) clientOptions() ([]option.ClientOption, error) {
	var opts []option.ClientOption
	switch {
	case c.CredentialsJSON != "":
		decoded, err := base64.StdEncoding.DecodeString(c.CredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("gcs provider: decode credentials: %w", err)
		}
		opts = append(opts, option.WithCredentialsJSON(decoded))
	case c.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	default:
		opts = append(opts, option.WithoutAuthentication())
	}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}
	return opts, nil
}

// GCS stores artifacts as objects in one bucket.
type GCS struct {
	cfg    GCSConfig
	client *storage.Client
	logger zerolog.Logger
}

// NewGCS creates a Google Cloud Storage provider.
func NewGCS(ctx context.Context, cfg GCSConfig, logger zerolog.Logger) (*GCS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := cfg.clientOptions()
	if err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs provider: failed to create client: %w", err)
	}
	return &GCS{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "offsite_gcs").Str("bucket", cfg.BucketName).Logger(),
	}, nil
}

// Kind implements Provider.
func (p *GCS) Kind() models.OffsiteProvider { return models.OffsiteProviderGoogleCloud }

// Upload implements Provider.
func (p *GCS) Upload(ctx context.Context, src, key string) (*UploadResult, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("gcs provider: open source: %w", err)
	}
	defer f.Close()

	name := objectKey(p.cfg.Prefix, key)
	w := p.client.Bucket(p.cfg.BucketName).Object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	body := checksum.NewReader(f)
	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		return nil, fmt.Errorf("gcs provider: write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gcs provider: upload %s: %w", name, err)
	}

	p.logger.Debug().Str("object", name).Int64("size", body.Size()).Msg("uploaded artifact")
	return &UploadResult{
		Location: fmt.Sprintf("gs://%s/%s", p.cfg.BucketName, name),
		Size:     body.Size(),
		Checksum: body.Sum(),
	}, nil
}

// Download implements Provider.
func (p *GCS) Download(ctx context.Context, location, dest string) error {
	bucket, name, err := splitLocation(location, "gs")
	if err != nil {
		return err
	}
	r, err := p.client.Bucket(bucket).Object(name).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("gcs provider: read %s: %w", name, err)
	}
	defer r.Close()
	return writeFile(ctx, dest, r)
}

// Delete implements Provider.
func (p *GCS) Delete(ctx context.Context, location string) error {
	bucket, name, err := splitLocation(location, "gs")
	if err != nil {
		return err
	}
	err = p.client.Bucket(bucket).Object(name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs provider: delete %s: %w", name, err)
	}
	return nil
}

// Check implements Provider by reading the bucket attributes.
func (p *GCS) Check(ctx context.Context) error {
	if _, err := p.client.Bucket(p.cfg.BucketName).Attrs(ctx); err != nil {
		return fmt.Errorf("gcs provider: failed to access bucket: %w", err)
	}
	return nil
}

// Close releases the client.
func (p *GCS) Close() error {
	return p.client.Close()
}
