package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/checksum"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// S3Config configures an S3-compatible bucket.
// Supports AWS S3, MinIO, Wasabi, and other S3-compatible services.
type S3Config struct {
	Endpoint        string `koanf:"endpoint" json:"endpoint,omitempty"`
	Bucket          string `koanf:"bucket" json:"bucket"`
	Prefix          string `koanf:"prefix" json:"prefix,omitempty"`
	Region          string `koanf:"region" json:"region,omitempty"`
	AccessKeyID     string `koanf:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key" json:"secret_access_key"`
	UseSSL          bool   `koanf:"use_ssl" json:"use_ssl"`
	// Concurrency is the number of parts uploaded in parallel.
	Concurrency int `koanf:"concurrency" json:"concurrency,omitempty"`
}

// Validate checks if the configuration is valid.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3 provider: bucket is required")
	}
	if c.AccessKeyID == "" {
		return errors.New("s3 provider: access_key_id is required")
	}
	if c.SecretAccessKey == "" {
		return errors.New("s3 provider: secret_access_key is required")
	}
	return nil
}

// endpointURL returns the custom endpoint with the scheme selected by UseSSL.
func (c S3Config) endpointURL() string {
	if c.Endpoint == "" {
		return ""
	}
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}
	endpoint := c.Endpoint
	if u, err := url.Parse(c.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
	}
	return fmt.Sprintf("%s://%s", scheme, endpoint)
}

// S3 stores artifacts as objects in one bucket.
type S3 struct {
	cfg      S3Config
	client   *s3.Client
	uploader *manager.Uploader
	logger   zerolog.Logger
}

// NewS3 creates an S3 provider.
func NewS3(ctx context.Context, cfg S3Config, logger zerolog.Logger) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("s3 provider: failed to load config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if endpoint := cfg.endpointURL(); endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		})
	}
	client := s3.NewFromConfig(awsCfg, clientOpts...)

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = manager.DefaultUploadConcurrency
	}
	return &S3{
		cfg:    cfg,
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.Concurrency = concurrency
		}),
		logger: logger.With().Str("component", "offsite_s3").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// Kind implements Provider.
func (p *S3) Kind() models.OffsiteProvider { return models.OffsiteProviderS3 }

// Upload implements Provider.
func (p *S3) Upload(ctx context.Context, src, key string) (*UploadResult, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("s3 provider: open source: %w", err)
	}
	defer f.Close()

	name := objectKey(p.cfg.Prefix, key)
	body := checksum.NewReader(f)
	if _, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(name),
		Body:   body,
	}); err != nil {
		return nil, fmt.Errorf("s3 provider: upload %s: %w", name, err)
	}

	p.logger.Debug().Str("key", name).Int64("size", body.Size()).Msg("uploaded artifact")
	return &UploadResult{
		Location: fmt.Sprintf("s3://%s/%s", p.cfg.Bucket, name),
		Size:     body.Size(),
		Checksum: body.Sum(),
	}, nil
}

// Download implements Provider.
func (p *S3) Download(ctx context.Context, location, dest string) error {
	bucket, key, err := splitLocation(location, "s3")
	if err != nil {
		return err
	}
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 provider: get %s: %w", key, err)
	}
	defer out.Body.Close()
	return writeFile(ctx, dest, out.Body)
}

// Delete implements Provider.
func (p *S3) Delete(ctx context.Context, location string) error {
	bucket, key, err := splitLocation(location, "s3")
	if err != nil {
		return err
	}
	_, err = p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	var missing *types.NoSuchKey
	if err != nil && !errors.As(err, &missing) {
		return fmt.Errorf("s3 provider: delete %s: %w", key, err)
	}
	return nil
}

// Check implements Provider by heading the bucket.
func (p *S3) Check(ctx context.Context) error {
	if _, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.cfg.Bucket)}); err != nil {
		return fmt.Errorf("s3 provider: failed to access bucket: %w", err)
	}
	return nil
}

// writeFile streams r into a new file at dest.
func writeFile(ctx context.Context, dest string, r io.Reader) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, checksum.WithContext(ctx, r)); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync %s: %w", dest, err)
	}
	return out.Close()
}
