package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/checksum"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// AzureConfig configures an Azure Blob Storage container.
// Sovereign clouds are selected with Endpoint, either a DNS suffix such as
// "core.usgovcloudapi.net" or a full service URL.
type AzureConfig struct {
	AccountName   string `koanf:"account_name" json:"account_name"`
	AccountKey    string `koanf:"account_key" json:"account_key"`
	ContainerName string `koanf:"container_name" json:"container_name"`
	Endpoint      string `koanf:"endpoint" json:"endpoint,omitempty"`
	Prefix        string `koanf:"prefix" json:"prefix,omitempty"`
}

// Validate checks if the configuration is valid.
func (c AzureConfig) Validate() error {
	if c.AccountName == "" {
		return errors.New("azure provider: account_name is required")
	}
	if c.AccountKey == "" {
		return errors.New("azure provider: account_key is required")
	}
	if c.ContainerName == "" {
		return errors.New("azure provider: container_name is required")
	}
	if _, err := base64.StdEncoding.DecodeString(c.AccountKey); err != nil {
		return fmt.Errorf("azure provider: account_key is not valid base64: %w", err)
	}
	return nil
}

// serviceURL returns the blob service URL of the account.
func (c AzureConfig) serviceURL() (*url.URL, error) {
	raw := fmt.Sprintf("https://%s.blob.core.windows.net", c.AccountName)
	switch {
	case strings.HasPrefix(c.Endpoint, "http://"), strings.HasPrefix(c.Endpoint, "https://"):
		raw = c.Endpoint
	case c.Endpoint != "":
		raw = fmt.Sprintf("https://%s.blob.%s", c.AccountName, c.Endpoint)
	}
	return url.Parse(raw)
}

// Azure stores artifacts as block blobs in one container.
type Azure struct {
	cfg       AzureConfig
	container azblob.ContainerURL
	logger    zerolog.Logger
}

// NewAzure creates an Azure Blob Storage provider.
func NewAzure(cfg AzureConfig, logger zerolog.Logger) (*Azure, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure provider: failed to create credentials: %w", err)
	}
	u, err := cfg.serviceURL()
	if err != nil {
		return nil, fmt.Errorf("azure provider: failed to parse service URL: %w", err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{
		Retry: azblob.RetryOptions{MaxTries: 3},
	})
	return &Azure{
		cfg:       cfg,
		container: azblob.NewServiceURL(*u, pipeline).NewContainerURL(cfg.ContainerName),
		logger:    logger.With().Str("component", "offsite_azure").Str("container", cfg.ContainerName).Logger(),
	}, nil
}

// Kind implements Provider.
func (p *Azure) Kind() models.OffsiteProvider { return models.OffsiteProviderAzureBlob }

// Upload implements Provider.
func (p *Azure) Upload(ctx context.Context, src, key string) (*UploadResult, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("azure provider: open source: %w", err)
	}
	defer f.Close()

	name := objectKey(p.cfg.Prefix, key)
	body := checksum.NewReader(f)
	_, err = azblob.UploadStreamToBlockBlob(ctx, body, p.container.NewBlockBlobURL(name), azblob.UploadStreamToBlockBlobOptions{
		BufferSize: 4 * 1024 * 1024,
		MaxBuffers: 4,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("azure provider: upload %s: %w", name, err)
	}

	p.logger.Debug().Str("blob", name).Int64("size", body.Size()).Msg("uploaded artifact")
	return &UploadResult{
		Location: fmt.Sprintf("azure://%s/%s", p.cfg.ContainerName, name),
		Size:     body.Size(),
		Checksum: body.Sum(),
	}, nil
}

// Download implements Provider.
func (p *Azure) Download(ctx context.Context, location, dest string) error {
	_, name, err := splitLocation(location, "azure")
	if err != nil {
		return err
	}
	resp, err := p.container.NewBlockBlobURL(name).Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return fmt.Errorf("azure provider: download %s: %w", name, err)
	}
	body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 20})
	defer body.Close()
	return writeFile(ctx, dest, body)
}

// Delete implements Provider.
func (p *Azure) Delete(ctx context.Context, location string) error {
	_, name, err := splitLocation(location, "azure")
	if err != nil {
		return err
	}
	_, err = p.container.NewBlockBlobURL(name).Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	var storageErr azblob.StorageError
	if errors.As(err, &storageErr) && storageErr.Response() != nil && storageErr.Response().StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("azure provider: delete %s: %w", name, err)
	}
	return nil
}

// Check implements Provider by reading the container properties.
func (p *Azure) Check(ctx context.Context) error {
	if _, err := p.container.GetProperties(ctx, azblob.LeaseAccessConditions{}); err != nil {
		return fmt.Errorf("azure provider: container not accessible: %w", err)
	}
	return nil
}
