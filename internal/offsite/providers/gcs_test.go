package providers

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

func TestGCSConfig_Validate(t *testing.T) {
	creds := base64.StdEncoding.EncodeToString([]byte(`{"type":"service_account"}`))
	tests := []struct {
		name    string
		cfg     GCSConfig
		wantErr string
	}{
		{name: "valid json credentials", cfg: GCSConfig{BucketName: "b", ProjectID: "p", CredentialsJSON: creds}},
		{name: "valid credentials file", cfg: GCSConfig{BucketName: "b", ProjectID: "p", CredentialsFile: "/etc/gcs.json"}},
		{name: "emulator endpoint", cfg: GCSConfig{BucketName: "b", ProjectID: "p", Endpoint: "http://localhost:4443/storage/v1/"}},
		{name: "missing bucket", cfg: GCSConfig{ProjectID: "p", CredentialsJSON: creds}, wantErr: "bucket_name is required"},
		{name: "missing project", cfg: GCSConfig{BucketName: "b", CredentialsJSON: creds}, wantErr: "project_id is required"},
		{name: "no credentials", cfg: GCSConfig{BucketName: "b", ProjectID: "p"}, wantErr: "credentials_json or credentials_file"},
		{name: "bad base64", cfg: GCSConfig{BucketName: "b", ProjectID: "p", CredentialsJSON: "%%%"}, wantErr: "not valid base64"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewGCS_Emulator(t *testing.T) {
	p, err := NewGCS(context.Background(), GCSConfig{
		BucketName: "offsite",
		ProjectID:  "keldris",
		Endpoint:   "http://127.0.0.1:4443/storage/v1/",
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	assert.Equal(t, models.OffsiteProviderGoogleCloud, p.Kind())

	_, err = p.Upload(context.Background(), "/does/not/exist", "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open source")
}
