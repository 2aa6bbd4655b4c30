package providers

import (
	"encoding/base64"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

func TestAzureConfig_Validate(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("account-key"))
	tests := []struct {
		name    string
		cfg     AzureConfig
		wantErr string
	}{
		{name: "valid", cfg: AzureConfig{AccountName: "acct", AccountKey: key, ContainerName: "backups"}},
		{name: "missing account", cfg: AzureConfig{AccountKey: key, ContainerName: "backups"}, wantErr: "account_name is required"},
		{name: "missing key", cfg: AzureConfig{AccountName: "acct", ContainerName: "backups"}, wantErr: "account_key is required"},
		{name: "missing container", cfg: AzureConfig{AccountName: "acct", AccountKey: key}, wantErr: "container_name is required"},
		{name: "key not base64", cfg: AzureConfig{AccountName: "acct", AccountKey: "%%%", ContainerName: "backups"}, wantErr: "not valid base64"},
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

func TestAzureConfig_ServiceURL(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"", "https://acct.blob.core.windows.net"},
		{"core.usgovcloudapi.net", "https://acct.blob.core.usgovcloudapi.net"},
		{"http://127.0.0.1:10000/acct", "http://127.0.0.1:10000/acct"},
	}
	for _, tt := range tests {
		u, err := AzureConfig{AccountName: "acct", Endpoint: tt.endpoint}.serviceURL()
		require.NoError(t, err)
		assert.Equal(t, tt.want, u.String())
	}
}

func TestNewAzure(t *testing.T) {
	p, err := NewAzure(AzureConfig{
		AccountName:   "acct",
		AccountKey:    base64.StdEncoding.EncodeToString([]byte("account-key")),
		ContainerName: "backups",
	}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, models.OffsiteProviderAzureBlob, p.Kind())
	assert.Equal(t, "https://acct.blob.core.windows.net/backups", p.container.String())
}
