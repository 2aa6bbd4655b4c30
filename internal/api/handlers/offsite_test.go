package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

type mockOffsiteService struct {
	records    []*models.OffsiteRecord
	lastFilter models.OffsiteFilter
}

func (m *mockOffsiteService) GetOffsiteRecord(id uuid.UUID) (*models.OffsiteRecord, error) {
	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, apperrors.Kind(apperrors.ErrNotFound, "offsite record %s not found", id)
}

func (m *mockOffsiteService) ListOffsiteRecords(f models.OffsiteFilter) []*models.OffsiteRecord {
	m.lastFilter = f
	var out []*models.OffsiteRecord
	for _, r := range m.records {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

func (m *mockOffsiteService) Providers() []models.OffsiteProvider {
	return []models.OffsiteProvider{models.OffsiteProviderS3}
}

func (m *mockOffsiteService) Policies() []models.RetentionPolicy {
	return models.DefaultRetentionPolicies()
}

func (m *mockOffsiteService) GetReplicationStatus(_ context.Context, backupID uuid.UUID) (*models.ReplicationSummary, error) {
	for _, r := range m.records {
		if r.BackupID == backupID {
			return &models.ReplicationSummary{BackupID: backupID, PrimaryLocation: r.Location, Health: models.ReplicationHealthDegraded}, nil
		}
	}
	return nil, apperrors.Kind(apperrors.ErrNotFound, "no offsite copies of backup %s", backupID)
}

func TestOffsiteHandler(t *testing.T) {
	backupID := uuid.New()
	rec := &models.OffsiteRecord{
		ID:       uuid.New(),
		BackupID: backupID,
		Provider: models.OffsiteProviderS3,
		Location: "s3://dr/db.enc",
		Status:   models.OffsiteStatusCompleted,
	}
	svc := &mockOffsiteService{records: []*models.OffsiteRecord{rec}}
	r, api := newTestRouter()
	NewOffsiteHandler(svc, zerolog.Nop()).RegisterRoutes(api)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"list", "/api/v1/offsite", http.StatusOK},
		{"list by backup", "/api/v1/offsite?backup_id=" + backupID.String(), http.StatusOK},
		{"list bad provider", "/api/v1/offsite?provider=floppy", http.StatusBadRequest},
		{"list bad backup id", "/api/v1/offsite?backup_id=1", http.StatusBadRequest},
		{"get", "/api/v1/offsite/" + rec.ID.String(), http.StatusOK},
		{"get unknown", "/api/v1/offsite/" + uuid.NewString(), http.StatusNotFound},
		{"providers", "/api/v1/offsite/providers", http.StatusOK},
		{"policies", "/api/v1/offsite/policies", http.StatusOK},
		{"replication", "/api/v1/backups/" + backupID.String() + "/replication", http.StatusOK},
		{"replication unknown", "/api/v1/backups/" + uuid.NewString() + "/replication", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(r, http.MethodGet, tt.path, "")
			if w.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
		})
	}

	t.Run("provider filter parsed case-insensitively", func(t *testing.T) {
		w := doRequest(r, http.MethodGet, "/api/v1/offsite?provider=S3", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if svc.lastFilter.Provider != models.OffsiteProviderS3 {
			t.Errorf("expected s3 filter, got %q", svc.lastFilter.Provider)
		}
	})

	t.Run("replication body", func(t *testing.T) {
		var summary models.ReplicationSummary
		decode(t, doRequest(r, http.MethodGet, "/api/v1/backups/"+backupID.String()+"/replication", ""), &summary)
		if summary.Health != models.ReplicationHealthDegraded || summary.PrimaryLocation != rec.Location {
			t.Errorf("unexpected summary %+v", summary)
		}
	})
}
