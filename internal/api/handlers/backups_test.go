package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/api/middleware"
	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

type mockBackupService struct {
	backups    []*models.BackupRecord
	alerts     []*models.BackupAlert
	lastFilter models.BackupFilter
	lastAlerts models.AlertFilter
	ackActor   string
}

func (m *mockBackupService) ListBackups(_ context.Context, f models.BackupFilter) []*models.BackupRecord {
	m.lastFilter = f
	var out []*models.BackupRecord
	for _, b := range m.backups {
		if f.Matches(b) {
			out = append(out, b)
		}
	}
	return out
}

func (m *mockBackupService) GetBackupMetadata(_ context.Context, id uuid.UUID) (*models.BackupRecord, error) {
	for _, b := range m.backups {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, apperrors.Kind(apperrors.ErrNotFound, "backup %s not found", id)
}

func (m *mockBackupService) Stats() map[models.BackupStatus]int {
	out := map[models.BackupStatus]int{}
	for _, b := range m.backups {
		out[b.Status]++
	}
	return out
}

func (m *mockBackupService) ListAlerts(_ context.Context, f models.AlertFilter) []*models.BackupAlert {
	m.lastAlerts = f
	return m.alerts
}

func (m *mockBackupService) AcknowledgeAlert(_ context.Context, id uuid.UUID, actor string) (*models.BackupAlert, error) {
	for _, a := range m.alerts {
		if a.ID == id {
			m.ackActor = actor
			a.Acknowledged = true
			return a, nil
		}
	}
	return nil, apperrors.Kind(apperrors.ErrNotFound, "alert %s not found", id)
}

func setupBackupsRouter(svc BackupService) *gin.Engine {
	r, api := newTestRouter()
	h := NewBackupsHandler(svc, zerolog.Nop())
	h.RegisterRoutes(api)
	mut := api.Group("", middleware.RequireToken("secret", "ops", zerolog.Nop()))
	h.RegisterMutatingRoutes(mut)
	return r
}

func TestBackupsList(t *testing.T) {
	now := time.Now().UTC()
	svc := &mockBackupService{backups: []*models.BackupRecord{
		{ID: uuid.New(), Name: "db", Type: models.BackupTypeDatabase, Status: models.BackupStatusCompleted, CreatedAt: now},
		{ID: uuid.New(), Name: "files", Type: models.BackupTypeFiles, Status: models.BackupStatusFailed, CreatedAt: now},
	}}
	r := setupBackupsRouter(svc)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantTotal  int
	}{
		{"no filter", "", http.StatusOK, 2},
		{"by type", "?type=DATABASE", http.StatusOK, 1},
		{"by status", "?status=failed", http.StatusOK, 1},
		{"bad type", "?type=tape", http.StatusBadRequest, 0},
		{"bad time", "?created_after=yesterday", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(r, http.MethodGet, "/api/v1/backups"+tt.query, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp struct {
				Total int `json:"total"`
			}
			decode(t, w, &resp)
			if resp.Total != tt.wantTotal {
				t.Errorf("expected %d backups, got %d", tt.wantTotal, resp.Total)
			}
		})
	}

	t.Run("created_after is passed through", func(t *testing.T) {
		w := doRequest(r, http.MethodGet, "/api/v1/backups?created_after=2026-01-02T03:04:05Z", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		if svc.lastFilter.CreatedAfter == nil || !svc.lastFilter.CreatedAfter.Equal(want) {
			t.Errorf("expected created_after %v, got %v", want, svc.lastFilter.CreatedAfter)
		}
	})
}

func TestBackupsGet(t *testing.T) {
	rec := &models.BackupRecord{ID: uuid.New(), Name: "db", Status: models.BackupStatusVerified}
	r := setupBackupsRouter(&mockBackupService{backups: []*models.BackupRecord{rec}})

	w := doRequest(r, http.MethodGet, "/api/v1/backups/"+rec.ID.String(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got models.BackupRecord
	decode(t, w, &got)
	if got.ID != rec.ID || got.Status != models.BackupStatusVerified {
		t.Errorf("unexpected record %+v", got)
	}

	if w := doRequest(r, http.MethodGet, "/api/v1/backups/"+uuid.NewString(), ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown backup, got %d", w.Code)
	}
	if w := doRequest(r, http.MethodGet, "/api/v1/backups/stats", ""); w.Code != http.StatusOK {
		t.Errorf("expected stats route to win over :id, got %d", w.Code)
	}
}

func TestAlerts(t *testing.T) {
	alert := &models.BackupAlert{ID: uuid.New(), Severity: models.AlertSeverityCritical, Type: models.AlertTypeBackupFailed}
	svc := &mockBackupService{alerts: []*models.BackupAlert{alert}}
	r := setupBackupsRouter(svc)

	t.Run("list with filter", func(t *testing.T) {
		w := doRequest(r, http.MethodGet, "/api/v1/alerts?severity=critical&acknowledged=false", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		if svc.lastAlerts.Severity != models.AlertSeverityCritical {
			t.Errorf("expected severity filter, got %q", svc.lastAlerts.Severity)
		}
		if svc.lastAlerts.Acknowledged == nil || *svc.lastAlerts.Acknowledged {
			t.Errorf("expected acknowledged=false filter, got %v", svc.lastAlerts.Acknowledged)
		}
	})

	t.Run("bad backup id", func(t *testing.T) {
		if w := doRequest(r, http.MethodGet, "/api/v1/alerts?backup_id=zzz", ""); w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("acknowledge requires token", func(t *testing.T) {
		w := doRequest(r, http.MethodPost, "/api/v1/alerts/"+alert.ID.String()+"/acknowledge", "")
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
		if alert.Acknowledged {
			t.Error("alert acknowledged without token")
		}
	})

	t.Run("acknowledge records actor", func(t *testing.T) {
		req := httptestRequest(http.MethodPost, "/api/v1/alerts/"+alert.ID.String()+"/acknowledge")
		req.Header.Set("Authorization", "Bearer secret")
		req.Header.Set("X-Keldris-Actor", "alice")
		w := serve(r, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		if !alert.Acknowledged || svc.ackActor != "alice" {
			t.Errorf("expected alert acknowledged by alice, got %v by %q", alert.Acknowledged, svc.ackActor)
		}
	})
}
