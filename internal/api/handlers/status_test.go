package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/shutdown"
)

func TestStatusHandler(t *testing.T) {
	registry := shutdown.NewRegistry(zerolog.Nop())
	manager := shutdown.NewManager(shutdown.DefaultConfig(), registry, zerolog.Nop())

	_, done, err := registry.Register(context.Background(), "backup", uuid.New())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer done()

	r, api := newTestRouter()
	NewStatusHandler(manager, registry).RegisterRoutes(api)

	w := doRequest(r, http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Shutdown   shutdown.Status      `json:"shutdown"`
		Operations []shutdown.Operation `json:"operations"`
	}
	decode(t, w, &resp)
	if resp.Shutdown.State != shutdown.StateRunning || !resp.Shutdown.AcceptingNewJobs {
		t.Errorf("unexpected shutdown status %+v", resp.Shutdown)
	}
	if resp.Shutdown.RunningOperations != 1 || len(resp.Operations) != 1 || resp.Operations[0].Kind != "backup" {
		t.Errorf("expected one running backup, got %+v", resp.Operations)
	}
}
