package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// OffsiteService defines the offsite catalog operations the handler needs.
type OffsiteService interface {
	GetOffsiteRecord(id uuid.UUID) (*models.OffsiteRecord, error)
	ListOffsiteRecords(filter models.OffsiteFilter) []*models.OffsiteRecord
	Providers() []models.OffsiteProvider
	Policies() []models.RetentionPolicy
	GetReplicationStatus(ctx context.Context, backupID uuid.UUID) (*models.ReplicationSummary, error)
}

// OffsiteHandler serves offsite copies and their replication state.
type OffsiteHandler struct {
	offsite OffsiteService
	logger  zerolog.Logger
}

// NewOffsiteHandler creates a new OffsiteHandler.
func NewOffsiteHandler(offsite OffsiteService, logger zerolog.Logger) *OffsiteHandler {
	return &OffsiteHandler{
		offsite: offsite,
		logger:  logger.With().Str("component", "offsite_handler").Logger(),
	}
}

// RegisterRoutes registers offsite routes on the given router group.
func (h *OffsiteHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/offsite", h.List)
	r.GET("/offsite/providers", h.ListProviders)
	r.GET("/offsite/policies", h.ListPolicies)
	r.GET("/offsite/:id", h.Get)
	r.GET("/backups/:id/replication", h.Replication)
}

type offsiteQuery struct {
	Provider string `form:"provider"`
	Status   string `form:"status"`
}

// List returns offsite records matching the query.
// GET /api/v1/offsite?backup_id=&provider=s3&status=completed
func (h *OffsiteHandler) List(c *gin.Context) {
	var q offsiteQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query: " + err.Error()})
		return
	}
	backupID, ok := optionalID(c, "backup_id")
	if !ok {
		return
	}
	filter := models.OffsiteFilter{BackupID: backupID, Status: models.OffsiteStatus(q.Status)}
	if q.Provider != "" {
		p, err := models.ParseOffsiteProvider(q.Provider)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Provider = p
	}

	records := h.offsite.ListOffsiteRecords(filter)
	c.JSON(http.StatusOK, gin.H{"records": records, "total": len(records)})
}

// Get returns one offsite record.
// GET /api/v1/offsite/:id
func (h *OffsiteHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id", "offsite")
	if !ok {
		return
	}
	rec, err := h.offsite.GetOffsiteRecord(id)
	if err != nil {
		respondError(c, h.logger, err, "failed to get offsite record")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListProviders returns the configured providers.
// GET /api/v1/offsite/providers
func (h *OffsiteHandler) ListProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.offsite.Providers()})
}

// ListPolicies returns the retention policies in force.
// GET /api/v1/offsite/policies
func (h *OffsiteHandler) ListPolicies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policies": h.offsite.Policies()})
}

// Replication summarizes where copies of a backup live.
// GET /api/v1/backups/:id/replication
func (h *OffsiteHandler) Replication(c *gin.Context) {
	id, ok := parseID(c, "id", "backup")
	if !ok {
		return
	}
	summary, err := h.offsite.GetReplicationStatus(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "failed to get replication status")
		return
	}
	c.JSON(http.StatusOK, summary)
}
