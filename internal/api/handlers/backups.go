package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/api/middleware"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// BackupService defines the backup catalog operations the handler needs.
type BackupService interface {
	ListBackups(ctx context.Context, filter models.BackupFilter) []*models.BackupRecord
	GetBackupMetadata(ctx context.Context, id uuid.UUID) (*models.BackupRecord, error)
	Stats() map[models.BackupStatus]int
	ListAlerts(ctx context.Context, filter models.AlertFilter) []*models.BackupAlert
	AcknowledgeAlert(ctx context.Context, id uuid.UUID, actor string) (*models.BackupAlert, error)
}

// BackupsHandler serves the local backup catalog and its alerts.
type BackupsHandler struct {
	backups BackupService
	logger  zerolog.Logger
}

// NewBackupsHandler creates a new BackupsHandler.
func NewBackupsHandler(backups BackupService, logger zerolog.Logger) *BackupsHandler {
	return &BackupsHandler{
		backups: backups,
		logger:  logger.With().Str("component", "backups_handler").Logger(),
	}
}

// RegisterRoutes registers read-only backup routes.
func (h *BackupsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/backups", h.List)
	r.GET("/backups/stats", h.Stats)
	r.GET("/backups/:id", h.Get)
	r.GET("/alerts", h.ListAlerts)
}

// RegisterMutatingRoutes registers routes that change state.
func (h *BackupsHandler) RegisterMutatingRoutes(r *gin.RouterGroup) {
	r.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert)
}

type backupQuery struct {
	Type          string    `form:"type"`
	Status        string    `form:"status"`
	Tag           string    `form:"tag"`
	CreatedAfter  time.Time `form:"created_after" time_format:"2006-01-02T15:04:05Z07:00"`
	CreatedBefore time.Time `form:"created_before" time_format:"2006-01-02T15:04:05Z07:00"`
}

// List returns backups matching the query, newest first.
// GET /api/v1/backups?type=full&status=completed&tag=nightly
func (h *BackupsHandler) List(c *gin.Context) {
	var q backupQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query: " + err.Error()})
		return
	}
	filter := models.BackupFilter{
		Status: models.BackupStatus(q.Status),
		Tag:    q.Tag,
	}
	if q.Type != "" {
		t, err := models.ParseBackupType(q.Type)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Type = t
	}
	if !q.CreatedAfter.IsZero() {
		filter.CreatedAfter = &q.CreatedAfter
	}
	if !q.CreatedBefore.IsZero() {
		filter.CreatedBefore = &q.CreatedBefore
	}

	backups := h.backups.ListBackups(c.Request.Context(), filter)
	c.JSON(http.StatusOK, gin.H{"backups": backups, "total": len(backups)})
}

// Get returns one backup record.
// GET /api/v1/backups/:id
func (h *BackupsHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id", "backup")
	if !ok {
		return
	}
	rec, err := h.backups.GetBackupMetadata(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "failed to get backup")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Stats returns backup counts by status.
// GET /api/v1/backups/stats
func (h *BackupsHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"by_status": h.backups.Stats()})
}

type alertQuery struct {
	Severity     string    `form:"severity"`
	Type         string    `form:"type"`
	BackupID     string    `form:"backup_id"`
	Acknowledged *bool     `form:"acknowledged"`
	CreatedAfter time.Time `form:"created_after" time_format:"2006-01-02T15:04:05Z07:00"`
}

// ListAlerts returns alerts matching the query.
// GET /api/v1/alerts?severity=critical&acknowledged=false
func (h *BackupsHandler) ListAlerts(c *gin.Context) {
	var q alertQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query: " + err.Error()})
		return
	}
	backupID, ok := optionalID(c, "backup_id")
	if !ok {
		return
	}
	filter := models.AlertFilter{
		Severity:     models.AlertSeverity(q.Severity),
		Type:         models.AlertType(q.Type),
		BackupID:     backupID,
		Acknowledged: q.Acknowledged,
	}
	if !q.CreatedAfter.IsZero() {
		filter.CreatedAfter = &q.CreatedAfter
	}

	alerts := h.backups.ListAlerts(c.Request.Context(), filter)
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "total": len(alerts)})
}

// AcknowledgeAlert marks an alert acknowledged by the calling operator.
// POST /api/v1/alerts/:id/acknowledge
func (h *BackupsHandler) AcknowledgeAlert(c *gin.Context) {
	id, ok := parseID(c, "id", "alert")
	if !ok {
		return
	}
	alert, err := h.backups.AcknowledgeAlert(c.Request.Context(), id, middleware.Actor(c))
	if err != nil {
		respondError(c, h.logger, err, "failed to acknowledge alert")
		return
	}
	c.JSON(http.StatusOK, alert)
}
