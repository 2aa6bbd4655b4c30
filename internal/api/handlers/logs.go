package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MacJediWizard/keldris-recovery/internal/logging"
)

// LogsHandler serves recent process log entries.
type LogsHandler struct {
	buffer *logging.Buffer
}

// NewLogsHandler creates a LogsHandler reading from buffer.
func NewLogsHandler(buffer *logging.Buffer) *LogsHandler {
	return &LogsHandler{buffer: buffer}
}

// RegisterRoutes registers log routes on the given router group.
func (h *LogsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/logs", h.List)
	r.GET("/logs/components", h.Components)
}

// List returns entries matching the query filter, newest first.
// GET /api/v1/logs?level=warn&component=dr_orchestrator&search=&since=&limit=
func (h *LogsHandler) List(c *gin.Context) {
	var filter logging.Filter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filter: " + err.Error()})
		return
	}
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}
	entries, total := h.buffer.Get(filter)
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": total})
}

// Components returns the component names present in the buffer.
// GET /api/v1/logs/components
func (h *LogsHandler) Components(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"components": h.buffer.Components()})
}
