package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MacJediWizard/keldris-recovery/internal/shutdown"
)

// ShutdownStatusProvider reports the process shutdown state.
type ShutdownStatusProvider interface {
	GetStatus() shutdown.Status
}

// OperationLister lists in-flight operations.
type OperationLister interface {
	Running() []shutdown.Operation
}

// StatusHandler serves process state and in-flight operations.
type StatusHandler struct {
	shutdown   ShutdownStatusProvider
	operations OperationLister
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(status ShutdownStatusProvider, operations OperationLister) *StatusHandler {
	return &StatusHandler{shutdown: status, operations: operations}
}

// RegisterRoutes registers GET /status.
func (h *StatusHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/status", h.Get)
}

// Get returns the shutdown state and running operations.
// GET /api/v1/status
func (h *StatusHandler) Get(c *gin.Context) {
	ops := h.operations.Running()
	c.JSON(http.StatusOK, gin.H{
		"shutdown":   h.shutdown.GetStatus(),
		"operations": ops,
	})
}
