package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/keldris-recovery/internal/api/middleware"
	"github.com/MacJediWizard/keldris-recovery/internal/apperrors"
	"github.com/MacJediWizard/keldris-recovery/internal/dr"
	"github.com/MacJediWizard/keldris-recovery/internal/models"
)

// RecoveryService defines the orchestrator operations the handler needs.
type RecoveryService interface {
	ListRecoveryPlans(ctx context.Context, filter models.PlanFilter) []*models.RecoveryPlan
	GetRecoveryPlan(ctx context.Context, id uuid.UUID) (*models.RecoveryPlan, error)
	RenderRunbook(ctx context.Context, planID uuid.UUID) (string, error)
	ListExecutions(ctx context.Context, planID *uuid.UUID) []*models.RecoveryExecution
	GetExecution(ctx context.Context, id uuid.UUID) (*models.RecoveryExecution, error)
	GetTestResults(ctx context.Context, planID *uuid.UUID) []*models.RecoveryTest
	StartRecoveryPlan(ctx context.Context, planID uuid.UUID, reason, actor string) (*models.RecoveryExecution, <-chan *models.RecoveryExecution, error)
	CancelExecution(ctx context.Context, id uuid.UUID, actor string) (*models.RecoveryExecution, error)
}

// ConfirmationService resolves manual steps parked by a running execution.
type ConfirmationService interface {
	Pending() []dr.PendingStep
	Resolve(executionID, stepID uuid.UUID, err error) error
}

// DRHandler serves recovery plans, executions and rehearsal results.
type DRHandler struct {
	recovery      RecoveryService
	confirmations ConfirmationService
	// baseCtx outlives requests so executions started over HTTP keep
	// running after the response is written.
	baseCtx context.Context
	logger  zerolog.Logger
}

// NewDRHandler creates a new DRHandler. confirmations may be nil when manual
// steps are answered elsewhere.
func NewDRHandler(baseCtx context.Context, recovery RecoveryService, confirmations ConfirmationService, logger zerolog.Logger) *DRHandler {
	return &DRHandler{
		recovery:      recovery,
		confirmations: confirmations,
		baseCtx:       baseCtx,
		logger:        logger.With().Str("component", "dr_handler").Logger(),
	}
}

// RegisterRoutes registers read-only recovery routes.
func (h *DRHandler) RegisterRoutes(r *gin.RouterGroup) {
	plans := r.Group("/plans")
	{
		plans.GET("", h.ListPlans)
		plans.GET("/:id", h.GetPlan)
		plans.GET("/:id/runbook", h.Runbook)
	}
	r.GET("/executions", h.ListExecutions)
	r.GET("/executions/:id", h.GetExecution)
	r.GET("/tests", h.ListTests)
	r.GET("/confirmations", h.ListConfirmations)
}

// RegisterMutatingRoutes registers routes that start, stop or steer
// executions.
func (h *DRHandler) RegisterMutatingRoutes(r *gin.RouterGroup) {
	r.POST("/plans/:id/execute", h.Execute)
	r.POST("/executions/:id/cancel", h.Cancel)
	r.POST("/executions/:id/steps/:step/confirm", h.ConfirmStep)
	r.POST("/executions/:id/steps/:step/reject", h.RejectStep)
}

type planQuery struct {
	Status   string `form:"status"`
	Priority string `form:"priority"`
}

// ListPlans returns recovery plans matching the query.
// GET /api/v1/plans?status=active&priority=critical
func (h *DRHandler) ListPlans(c *gin.Context) {
	var q planQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query: " + err.Error()})
		return
	}
	plans := h.recovery.ListRecoveryPlans(c.Request.Context(), models.PlanFilter{
		Status:   models.PlanStatus(q.Status),
		Priority: models.PlanPriority(q.Priority),
	})
	c.JSON(http.StatusOK, gin.H{"plans": plans, "total": len(plans)})
}

// GetPlan returns one plan with its steps.
// GET /api/v1/plans/:id
func (h *DRHandler) GetPlan(c *gin.Context) {
	id, ok := parseID(c, "id", "plan")
	if !ok {
		return
	}
	plan, err := h.recovery.GetRecoveryPlan(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "failed to get recovery plan")
		return
	}
	c.JSON(http.StatusOK, plan)
}

// Runbook renders the plan as a Markdown runbook.
// GET /api/v1/plans/:id/runbook
func (h *DRHandler) Runbook(c *gin.Context) {
	id, ok := parseID(c, "id", "plan")
	if !ok {
		return
	}
	doc, err := h.recovery.RenderRunbook(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "failed to render runbook")
		return
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(doc))
}

// ListExecutions returns executions, optionally for one plan.
// GET /api/v1/executions?plan_id=
func (h *DRHandler) ListExecutions(c *gin.Context) {
	planID, ok := optionalID(c, "plan_id")
	if !ok {
		return
	}
	execs := h.recovery.ListExecutions(c.Request.Context(), planID)
	c.JSON(http.StatusOK, gin.H{"executions": execs, "total": len(execs)})
}

// GetExecution returns one execution with its log.
// GET /api/v1/executions/:id
func (h *DRHandler) GetExecution(c *gin.Context) {
	id, ok := parseID(c, "id", "execution")
	if !ok {
		return
	}
	exec, err := h.recovery.GetExecution(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "failed to get execution")
		return
	}
	c.JSON(http.StatusOK, exec)
}

// ListTests returns rehearsal results, optionally for one plan.
// GET /api/v1/tests?plan_id=
func (h *DRHandler) ListTests(c *gin.Context) {
	planID, ok := optionalID(c, "plan_id")
	if !ok {
		return
	}
	tests := h.recovery.GetTestResults(c.Request.Context(), planID)
	c.JSON(http.StatusOK, gin.H{"tests": tests, "total": len(tests)})
}

// ListConfirmations returns manual steps waiting for an operator.
// GET /api/v1/confirmations
func (h *DRHandler) ListConfirmations(c *gin.Context) {
	pending := []dr.PendingStep{}
	if h.confirmations != nil {
		pending = h.confirmations.Pending()
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending, "total": len(pending)})
}

// ExecuteRequest is the request body for starting a recovery.
type ExecuteRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

// Execute starts a recovery plan and returns at once with the in-progress
// execution. Poll GET /executions/:id for the outcome.
// POST /api/v1/plans/:id/execute
func (h *DRHandler) Execute(c *gin.Context) {
	id, ok := parseID(c, "id", "plan")
	if !ok {
		return
	}
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	actor := middleware.Actor(c)
	exec, _, err := h.recovery.StartRecoveryPlan(h.baseCtx, id, req.Reason, actor)
	if err != nil {
		respondError(c, h.logger, err, "failed to start recovery plan")
		return
	}
	h.logger.Info().
		Str("plan_id", id.String()).
		Str("execution_id", exec.ID.String()).
		Str("actor", actor).
		Msg("recovery execution started over api")
	c.JSON(http.StatusAccepted, exec)
}

// Cancel cancels a running execution and returns it once it has stopped.
// POST /api/v1/executions/:id/cancel
func (h *DRHandler) Cancel(c *gin.Context) {
	id, ok := parseID(c, "id", "execution")
	if !ok {
		return
	}
	exec, err := h.recovery.CancelExecution(c.Request.Context(), id, middleware.Actor(c))
	if err != nil {
		respondError(c, h.logger, err, "failed to cancel execution")
		return
	}
	c.JSON(http.StatusOK, exec)
}

// ConfirmStep marks a waiting manual step as done.
// POST /api/v1/executions/:id/steps/:step/confirm
func (h *DRHandler) ConfirmStep(c *gin.Context) {
	h.resolve(c, nil)
}

// RejectRequest is the request body for failing a manual step.
type RejectRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

// RejectStep fails a waiting manual step with the operator's reason.
// POST /api/v1/executions/:id/steps/:step/reject
func (h *DRHandler) RejectStep(c *gin.Context) {
	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	h.resolve(c, errors.New("rejected by "+middleware.Actor(c)+": "+req.Reason))
}

func (h *DRHandler) resolve(c *gin.Context, outcome error) {
	if h.confirmations == nil {
		respondError(c, h.logger, apperrors.Kind(apperrors.ErrNotFound, "manual confirmations are not served by this process"), "")
		return
	}
	execID, ok := parseID(c, "id", "execution")
	if !ok {
		return
	}
	stepID, ok := parseID(c, "step", "step")
	if !ok {
		return
	}
	if err := h.confirmations.Resolve(execID, stepID, outcome); err != nil {
		respondError(c, h.logger, err, "failed to resolve manual step")
		return
	}
	h.logger.Info().
		Str("execution_id", execID.String()).
		Str("step_id", stepID.String()).
		Str("actor", middleware.Actor(c)).
		Bool("confirmed", outcome == nil).
		Msg("manual step resolved")
	c.JSON(http.StatusOK, gin.H{"execution_id": execID, "step_id": stepID, "confirmed": outcome == nil})
}
