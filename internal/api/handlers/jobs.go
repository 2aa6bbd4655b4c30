package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// JobRunner defines the scheduler operations the handler needs.
type JobRunner interface {
	Jobs() []string
	NextRun(name string) time.Time
	RunNow(ctx context.Context, name string) error
}

// JobInfo describes a scheduled maintenance job.
type JobInfo struct {
	Name    string     `json:"name"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

// JobsHandler lists and triggers scheduled jobs.
type JobsHandler struct {
	jobs   JobRunner
	logger zerolog.Logger
}

// NewJobsHandler creates a new JobsHandler.
func NewJobsHandler(jobs JobRunner, logger zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		jobs:   jobs,
		logger: logger.With().Str("component", "jobs_handler").Logger(),
	}
}

// RegisterRoutes registers read-only job routes.
func (h *JobsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.List)
}

// RegisterMutatingRoutes registers POST /jobs/:name/run.
func (h *JobsHandler) RegisterMutatingRoutes(r *gin.RouterGroup) {
	r.POST("/jobs/:name/run", h.Run)
}

// List returns every registered job with its next scheduled run.
// GET /api/v1/jobs
func (h *JobsHandler) List(c *gin.Context) {
	names := h.jobs.Jobs()
	sort.Strings(names)
	out := make([]JobInfo, 0, len(names))
	for _, name := range names {
		info := JobInfo{Name: name}
		if next := h.jobs.NextRun(name); !next.IsZero() {
			info.NextRun = &next
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

// Run runs a job now and waits for it to finish.
// POST /api/v1/jobs/:name/run
func (h *JobsHandler) Run(c *gin.Context) {
	name := c.Param("name")
	start := time.Now()
	if err := h.jobs.RunNow(c.Request.Context(), name); err != nil {
		respondError(c, h.logger, err, "job failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "duration": time.Since(start).String()})
}
