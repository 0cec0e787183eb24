package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/dbkeeper/dbkeeper/internal/api/middleware"
	"github.com/dbkeeper/dbkeeper/internal/backup"
	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// JobStore loads jobs for ownership checks.
type JobStore interface {
	GetBackupJob(ctx context.Context, id uuid.UUID) (*models.BackupJob, error)
}

// JobRunner starts backup runs.
type JobRunner interface {
	RunJob(ctx context.Context, jobID uuid.UUID, trigger models.RunTrigger) (*models.BackupHistory, error)
}

// JobSyncer re-reads a job's schedule.
type JobSyncer interface {
	Sync(ctx context.Context, jobID uuid.UUID) error
}

// JobsHandler handles manual runs and schedule synchronization.
type JobsHandler struct {
	store     JobStore
	runner    JobRunner
	scheduler JobSyncer
	logger    zerolog.Logger
}

// NewJobsHandler creates a new JobsHandler.
func NewJobsHandler(store JobStore, runner JobRunner, scheduler JobSyncer, logger zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store:     store,
		runner:    runner,
		scheduler: scheduler,
		logger:    logger.With().Str("component", "jobs_handler").Logger(),
	}
}

// RegisterRoutes registers job routes on an authenticated group.
func (h *JobsHandler) RegisterRoutes(r gin.IRouter) {
	jobs := r.Group("/jobs")
	{
		jobs.POST("/:id/run", h.Run)
		jobs.POST("/:id/sync", h.Sync)
	}
}

// ownedJob loads the job named by the :id parameter and checks the caller
// owns it. It writes the error response and returns nil on failure.
func (h *JobsHandler) ownedJob(c *gin.Context) *models.BackupJob {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return nil
	}

	job, err := h.store.GetBackupJob(c.Request.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return nil
	}
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", id.String()).Msg("failed to load job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return nil
	}

	// Other users' jobs are reported as missing.
	if job.UserID != middleware.GetPrincipal(c).UserID {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return nil
	}
	return job
}

// Run starts a manual run of a job.
// POST /api/v1/jobs/:id/run
func (h *JobsHandler) Run(c *gin.Context) {
	job := h.ownedJob(c)
	if job == nil {
		return
	}

	history, err := h.runner.RunJob(c.Request.Context(), job.ID, models.RunTriggerManual)
	switch {
	case errors.Is(err, backup.ErrJobAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "job is already running"})
	case errors.Is(err, backup.ErrChainBroken):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "history": history})
	case errors.Is(err, backup.ErrDispatchFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "history": history})
	case err != nil:
		h.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to start run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start run"})
	default:
		c.JSON(http.StatusAccepted, gin.H{"history": history})
	}
}

// Sync re-reads the job's schedule into the scheduler.
// POST /api/v1/jobs/:id/sync
func (h *JobsHandler) Sync(c *gin.Context) {
	job := h.ownedJob(c)
	if job == nil {
		return
	}

	err := h.scheduler.Sync(c.Request.Context(), job.ID)
	switch {
	case errors.Is(err, backup.ErrInvalidSchedule):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to sync schedule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sync schedule"})
	default:
		c.Status(http.StatusNoContent)
	}
}
