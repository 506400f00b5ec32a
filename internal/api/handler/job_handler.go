package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nmtria/docingest/internal/api/domain"
	"github.com/nmtria/docingest/internal/api/dto"
	"github.com/nmtria/docingest/internal/api/model"
	"github.com/nmtria/docingest/internal/api/storage"
	workerdomain "github.com/nmtria/docingest/internal/worker/domain"
	workerstorage "github.com/nmtria/docingest/internal/worker/storage"
)

// HandleUpload handles POST /api/v1/uploads
// Registers a processing job for an upload event and enqueues it
func (h *JobHandler) HandleUpload(c *gin.Context) {
	var req dto.UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid upload request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	// Reject content types with no stage plan before persisting
	// anything.
	if _, err := workerdomain.ContentClassFor(req.ContentType); err != nil {
		h.logger.Warn("Upload with unsupported content type",
			slog.String("content_type", req.ContentType),
			slog.String("file_path", req.FilePath),
		)
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":        "Unsupported content type",
			"content_type": req.ContentType,
		})
		return
	}

	bucket := req.Bucket
	if bucket == "" {
		bucket = "uploads"
	}

	job, created, err := h.jobs.CreateJob(c.Request.Context(), workerstorage.CreateJobParams{
		FilePath:       req.FilePath,
		OwnerID:        req.OwnerID,
		OrganizationID: req.OrganizationID,
		ContentType:    req.ContentType,
		Bucket:         bucket,
	}, h.dedupeWindow)
	if err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	if created {
		msg := workerdomain.TaskMessage{
			JobID:     job.ID,
			Bucket:    bucket,
			FilePath:  job.FilePath,
			EventType: req.EventType,
		}
		body, err := json.Marshal(msg)
		if err != nil {
			h.logger.Error("Failed to marshal task message", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to enqueue job",
			})
			return
		}

		if err := h.publisher.PublishWithRetry(c.Request.Context(), body, "application/json"); err != nil {
			// The job row survives; the sweeper re-enqueues it once it
			// crosses the stuck threshold.
			h.logger.Error("Failed to publish task message, job will be swept",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	h.logger.Info("Upload event accepted",
		slog.String("job_id", job.ID),
		slog.String("file_path", job.FilePath),
		slog.Bool("deduplicated", !created),
	)

	c.JSON(http.StatusAccepted, dto.UploadResponse{
		JobID:        job.ID,
		Status:       string(job.Status),
		Stage:        string(job.Stage),
		Deduplicated: !created,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.views.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !domain.IsValidStatusFilter(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status filter",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.views.ListJobs(c.Request.Context(), storage.JobFilter{
		OwnerID:  req.OwnerID,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Requests cancellation of a non-terminal job. A job mid-stage is
// cancelled cooperatively: the worker observes the status between
// stages and stops.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	// The status may move under us between read and update, so retry
	// the optimistic transition a few times before giving up.
	for attempt := 0; attempt < 3; attempt++ {
		job, err := h.jobs.GetJobByID(c.Request.Context(), jobID)
		if err != nil {
			if errors.Is(err, workerdomain.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"error": "Job not found",
				})
				return
			}
			h.logger.Error("Failed to load job for cancellation", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to cancel job",
			})
			return
		}

		if job.Status.IsTerminal() {
			c.JSON(http.StatusConflict, gin.H{
				"error":  "Job is already in a terminal state",
				"status": string(job.Status),
			})
			return
		}

		err = h.jobs.TransitionStatus(c.Request.Context(), jobID, job.Status, workerdomain.StatusCancelled)
		if err == nil {
			h.logger.Info("Job cancelled",
				slog.String("job_id", jobID),
				slog.String("previous_status", string(job.Status)),
			)
			c.JSON(http.StatusOK, gin.H{
				"job_id": jobID,
				"status": string(workerdomain.StatusCancelled),
			})
			return
		}
		if !errors.Is(err, workerdomain.ErrInvalidTransition) {
			h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to cancel job",
			})
			return
		}
	}

	c.JSON(http.StatusConflict, gin.H{
		"error": "Job status changed concurrently, try again",
	})
}

func toJobDTO(job *model.JobView) dto.JobDTO {
	d := dto.JobDTO{
		JobID:       job.JobID,
		FilePath:    job.FilePath,
		OwnerID:     job.OwnerID,
		ContentType: job.ContentType,
		Status:      job.Status,
		Stage:       job.Stage,
		RetryCount:  job.RetryCount,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
	}
	if job.ErrorMessage.Valid {
		d.ErrorMessage = job.ErrorMessage.String
	}
	if job.StartedAt.Valid {
		d.StartedAt = job.StartedAt.Time.Format(time.RFC3339)
	}
	if job.CompletedAt.Valid {
		d.CompletedAt = job.CompletedAt.Time.Format(time.RFC3339)
	}
	return d
}
