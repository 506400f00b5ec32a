package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/nmtria/docingest/internal/api/model"
	"github.com/nmtria/docingest/internal/api/storage"
	workerdomain "github.com/nmtria/docingest/internal/worker/domain"
	workerstorage "github.com/nmtria/docingest/internal/worker/storage"
)

// JobStore is the write-side job store used by the ingress and cancel
// endpoints
type JobStore interface {
	CreateJob(ctx context.Context, p workerstorage.CreateJobParams, dedupeWindow time.Duration) (*workerdomain.Job, bool, error)
	GetJobByID(ctx context.Context, jobID string) (*workerdomain.Job, error)
	TransitionStatus(ctx context.Context, jobID string, from, to workerdomain.Status) error
}

// JobViews is the read-side projection used by the query endpoints
type JobViews interface {
	GetJobByID(ctx context.Context, jobID string) (*model.JobView, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.JobView, error)
}

// Publisher enqueues task messages for the worker pool
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Jobs         JobStore
	Views        JobViews
	Publisher    Publisher
	DedupeWindow time.Duration
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger       *slog.Logger
	jobs         JobStore
	views        JobViews
	publisher    Publisher
	dedupeWindow time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:       deps.Logger,
		jobs:         deps.Jobs,
		views:        deps.Views,
		publisher:    deps.Publisher,
		dedupeWindow: deps.DedupeWindow,
	}
}
