// Package pipeline defines the stage executor contract the worker pool
// drives, plus a registry-based executor implementation with the
// embedding and chunk-persistence stages built in.
package pipeline

import (
	"context"

	"github.com/nmtria/docingest/internal/worker/domain"
)

// StageResult is what an executor reports for one successful stage run.
// Metadata is merged into the job's metadata bag before the next stage
// starts; Partial marks a storing stage that persisted only part of its
// chunks, which surfaces as partially_processed on the job.
type StageResult struct {
	Metadata map[string]any
	Partial  bool
}

// Executor performs one pipeline stage for a job. Implementations report
// failures through the domain error taxonomy: wrap in
// domain.NewValidationError for inputs that can never succeed, and
// domain.NewTransientError for failures worth redelivering. The worker
// pool never inspects executor internals beyond that classification.
type Executor interface {
	Execute(ctx context.Context, job *domain.Job, stage domain.Stage) (*StageResult, error)
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, job *domain.Job, stage domain.Stage) (*StageResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *domain.Job, stage domain.Stage) (*StageResult, error) {
	return f(ctx, job, stage)
}
