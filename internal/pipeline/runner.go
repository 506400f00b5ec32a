package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nmtria/docingest/internal/worker/domain"
)

// StageFunc performs a single stage for a job
type StageFunc func(ctx context.Context, job *domain.Job) (*StageResult, error)

// Runner is a registry-based Executor: each pipeline stage maps to a
// registered StageFunc. A stage without a registered function is a
// validation failure, since redelivery cannot make it succeed.
type Runner struct {
	logger *slog.Logger
	stages map[domain.Stage]StageFunc
}

// NewRunner creates an empty Runner
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		logger: logger,
		stages: make(map[domain.Stage]StageFunc),
	}
}

// Register binds a stage to its implementation, replacing any previous
// binding
func (r *Runner) Register(stage domain.Stage, fn StageFunc) {
	r.stages[stage] = fn
}

// Execute runs the registered function for the given stage
func (r *Runner) Execute(ctx context.Context, job *domain.Job, stage domain.Stage) (*StageResult, error) {
	fn, ok := r.stages[stage]
	if !ok {
		return nil, domain.NewValidationError(fmt.Errorf("no executor registered for stage %q", stage))
	}

	start := time.Now()
	r.logger.Debug("Executing pipeline stage",
		slog.String("job_id", job.ID),
		slog.String("stage", string(stage)),
	)

	res, err := fn(ctx, job)
	if err != nil {
		r.logger.Warn("Pipeline stage failed",
			slog.String("job_id", job.ID),
			slog.String("stage", string(stage)),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	r.logger.Info("Pipeline stage finished",
		slog.String("job_id", job.ID),
		slog.String("stage", string(stage)),
		slog.Duration("elapsed", time.Since(start)),
	)

	if res == nil {
		res = &StageResult{}
	}
	return res, nil
}
