package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nmtria/docingest/internal/worker/domain"
)

// processMessage drives one delivery through the full pipeline and
// reports how the message should be settled. It never returns an error:
// every failure mode maps onto an Outcome.
func (w *Worker) processMessage(ctx context.Context, msg *domain.TaskMessage) Outcome {
	release, err := w.locks.Acquire(ctx, msg.FilePath)
	if err != nil {
		w.logger.Warn("Failed to acquire file lock",
			slog.String("job_id", msg.JobID),
			slog.String("file_path", msg.FilePath),
			slog.String("error", err.Error()),
		)
		return OutcomeFailedRetryable
	}
	defer release()

	job, err := w.store.GetJobByID(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			// No row to process; retrying cannot create one.
			w.logger.Warn("Job not found for message, dead-lettering",
				slog.String("job_id", msg.JobID),
			)
			return OutcomeFailedPermanently
		}
		w.logger.Error("Failed to load job",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		return OutcomeFailedRetryable
	}

	// Redeliveries of already-settled jobs are no-ops.
	switch job.Status {
	case domain.StatusProcessed, domain.StatusPartiallyProcessed:
		w.logger.Info("Job already completed, ignoring redelivery",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
		)
		return OutcomeSucceeded
	case domain.StatusCancelled:
		return OutcomeCancelled
	case domain.StatusRetryExhausted:
		return OutcomeFailedPermanently
	}

	breakerKey := breakerKeyFor(job)
	if !w.breaker.Allow(breakerKey) {
		return w.parkJob(ctx, job, breakerKey)
	}

	job, ok := w.claimJob(ctx, job)
	if !ok {
		return OutcomeFailedRetryable
	}

	plan, err := domain.StagePlanFor(job.ContentType)
	if err != nil {
		w.logger.Warn("Unsupported content type",
			slog.String("job_id", job.ID),
			slog.String("content_type", job.ContentType),
		)
		return w.failPermanently(ctx, job, err)
	}

	return w.runPipeline(ctx, job, plan, breakerKey)
}

// claimJob walks the job's current status to processing via optimistic
// transitions. A job already in processing is resumed in place: the
// file lock is held, so the previous holder is gone.
func (w *Worker) claimJob(ctx context.Context, job *domain.Job) (*domain.Job, bool) {
	steps := claimSteps(job.Status)
	if steps == nil {
		w.logger.Warn("Job in unclaimable status",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
		)
		return nil, false
	}

	for _, step := range steps {
		if err := w.store.TransitionStatus(ctx, job.ID, step.from, step.to); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				// Lost the claim race; let the redelivery path sort it out.
				w.logger.Warn("Lost claim race for job",
					slog.String("job_id", job.ID),
					slog.String("from", string(step.from)),
					slog.String("to", string(step.to)),
				)
				return nil, false
			}
			w.logger.Error("Failed to transition job status",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			return nil, false
		}
		job.Status = step.to
	}

	return job, true
}

type statusStep struct {
	from, to domain.Status
}

func claimSteps(status domain.Status) []statusStep {
	switch status {
	case domain.StatusPending:
		return []statusStep{{domain.StatusPending, domain.StatusProcessing}}
	case domain.StatusRetryPending:
		return []statusStep{
			{domain.StatusRetryPending, domain.StatusRetryInProgress},
			{domain.StatusRetryInProgress, domain.StatusProcessing},
		}
	case domain.StatusRetryInProgress:
		return []statusStep{{domain.StatusRetryInProgress, domain.StatusProcessing}}
	case domain.StatusError:
		return []statusStep{
			{domain.StatusError, domain.StatusRetryPending},
			{domain.StatusRetryPending, domain.StatusRetryInProgress},
			{domain.StatusRetryInProgress, domain.StatusProcessing},
		}
	case domain.StatusProcessing:
		// Resume in place.
		return []statusStep{}
	default:
		return nil
	}
}

// runPipeline executes the job's remaining stages in order, persisting
// each stage transition before moving on.
func (w *Worker) runPipeline(ctx context.Context, job *domain.Job, plan domain.StagePlan, breakerKey string) Outcome {
	stage := job.Stage
	if stage == "" || !plan.Contains(stage) {
		stage = plan.First()
	}

	partial := false

	for stage != domain.StageCompleted {
		// Honor cancellation requested between stages.
		fresh, err := w.store.GetJobByID(ctx, job.ID)
		if err == nil && fresh.Status == domain.StatusCancelled {
			w.logger.Info("Job cancelled mid-pipeline, stopping",
				slog.String("job_id", job.ID),
				slog.String("stage", string(stage)),
			)
			return OutcomeCancelled
		}
		if err == nil {
			job = fresh
		}

		stageCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
		result, err := w.executor.Execute(stageCtx, job, stage)
		cancel()

		if err != nil {
			w.breaker.RecordFailure(breakerKey)
			return w.failStage(ctx, job, stage, err)
		}
		w.breaker.RecordSuccess(breakerKey)

		if result != nil && result.Partial {
			partial = true
		}

		next, ok := plan.Next(stage)
		if !ok {
			return w.failPermanently(ctx, job,
				domain.NewValidationError(fmt.Errorf("stage %q has no successor in plan", stage)))
		}

		var metadata map[string]any
		if result != nil {
			metadata = result.Metadata
		}
		if err := w.store.UpdateStage(ctx, job.ID, next, metadata); err != nil {
			w.logger.Error("Failed to persist stage transition",
				slog.String("job_id", job.ID),
				slog.String("stage", string(next)),
				slog.String("error", err.Error()),
			)
			return OutcomeFailedRetryable
		}

		w.logger.Info("Stage completed",
			slog.String("job_id", job.ID),
			slog.String("stage", string(stage)),
			slog.String("next_stage", string(next)),
		)

		job.Stage = next
		stage = next
	}

	final := domain.StatusProcessed
	if partial {
		final = domain.StatusPartiallyProcessed
	}
	if err := w.store.TransitionStatus(ctx, job.ID, domain.StatusProcessing, final); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Most likely cancelled under us after the last stage.
			fresh, ferr := w.store.GetJobByID(ctx, job.ID)
			if ferr == nil && fresh.Status == domain.StatusCancelled {
				return OutcomeCancelled
			}
		}
		w.logger.Error("Failed to finalize job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return OutcomeFailedRetryable
	}

	w.logger.Info("Job completed",
		slog.String("job_id", job.ID),
		slog.String("status", string(final)),
	)
	return OutcomeSucceeded
}

// failStage classifies a stage error and records it on the job.
func (w *Worker) failStage(ctx context.Context, job *domain.Job, stage domain.Stage, stageErr error) Outcome {
	w.logger.Warn("Stage failed",
		slog.String("job_id", job.ID),
		slog.String("stage", string(stage)),
		slog.String("error", stageErr.Error()),
	)

	if !domain.IsRetryable(stageErr) {
		return w.failPermanently(ctx, job, stageErr)
	}

	if err := w.store.RecordError(ctx, job.ID, stageErr.Error()); err != nil {
		w.logger.Error("Failed to record job error",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	count, err := w.store.IncrementRetry(ctx, job.ID)
	if err != nil {
		w.logger.Error("Failed to increment retry count",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return OutcomeFailedRetryable
	}

	if count >= w.maxRetries {
		exhausted, err := w.store.MarkExhausted(ctx, job.ID, stageErr.Error())
		if err != nil {
			w.logger.Error("Failed to mark job exhausted",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			return OutcomeFailedRetryable
		}
		if exhausted {
			w.logger.Warn("Retry budget exhausted",
				slog.String("job_id", job.ID),
				slog.Int("retry_count", count),
			)
		}
		return OutcomeFailedPermanently
	}

	// processing -> error -> retry_pending: the job is eligible for
	// pickup again once the redelivery or sweeper reaches it.
	if err := w.store.TransitionStatus(ctx, job.ID, domain.StatusProcessing, domain.StatusError); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		w.logger.Error("Failed to transition job to error",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := w.store.TransitionStatus(ctx, job.ID, domain.StatusError, domain.StatusRetryPending); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		w.logger.Error("Failed to transition job to retry_pending",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	return OutcomeFailedRetryable
}

// failPermanently records the cause and leaves the job in error. The
// message is acked, so nothing redelivers it; retry_exhausted stays
// reserved for spent retry budgets and dead-letter drains.
func (w *Worker) failPermanently(ctx context.Context, job *domain.Job, cause error) Outcome {
	if err := w.store.RecordError(ctx, job.ID, cause.Error()); err != nil {
		w.logger.Error("Failed to record job error",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := w.store.TransitionStatus(ctx, job.ID, domain.StatusProcessing, domain.StatusError); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		w.logger.Error("Failed to transition job to error",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
	return OutcomeFailedPermanently
}

// parkJob sets a breaker-blocked job back to pending and acks the
// message. The sweeper re-enqueues it once the breaker cools down.
func (w *Worker) parkJob(ctx context.Context, job *domain.Job, breakerKey string) Outcome {
	w.logger.Warn("Circuit open, parking job",
		slog.String("job_id", job.ID),
		slog.String("breaker_key", breakerKey),
	)

	for _, step := range parkSteps(job.Status) {
		if err := w.store.TransitionStatus(ctx, job.ID, step.from, step.to); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			w.logger.Error("Failed to park job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return OutcomeParked
}

func parkSteps(status domain.Status) []statusStep {
	switch status {
	case domain.StatusRetryPending:
		return []statusStep{{domain.StatusRetryPending, domain.StatusPending}}
	case domain.StatusRetryInProgress:
		return []statusStep{{domain.StatusRetryInProgress, domain.StatusPending}}
	case domain.StatusError:
		return []statusStep{
			{domain.StatusError, domain.StatusRetryPending},
			{domain.StatusRetryPending, domain.StatusPending},
		}
	default:
		return nil
	}
}

// breakerKeyFor scopes circuit state per content class so one flaky
// downstream (say the transcription service) does not block document
// ingestion.
func breakerKeyFor(job *domain.Job) string {
	class, err := domain.ContentClassFor(job.ContentType)
	if err != nil {
		return "unknown"
	}
	return string(class)
}
