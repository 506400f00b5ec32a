// Package storage implements the durable job store on PostgreSQL. All
// writes are single-row, compare-and-swap-style updates; no cross-job
// transactions are used.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nmtria/docingest/internal/worker/domain"
)

// uniqueViolation is the PostgreSQL error code raised by the partial
// unique index guarding one active job per (file_path, owner_id)
const uniqueViolation = "23505"

// Storage handles all job-table operations for the pipeline
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// CreateJobParams carries everything needed to register a new job
type CreateJobParams struct {
	FilePath       string
	OwnerID        string
	OrganizationID string
	ContentType    string
	Bucket         string
}

// CreateJob registers a processing job for an upload event. It is
// idempotent per (file_path, owner_id) within the dedupe window: a
// duplicate upload event returns the existing active job instead of
// creating a second one. The second return value is false when an
// existing job was reused.
func (s *Storage) CreateJob(ctx context.Context, p CreateJobParams, dedupeWindow time.Duration) (*domain.Job, bool, error) {
	if existing, err := s.findActiveJob(ctx, p.FilePath, p.OwnerID, dedupeWindow); err != nil {
		return nil, false, err
	} else if existing != nil {
		s.logger.Info("Duplicate upload event, reusing active job",
			slog.String("job_id", existing.ID),
			slog.String("file_path", p.FilePath),
		)
		return existing, false, nil
	}

	meta, err := json.Marshal(map[string]any{"bucket": p.Bucket})
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	plan, err := domain.StagePlanFor(p.ContentType)
	if err != nil {
		return nil, false, err
	}

	job := &domain.Job{
		ID:          uuid.New().String(),
		FilePath:    p.FilePath,
		OwnerID:     p.OwnerID,
		ContentType: p.ContentType,
		Status:      domain.StatusPending,
		Stage:       plan.First(),
		Metadata:    meta,
	}
	if p.OrganizationID != "" {
		job.OrganizationID = sql.NullString{String: p.OrganizationID, Valid: true}
	}

	query := `
		INSERT INTO processing_jobs (
			id, file_path, owner_id, organization_id, content_type,
			status, stage, retry_count, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, NOW(), NOW())
		RETURNING created_at, updated_at
	`

	err = s.db.QueryRowContext(ctx, query,
		job.ID, job.FilePath, job.OwnerID, job.OrganizationID, job.ContentType,
		job.Status, job.Stage, job.Metadata,
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	if err != nil {
		// A concurrent duplicate event may have won the insert race;
		// the partial unique index turns that into a conflict we can
		// resolve by re-reading.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			existing, ferr := s.findActiveJob(ctx, p.FilePath, p.OwnerID, dedupeWindow)
			if ferr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("file_path", job.FilePath),
		slog.String("content_type", job.ContentType),
	)

	return job, true, nil
}

// findActiveJob looks for a non-terminal job for the same file and owner
// created within the dedupe window
func (s *Storage) findActiveJob(ctx context.Context, filePath, ownerID string, window time.Duration) (*domain.Job, error) {
	query := `
		SELECT id, file_path, owner_id, organization_id, content_type, status, stage,
		       retry_count, error_message, metadata, created_at, updated_at, started_at, completed_at
		FROM processing_jobs
		WHERE file_path = $1
		  AND owner_id = $2
		  AND created_at > NOW() - $3::interval
		  AND status NOT IN ('processed', 'partially_processed', 'retry_exhausted', 'cancelled')
		ORDER BY created_at DESC
		LIMIT 1
	`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, filePath, ownerID, window.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up active job: %w", err)
	}
	return &job, nil
}

// GetJobByID retrieves a job by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		SELECT id, file_path, owner_id, organization_id, content_type, status, stage,
		       retry_count, error_message, metadata, created_at, updated_at, started_at, completed_at
		FROM processing_jobs
		WHERE id = $1
	`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// TransitionStatus moves a job from one status to another with an
// optimistic check: the update only applies while the stored status still
// matches from. This is what prevents races between a worker and the
// sweeper from producing out-of-order writes.
func (s *Storage) TransitionStatus(ctx context.Context, jobID string, from, to domain.Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	query := `
		UPDATE processing_jobs
		SET status = $1,
		    started_at = CASE WHEN $1 = 'processing' AND started_at IS NULL THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $1 IN ('processed', 'partially_processed', 'retry_exhausted', 'cancelled') THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, to, jobID, from)
	if err != nil {
		return fmt.Errorf("failed to transition status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: job %s no longer in status %s", domain.ErrInvalidTransition, jobID, from)
	}

	s.logger.Debug("Job status transitioned",
		slog.String("job_id", jobID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)

	return nil
}

// UpdateStage records a completed stage and merges its metadata into the
// job's metadata bag. The update only applies while the job is actively
// being worked; stage never advances for a job in error or a terminal
// state.
func (s *Storage) UpdateStage(ctx context.Context, jobID string, stage domain.Stage, metadata map[string]any) error {
	meta := []byte("{}")
	if metadata != nil {
		var err error
		meta, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal stage metadata: %w", err)
		}
	}

	query := `
		UPDATE processing_jobs
		SET stage = $1,
		    metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb,
		    updated_at = NOW()
		WHERE id = $3 AND status IN ('processing', 'retry_in_progress')
	`

	result, err := s.db.ExecContext(ctx, query, stage, meta, jobID)
	if err != nil {
		return fmt.Errorf("failed to update stage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: job %s not in a processing status", domain.ErrInvalidTransition, jobID)
	}

	return nil
}

// FindStuck returns up to limit jobs stranded in one of the given
// statuses with no update since the cutoff, oldest first
func (s *Storage) FindStuck(ctx context.Context, olderThan time.Time, statuses []domain.Status, limit int) ([]domain.Job, error) {
	query, args, err := sqlx.In(`
		SELECT id, file_path, owner_id, organization_id, content_type, status, stage,
		       retry_count, error_message, metadata, created_at, updated_at, started_at, completed_at
		FROM processing_jobs
		WHERE status IN (?)
		  AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`, statuses, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to build stuck-job query: %w", err)
	}

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to find stuck jobs: %w", err)
	}
	return jobs, nil
}

// ClaimForRetry is the sweeper's overlap guard: it claims a stuck job by
// moving it to retry_pending only if neither its status nor its
// updated_at changed since the sweep pass read it. Overlapping passes
// can both see the same stuck job but only one claim succeeds.
func (s *Storage) ClaimForRetry(ctx context.Context, jobID string, from domain.Status, seenUpdatedAt time.Time) (bool, error) {
	if from != domain.StatusRetryPending && !from.CanTransitionTo(domain.StatusRetryPending) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, domain.StatusRetryPending)
	}

	query := `
		UPDATE processing_jobs
		SET status = 'retry_pending',
		    updated_at = NOW()
		WHERE id = $1 AND status = $2 AND updated_at = $3
	`

	result, err := s.db.ExecContext(ctx, query, jobID, from, seenUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to claim job for retry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// IncrementRetry bumps the retry counter by exactly one and returns the
// new count. The counter is monotonically non-decreasing; nothing ever
// lowers it.
func (s *Storage) IncrementRetry(ctx context.Context, jobID string) (int, error) {
	query := `
		UPDATE processing_jobs
		SET retry_count = retry_count + 1,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING retry_count
	`

	var count int
	if err := s.db.GetContext(ctx, &count, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrJobNotFound
		}
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}
	return count, nil
}

// RecordError stores the last failure detail on the job without touching
// its status
func (s *Storage) RecordError(ctx context.Context, jobID, message string) error {
	query := `
		UPDATE processing_jobs
		SET error_message = $1,
		    updated_at = NOW()
		WHERE id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, message, jobID); err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// MarkExhausted moves a job to retry_exhausted unless it already reached
// a terminal state. Returns true when the job was transitioned by this
// call.
func (s *Storage) MarkExhausted(ctx context.Context, jobID, message string) (bool, error) {
	query := `
		UPDATE processing_jobs
		SET status = 'retry_exhausted',
		    error_message = $1,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $2
		  AND status NOT IN ('processed', 'partially_processed', 'retry_exhausted', 'cancelled')
	`

	result, err := s.db.ExecContext(ctx, query, message, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to mark job exhausted: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows > 0 {
		s.logger.Warn("Job marked retry_exhausted",
			slog.String("job_id", jobID),
			slog.String("reason", message),
		)
	}
	return rows > 0, nil
}

// InsertDeadLetterRecord persists a drained DLQ message for operator
// triage
func (s *Storage) InsertDeadLetterRecord(ctx context.Context, rec *domain.DeadLetterRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	query := `
		INSERT INTO dead_letter_records (
			id, job_id, payload, failure_count, reason,
			first_failed_at, last_failed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.JobID, rec.Payload, rec.FailureCount, rec.Reason,
		rec.FirstFailedAt, rec.LastFailedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead-letter record: %w", err)
	}
	return nil
}
