package sweeper

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nmtria/docingest/internal/worker/domain"
)

// Store is the subset of the job store the sweeper needs
type Store interface {
	FindStuck(ctx context.Context, olderThan time.Time, statuses []domain.Status, limit int) ([]domain.Job, error)
	ClaimForRetry(ctx context.Context, jobID string, from domain.Status, seenUpdatedAt time.Time) (bool, error)
	IncrementRetry(ctx context.Context, jobID string) (int, error)
	MarkExhausted(ctx context.Context, jobID, message string) (bool, error)
}

// Publisher enqueues task messages for reprocessing
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Config holds sweeper tuning parameters
type Config struct {
	Logger         *slog.Logger
	Store          Store
	Publisher      Publisher
	Interval       time.Duration
	StuckThreshold time.Duration
	BatchSize      int
	MaxRetries     int
}

// Sweeper periodically scans for jobs that were parked or whose queue
// message was lost, and re-enqueues them. Jobs past their retry budget
// are marked exhausted instead.
type Sweeper struct {
	logger         *slog.Logger
	store          Store
	publisher      Publisher
	interval       time.Duration
	stuckThreshold time.Duration
	batchSize      int
	maxRetries     int
	now            func() time.Time
}

// New creates a Sweeper with the given configuration
func New(cfg *Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	threshold := cfg.StuckThreshold
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	return &Sweeper{
		logger:         cfg.Logger,
		store:          cfg.Store,
		publisher:      cfg.Publisher,
		interval:       interval,
		stuckThreshold: threshold,
		batchSize:      batchSize,
		maxRetries:     cfg.MaxRetries,
		now:            time.Now,
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Starting stuck-job sweeper",
		slog.Duration("interval", s.interval),
		slog.Duration("stuck_threshold", s.stuckThreshold),
		slog.Int("batch_size", s.batchSize),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				s.logger.Error("Sweep pass failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// sweepOnce runs a single sweep pass over stuck jobs
func (s *Sweeper) sweepOnce(ctx context.Context) error {
	cutoff := s.now().Add(-s.stuckThreshold)
	statuses := []domain.Status{domain.StatusPending, domain.StatusRetryPending}

	jobs, err := s.store.FindStuck(ctx, cutoff, statuses, s.batchSize)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	s.logger.Info("Found stuck jobs",
		slog.Int("count", len(jobs)),
	)

	var requeued, exhausted int
	for i := range jobs {
		job := &jobs[i]

		if job.RetryCount >= s.maxRetries {
			ok, err := s.store.MarkExhausted(ctx, job.ID, "retry budget exhausted while stuck")
			if err != nil {
				s.logger.Error("Failed to mark stuck job exhausted",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if ok {
				exhausted++
				s.logger.Warn("Stuck job exhausted its retry budget",
					slog.String("job_id", job.ID),
					slog.Int("retry_count", job.RetryCount),
				)
			}
			continue
		}

		if err := s.requeueJob(ctx, job); err != nil {
			s.logger.Error("Failed to requeue stuck job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		requeued++
	}

	s.logger.Info("Sweep pass complete",
		slog.Int("requeued", requeued),
		slog.Int("exhausted", exhausted),
	)
	return nil
}

// requeueJob claims the job with an optimistic check on its observed
// updated_at, spends one retry from its budget, then publishes a fresh
// task message. If another sweeper instance or a worker touched the job
// in between, the claim loses and the job is skipped.
func (s *Sweeper) requeueJob(ctx context.Context, job *domain.Job) error {
	claimed, err := s.store.ClaimForRetry(ctx, job.ID, job.Status, job.UpdatedAt)
	if err != nil {
		return err
	}
	if !claimed {
		s.logger.Info("Lost requeue claim, job already handled",
			slog.String("job_id", job.ID),
		)
		return nil
	}

	count, err := s.store.IncrementRetry(ctx, job.ID)
	if err != nil {
		return err
	}
	job.RetryCount = count

	msg := domain.TaskMessage{
		JobID:     job.ID,
		Bucket:    bucketOf(job),
		FilePath:  job.FilePath,
		EventType: "job.requeued",
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if err := s.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return err
	}

	s.logger.Info("Requeued stuck job",
		slog.String("job_id", job.ID),
		slog.Int("retry_count", job.RetryCount),
	)
	return nil
}

func bucketOf(job *domain.Job) string {
	if len(job.Metadata) > 0 {
		var meta map[string]any
		if err := json.Unmarshal(job.Metadata, &meta); err == nil {
			if b, ok := meta["bucket"].(string); ok && b != "" {
				return b
			}
		}
	}
	return "uploads"
}
