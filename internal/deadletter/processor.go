package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nmtria/docingest/internal/worker/domain"
	"github.com/nmtria/docingest/shared/rabbitmq"
)

// Store is the subset of the job store the dead-letter processor needs
type Store interface {
	InsertDeadLetterRecord(ctx context.Context, rec *domain.DeadLetterRecord) error
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	MarkExhausted(ctx context.Context, jobID, message string) (bool, error)
}

// Source drains messages from the dead-letter queue
type Source interface {
	GetFromDeadLetter() (amqp.Delivery, bool, error)
}

// Config holds dead-letter processor tuning parameters
type Config struct {
	Logger      *slog.Logger
	Store       Store
	Source      Source
	Interval    time.Duration
	MaxMessages int
}

// Processor periodically drains the dead-letter queue, persisting each
// message for triage and settling the corresponding job as exhausted.
type Processor struct {
	logger      *slog.Logger
	store       Store
	source      Source
	interval    time.Duration
	maxMessages int
}

// New creates a dead-letter Processor
func New(cfg *Config) *Processor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 50
	}

	return &Processor{
		logger:      cfg.Logger,
		store:       cfg.Store,
		source:      cfg.Source,
		interval:    interval,
		maxMessages: maxMessages,
	}
}

// Run blocks until ctx is cancelled, draining the DLQ once per interval
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("Starting dead-letter processor",
		slog.Duration("interval", p.interval),
		slog.Int("max_messages", p.maxMessages),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Dead-letter processor stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := p.drainOnce(ctx); err != nil {
				p.logger.Error("Dead-letter drain failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// drainOnce pulls up to maxMessages from the DLQ and processes each one
func (p *Processor) drainOnce(ctx context.Context) error {
	var processed int

	for processed < p.maxMessages {
		delivery, ok, err := p.source.GetFromDeadLetter()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		if err := p.handleDelivery(ctx, delivery); err != nil {
			p.logger.Error("Failed to process dead-lettered message",
				slog.String("error", err.Error()),
			)
			// Leave the message unacked so it is redelivered on the
			// next drain pass.
			if nackErr := delivery.Nack(false, true); nackErr != nil {
				p.logger.Error("Failed to NACK dead-lettered message",
					slog.String("error", nackErr.Error()),
				)
			}
			return err
		}

		if err := delivery.Ack(false); err != nil {
			p.logger.Error("Failed to ACK dead-lettered message",
				slog.String("error", err.Error()),
			)
			return err
		}
		processed++
	}

	if processed > 0 {
		p.logger.Info("Drained dead-letter queue",
			slog.Int("processed", processed),
		)
	}
	return nil
}

// handleDelivery records the message for triage and marks its job as
// exhausted unless the job already reached a terminal state.
func (p *Processor) handleDelivery(ctx context.Context, delivery amqp.Delivery) error {
	death := rabbitmq.DeathInfoOf(delivery)

	rec := &domain.DeadLetterRecord{
		Payload:      delivery.Body,
		FailureCount: death.Count,
	}
	if death.Reason != "" {
		rec.Reason = sql.NullString{String: death.Reason, Valid: true}
	}
	if !death.FirstTime.IsZero() {
		rec.FirstFailedAt = sql.NullTime{Time: death.FirstTime, Valid: true}
		rec.LastFailedAt = sql.NullTime{Time: death.LastTime, Valid: true}
	}

	var msg domain.TaskMessage
	jobID := ""
	if err := json.Unmarshal(delivery.Body, &msg); err == nil && msg.JobID != "" {
		jobID = msg.JobID
		rec.JobID = sql.NullString{String: jobID, Valid: true}
	} else {
		p.logger.Warn("Dead-lettered message has no parseable job id",
			slog.Int("body_bytes", len(delivery.Body)),
		)
	}

	if err := p.store.InsertDeadLetterRecord(ctx, rec); err != nil {
		return err
	}

	if jobID == "" {
		return nil
	}

	job, err := p.store.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			p.logger.Warn("Dead-lettered message references unknown job",
				slog.String("job_id", jobID),
			)
			return nil
		}
		return err
	}

	if job.Status.IsTerminal() {
		p.logger.Info("Dead-lettered job already in terminal state",
			slog.String("job_id", jobID),
			slog.String("status", string(job.Status)),
		)
		return nil
	}

	reason := "delivery limit exceeded"
	if death.Reason != "" {
		reason = "dead-lettered: " + death.Reason
	}
	if _, err := p.store.MarkExhausted(ctx, jobID, reason); err != nil {
		return err
	}

	p.logger.Warn("Job exhausted via dead-letter queue",
		slog.String("job_id", jobID),
		slog.Int64("failure_count", death.Count),
	)
	return nil
}
