package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nmtria/docingest/internal/backoff"
	"github.com/nmtria/docingest/internal/breaker"
	"github.com/nmtria/docingest/internal/pipeline"
	"github.com/nmtria/docingest/internal/worker/domain"
	"github.com/nmtria/docingest/shared/rabbitmq"
)

// JobStore is the slice of the job store the worker pool needs
type JobStore interface {
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	TransitionStatus(ctx context.Context, jobID string, from, to domain.Status) error
	UpdateStage(ctx context.Context, jobID string, stage domain.Stage, metadata map[string]any) error
	IncrementRetry(ctx context.Context, jobID string) (int, error)
	RecordError(ctx context.Context, jobID, message string) error
	MarkExhausted(ctx context.Context, jobID, message string) (bool, error)
}

// MessageAcker is the subset of the AMQP channel used for ack/nack;
// satisfied by *amqp.Channel
type MessageAcker interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Store         JobStore
	RabbitClient  *rabbitmq.Client
	Executor      pipeline.Executor
	Breaker       *breaker.Breaker
	Locks         KeyLock
	Concurrency   int
	PrefetchCount int
	MaxRetries    int
	JobTimeout    time.Duration
	// DispatchRate caps messages per second handed to the pool;
	// zero means unlimited
	DispatchRate float64
	Backoff      backoff.Config
}

// Worker drives queue messages through the pipeline state machine
type Worker struct {
	logger        *slog.Logger
	store         JobStore
	rabbitClient  *rabbitmq.Client
	executor      pipeline.Executor
	breaker       *breaker.Breaker
	locks         KeyLock
	concurrency   int
	prefetchCount int
	maxRetries    int
	jobTimeout    time.Duration
	backoff       backoff.Config
	limiter       *rate.Limiter

	workerID string
	acker    MessageAcker
	jobsChan chan *domain.TaskMessage
	wg       sync.WaitGroup
	stopChan chan struct{}
	running  atomic.Bool
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}

	locks := cfg.Locks
	if locks == nil {
		locks = NewMemoryKeyLock()
	}

	limit := rate.Inf
	if cfg.DispatchRate > 0 {
		limit = rate.Limit(cfg.DispatchRate)
	}

	return &Worker{
		logger:        cfg.Logger,
		store:         cfg.Store,
		rabbitClient:  cfg.RabbitClient,
		executor:      cfg.Executor,
		breaker:       cfg.Breaker,
		locks:         locks,
		concurrency:   cfg.Concurrency,
		prefetchCount: cfg.PrefetchCount,
		maxRetries:    cfg.MaxRetries,
		jobTimeout:    cfg.JobTimeout,
		backoff:       cfg.Backoff,
		limiter:       rate.NewLimiter(limit, 1),
		workerID:      fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		jobsChan:      make(chan *domain.TaskMessage),
		stopChan:      make(chan struct{}),
	}
}

// Start begins consuming and processing messages, blocking until ctx is
// cancelled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("prefetch_count", w.prefetchCount),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)

	w.running.Store(true)
	defer w.running.Store(false)

	w.startMessageDispatcher(ctx, deliveries)

	w.logger.Info("Worker dispatcher exited, waiting for in-flight jobs")
	return nil
}

// Stop gracefully stops the worker pool
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// Running reports worker-pool liveness for the readiness endpoint
func (w *Worker) Running() bool {
	return w.running.Load()
}
