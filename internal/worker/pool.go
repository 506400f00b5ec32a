package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nmtria/docingest/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency
// configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				return
			}

			w.logger.Info("Worker received message",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.Uint64("delivery_tag", msg.DeliveryTag),
			)

			outcome := w.safeProcessMessage(ctx, msg)
			w.settleMessage(ctx, workerName, msg, outcome)
		}
	}
}

// safeProcessMessage runs the processor with panic recovery: one bad job
// must never take down the pool. A panic is settled as a retryable
// failure so the redelivery budget bounds it.
func (w *Worker) safeProcessMessage(ctx context.Context, msg *domain.TaskMessage) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Panic while processing message",
				slog.String("job_id", msg.JobID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			outcome = OutcomeFailedRetryable
		}
	}()

	return w.processMessage(ctx, msg)
}

// settleMessage translates the processing outcome into the ack/nack
// decision
func (w *Worker) settleMessage(ctx context.Context, workerName string, msg *domain.TaskMessage, outcome Outcome) {
	logAttrs := []any{
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.JobID),
		slog.String("outcome", outcome.String()),
	}

	switch outcome {
	case OutcomeSucceeded, OutcomeParked, OutcomeFailedPermanently, OutcomeCancelled:
		if err := w.acker.Ack(msg.DeliveryTag, false); err != nil {
			w.logger.Error("Failed to ACK message",
				append(logAttrs, slog.String("error", err.Error()))...,
			)
			return
		}
		w.logger.Info("Message settled", logAttrs...)

	case OutcomeFailedRetryable:
		// Pace redelivery with capped exponential backoff before
		// returning the message; the broker's delivery limit
		// dead-letters it once the budget is spent.
		w.waitBackoff(ctx, int(msg.DeliveryCount))

		if err := w.acker.Nack(msg.DeliveryTag, false, true); err != nil {
			w.logger.Error("Failed to NACK message",
				append(logAttrs, slog.String("error", err.Error()))...,
			)
			return
		}
		w.logger.Info("Message returned for redelivery",
			append(logAttrs, slog.Int64("delivery_count", msg.DeliveryCount))...,
		)
	}
}

// waitBackoff sleeps for the attempt's backoff delay, abandoning the
// wait on shutdown
func (w *Worker) waitBackoff(ctx context.Context, attempt int) {
	delay := w.backoff.Delay(attempt)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-w.stopChan:
	}
}
