package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/vidflow/internal/domain"
)

const jobContentType = "application/json"

// disposition is what happens to a delivery after processing
type disposition int

const (
	dispositionAck disposition = iota
	// dispositionRetry republishes through the delayed retry queue
	dispositionRetry
	// dispositionRequeue returns the message to the work queue untouched
	dispositionRequeue
	// dispositionDeadLetter rejects the message into the dead-letter queue
	dispositionDeadLetter
)

func (d disposition) String() string {
	switch d {
	case dispositionAck:
		return "ack"
	case dispositionRetry:
		return "retry"
	case dispositionRequeue:
		return "requeue"
	default:
		return "dead_letter"
	}
}

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop runs one job at a time until jobsChan is closed
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))
	logger.Debug("Worker goroutine started")

	for msg := range w.jobsChan {
		if ctx.Err() != nil {
			w.settle(ctx, logger, msg, ctx.Err())
			continue
		}
		err := w.processJob(ctx, msg)
		w.settle(ctx, logger, msg, err)
	}

	logger.Debug("Worker goroutine stopping - jobsChan closed")
}

// jobDisposition classifies a processing error
func jobDisposition(err error) disposition {
	switch {
	case err == nil:
		return dispositionAck
	case errors.Is(err, domain.ErrMaxRetriesExceeded),
		errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrUnknownJobKind):
		return dispositionDeadLetter
	case domain.IsRetryable(err):
		return dispositionRetry
	case errors.Is(err, context.Canceled):
		return dispositionRequeue
	default:
		return dispositionDeadLetter
	}
}

// settle acks or nacks the delivery according to err
func (w *Worker) settle(ctx context.Context, logger *slog.Logger, msg *jobMessage, err error) {
	job := msg.job
	logger = logger.With(
		slog.String("video_id", job.VideoID),
		slog.String("resolution", string(job.Resolution)),
		slog.Int("attempt", job.Attempt),
	)

	d := jobDisposition(err)
	if d == dispositionRetry {
		if retryErr := w.scheduleRetry(ctx, job); retryErr != nil {
			logger.Error("Failed to schedule retry, requeueing",
				slog.String("error", retryErr.Error()),
			)
			d = dispositionRequeue
		} else {
			d = dispositionAck
		}
	}

	var settleErr error
	switch d {
	case dispositionAck:
		settleErr = msg.delivery.Ack(false)
	case dispositionRequeue:
		settleErr = msg.delivery.Nack(false, true)
	default:
		settleErr = msg.delivery.Nack(false, false)
	}

	if settleErr != nil {
		logger.Error("Failed to settle message",
			slog.String("disposition", d.String()),
			slog.String("error", settleErr.Error()),
		)
		return
	}

	if err != nil {
		logger.Warn("Job did not complete",
			slog.String("disposition", d.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("Job completed successfully")
}

// scheduleRetry publishes the next attempt to the retry queue; it comes
// back to the work queue once the per-message TTL expires
func (w *Worker) scheduleRetry(ctx context.Context, job domain.TranscodeJob) error {
	next := job.NextAttempt()
	body, err := next.Encode()
	if err != nil {
		return err
	}

	delay := w.retryDelay(job.Attempt)
	if err := w.broker.PublishDelayed(ctx, body, jobContentType, delay); err != nil {
		return err
	}

	w.logger.Info("Job scheduled for retry",
		slog.String("video_id", job.VideoID),
		slog.String("resolution", string(job.Resolution)),
		slog.Int("next_attempt", next.Attempt),
		slog.Duration("delay", delay),
	)
	return nil
}

// retryDelay is base * 2^(attempt-1), capped at the max delay
func (w *Worker) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if w.retryMaxDelay > 0 && delay >= w.retryMaxDelay {
			return w.retryMaxDelay
		}
	}
	if w.retryMaxDelay > 0 && delay > w.retryMaxDelay {
		return w.retryMaxDelay
	}
	return delay
}
