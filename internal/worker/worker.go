// Package worker consumes transcode jobs from the queue and renders them
// with a fixed pool of goroutines, one job per goroutine at a time.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/vidflow/internal/domain"
	"github.com/cuongbtq/vidflow/internal/encoder"
	"github.com/cuongbtq/vidflow/internal/reconciler"
	"github.com/cuongbtq/vidflow/internal/worker/attempts"
	"github.com/cuongbtq/vidflow/internal/worker/journal"
)

// Broker is the queue the worker consumes from
type Broker interface {
	SetPrefetch(count int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
	PublishDelayed(ctx context.Context, body []byte, contentType string, delay time.Duration) error
}

// Objects moves files between scratch and the object store
type Objects interface {
	FGet(ctx context.Context, key, path string) error
	FPut(ctx context.Context, key, path, contentType string) error
}

// Encoder renders one resolution and probes durations
type Encoder interface {
	Encode(ctx context.Context, req encoder.Request) (encoder.Result, error)
	Probe(ctx context.Context, path string) (int, error)
}

// CompletionHandler receives the result of every finished job
type CompletionHandler interface {
	HandleCompletion(ctx context.Context, ev domain.CompletionEvent) (reconciler.Outcome, error)
}

// FailureJournal records jobs that exhausted their attempts. A record is
// dropped once the same job later succeeds.
type FailureJournal interface {
	Record(rec journal.FailureRecord) error
	Delete(videoID string, res domain.Resolution) error
	List(videoID string) ([]journal.FailureRecord, error)
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Broker      Broker
	Objects     Objects
	Encoder     Encoder
	Resolutions *domain.ResolutionTable
	Ledger      attempts.Ledger
	Completions CompletionHandler
	// Journal is optional
	Journal FailureJournal

	WorkerID          string
	Concurrency       int
	PrefetchCount     int
	MaxAttempts       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	ScratchDir        string
}

// Worker consumes transcode jobs with a fixed pool of goroutines
type Worker struct {
	logger      *slog.Logger
	broker      Broker
	objects     Objects
	encoder     Encoder
	resolutions *domain.ResolutionTable
	ledger      attempts.Ledger
	completions CompletionHandler
	journal     FailureJournal

	workerID          string
	concurrency       int
	prefetchCount     int
	maxAttempts       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	retryBaseDelay    time.Duration
	retryMaxDelay     time.Duration
	scratchDir        string

	jobsChan chan *jobMessage
	wg       sync.WaitGroup
}

// jobMessage is a decoded job plus the delivery to settle
type jobMessage struct {
	job      domain.TranscodeJob
	delivery amqp.Delivery
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger.With(slog.String("worker_id", cfg.WorkerID)),
		broker:            cfg.Broker,
		objects:           cfg.Objects,
		encoder:           cfg.Encoder,
		resolutions:       cfg.Resolutions,
		ledger:            cfg.Ledger,
		completions:       cfg.Completions,
		journal:           cfg.Journal,
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		prefetchCount:     cfg.PrefetchCount,
		maxAttempts:       cfg.MaxAttempts,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		retryBaseDelay:    cfg.RetryBaseDelay,
		retryMaxDelay:     cfg.RetryMaxDelay,
		scratchDir:        cfg.ScratchDir,
		jobsChan:          make(chan *jobMessage),
	}
	if w.ledger == nil {
		w.ledger = attempts.MessageLedger{}
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.prefetchCount <= 0 {
		w.prefetchCount = w.concurrency
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 1
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 30 * time.Second
	}
	return w
}

// Start sweeps leftover scratch, begins consuming and blocks until ctx is
// canceled or the broker closes the delivery channel
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Int("max_attempts", w.maxAttempts),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	if err := w.sweepScratch(); err != nil {
		return fmt.Errorf("failed to sweep scratch dir: %w", err)
	}
	w.reportJournal()

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)
	closed := w.startMessageDispatcher(ctx, deliveries)
	close(w.jobsChan)

	if ctx.Err() != nil {
		if err := w.broker.Cancel(w.workerID); err != nil {
			w.logger.Warn("Failed to cancel consumer", slog.String("error", err.Error()))
		}
		w.logger.Info("Worker context canceled, stopping...")
		return nil
	}
	if closed {
		return fmt.Errorf("delivery channel closed by broker")
	}
	return nil
}

// reportJournal logs the permanent failures still on record
func (w *Worker) reportJournal() {
	if w.journal == nil {
		return
	}

	records, err := w.journal.List("")
	if err != nil {
		w.logger.Warn("Failed to read failure journal", slog.String("error", err.Error()))
		return
	}
	if len(records) == 0 {
		return
	}

	w.logger.Warn("Failure journal holds unresolved jobs", slog.Int("count", len(records)))
	for _, rec := range records {
		w.logger.Warn("Unresolved job failure",
			slog.String("video_id", rec.VideoID),
			slog.String("resolution", string(rec.Resolution)),
			slog.Int("attempts", rec.Attempts),
			slog.String("error", rec.Error),
			slog.String("worker_id", rec.WorkerID),
			slog.Time("failed_at", rec.Timestamp),
		)
	}
}

// Wait blocks until every worker goroutine has returned or timeout elapses
func (w *Worker) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped")
		return true
	case <-time.After(timeout):
		w.logger.Warn("Timed out waiting for in-flight jobs", slog.Duration("timeout", timeout))
		return false
	}
}
