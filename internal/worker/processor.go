package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/vidflow/internal/domain"
	"github.com/cuongbtq/vidflow/internal/encoder"
	"github.com/cuongbtq/vidflow/internal/objectstore"
	"github.com/cuongbtq/vidflow/internal/worker/journal"
)

// transcodeResult is what one successful run produced
type transcodeResult struct {
	manifestKey     string
	durationSeconds int
	artifacts       int
}

// processJob runs one job and reports its completion. The returned error
// decides the message disposition, see jobDisposition.
func (w *Worker) processJob(ctx context.Context, msg *jobMessage) error {
	job := msg.job
	logger := w.logger.With(
		slog.String("video_id", job.VideoID),
		slog.String("resolution", string(job.Resolution)),
	)

	attempt, err := w.ledger.Increment(ctx, job)
	if err != nil {
		logger.Warn("Attempt ledger unavailable, using message attempt",
			slog.String("error", err.Error()),
		)
		attempt = max(job.Attempt, 1)
	}

	if attempt > w.maxAttempts {
		logger.Warn("Job exceeded max attempts before start",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", w.maxAttempts),
		)
		return w.failPermanently(ctx, job, attempt-1, "attempt ceiling reached")
	}

	logger.Info("Processing job",
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", w.maxAttempts),
	)

	jobCtx, cancel := w.jobContext(ctx)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job, time.Now(), heartbeatDone)
	defer close(heartbeatDone)

	result, err := w.transcode(jobCtx, job)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Error("Job execution failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, objectstore.ErrObjectNotFound) || attempt >= w.maxAttempts {
			return w.failPermanently(ctx, job, attempt, err.Error())
		}
		return domain.NewRetryableError(fmt.Errorf("job execution failed: %w", err))
	}

	_, err = w.completions.HandleCompletion(ctx, domain.CompletionEvent{
		VideoID:         job.VideoID,
		Resolution:      job.Resolution,
		Outcome:         domain.OutcomeSucceeded,
		ObjectKey:       result.manifestKey,
		DurationSeconds: result.durationSeconds,
		Attempt:         attempt,
	})
	if err != nil {
		if errors.Is(err, domain.ErrVideoNotFound) || errors.Is(err, domain.ErrInvalidPayload) {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		return domain.NewRetryableError(fmt.Errorf("failed to report completion: %w", err))
	}

	if err := w.ledger.Reset(ctx, job); err != nil {
		logger.Warn("Failed to reset attempt ledger", slog.String("error", err.Error()))
	}
	if w.journal != nil {
		if err := w.journal.Delete(job.VideoID, job.Resolution); err != nil {
			logger.Warn("Failed to clear journaled failure", slog.String("error", err.Error()))
		}
	}

	logger.Info("Job output stored",
		slog.String("manifest_key", result.manifestKey),
		slog.Int("artifacts", result.artifacts),
		slog.Int("duration_seconds", result.durationSeconds),
	)
	return nil
}

func (w *Worker) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.jobTimeout > 0 {
		return context.WithTimeout(ctx, w.jobTimeout)
	}
	return context.WithCancel(ctx)
}

// failPermanently reports a FAILED completion. The message is dead-lettered
// once the reconciler has it; until then the job keeps being retried so the
// failure is not lost.
func (w *Worker) failPermanently(ctx context.Context, job domain.TranscodeJob, attempts int, reason string) error {
	_, err := w.completions.HandleCompletion(ctx, domain.CompletionEvent{
		VideoID:    job.VideoID,
		Resolution: job.Resolution,
		Outcome:    domain.OutcomeFailed,
		Error:      reason,
		Attempt:    attempts,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, domain.ErrVideoNotFound) {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		return domain.NewRetryableError(fmt.Errorf("failed to report permanent failure: %w", err))
	}

	if w.journal != nil {
		rec := journal.FailureRecord{
			VideoID:    job.VideoID,
			Resolution: job.Resolution,
			SourceKey:  job.SourceKey,
			Attempts:   attempts,
			Error:      reason,
			WorkerID:   w.workerID,
		}
		if err := w.journal.Record(rec); err != nil {
			w.logger.Warn("Failed to journal permanent failure", slog.String("error", err.Error()))
		}
	}

	if err := w.ledger.Reset(ctx, job); err != nil {
		w.logger.Warn("Failed to reset attempt ledger", slog.String("error", err.Error()))
	}

	return fmt.Errorf("%w: %s", domain.ErrMaxRetriesExceeded, reason)
}

// transcode fetches the source, encodes it and uploads the output. Scratch
// space is removed on every path.
func (w *Worker) transcode(ctx context.Context, job domain.TranscodeJob) (transcodeResult, error) {
	dir, err := w.newScratchDir(job)
	if err != nil {
		return transcodeResult{}, err
	}
	defer w.removeScratch(dir)

	input := filepath.Join(dir, "source"+strings.ToLower(filepath.Ext(job.SourceKey)))
	if err := w.objects.FGet(ctx, job.SourceKey, input); err != nil {
		return transcodeResult{}, fmt.Errorf("failed to fetch source: %w", err)
	}

	profile, exact := w.resolutions.Lookup(job.Resolution)
	if !exact {
		w.logger.Warn("Unknown resolution, using fallback tier",
			slog.String("resolution", string(job.Resolution)),
			slog.String("fallback", string(profile.Resolution)),
		)
	}

	duration, err := w.encoder.Probe(ctx, input)
	if err != nil {
		w.logger.Warn("Failed to probe source duration",
			slog.String("video_id", job.VideoID),
			slog.String("error", err.Error()),
		)
		duration = 0
	}

	res, err := w.encoder.Encode(ctx, encoder.Request{
		InputPath: input,
		OutputDir: filepath.Join(dir, "out"),
		Profile:   profile,
	})
	if err != nil {
		return transcodeResult{}, err
	}

	prefix := objectstore.OutputPrefix(job.VideoID, job.Resolution, uuid.NewString())
	manifestKey, err := w.upload(ctx, prefix, res)
	if err != nil {
		return transcodeResult{}, err
	}

	return transcodeResult{
		manifestKey:     manifestKey,
		durationSeconds: duration,
		artifacts:       len(res.Artifacts),
	}, nil
}

// upload stores segments first and the manifest last, so a visible manifest
// never points at a missing segment
func (w *Worker) upload(ctx context.Context, prefix string, res encoder.Result) (string, error) {
	manifestKey := prefix + "/" + filepath.Base(res.ManifestPath)

	for _, path := range res.Artifacts {
		if path == res.ManifestPath {
			continue
		}
		name := filepath.Base(path)
		if err := w.objects.FPut(ctx, prefix+"/"+name, path, objectstore.ContentTypeFor(name)); err != nil {
			return "", fmt.Errorf("failed to upload %s: %w", name, err)
		}
	}

	if err := w.objects.FPut(ctx, manifestKey, res.ManifestPath, objectstore.ContentTypeFor(manifestKey)); err != nil {
		return "", fmt.Errorf("failed to upload manifest: %w", err)
	}
	return manifestKey, nil
}

// sendJobHeartbeat logs progress of a long-running job
func (w *Worker) sendJobHeartbeat(ctx context.Context, job domain.TranscodeJob, started time.Time, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.logger.Debug("Job heartbeat",
				slog.String("video_id", job.VideoID),
				slog.String("resolution", string(job.Resolution)),
				slog.Duration("elapsed", time.Since(started).Round(time.Second)),
			)
		}
	}
}
