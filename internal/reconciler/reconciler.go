// Package reconciler decides when a video is finished. Per-resolution
// completions arrive in any order and possibly more than once; every
// decision is made under the video's row lock and every status change is a
// conditional update, so READY or FAILED is entered exactly once.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/vidflow/internal/domain"
	"github.com/cuongbtq/vidflow/internal/events"
	"github.com/cuongbtq/vidflow/internal/storage"
)

// ReasonStuck prefixes the failure reason written by the sweep
const ReasonStuck = "stuck"

// State is the reconciler's view of a video
type State string

const (
	StateAwaiting State = "AWAITING"
	StateComplete State = "COMPLETE"
	StateFailed   State = "FAILED"
)

// Store is the part of storage.Store the reconciler needs
type Store interface {
	WithinVideoLock(ctx context.Context, videoID string, fn storage.LockedFunc) error
	ListStuckVideos(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Video, error)
	ListUnsyncedVideos(ctx context.Context, limit int) ([]domain.Video, error)
	MarkSynced(ctx context.Context, videoID string) error
}

// Notifier relays terminal states to the authoritative service. Both calls
// must be idempotent on the receiving side.
type Notifier interface {
	MakeVideoReady(ctx context.Context, videoID string, qualities []domain.VideoQuality, durationSeconds int) error
	MarkVideoFailed(ctx context.Context, videoID, reason string) error
}

// Config holds reconciler dependencies
type Config struct {
	Logger *slog.Logger
	Store  Store
	Events events.Publisher
	// Notifier is nil in the local topology
	Notifier       Notifier
	StuckAfter     time.Duration
	SweepBatchSize int
	Now            func() time.Time
}

// Reconciler applies completion events to video rows
type Reconciler struct {
	logger         *slog.Logger
	store          Store
	events         events.Publisher
	notifier       Notifier
	stuckAfter     time.Duration
	sweepBatchSize int
	now            func() time.Time
}

// New creates a Reconciler
func New(cfg *Config) *Reconciler {
	r := &Reconciler{
		logger:         cfg.Logger,
		store:          cfg.Store,
		events:         cfg.Events,
		notifier:       cfg.Notifier,
		stuckAfter:     cfg.StuckAfter,
		sweepBatchSize: cfg.SweepBatchSize,
		now:            cfg.Now,
	}
	if r.events == nil {
		r.events = events.Noop{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.sweepBatchSize <= 0 {
		r.sweepBatchSize = 100
	}
	return r
}

// Outcome reports what one HandleCompletion call did
type Outcome struct {
	VideoID string
	State   State
	Status  domain.VideoStatus
	// QualityRecorded is true when this call inserted the quality row
	QualityRecorded bool
	// Transitioned is true when this call moved the video to a terminal status
	Transitioned bool
	Missing      []domain.Resolution
}

// snapshot is what the locked section hands to the post-commit side effects
type snapshot struct {
	video        domain.Video
	qualities    []domain.VideoQuality
	transitioned bool
}

// HandleCompletion records one per-resolution result. Events for a video
// that is already terminal are no-ops; duplicates never error.
func (r *Reconciler) HandleCompletion(ctx context.Context, ev domain.CompletionEvent) (Outcome, error) {
	if ev.VideoID == "" || ev.Resolution == "" {
		return Outcome{}, fmt.Errorf("%w: completion needs video_id and resolution", domain.ErrInvalidPayload)
	}
	if ev.Outcome == domain.OutcomeSucceeded && ev.ObjectKey == "" {
		return Outcome{}, fmt.Errorf("%w: successful completion without object_key", domain.ErrInvalidPayload)
	}

	logger := r.logger.With(
		slog.String("video_id", ev.VideoID),
		slog.String("resolution", string(ev.Resolution)),
		slog.String("outcome", string(ev.Outcome)),
	)

	var (
		out  = Outcome{VideoID: ev.VideoID}
		snap snapshot
	)
	err := r.store.WithinVideoLock(ctx, ev.VideoID, func(ctx context.Context, tx storage.Tx) error {
		out = Outcome{VideoID: ev.VideoID}
		video := tx.Video()

		if video.Status.IsTerminal() {
			qualities, err := tx.ListQualities(ctx)
			if err != nil {
				return err
			}
			snap = snapshot{video: video, qualities: qualities}
			return nil
		}

		switch ev.Outcome {
		case domain.OutcomeSucceeded:
			inserted, err := tx.InsertQuality(ctx, domain.VideoQuality{
				Resolution:      ev.Resolution,
				ObjectKey:       ev.ObjectKey,
				DurationSeconds: ev.DurationSeconds,
			})
			if err != nil {
				return err
			}
			out.QualityRecorded = inserted

			qualities, err := tx.ListQualities(ctx)
			if err != nil {
				return err
			}
			out.Missing = domain.MissingQualities(video.RequiredQualities, qualities)

			if len(out.Missing) == 0 {
				duration := video.ReferenceDuration(qualities)
				applied, err := tx.TransitionStatus(ctx, domain.StatusReady, storage.TransitionOptions{DurationSeconds: &duration})
				if err != nil {
					return err
				}
				out.Transitioned = applied
			}
			snap = snapshot{video: tx.Video(), qualities: qualities, transitioned: out.Transitioned}

		case domain.OutcomeFailed:
			reason := fmt.Sprintf("%s failed after %d attempts", ev.Resolution, ev.Attempt)
			if ev.Error != "" {
				reason += ": " + ev.Error
			}
			applied, err := tx.TransitionStatus(ctx, domain.StatusFailed, storage.TransitionOptions{FailureReason: reason})
			if err != nil {
				return err
			}
			out.Transitioned = applied

			qualities, err := tx.ListQualities(ctx)
			if err != nil {
				return err
			}
			snap = snapshot{video: tx.Video(), qualities: qualities, transitioned: applied}

		default:
			return fmt.Errorf("%w: unknown outcome %q", domain.ErrInvalidPayload, ev.Outcome)
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("failed to reconcile completion: %w", err)
	}

	out.Status = snap.video.Status
	out.State = stateOf(snap.video.Status)

	if out.Transitioned {
		logger.Info("Video reached terminal status",
			slog.String("status", string(out.Status)),
			slog.Int("qualities", len(snap.qualities)),
		)
	} else {
		logger.Debug("Completion recorded",
			slog.String("state", string(out.State)),
			slog.Bool("quality_recorded", out.QualityRecorded),
			slog.Int("missing", len(out.Missing)),
		)
	}

	return out, r.afterCommit(ctx, snap)
}

// afterCommit publishes the lifecycle event for a fresh transition and, in
// the split topology, re-syncs the authoritative service whenever the video
// is terminal. A delivered outcome is stamped with MarkSynced; anything left
// unstamped is retried by the sweep.
func (r *Reconciler) afterCommit(ctx context.Context, snap snapshot) error {
	v := snap.video
	if !v.Status.IsTerminal() {
		return nil
	}

	if snap.transitioned {
		if err := r.events.Publish(ctx, events.NewLifecycle(v, snap.qualities, r.now())); err != nil {
			r.logger.Warn("Failed to publish lifecycle event",
				slog.String("video_id", v.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if r.notifier == nil {
		return nil
	}

	var err error
	switch v.Status {
	case domain.StatusReady:
		duration := 0
		if v.DurationSeconds != nil {
			duration = *v.DurationSeconds
		}
		err = r.notifier.MakeVideoReady(ctx, v.ID, snap.qualities, duration)
	case domain.StatusFailed:
		err = r.notifier.MarkVideoFailed(ctx, v.ID, v.FailureReason)
	}

	if errors.Is(err, domain.ErrInvalidTransition) {
		r.logger.Warn("Authoritative service holds a different terminal status",
			slog.String("video_id", v.ID),
			slog.String("status", string(v.Status)),
		)
		err = nil
	}
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to notify video service: %w", err))
	}

	if err := r.store.MarkSynced(ctx, v.ID); err != nil {
		r.logger.Warn("Failed to mark video synced",
			slog.String("video_id", v.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// SweepStuck fails videos that stayed PROCESSING longer than the deadline.
// A video whose qualities are in fact all present is completed instead.
// With a notifier it then re-sends terminal outcomes that were never
// acknowledged. It returns the number of videos transitioned.
func (r *Reconciler) SweepStuck(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.stuckAfter)

	videos, err := r.store.ListStuckVideos(ctx, cutoff, r.sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck videos: %w", err)
	}

	var (
		transitioned int
		errs         []error
	)
	for _, v := range videos {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		ok, err := r.sweepOne(ctx, v.ID)
		if ok {
			transitioned++
		}
		if err != nil {
			r.logger.Error("Failed to sweep video",
				slog.String("video_id", v.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}

	if len(videos) > 0 {
		r.logger.Info("Stuck video sweep finished",
			slog.Int("candidates", len(videos)),
			slog.Int("transitioned", transitioned),
		)
	}

	if r.notifier != nil && ctx.Err() == nil {
		if err := r.resyncUnsynced(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return transitioned, errors.Join(errs...)
}

// resyncUnsynced re-notifies terminal videos whose outcome never reached the
// authoritative service
func (r *Reconciler) resyncUnsynced(ctx context.Context) error {
	videos, err := r.store.ListUnsyncedVideos(ctx, r.sweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list unsynced videos: %w", err)
	}

	var (
		synced int
		errs   []error
	)
	for _, v := range videos {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.resyncOne(ctx, v.ID); err != nil {
			r.logger.Error("Failed to resync video",
				slog.String("video_id", v.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		synced++
	}

	if len(videos) > 0 {
		r.logger.Info("Unsynced video resync finished",
			slog.Int("candidates", len(videos)),
			slog.Int("synced", synced),
		)
	}
	return errors.Join(errs...)
}

func (r *Reconciler) resyncOne(ctx context.Context, videoID string) error {
	var snap snapshot

	err := r.store.WithinVideoLock(ctx, videoID, func(ctx context.Context, tx storage.Tx) error {
		video := tx.Video()
		if !video.Status.IsTerminal() || video.SyncedAt != nil {
			return nil
		}
		qualities, err := tx.ListQualities(ctx)
		if err != nil {
			return err
		}
		snap = snapshot{video: video, qualities: qualities}
		return nil
	})
	if err != nil {
		return err
	}
	return r.afterCommit(ctx, snap)
}

func (r *Reconciler) sweepOne(ctx context.Context, videoID string) (bool, error) {
	var snap snapshot

	err := r.store.WithinVideoLock(ctx, videoID, func(ctx context.Context, tx storage.Tx) error {
		video := tx.Video()
		if video.Status.IsTerminal() {
			return nil
		}

		qualities, err := tx.ListQualities(ctx)
		if err != nil {
			return err
		}

		var applied bool
		if missing := domain.MissingQualities(video.RequiredQualities, qualities); len(missing) == 0 {
			duration := video.ReferenceDuration(qualities)
			applied, err = tx.TransitionStatus(ctx, domain.StatusReady, storage.TransitionOptions{DurationSeconds: &duration})
		} else {
			applied, err = tx.TransitionStatus(ctx, domain.StatusFailed, storage.TransitionOptions{
				FailureReason: stuckReason(missing, r.stuckAfter),
			})
		}
		if err != nil {
			return err
		}

		snap = snapshot{video: tx.Video(), qualities: qualities, transitioned: applied}
		return nil
	})
	if err != nil {
		return false, err
	}

	if snap.transitioned {
		r.logger.Warn("Swept stuck video",
			slog.String("video_id", videoID),
			slog.String("status", string(snap.video.Status)),
			slog.String("reason", snap.video.FailureReason),
		)
	}
	return snap.transitioned, r.afterCommit(ctx, snap)
}

func stuckReason(missing []domain.Resolution, after time.Duration) string {
	labels := make([]string, len(missing))
	for i, m := range missing {
		labels[i] = string(m)
	}
	return fmt.Sprintf("%s: missing %s after %s", ReasonStuck, strings.Join(labels, ","), after)
}

func stateOf(s domain.VideoStatus) State {
	switch s {
	case domain.StatusReady:
		return StateComplete
	case domain.StatusFailed:
		return StateFailed
	default:
		return StateAwaiting
	}
}
