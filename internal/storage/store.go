// Package storage holds the authoritative video records.
package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/vidflow/internal/domain"
)

// Tx is a view of one video row held under its lock. It is only valid
// inside the callback passed to WithinVideoLock.
type Tx interface {
	// Video returns the row as read when the lock was taken, updated by
	// any successful TransitionStatus in the same Tx.
	Video() domain.Video

	// InsertQuality records a rendition unless one already exists for the
	// same resolution. inserted is false for a duplicate.
	InsertQuality(ctx context.Context, q domain.VideoQuality) (inserted bool, err error)

	ListQualities(ctx context.Context) ([]domain.VideoQuality, error)

	// TransitionStatus moves the video from PROCESSING to a terminal status.
	// applied is false if the video had already left PROCESSING.
	TransitionStatus(ctx context.Context, to domain.VideoStatus, opts TransitionOptions) (applied bool, err error)
}

// TransitionOptions carries the columns written with a terminal status
type TransitionOptions struct {
	DurationSeconds *int   // READY only
	FailureReason   string // FAILED only
}

// LockedFunc runs with the video row locked. Returning an error rolls back
// everything done through tx.
type LockedFunc func(ctx context.Context, tx Tx) error

// VideoCursor is a keyset position in a created_at DESC, id DESC listing
type VideoCursor struct {
	CreatedAt time.Time
	VideoID   string
}

// VideoFilter narrows ListVideos. PageSize+1 rows are returned so callers
// can tell whether another page exists.
type VideoFilter struct {
	OwnerID  string
	Status   domain.VideoStatus
	PageSize int
	Cursor   *VideoCursor
}

// VideoDetails holds the user-editable fields; nil means unchanged
type VideoDetails struct {
	Name        *string
	Description *string
	Visibility  *domain.Visibility
}

// Store is the authoritative video store
type Store interface {
	CreateVideo(ctx context.Context, v *domain.Video) error
	GetVideo(ctx context.Context, videoID string) (*domain.Video, error)
	ListVideos(ctx context.Context, filter VideoFilter) ([]domain.Video, error)
	UpdateVideoDetails(ctx context.Context, videoID string, details VideoDetails) (*domain.Video, error)
	ListQualities(ctx context.Context, videoID string) ([]domain.VideoQuality, error)

	// WithinVideoLock serializes fn against every other caller for the same
	// video. It returns domain.ErrVideoNotFound if the row does not exist.
	WithinVideoLock(ctx context.Context, videoID string, fn LockedFunc) error

	// ListStuckVideos returns PROCESSING videos created before the cutoff,
	// oldest first.
	ListStuckVideos(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Video, error)

	// ListUnsyncedVideos returns READY or FAILED videos with no SyncedAt,
	// least recently updated first.
	ListUnsyncedVideos(ctx context.Context, limit int) ([]domain.Video, error)

	// MarkSynced stamps SyncedAt on the video
	MarkSynced(ctx context.Context, videoID string) error
}
