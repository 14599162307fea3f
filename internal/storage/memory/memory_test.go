package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/vidflow/internal/domain"
	"github.com/cuongbtq/vidflow/internal/storage"
)

func newVideo(t *testing.T, s *Store, owner string) *domain.Video {
	t.Helper()
	v := &domain.Video{
		Name:              "clip",
		OwnerID:           owner,
		Visibility:        domain.VisibilityPrivate,
		SourceKey:         "originals/a.mp4",
		RequiredQualities: []domain.Resolution{"144p", "360p"},
	}
	require.NoError(t, s.CreateVideo(context.Background(), v))
	return v
}

func TestStore_WithinVideoLockRollsBackOnError(t *testing.T) {
	s := New()
	v := newVideo(t, s, "user-1")
	ctx := context.Background()

	err := s.WithinVideoLock(ctx, v.ID, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.InsertQuality(ctx, domain.VideoQuality{Resolution: "144p", ObjectKey: "k"})
		require.NoError(t, err)
		_, err = tx.TransitionStatus(ctx, domain.StatusFailed, storage.TransitionOptions{FailureReason: "x"})
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.Error(t, err)

	got, err := s.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)

	qualities, err := s.ListQualities(ctx, v.ID)
	require.NoError(t, err)
	assert.Empty(t, qualities)
}

func TestStore_WithinVideoLockCommits(t *testing.T) {
	s := New()
	v := newVideo(t, s, "user-1")
	ctx := context.Background()

	err := s.WithinVideoLock(ctx, v.ID, func(ctx context.Context, tx storage.Tx) error {
		inserted, err := tx.InsertQuality(ctx, domain.VideoQuality{Resolution: "144p", ObjectKey: "k1"})
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = tx.InsertQuality(ctx, domain.VideoQuality{Resolution: "144p", ObjectKey: "k2"})
		require.NoError(t, err)
		assert.False(t, inserted)

		d := 42
		applied, err := tx.TransitionStatus(ctx, domain.StatusReady, storage.TransitionOptions{DurationSeconds: &d})
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = tx.TransitionStatus(ctx, domain.StatusFailed, storage.TransitionOptions{})
		require.NoError(t, err)
		assert.False(t, applied)
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, got.Status)
	require.NotNil(t, got.DurationSeconds)
	assert.Equal(t, 42, *got.DurationSeconds)

	qualities, err := s.ListQualities(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, qualities, 1)
	assert.Equal(t, "k1", qualities[0].ObjectKey)
}

func TestStore_WithinVideoLockNotFound(t *testing.T) {
	err := New().WithinVideoLock(context.Background(), "missing", func(context.Context, storage.Tx) error {
		t.Fatal("callback must not run")
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrVideoNotFound)
}

func TestStore_ListVideosPaginates(t *testing.T) {
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, newVideo(t, s, "user-1").ID)
	}
	newVideo(t, s, "user-2")

	page, err := s.ListVideos(context.Background(), storage.VideoFilter{OwnerID: "user-1", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	last := page[1]
	page, err = s.ListVideos(context.Background(), storage.VideoFilter{
		OwnerID:  "user-1",
		PageSize: 10,
		Cursor:   &storage.VideoCursor{CreatedAt: last.CreatedAt, VideoID: last.ID},
	})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[2], page[0].ID)
}

func TestStore_ListStuckVideos(t *testing.T) {
	s := New()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return old })
	stuck := newVideo(t, s, "user-1")

	s.SetClock(func() time.Time { return old.Add(3 * time.Hour) })
	newVideo(t, s, "user-1")

	videos, err := s.ListStuckVideos(context.Background(), old.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, stuck.ID, videos[0].ID)
}

func TestStore_UpdateVideoDetails(t *testing.T) {
	s := New()
	v := newVideo(t, s, "user-1")

	desc := "new description"
	got, err := s.UpdateVideoDetails(context.Background(), v.ID, storage.VideoDetails{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "clip", got.Name)
	assert.Equal(t, desc, got.Description)

	_, err = s.UpdateVideoDetails(context.Background(), "missing", storage.VideoDetails{})
	assert.ErrorIs(t, err, domain.ErrVideoNotFound)
}

func TestStore_UnsyncedVideos(t *testing.T) {
	s := New()
	ctx := context.Background()
	processing := newVideo(t, s, "user-1")
	failed := newVideo(t, s, "user-1")

	require.NoError(t, s.WithinVideoLock(ctx, failed.ID, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.TransitionStatus(ctx, domain.StatusFailed, storage.TransitionOptions{FailureReason: "boom"})
		return err
	}))

	videos, err := s.ListUnsyncedVideos(ctx, 10)
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, failed.ID, videos[0].ID)

	require.NoError(t, s.MarkSynced(ctx, failed.ID))
	videos, err = s.ListUnsyncedVideos(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, videos)

	got, err := s.GetVideo(ctx, failed.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.SyncedAt)

	got, err = s.GetVideo(ctx, processing.ID)
	require.NoError(t, err)
	assert.Nil(t, got.SyncedAt)

	assert.ErrorIs(t, s.MarkSynced(ctx, "missing"), domain.ErrVideoNotFound)
}
