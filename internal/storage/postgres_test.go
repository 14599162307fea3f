package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/vidflow/internal/domain"
)

var videoCols = []string{
	"id", "name", "description", "owner_id", "visibility", "status", "source_key",
	"required_qualities", "duration_seconds", "failure_reason", "created_at", "updated_at",
}

var created = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPostgresStore(sqlx.NewDb(db, "sqlmock"), logger), mock
}

func processingRow(id string) *sqlmock.Rows {
	return sqlmock.NewRows(videoCols).AddRow(
		id, "clip", "desc", "user-1", "PRIVATE", "PROCESSING", "originals/a.mp4",
		"{144p,360p,720p}", nil, nil, created, created,
	)
}

func TestPostgresStore_CreateVideo(t *testing.T) {
	store, mock := newMockStore(t)

	v := &domain.Video{
		Name:              "clip",
		OwnerID:           "user-1",
		Visibility:        domain.VisibilityPublic,
		SourceKey:         "originals/a.mp4",
		RequiredQualities: []domain.Resolution{"144p", "360p"},
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO videos")).
		WithArgs(sqlmock.AnyArg(), "clip", "", "user-1", "PUBLIC", "PROCESSING", "originals/a.mp4", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(created, created))

	require.NoError(t, store.CreateVideo(context.Background(), v))
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, domain.StatusProcessing, v.Status)
	assert.Equal(t, created, v.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetVideo(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM videos WHERE id = $1")).
		WithArgs("v-1").
		WillReturnRows(sqlmock.NewRows(videoCols).AddRow(
			"v-1", "clip", "", "user-1", "PUBLIC", "READY", "originals/a.mp4",
			"{144p,360p}", 61, nil, created, created,
		))

	v, err := store.GetVideo(context.Background(), "v-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, v.Status)
	assert.Equal(t, []domain.Resolution{"144p", "360p"}, v.RequiredQualities)
	require.NotNil(t, v.DurationSeconds)
	assert.Equal(t, 61, *v.DurationSeconds)

	mock.ExpectQuery(regexp.QuoteMeta("FROM videos WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(videoCols))

	_, err = store.GetVideo(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrVideoNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListVideos(t *testing.T) {
	store, mock := newMockStore(t)

	cursor := &VideoCursor{CreatedAt: created, VideoID: "v-9"}
	mock.ExpectQuery(regexp.QuoteMeta(
		"AND owner_id = $1 AND status = $2 AND (created_at, id) < ($3, $4) ORDER BY created_at DESC, id DESC LIMIT $5",
	)).
		WithArgs("user-1", "READY", created, "v-9", 11).
		WillReturnRows(processingRow("v-8"))

	videos, err := store.ListVideos(context.Background(), VideoFilter{
		OwnerID:  "user-1",
		Status:   domain.StatusReady,
		PageSize: 10,
		Cursor:   cursor,
	})
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, "v-8", videos[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateVideoDetails(t *testing.T) {
	store, mock := newMockStore(t)

	name := "renamed"
	vis := domain.VisibilityUnlisted
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE videos")).
		WithArgs("renamed", nil, "UNLISTED", "v-1").
		WillReturnRows(processingRow("v-1"))

	_, err := store.UpdateVideoDetails(context.Background(), "v-1", VideoDetails{Name: &name, Visibility: &vis})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE videos")).
		WithArgs(nil, nil, nil, "missing").
		WillReturnRows(sqlmock.NewRows(videoCols))

	_, err = store.UpdateVideoDetails(context.Background(), "missing", VideoDetails{})
	assert.ErrorIs(t, err, domain.ErrVideoNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithinVideoLock_CompletesVideo(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM videos WHERE id = $1 FOR UPDATE")).
		WithArgs("v-1").
		WillReturnRows(processingRow("v-1"))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (video_id, resolution) DO NOTHING")).
		WithArgs(sqlmock.AnyArg(), "v-1", "720p", "videos/v-1/720p/j/index.m3u8", 60).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE videos")).
		WithArgs("READY", int64(60), nil, "v-1", "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithinVideoLock(context.Background(), "v-1", func(ctx context.Context, tx Tx) error {
		assert.Equal(t, domain.StatusProcessing, tx.Video().Status)

		inserted, err := tx.InsertQuality(ctx, domain.VideoQuality{
			Resolution:      "720p",
			ObjectKey:       "videos/v-1/720p/j/index.m3u8",
			DurationSeconds: 60,
		})
		require.NoError(t, err)
		assert.True(t, inserted)

		duration := 60
		applied, err := tx.TransitionStatus(ctx, domain.StatusReady, TransitionOptions{DurationSeconds: &duration})
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, domain.StatusReady, tx.Video().Status)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithinVideoLock_DuplicateAndLostRace(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("v-1").
		WillReturnRows(processingRow("v-1"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO video_qualities")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE videos")).
		WithArgs("FAILED", nil, "encoder crashed", "v-1", "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := store.WithinVideoLock(context.Background(), "v-1", func(ctx context.Context, tx Tx) error {
		inserted, err := tx.InsertQuality(ctx, domain.VideoQuality{Resolution: "144p", ObjectKey: "k"})
		require.NoError(t, err)
		assert.False(t, inserted)

		applied, err := tx.TransitionStatus(ctx, domain.StatusFailed, TransitionOptions{FailureReason: "encoder crashed"})
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, domain.StatusProcessing, tx.Video().Status)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithinVideoLock_RollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("v-1").
		WillReturnRows(processingRow("v-1"))
	mock.ExpectRollback()

	err := store.WithinVideoLock(context.Background(), "v-1", func(ctx context.Context, tx Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithinVideoLock_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(videoCols))
	mock.ExpectRollback()

	called := false
	err := store.WithinVideoLock(context.Background(), "missing", func(ctx context.Context, tx Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrVideoNotFound)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgTx_TransitionRejectsNonTerminal(t *testing.T) {
	tx := &pgTx{video: domain.Video{ID: "v-1", Status: domain.StatusProcessing}}
	_, err := tx.TransitionStatus(context.Background(), domain.StatusProcessing, TransitionOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestPostgresStore_ListStuckVideos(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := created.Add(2 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 AND created_at < $2")).
		WithArgs("PROCESSING", cutoff, 50).
		WillReturnRows(processingRow("v-1"))

	videos, err := store.ListStuckVideos(context.Background(), cutoff, 50)
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, "v-1", videos[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListQualities(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM video_qualities WHERE video_id = $1")).
		WithArgs("v-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "video_id", "resolution", "object_key", "duration_seconds", "created_at"}).
			AddRow("q-1", "v-1", "144p", "videos/v-1/144p/j/index.m3u8", 59, created))

	qualities, err := store.ListQualities(context.Background(), "v-1")
	require.NoError(t, err)
	require.Len(t, qualities, 1)
	assert.Equal(t, domain.Resolution("144p"), qualities[0].Resolution)
	assert.Equal(t, 59, qualities[0].DurationSeconds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListUnsyncedVideos(t *testing.T) {
	store, mock := newMockStore(t)

	cols := append(append([]string(nil), videoCols...), "synced_at")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status IN ($1, $2) AND synced_at IS NULL")).
		WithArgs("READY", "FAILED", 20).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"v-1", "clip", "desc", "user-1", "PRIVATE", "FAILED", "originals/a.mp4",
			"{144p}", nil, "stuck", created, created, nil,
		))

	videos, err := store.ListUnsyncedVideos(context.Background(), 20)
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, domain.StatusFailed, videos[0].Status)
	assert.Nil(t, videos[0].SyncedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkSynced(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE videos SET synced_at = NOW() WHERE id = $1")).
		WithArgs("v-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE videos SET synced_at")).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.MarkSynced(context.Background(), "v-1"))
	assert.ErrorIs(t, store.MarkSynced(context.Background(), "missing"), domain.ErrVideoNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
