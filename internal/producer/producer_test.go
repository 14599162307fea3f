package producer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/vidflow/internal/domain"
	"github.com/cuongbtq/vidflow/internal/objectstore"
	"github.com/cuongbtq/vidflow/internal/reconciler"
	"github.com/cuongbtq/vidflow/internal/storage"
	"github.com/cuongbtq/vidflow/internal/storage/memory"
)

type fakePublisher struct {
	bodies [][]byte
	failAt int
}

func (f *fakePublisher) PublishWithRetry(_ context.Context, body []byte, contentType string) error {
	if f.failAt > 0 && len(f.bodies)+1 == f.failAt {
		return errors.New("channel closed")
	}
	f.bodies = append(f.bodies, body)
	return nil
}

// fakeRemote stands in for the video service; store, when set, plays the
// authoritative database
type fakeRemote struct {
	store    *memory.Store
	calls    []domain.Video
	aborted  map[string]string
	err      error
	abortErr error
}

func (f *fakeRemote) CreateVideo(ctx context.Context, v domain.Video) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, v)
	if f.store != nil {
		if err := f.store.CreateVideo(ctx, &v); err != nil {
			return "", err
		}
	}
	return v.ID, nil
}

func (f *fakeRemote) MarkVideoFailed(ctx context.Context, videoID, reason string) error {
	if f.abortErr != nil {
		return f.abortErr
	}
	if f.aborted == nil {
		f.aborted = make(map[string]string)
	}
	f.aborted[videoID] = reason
	if f.store == nil {
		return nil
	}
	return f.store.WithinVideoLock(ctx, videoID, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.TransitionStatus(ctx, domain.StatusFailed, storage.TransitionOptions{FailureReason: reason})
		return err
	})
}

type failingCreator struct {
	err error
}

func (f failingCreator) CreateVideo(context.Context, *domain.Video) error {
	return f.err
}

var (
	required = []domain.Resolution{"144p", "360p", "720p"}
	now      = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
)

func newProducer(objects ObjectWriter, reg Registrar, pub JobPublisher) *Producer {
	return New(&Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Objects:   objects,
		Registrar: reg,
		Publisher: pub,
		Required:  required,
		Now:       func() time.Time { return now },
	})
}

func upload(body string) Upload {
	return Upload{
		Body:        strings.NewReader(body),
		Size:        int64(len(body)),
		Filename:    "holiday.mp4",
		Description: "beach",
		OwnerID:     "user-1",
	}
}

func TestSubmit_CreatesVideoThenEnqueuesJobs(t *testing.T) {
	objects := objectstore.NewMemory()
	store := memory.New()
	pub := &fakePublisher{}

	v, err := newProducer(objects, NewLocalRegistrar(store), pub).Submit(context.Background(), upload("data"))
	require.NoError(t, err)

	assert.Equal(t, "holiday", v.Name)
	assert.Equal(t, domain.VisibilityPrivate, v.Visibility)
	assert.Equal(t, domain.StatusProcessing, v.Status)
	assert.True(t, strings.HasPrefix(v.SourceKey, "originals/"))
	assert.Equal(t, []string{v.SourceKey}, objects.Keys())
	assert.Equal(t, "video/mp4", objects.ContentType(v.SourceKey))

	stored, err := store.GetVideo(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, required, stored.RequiredQualities)

	require.Len(t, pub.bodies, 3)
	for i, body := range pub.bodies {
		job, err := domain.DecodeJob(body)
		require.NoError(t, err)
		assert.Equal(t, v.ID, job.VideoID)
		assert.Equal(t, v.SourceKey, job.SourceKey)
		assert.Equal(t, required[i], job.Resolution)
		assert.Equal(t, 1, job.Attempt)
		assert.Equal(t, now, job.EnqueuedAt)
	}
}

func TestSubmit_EnqueueFailureLeavesVideoProcessing(t *testing.T) {
	store := memory.New()
	pub := &fakePublisher{failAt: 2}

	v, err := newProducer(objectstore.NewMemory(), NewLocalRegistrar(store), pub).Submit(context.Background(), upload("data"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEnqueueFailed)
	require.NotNil(t, v)

	stored, err := store.GetVideo(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, stored.Status)
	assert.Len(t, pub.bodies, 1)
}

func TestSubmit_Validation(t *testing.T) {
	p := newProducer(objectstore.NewMemory(), NewLocalRegistrar(memory.New()), &fakePublisher{})
	ctx := context.Background()

	_, err := p.Submit(ctx, upload(""))
	assert.ErrorIs(t, err, domain.ErrEmptyUpload)

	u := upload("data")
	u.OwnerID = ""
	_, err = p.Submit(ctx, u)
	assert.ErrorIs(t, err, domain.ErrInvalidUpload)

	u = upload("data")
	u.Visibility = "SECRET"
	_, err = p.Submit(ctx, u)
	assert.ErrorIs(t, err, domain.ErrInvalidVisibility)
}

func TestSubmit_RemoteRegistrar(t *testing.T) {
	remote := &fakeRemote{}
	local := memory.New()
	pub := &fakePublisher{}

	u := upload("data")
	u.Name = "  Trip  "
	u.Visibility = domain.VisibilityPublic
	v, err := newProducer(objectstore.NewMemory(), NewRemoteRegistrar(remote, local), pub).Submit(context.Background(), u)
	require.NoError(t, err)

	require.Len(t, remote.calls, 1)
	assert.Equal(t, v.ID, remote.calls[0].ID)
	assert.Equal(t, "Trip", remote.calls[0].Name)
	assert.Equal(t, domain.VisibilityPublic, remote.calls[0].Visibility)

	tracked, err := local.GetVideo(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.SourceKey, tracked.SourceKey)
	assert.Len(t, pub.bodies, 3)
}

func TestSubmit_RemoteFailureEnqueuesNothing(t *testing.T) {
	remote := &fakeRemote{err: errors.New("unavailable")}
	pub := &fakePublisher{}

	_, err := newProducer(objectstore.NewMemory(), NewRemoteRegistrar(remote, memory.New()), pub).Submit(context.Background(), upload("data"))
	assert.ErrorContains(t, err, "unavailable")
	assert.Empty(t, pub.bodies)
}

func TestSubmit_LocalFailureAbortsRemoteVideo(t *testing.T) {
	remote := &fakeRemote{store: memory.New()}
	pub := &fakePublisher{}
	reg := NewRemoteRegistrar(remote, failingCreator{err: errors.New("disk full")})

	_, err := newProducer(objectstore.NewMemory(), reg, pub).Submit(context.Background(), upload("data"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, pub.bodies)

	require.Len(t, remote.calls, 1)
	id := remote.calls[0].ID
	assert.Equal(t, ReasonRegistrationAborted, remote.aborted[id])

	v, err := remote.store.GetVideo(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, v.Status)
}

func TestSubmit_OrphanedRemoteVideoIsSwept(t *testing.T) {
	authoritative := memory.New()
	clock := now
	authoritative.SetClock(func() time.Time { return clock })

	remote := &fakeRemote{store: authoritative, abortErr: errors.New("unavailable")}
	reg := NewRemoteRegistrar(remote, failingCreator{err: errors.New("disk full")})

	_, err := newProducer(objectstore.NewMemory(), reg, &fakePublisher{}).Submit(context.Background(), upload("data"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	assert.ErrorContains(t, err, "failed to abort remote video")

	id := remote.calls[0].ID
	v, err := authoritative.GetVideo(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, v.Status)

	rec := reconciler.New(&reconciler.Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:      authoritative,
		StuckAfter: time.Hour,
		Now:        func() time.Time { return clock },
	})
	clock = now.Add(2 * time.Hour)

	n, err := rec.SweepStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err = authoritative.GetVideo(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, v.Status)
	assert.Contains(t, v.FailureReason, reconciler.ReasonStuck)
}
