package producer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuongbtq/vidflow/internal/domain"
)

// ReasonRegistrationAborted is the failure reason given to a remote record
// whose local tracking row could not be written
const ReasonRegistrationAborted = "registration aborted"

// Registrar creates the video row a producer's jobs will refer to
type Registrar interface {
	Register(ctx context.Context, v *domain.Video) error
}

// VideoCreator is the storage call a registrar needs
type VideoCreator interface {
	CreateVideo(ctx context.Context, v *domain.Video) error
}

// RemoteCreator creates the authoritative record in another service and
// fails it again when registration is abandoned
type RemoteCreator interface {
	CreateVideo(ctx context.Context, v domain.Video) (string, error)
	MarkVideoFailed(ctx context.Context, videoID, reason string) error
}

// LocalRegistrar writes straight to the authoritative store
type LocalRegistrar struct {
	store VideoCreator
}

func NewLocalRegistrar(store VideoCreator) *LocalRegistrar {
	return &LocalRegistrar{store: store}
}

func (r *LocalRegistrar) Register(ctx context.Context, v *domain.Video) error {
	return r.store.CreateVideo(ctx, v)
}

// RemoteRegistrar creates the record on the video service first and then a
// tracking row under the same id for the local reconciler. If the tracking
// row cannot be written the remote record is failed. A crash between the two
// writes is left to the video service's stuck sweep.
type RemoteRegistrar struct {
	remote RemoteCreator
	local  VideoCreator
}

func NewRemoteRegistrar(remote RemoteCreator, local VideoCreator) *RemoteRegistrar {
	return &RemoteRegistrar{remote: remote, local: local}
}

func (r *RemoteRegistrar) Register(ctx context.Context, v *domain.Video) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}

	id, err := r.remote.CreateVideo(ctx, *v)
	if err != nil {
		return err
	}
	v.ID = id

	if err := r.local.CreateVideo(ctx, v); err != nil {
		err = fmt.Errorf("failed to create tracking row for %s: %w", id, err)
		if abortErr := r.remote.MarkVideoFailed(ctx, id, ReasonRegistrationAborted); abortErr != nil {
			return errors.Join(err, fmt.Errorf("failed to abort remote video %s: %w", id, abortErr))
		}
		return err
	}
	return nil
}
