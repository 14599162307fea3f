// Package producer turns an upload into a video row and its transcode jobs.
package producer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/vidflow/internal/domain"
	"github.com/cuongbtq/vidflow/internal/objectstore"
)

const jobContentType = "application/json"

// ObjectWriter stores the original upload
type ObjectWriter interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// JobPublisher enqueues transcode jobs
type JobPublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Upload is a validated file plus its metadata
type Upload struct {
	Body        io.Reader
	Size        int64
	Filename    string
	ContentType string
	Name        string
	Description string
	OwnerID     string
	// Visibility is optional; the configured default applies when empty
	Visibility domain.Visibility
}

// Config holds producer dependencies
type Config struct {
	Logger            *slog.Logger
	Objects           ObjectWriter
	Registrar         Registrar
	Publisher         JobPublisher
	Required          []domain.Resolution
	DefaultVisibility domain.Visibility
	Now               func() time.Time
}

// Producer handles new uploads
type Producer struct {
	logger            *slog.Logger
	objects           ObjectWriter
	registrar         Registrar
	publisher         JobPublisher
	required          []domain.Resolution
	defaultVisibility domain.Visibility
	now               func() time.Time
}

// New creates a Producer
func New(cfg *Config) *Producer {
	p := &Producer{
		logger:            cfg.Logger,
		objects:           cfg.Objects,
		registrar:         cfg.Registrar,
		publisher:         cfg.Publisher,
		required:          append([]domain.Resolution(nil), cfg.Required...),
		defaultVisibility: cfg.DefaultVisibility,
		now:               cfg.Now,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.defaultVisibility == "" {
		p.defaultVisibility = domain.VisibilityPrivate
	}
	return p
}

// Submit stores the original, creates the video row, then enqueues one job
// per required resolution. The row always exists before any job does. If
// enqueueing fails the created video is returned with an error wrapping
// domain.ErrEnqueueFailed; the stuck sweep fails it later.
func (p *Producer) Submit(ctx context.Context, u Upload) (*domain.Video, error) {
	if u.Body == nil || u.Size == 0 {
		return nil, domain.ErrEmptyUpload
	}
	if u.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrInvalidUpload)
	}

	if u.Visibility == "" {
		u.Visibility = p.defaultVisibility
	}
	visibility, err := domain.ParseVisibility(string(u.Visibility))
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(u.Name)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(u.Filename), filepath.Ext(u.Filename))
	}

	contentType := u.ContentType
	if contentType == "" {
		contentType = objectstore.ContentTypeFor(u.Filename)
	}

	sourceKey := objectstore.OriginalKey(filepath.Ext(u.Filename))
	if err := p.objects.Put(ctx, sourceKey, u.Body, u.Size, contentType); err != nil {
		return nil, fmt.Errorf("failed to store original: %w", err)
	}

	video := &domain.Video{
		Name:              name,
		Description:       u.Description,
		OwnerID:           u.OwnerID,
		Visibility:        visibility,
		SourceKey:         sourceKey,
		RequiredQualities: append([]domain.Resolution(nil), p.required...),
	}
	if err := p.registrar.Register(ctx, video); err != nil {
		return nil, fmt.Errorf("failed to register video: %w", err)
	}

	logger := p.logger.With(slog.String("video_id", video.ID))
	logger.Info("Video registered",
		slog.String("source_key", sourceKey),
		slog.Int64("size", u.Size),
		slog.Any("qualities", video.RequiredQualities),
	)

	if err := p.enqueue(ctx, video); err != nil {
		logger.Error("Failed to enqueue transcode jobs, video left for the stuck sweep",
			slog.String("error", err.Error()),
		)
		return video, err
	}

	logger.Info("Transcode jobs enqueued", slog.Int("jobs", len(video.RequiredQualities)))
	return video, nil
}

func (p *Producer) enqueue(ctx context.Context, v *domain.Video) error {
	now := p.now()
	for _, res := range v.RequiredQualities {
		body, err := domain.NewTranscodeJob(v.ID, v.SourceKey, res, now).Encode()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrEnqueueFailed, res, err)
		}
		if err := p.publisher.PublishWithRetry(ctx, body, jobContentType); err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrEnqueueFailed, res, err)
		}
	}
	return nil
}
