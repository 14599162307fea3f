package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/vidflow/internal/domain"
	"github.com/cuongbtq/vidflow/internal/producer"
	"github.com/cuongbtq/vidflow/internal/storage"
)

// Submitter accepts new uploads
type Submitter interface {
	Submit(ctx context.Context, u producer.Upload) (*domain.Video, error)
}

// VideoStore is the read and edit side of the video store
type VideoStore interface {
	GetVideo(ctx context.Context, videoID string) (*domain.Video, error)
	ListVideos(ctx context.Context, filter storage.VideoFilter) ([]domain.Video, error)
	UpdateVideoDetails(ctx context.Context, videoID string, details storage.VideoDetails) (*domain.Video, error)
	ListQualities(ctx context.Context, videoID string) ([]domain.VideoQuality, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger              *slog.Logger
	Store               VideoStore
	Producer            Submitter
	MaxUploadBytes      int64
	AllowedContentTypes []string
	// Ready reports whether backing services are reachable; optional
	Ready func(ctx context.Context) error
}

// VideoHandler handles video-related HTTP requests
type VideoHandler struct {
	logger         *slog.Logger
	store          VideoStore
	producer       Submitter
	maxUploadBytes int64
	allowedTypes   map[string]struct{}
}

// NewVideoHandler creates a new VideoHandler instance
func NewVideoHandler(deps *Dependencies) *VideoHandler {
	allowed := make(map[string]struct{}, len(deps.AllowedContentTypes))
	for _, ct := range deps.AllowedContentTypes {
		allowed[ct] = struct{}{}
	}

	return &VideoHandler{
		logger:         deps.Logger,
		store:          deps.Store,
		producer:       deps.Producer,
		maxUploadBytes: deps.MaxUploadBytes,
		allowedTypes:   allowed,
	}
}
