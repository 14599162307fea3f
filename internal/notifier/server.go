package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuongbtq/vidflow/internal/domain"
	"github.com/cuongbtq/vidflow/internal/storage"
)

// Server applies notifications to the authoritative store. Every call is
// safe to repeat.
type Server struct {
	store             storage.Store
	logger            *slog.Logger
	defaultVisibility domain.Visibility
}

// NewServer creates a Server
func NewServer(store storage.Store, defaultVisibility domain.Visibility, logger *slog.Logger) *Server {
	return &Server{store: store, logger: logger, defaultVisibility: defaultVisibility}
}

var _ VideoServiceServer = (*Server)(nil)

func (s *Server) CreateVideo(ctx context.Context, req *CreateVideoRequest) (*CreateVideoResponse, error) {
	if req.OwnerID == "" || req.SourceKey == "" {
		return nil, toStatus(fmt.Errorf("%w: owner_id and source_key are required", domain.ErrInvalidUpload))
	}

	if req.VideoID != "" {
		existing, err := s.store.GetVideo(ctx, req.VideoID)
		if err == nil {
			if existing.SourceKey != req.SourceKey {
				return nil, status.Errorf(codes.AlreadyExists, "video %s exists with a different source", req.VideoID)
			}
			return createResponse(existing), nil
		}
		if !errors.Is(err, domain.ErrVideoNotFound) {
			return nil, toStatus(err)
		}
	}

	visibility := s.defaultVisibility
	if req.Visibility != "" {
		v, err := domain.ParseVisibility(req.Visibility)
		if err != nil {
			return nil, toStatus(err)
		}
		visibility = v
	}

	required, err := domain.ParseResolutions(req.RequiredQualities)
	if err != nil || len(required) == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid required_qualities %v", req.RequiredQualities)
	}

	v := &domain.Video{
		ID:                req.VideoID,
		Name:              req.Name,
		Description:       req.Description,
		OwnerID:           req.OwnerID,
		Visibility:        visibility,
		SourceKey:         req.SourceKey,
		RequiredQualities: required,
	}
	if err := s.store.CreateVideo(ctx, v); err != nil {
		return nil, toStatus(err)
	}

	s.logger.Info("Video created",
		slog.String("video_id", v.ID),
		slog.String("owner_id", v.OwnerID),
	)
	return createResponse(v), nil
}

func createResponse(v *domain.Video) *CreateVideoResponse {
	return &CreateVideoResponse{VideoID: v.ID, Status: string(v.Status), CreatedAt: v.CreatedAt}
}

func (s *Server) MakeVideoReady(ctx context.Context, req *MakeVideoReadyRequest) (*VideoStatusResponse, error) {
	if req.VideoID == "" {
		return nil, status.Error(codes.InvalidArgument, "video_id is required")
	}

	qualities := make([]domain.VideoQuality, 0, len(req.Qualities))
	for _, q := range req.Qualities {
		if q.Quality == "" || q.ObjectKey == "" {
			return nil, status.Error(codes.InvalidArgument, "quality and object_key are required")
		}
		qualities = append(qualities, domain.VideoQuality{
			Resolution:      domain.Resolution(q.Quality),
			ObjectKey:       q.ObjectKey,
			DurationSeconds: q.DurationSeconds,
		})
	}

	resp := &VideoStatusResponse{VideoID: req.VideoID}
	err := s.store.WithinVideoLock(ctx, req.VideoID, func(ctx context.Context, tx storage.Tx) error {
		video := tx.Video()
		if video.Status == domain.StatusFailed {
			return fmt.Errorf("%w: video is FAILED", domain.ErrInvalidTransition)
		}

		for _, q := range qualities {
			if _, err := tx.InsertQuality(ctx, q); err != nil {
				return err
			}
		}

		if video.Status == domain.StatusProcessing {
			recorded, err := tx.ListQualities(ctx)
			if err != nil {
				return err
			}
			if missing := domain.MissingQualities(video.RequiredQualities, recorded); len(missing) > 0 {
				return status.Errorf(codes.InvalidArgument, "missing required qualities %v", missing)
			}

			duration := req.DurationSeconds
			applied, err := tx.TransitionStatus(ctx, domain.StatusReady, storage.TransitionOptions{DurationSeconds: &duration})
			if err != nil {
				return err
			}
			resp.Applied = applied
		}

		resp.Status = string(tx.Video().Status)
		return nil
	})
	if err != nil {
		return nil, toStatus(err)
	}

	s.logger.Info("MakeVideoReady handled",
		slog.String("video_id", req.VideoID),
		slog.Bool("applied", resp.Applied),
		slog.Int("qualities", len(qualities)),
	)
	return resp, nil
}

func (s *Server) MarkVideoFailed(ctx context.Context, req *MarkVideoFailedRequest) (*VideoStatusResponse, error) {
	if req.VideoID == "" {
		return nil, status.Error(codes.InvalidArgument, "video_id is required")
	}

	resp := &VideoStatusResponse{VideoID: req.VideoID}
	err := s.store.WithinVideoLock(ctx, req.VideoID, func(ctx context.Context, tx storage.Tx) error {
		if tx.Video().Status == domain.StatusReady {
			return fmt.Errorf("%w: video is READY", domain.ErrInvalidTransition)
		}

		applied, err := tx.TransitionStatus(ctx, domain.StatusFailed, storage.TransitionOptions{FailureReason: req.Reason})
		if err != nil {
			return err
		}
		resp.Applied = applied
		resp.Status = string(tx.Video().Status)
		return nil
	})
	if err != nil {
		return nil, toStatus(err)
	}

	s.logger.Info("MarkVideoFailed handled",
		slog.String("video_id", req.VideoID),
		slog.Bool("applied", resp.Applied),
	)
	return resp, nil
}

// toStatus maps domain errors onto gRPC codes; the client maps them back
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, domain.ErrVideoNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrInvalidUpload),
		errors.Is(err, domain.ErrInvalidVisibility),
		errors.Is(err, domain.ErrInvalidPayload):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// LoggingInterceptor logs every unary call with its code and latency
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		level := slog.LevelInfo
		if err != nil {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "gRPC request",
			slog.String("method", info.FullMethod),
			slog.String("code", status.Code(err).String()),
			slog.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
