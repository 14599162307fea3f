package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/cuongbtq/vidflow/internal/domain"
)

// ClientConfig controls per-call timeouts and transport retries
type ClientConfig struct {
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// Client calls the video service. It satisfies the reconciler's Notifier
// and the producer's remote registrar.
type Client struct {
	conn   *grpc.ClientConn
	cfg    ClientConfig
	logger *slog.Logger
}

// NewClient creates a client for target. opts are appended to the defaults.
func NewClient(target string, cfg ClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create video service client for %s: %w", target, err)
	}

	logger.Info("Video service client configured",
		slog.String("target", target),
		slog.Duration("timeout", cfg.Timeout),
		slog.Int("retry_attempts", cfg.RetryAttempts),
	)
	return &Client{conn: conn, cfg: cfg, logger: logger}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// CreateVideo registers v on the video service and returns its id. v.ID, if
// set, is sent along so retries do not create duplicates.
func (c *Client) CreateVideo(ctx context.Context, v domain.Video) (string, error) {
	req := &CreateVideoRequest{
		VideoID:     v.ID,
		SourceKey:   v.SourceKey,
		OwnerID:     v.OwnerID,
		Name:        v.Name,
		Description: v.Description,
		Visibility:  string(v.Visibility),
	}
	for _, r := range v.RequiredQualities {
		req.RequiredQualities = append(req.RequiredQualities, string(r))
	}

	resp := new(CreateVideoResponse)
	if err := c.invoke(ctx, methodCreateVideo, req, resp); err != nil {
		return "", fmt.Errorf("failed to create video via gRPC: %w", err)
	}
	return resp.VideoID, nil
}

func (c *Client) MakeVideoReady(ctx context.Context, videoID string, qualities []domain.VideoQuality, durationSeconds int) error {
	req := &MakeVideoReadyRequest{VideoID: videoID, DurationSeconds: durationSeconds}
	for _, q := range qualities {
		req.Qualities = append(req.Qualities, QualityInfo{
			Quality:         string(q.Resolution),
			ObjectKey:       q.ObjectKey,
			DurationSeconds: q.DurationSeconds,
		})
	}

	resp := new(VideoStatusResponse)
	if err := c.invoke(ctx, methodMakeVideoReady, req, resp); err != nil {
		return fmt.Errorf("failed to mark video %s ready: %w", videoID, err)
	}

	c.logger.Info("Video service marked video ready",
		slog.String("video_id", videoID),
		slog.Bool("applied", resp.Applied),
	)
	return nil
}

func (c *Client) MarkVideoFailed(ctx context.Context, videoID, reason string) error {
	resp := new(VideoStatusResponse)
	if err := c.invoke(ctx, methodMarkVideoFailed, &MarkVideoFailedRequest{VideoID: videoID, Reason: reason}, resp); err != nil {
		return fmt.Errorf("failed to mark video %s failed: %w", videoID, err)
	}

	c.logger.Info("Video service marked video failed",
		slog.String("video_id", videoID),
		slog.Bool("applied", resp.Applied),
	)
	return nil
}

// invoke retries transport-level failures with exponential backoff
func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	var err error
	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(c.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1)))
			c.logger.Warn("Retrying video service call",
				slog.String("method", method),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		err = c.conn.Invoke(callCtx, method, req, resp)
		cancel()

		if err == nil {
			return nil
		}
		if !retryableCode(status.Code(err)) || ctx.Err() != nil {
			break
		}
	}
	return fromStatus(err)
}

func retryableCode(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

// fromStatus maps gRPC codes back onto domain errors
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", domain.ErrVideoNotFound, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", domain.ErrInvalidTransition, st.Message())
	default:
		return err
	}
}
