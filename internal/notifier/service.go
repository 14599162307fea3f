// Package notifier is the RPC boundary between the encoding side and the
// service that owns the authoritative video records.
package notifier

import (
	"context"
	"time"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "vidflow.video.v1.VideoService"

const (
	methodCreateVideo     = "/" + ServiceName + "/CreateVideo"
	methodMakeVideoReady  = "/" + ServiceName + "/MakeVideoReady"
	methodMarkVideoFailed = "/" + ServiceName + "/MarkVideoFailed"
)

type CreateVideoRequest struct {
	// VideoID is chosen by the caller so a retried call is idempotent
	VideoID           string   `json:"video_id"`
	SourceKey         string   `json:"source_key"`
	OwnerID           string   `json:"owner_id"`
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Visibility        string   `json:"visibility"`
	RequiredQualities []string `json:"required_qualities"`
}

type CreateVideoResponse struct {
	VideoID   string    `json:"video_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type QualityInfo struct {
	Quality         string `json:"quality"`
	ObjectKey       string `json:"object_key"`
	DurationSeconds int    `json:"duration_seconds"`
}

type MakeVideoReadyRequest struct {
	VideoID         string        `json:"video_id"`
	Qualities       []QualityInfo `json:"qualities"`
	DurationSeconds int           `json:"duration_seconds"`
}

type MarkVideoFailedRequest struct {
	VideoID string `json:"video_id"`
	Reason  string `json:"reason"`
}

type VideoStatusResponse struct {
	VideoID string `json:"video_id"`
	Status  string `json:"status"`
	// Applied is false when the video was already in the requested status
	Applied bool `json:"applied"`
}

// VideoServiceServer is implemented by the authoritative side
type VideoServiceServer interface {
	CreateVideo(ctx context.Context, req *CreateVideoRequest) (*CreateVideoResponse, error)
	MakeVideoReady(ctx context.Context, req *MakeVideoReadyRequest) (*VideoStatusResponse, error)
	MarkVideoFailed(ctx context.Context, req *MarkVideoFailedRequest) (*VideoStatusResponse, error)
}

// RegisterVideoServiceServer attaches srv to a gRPC server
func RegisterVideoServiceServer(s grpc.ServiceRegistrar, srv VideoServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VideoServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateVideo", Handler: createVideoHandler},
		{MethodName: "MakeVideoReady", Handler: makeVideoReadyHandler},
		{MethodName: "MarkVideoFailed", Handler: markVideoFailedHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vidflow/video/v1/video.proto",
}

func createVideoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CreateVideoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VideoServiceServer).CreateVideo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCreateVideo}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VideoServiceServer).CreateVideo(ctx, req.(*CreateVideoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func makeVideoReadyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(MakeVideoReadyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VideoServiceServer).MakeVideoReady(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodMakeVideoReady}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VideoServiceServer).MakeVideoReady(ctx, req.(*MakeVideoReadyRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func markVideoFailedHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(MarkVideoFailedRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VideoServiceServer).MarkVideoFailed(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodMarkVideoFailed}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VideoServiceServer).MarkVideoFailed(ctx, req.(*MarkVideoFailedRequest))
	}
	return interceptor(ctx, in, info, handler)
}
