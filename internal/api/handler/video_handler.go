package handler

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/vidflow/internal/api/dto"
	"github.com/cuongbtq/vidflow/internal/domain"
	"github.com/cuongbtq/vidflow/internal/producer"
	"github.com/cuongbtq/vidflow/internal/storage"
)

// OwnerHeader carries the uploader's identity, set by the gateway in front of this service
const OwnerHeader = "X-User-ID"

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// UploadVideo handles POST /api/v1/videos
func (h *VideoHandler) UploadVideo(c *gin.Context) {
	h.logger.Info("UploadVideo called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	ownerID := strings.TrimSpace(c.GetHeader(OwnerHeader))
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": OwnerHeader + " header is required"})
		return
	}

	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds size limit"})
			return
		}
		h.logger.Warn("Missing or unreadable upload", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	var req dto.UploadVideoRequest
	if err := c.ShouldBind(&req); err != nil {
		h.logger.Warn("Invalid upload form", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contentType := mediaType(fileHeader.Header.Get("Content-Type"))
	if !h.contentTypeAllowed(contentType) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type: " + contentType})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("Failed to open upload", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read upload"})
		return
	}
	defer file.Close()

	video, err := h.producer.Submit(c.Request.Context(), producer.Upload{
		Body:        file,
		Size:        fileHeader.Size,
		Filename:    fileHeader.Filename,
		ContentType: contentType,
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     ownerID,
		Visibility:  domain.Visibility(req.Visibility),
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrEmptyUpload),
		errors.Is(err, domain.ErrInvalidUpload),
		errors.Is(err, domain.ErrInvalidVisibility):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, domain.ErrEnqueueFailed) && video != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":    "video registered but transcoding could not be scheduled",
			"video_id": video.ID,
		})
		return
	default:
		h.logger.Error("Failed to submit upload", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit upload"})
		return
	}

	h.logger.Info("Video accepted",
		slog.String("video_id", video.ID),
		slog.String("owner_id", ownerID),
		slog.Int64("size", fileHeader.Size),
	)

	c.JSON(http.StatusAccepted, dto.NewVideoDTO(*video, nil))
}

// GetVideo handles GET /api/v1/videos/:video_id
func (h *VideoHandler) GetVideo(c *gin.Context) {
	h.logger.Info("GetVideo called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	videoID, ok := h.videoIDParam(c)
	if !ok {
		return
	}

	video, err := h.store.GetVideo(c.Request.Context(), videoID)
	if err != nil {
		h.writeStoreError(c, "GetVideo", videoID, err)
		return
	}

	qualities, err := h.store.ListQualities(c.Request.Context(), videoID)
	if err != nil {
		h.writeStoreError(c, "ListQualities", videoID, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewVideoDTO(*video, qualities))
}

// ListVideos handles GET /api/v1/videos
func (h *VideoHandler) ListVideos(c *gin.Context) {
	h.logger.Info("ListVideos called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	var req dto.ListVideosRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	var status domain.VideoStatus
	if req.Status != "" {
		status = domain.VideoStatus(strings.ToUpper(req.Status))
		if status != domain.StatusProcessing && !status.IsTerminal() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: " + req.Status})
			return
		}
	}

	cursor, err := DecodeVideoCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}

	videos, err := h.store.ListVideos(c.Request.Context(), storage.VideoFilter{
		OwnerID:  req.UserID,
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list videos", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list videos"})
		return
	}

	resp := dto.ListVideosResponse{Videos: make([]dto.VideoDTO, 0, len(videos))}
	if len(videos) > req.PageSize {
		last := videos[req.PageSize-1]
		resp.NextCursor = EncodeVideoCursor(&storage.VideoCursor{CreatedAt: last.CreatedAt, VideoID: last.ID})
		videos = videos[:req.PageSize]
	}
	for _, v := range videos {
		resp.Videos = append(resp.Videos, dto.NewVideoDTO(v, nil))
	}

	c.JSON(http.StatusOK, resp)
}

// UpdateVideo handles PATCH /api/v1/videos/:video_id
func (h *VideoHandler) UpdateVideo(c *gin.Context) {
	h.logger.Info("UpdateVideo called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	videoID, ok := h.videoIDParam(c)
	if !ok {
		return
	}

	var req dto.UpdateVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	details := storage.VideoDetails{Name: req.Name, Description: req.Description}
	if req.Visibility != nil {
		vis, err := domain.ParseVisibility(*req.Visibility)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		details.Visibility = &vis
	}

	video, err := h.store.UpdateVideoDetails(c.Request.Context(), videoID, details)
	if err != nil {
		h.writeStoreError(c, "UpdateVideoDetails", videoID, err)
		return
	}

	h.logger.Info("Video updated", slog.String("video_id", videoID))
	c.JSON(http.StatusOK, dto.NewVideoDTO(*video, nil))
}

func (h *VideoHandler) videoIDParam(c *gin.Context) (string, bool) {
	videoID := c.Param("video_id")
	if _, err := uuid.Parse(videoID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid video ID format"})
		return "", false
	}
	return videoID, true
}

func (h *VideoHandler) writeStoreError(c *gin.Context, op, videoID string, err error) {
	if errors.Is(err, domain.ErrVideoNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found"})
		return
	}
	h.logger.Error("Store call failed",
		slog.String("op", op),
		slog.String("video_id", videoID),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

func (h *VideoHandler) contentTypeAllowed(contentType string) bool {
	if len(h.allowedTypes) == 0 {
		return true
	}
	_, ok := h.allowedTypes[contentType]
	return ok
}

func mediaType(header string) string {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return mt
}
