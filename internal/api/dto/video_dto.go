package dto

import (
	"time"

	"github.com/cuongbtq/vidflow/internal/domain"
)

// UploadVideoRequest is the non-file part of the multipart upload
type UploadVideoRequest struct {
	Name        string `form:"name" binding:"max=255"`
	Description string `form:"description" binding:"max=5000"`
	Visibility  string `form:"visibility"`
}

type UpdateVideoRequest struct {
	Name        *string `json:"name" binding:"omitempty,min=1,max=255"`
	Description *string `json:"description" binding:"omitempty,max=5000"`
	Visibility  *string `json:"visibility"`
}

type ListVideosRequest struct {
	UserID   string `form:"user_id"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListVideosResponse struct {
	Videos     []VideoDTO `json:"videos"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type QualityDTO struct {
	Resolution      string `json:"resolution"`
	ObjectKey       string `json:"object_key"`
	DurationSeconds int    `json:"duration_seconds"`
	CreatedAt       string `json:"created_at"`
}

type VideoDTO struct {
	VideoID           string       `json:"video_id"`
	Name              string       `json:"name"`
	Description       string       `json:"description"`
	OwnerID           string       `json:"owner_id"`
	Visibility        string       `json:"visibility"`
	Status            string       `json:"status"`
	RequiredQualities []string     `json:"required_qualities"`
	DurationSeconds   *int         `json:"duration_seconds,omitempty"`
	FailureReason     string       `json:"failure_reason,omitempty"`
	Qualities         []QualityDTO `json:"qualities,omitempty"`
	CreatedAt         string       `json:"created_at"`
	UpdatedAt         string       `json:"updated_at"`
}

// NewVideoDTO converts a video and, optionally, its recorded qualities
func NewVideoDTO(v domain.Video, qualities []domain.VideoQuality) VideoDTO {
	out := VideoDTO{
		VideoID:         v.ID,
		Name:            v.Name,
		Description:     v.Description,
		OwnerID:         v.OwnerID,
		Visibility:      string(v.Visibility),
		Status:          string(v.Status),
		DurationSeconds: v.DurationSeconds,
		FailureReason:   v.FailureReason,
		CreatedAt:       v.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       v.UpdatedAt.Format(time.RFC3339),
	}
	for _, r := range v.RequiredQualities {
		out.RequiredQualities = append(out.RequiredQualities, string(r))
	}
	for _, q := range qualities {
		out.Qualities = append(out.Qualities, QualityDTO{
			Resolution:      string(q.Resolution),
			ObjectKey:       q.ObjectKey,
			DurationSeconds: q.DurationSeconds,
			CreatedAt:       q.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}
