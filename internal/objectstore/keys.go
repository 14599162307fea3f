package objectstore

import (
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/cuongbtq/vidflow/internal/domain"
)

const (
	originalsPrefix = "originals"
	videosPrefix    = "videos"
)

// OriginalKey returns a fresh key for an uploaded source file. ext keeps its
// leading dot, e.g. ".mp4".
func OriginalKey(ext string) string {
	return originalsPrefix + "/" + uuid.NewString() + strings.ToLower(ext)
}

// OutputPrefix is the directory all artifacts of one encode run share.
// jobID is unique per run so a redelivered job never overwrites a
// previously recorded manifest.
func OutputPrefix(videoID string, res domain.Resolution, jobID string) string {
	return path.Join(videosPrefix, videoID, string(res), jobID)
}

// ContentTypeFor maps artifact and upload extensions to MIME types
func ContentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	default:
		return "application/octet-stream"
	}
}
