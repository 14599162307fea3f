package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/vidflow/internal/storage"
)

func DecodeVideoCursor(cursorStr string) (*storage.VideoCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.SplitN(string(decoded), "|", 2)
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &storage.VideoCursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		VideoID:   decodedParts[1],
	}, nil
}

func EncodeVideoCursor(cursor *storage.VideoCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.VideoID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
