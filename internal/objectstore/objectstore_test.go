package objectstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/vidflow/internal/config"
)

func TestOriginalKey(t *testing.T) {
	a := OriginalKey(".MP4")
	b := OriginalKey(".MP4")

	assert.True(t, strings.HasPrefix(a, "originals/"))
	assert.True(t, strings.HasSuffix(a, ".mp4"))
	assert.NotEqual(t, a, b)
}

func TestOutputPrefix(t *testing.T) {
	assert.Equal(t, "videos/v-1/720p/job-9", OutputPrefix("v-1", "720p", "job-9"))
}

func TestContentTypeFor(t *testing.T) {
	tests := map[string]string{
		"index.m3u8":  "application/vnd.apple.mpegurl",
		"seg-001.ts":  "video/mp2t",
		"upload.MP4":  "video/mp4",
		"clip.webm":   "video/webm",
		"clip.mov":    "video/quicktime",
		"clip.mkv":    "video/x-matroska",
		"unknown.bin": "application/octet-stream",
		"noext":       "application/octet-stream",
	}
	for name, want := range tests {
		assert.Equal(t, want, ContentTypeFor(name), name)
	}
}

func TestMemory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "originals/a.mp4", strings.NewReader("payload"), 7, "video/mp4"))

	dst := filepath.Join(t.TempDir(), "a.mp4")
	require.NoError(t, m.FGet(ctx, "originals/a.mp4", dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	require.NoError(t, m.FPut(ctx, "videos/v/144p/j/index.m3u8", dst, ContentTypeFor(dst)))
	r, err := m.Get(ctx, "videos/v/144p/j/index.m3u8")
	require.NoError(t, err)
	body, _ := io.ReadAll(r)
	assert.Equal(t, "payload", string(body))

	assert.Equal(t, []string{"originals/a.mp4", "videos/v/144p/j/index.m3u8"}, m.Keys())
	assert.Equal(t, "video/mp4", m.ContentType("originals/a.mp4"))

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.ErrorIs(t, m.FGet(ctx, "missing", dst), ErrObjectNotFound)
}

func TestNew_UnsupportedBackend(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(context.Background(), config.ObjectStoreConfig{Backend: "ftp", Bucket: "b"}, logger)
	assert.ErrorContains(t, err, "unsupported object store backend")
}

func TestNewS3_RequiresCredentials(t *testing.T) {
	_, err := NewS3(config.S3Config{Region: "us-east-1"}, "videos")
	assert.Error(t, err)

	store, err := NewS3(config.S3Config{
		Region:          "us-east-1",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "secret",
		Endpoint:        "http://localhost:9000",
		UsePathStyle:    true,
	}, "videos")
	require.NoError(t, err)
	assert.Equal(t, "videos", store.bucket)
}
