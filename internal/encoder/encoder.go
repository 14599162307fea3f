// Package encoder runs ffmpeg to render one resolution of a video as HLS.
package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cuongbtq/vidflow/internal/config"
	"github.com/cuongbtq/vidflow/internal/domain"
)

const (
	// ManifestName is the playlist ffmpeg writes into the output directory
	ManifestName = "index.m3u8"

	segmentPattern = "seg-%03d.ts"
	stderrTailSize = 4096
)

// Request describes one encode run
type Request struct {
	InputPath string
	OutputDir string
	Profile   domain.Profile
}

// Result lists what ffmpeg produced
type Result struct {
	ManifestPath string
	// Artifacts holds every file in the output dir, manifest included, sorted
	Artifacts []string
	Elapsed   time.Duration
}

// ExitError is returned when the encoder process exits non-zero or is killed
type ExitError struct {
	Code   int
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("encoder exited with code %d: %v: %s", e.Code, e.Err, e.Stderr)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// FFmpeg invokes the ffmpeg and ffprobe binaries
type FFmpeg struct {
	cfg    config.EncoderConfig
	logger *slog.Logger
}

// New creates an FFmpeg runner, filling in codec defaults
func New(cfg config.EncoderConfig, logger *slog.Logger) *FFmpeg {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.VideoCodec == "" {
		cfg.VideoCodec = "libx264"
	}
	if cfg.AudioCodec == "" {
		cfg.AudioCodec = "aac"
	}
	if cfg.AudioBitrate == "" {
		cfg.AudioBitrate = "128k"
	}
	if cfg.Preset == "" {
		cfg.Preset = "veryfast"
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 6
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	return &FFmpeg{cfg: cfg, logger: logger}
}

// Args builds the ffmpeg command line for req
func (f *FFmpeg) Args(req Request) []string {
	p := req.Profile
	return []string{
		"-hide_banner",
		"-y",
		"-i", req.InputPath,
		"-c:v", f.cfg.VideoCodec,
		"-preset", f.cfg.Preset,
		"-b:v", p.Bitrate,
		"-vf", fmt.Sprintf("scale=%d:%d", p.Width, p.Height),
		"-c:a", f.cfg.AudioCodec,
		"-b:a", f.cfg.AudioBitrate,
		"-f", "hls",
		"-hls_time", strconv.Itoa(f.cfg.SegmentSeconds),
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(req.OutputDir, segmentPattern),
		filepath.Join(req.OutputDir, ManifestName),
	}
}

// Encode blocks until ffmpeg exits. Cancelling ctx kills the process.
func (f *FFmpeg) Encode(ctx context.Context, req Request) (Result, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create output dir: %w", err)
	}

	start := time.Now()
	stderr := newTailBuffer(stderrTailSize)
	cmd := exec.CommandContext(ctx, f.cfg.FFmpegPath, f.Args(req)...)
	cmd.Stderr = stderr

	f.logger.Debug("Starting encoder",
		slog.String("resolution", string(req.Profile.Resolution)),
		slog.String("input", req.InputPath),
		slog.String("output_dir", req.OutputDir),
	)

	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return Result{}, &ExitError{Code: code, Stderr: stderr.String(), Err: err}
	}

	artifacts, err := collectArtifacts(req.OutputDir)
	if err != nil {
		return Result{}, err
	}

	manifest := filepath.Join(req.OutputDir, ManifestName)
	if _, err := os.Stat(manifest); err != nil {
		return Result{}, fmt.Errorf("encoder produced no manifest: %w", err)
	}

	return Result{
		ManifestPath: manifest,
		Artifacts:    artifacts,
		Elapsed:      time.Since(start),
	}, nil
}

func collectArtifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list encoder output: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// tailBuffer keeps the last n bytes written to it
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > t.max {
		p = p[len(p)-t.max:]
	}
	if over := t.buf.Len() + len(p) - t.max; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	return string(bytes.TrimSpace(t.buf.Bytes()))
}
