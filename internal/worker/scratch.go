package worker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cuongbtq/vidflow/internal/domain"
)

const (
	scratchPrefix     = "job-"
	scratchRootPrefix = "vidflow-"
)

func (w *Worker) scratchBase() string {
	if w.scratchDir == "" {
		return os.TempDir()
	}
	return w.scratchDir
}

// scratchRoot is private to this worker id. Everything under it is swept on
// start; other roots under the same base are only swept once stale.
func (w *Worker) scratchRoot() string {
	return filepath.Join(w.scratchBase(), scratchRootPrefix+w.workerID)
}

func (w *Worker) newScratchDir(job domain.TranscodeJob) (string, error) {
	root := w.scratchRoot()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create scratch root: %w", err)
	}

	dir, err := os.MkdirTemp(root, fmt.Sprintf("%s%s-%s-", scratchPrefix, job.VideoID, job.Resolution))
	if err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return dir, nil
}

func (w *Worker) removeScratch(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		w.logger.Warn("Failed to remove scratch dir",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
	}
}

// sweepScratch removes job dirs left behind by a crashed run: every job dir
// in this worker's root, and job dirs in other roots that are older than two
// job timeouts, which no live job can still be using
func (w *Worker) sweepScratch() error {
	root := w.scratchRoot()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}

	orphans, err := filepath.Glob(filepath.Join(root, scratchPrefix+"*"))
	if err != nil {
		return err
	}
	for _, dir := range orphans {
		w.removeScratch(dir)
	}

	stale, err := w.sweepForeignScratch(root)
	if err != nil {
		return err
	}

	if len(orphans)+stale > 0 {
		w.logger.Info("Removed orphaned scratch dirs",
			slog.String("root", root),
			slog.Int("count", len(orphans)),
			slog.Int("stale_foreign", stale),
		)
	}
	return nil
}

func (w *Worker) sweepForeignScratch(own string) (int, error) {
	if w.jobTimeout <= 0 {
		return 0, nil
	}

	dirs, err := filepath.Glob(filepath.Join(w.scratchBase(), scratchRootPrefix+"*", scratchPrefix+"*"))
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-2 * w.jobTimeout)
	removed := 0
	for _, dir := range dirs {
		parent := filepath.Dir(dir)
		if parent == own {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() || !info.ModTime().Before(cutoff) {
			continue
		}
		w.removeScratch(dir)
		removed++
		// drops the root once its last job dir is gone
		_ = os.Remove(parent)
	}
	return removed, nil
}
