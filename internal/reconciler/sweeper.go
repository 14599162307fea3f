package reconciler

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs SweepStuck on a fixed interval
type Sweeper struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
}

// NewSweeper creates a Sweeper
func NewSweeper(r *Reconciler, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{reconciler: r, interval: interval, logger: logger}
}

// Run sweeps once immediately, then every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Stuck video sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("stuck_after", s.reconciler.stuckAfter),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.reconciler.SweepStuck(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Stuck video sweep failed",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Stuck video sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}
