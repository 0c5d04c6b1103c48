package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/veriskill/veriskill/internal/usecase"
)

// Sweeper runs the session expiry sweep on its cadence. Multiple replicas may
// run it concurrently; ETag claims keep transitions single-winner.
type Sweeper struct {
	Sessions *usecase.SessionService
	Interval time.Duration
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("expiry sweeper started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			slog.Info("expiry sweeper stopping")
			return
		case <-ticker.C:
			n, err := s.Sessions.ExpireSweep(ctx)
			if err != nil {
				slog.Error("expiry sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Info("expiry sweep transitioned submissions", slog.Int("count", n))
			}
		}
	}
}
