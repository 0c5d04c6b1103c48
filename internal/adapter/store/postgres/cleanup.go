package postgres

import (
	"context"
	"log/slog"
	"time"
)

// CleanupService removes expired documents from TTL-bearing containers.
// Expired rows are already invisible to reads; the sweep bounds table growth.
type CleanupService struct {
	Pool     PgxPool
	Interval time.Duration
}

// NewCleanupService creates a cleanup service with the given sweep interval.
func NewCleanupService(pool PgxPool, interval time.Duration) *CleanupService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &CleanupService{Pool: pool, Interval: interval}
}

// SweepOnce deletes all rows whose TTL has elapsed.
func (s *CleanupService) SweepOnce(ctx context.Context) (int64, error) {
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM documents WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, mapPgErr("store.cleanup", err)
	}
	return tag.RowsAffected(), nil
}

// RunPeriodic sweeps until the context is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("ttl cleanup stopping")
			return
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				slog.Error("ttl cleanup sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Info("ttl cleanup removed expired documents", slog.Int64("count", n))
			}
		}
	}
}
