package shared

import (
	"log/slog"

	"github.com/veriskill/veriskill/internal/domain"
)

// FallbackQueue sends to the primary queue and falls back to the secondary
// when the primary publish fails. Used to degrade from broker mode to the
// in-process queue without failing candidate submits.
type FallbackQueue struct {
	Primary   domain.Queue
	Secondary domain.Queue
}

// Enqueue implements domain.Queue.
func (f *FallbackQueue) Enqueue(ctx domain.Context, msg domain.JobMessage) (string, error) {
	id, err := f.Primary.Enqueue(ctx, msg)
	if err == nil {
		return id, nil
	}
	slog.Warn("broker enqueue failed, falling back to in-process queue",
		slog.String("kind", string(msg.Kind)),
		slog.String("submission_id", msg.SubmissionID),
		slog.Any("error", err))
	return f.Secondary.Enqueue(ctx, msg)
}
