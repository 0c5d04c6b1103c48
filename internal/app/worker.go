package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/veriskill/veriskill/internal/domain"
	"github.com/veriskill/veriskill/internal/usecase"
)

// JobHandler executes queue jobs: score then chained report. It is shared by
// the broker consumer and the in-process queue.
type JobHandler struct {
	Scoring     *usecase.ScoringService
	Reports     *usecase.ReportService
	Queue       domain.Queue
	Clock       domain.Clock
	MaxDelivery int
}

// Handle dispatches one job message. Errors propagate to the queue layer,
// which redelivers and eventually dead-letters.
func (h *JobHandler) Handle(ctx context.Context, msg domain.JobMessage) error {
	switch msg.Kind {
	case domain.JobScore:
		return h.handleScore(ctx, msg)
	case domain.JobReport:
		return h.handleReport(ctx, msg)
	default:
		slog.Error("unknown job kind, dropping", slog.String("kind", string(msg.Kind)))
		return nil
	}
}

func (h *JobHandler) handleScore(ctx context.Context, msg domain.JobMessage) error {
	rec, err := h.Scoring.Score(ctx, msg.SubmissionID, msg.Rescore)
	if err != nil {
		// A lost claim means another worker is scoring; complete without work.
		if errors.Is(err, domain.ErrConflict) {
			slog.Info("score job skipped, claim held elsewhere", slog.String("submission_id", msg.SubmissionID))
			return nil
		}
		maxDelivery := h.MaxDelivery
		if maxDelivery <= 0 {
			maxDelivery = 3
		}
		if msg.Attempt+1 >= maxDelivery {
			// Final delivery failed; record the dead-letter on the submission.
			h.Scoring.MarkFailed(ctx, msg.SubmissionID)
		}
		return fmt.Errorf("op=worker.score: %w", err)
	}
	if _, err := h.Queue.Enqueue(ctx, domain.JobMessage{
		Kind:         domain.JobReport,
		SubmissionID: msg.SubmissionID,
		EvaluationID: rec.ID,
		EnqueuedAt:   h.Clock.Now(),
	}); err != nil {
		return fmt.Errorf("op=worker.score: report enqueue: %w", err)
	}
	return nil
}

func (h *JobHandler) handleReport(ctx context.Context, msg domain.JobMessage) error {
	if err := h.Reports.Generate(ctx, msg.SubmissionID, msg.EvaluationID); err != nil {
		return fmt.Errorf("op=worker.report: %w", err)
	}
	return nil
}
