package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/veriskill/veriskill/internal/adapter/store/postgres"
	"github.com/veriskill/veriskill/internal/config"
	"github.com/veriskill/veriskill/internal/domain"
)

// ReportService turns an EvaluationRecord into the narrative report stored on
// the submission.
type ReportService struct {
	cfg   config.Config
	store domain.DocumentStore
	synth domain.ReportSynthesizer
}

// NewReportService wires the report pipeline.
func NewReportService(cfg config.Config, store domain.DocumentStore, synth domain.ReportSynthesizer) *ReportService {
	return &ReportService{cfg: cfg, store: store, synth: synth}
}

// Generate synthesizes the report for an evaluation and stores it under the
// submission's detailed_report pointer. Redelivery overwrites the latest
// pointer; scores are never affected.
func (s *ReportService) Generate(ctx domain.Context, submissionID, evaluationID string) error {
	sub, _, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if evaluationID == "" && sub.Evaluation != nil {
		evaluationID = sub.Evaluation.LatestEvaluationID
	}
	if evaluationID == "" {
		return fmt.Errorf("op=report.Generate: %w: no evaluation for submission", domain.ErrNotFound)
	}
	var rec domain.EvaluationRecord
	if _, err := s.store.Get(ctx, postgres.ContainerEvaluations, evaluationID, submissionID, &rec); err != nil {
		return fmt.Errorf("op=report.Generate: %w", err)
	}
	var snap domain.AssessmentSnapshot
	if _, err := s.store.Get(ctx, postgres.ContainerAssessments, sub.AssessmentID, sub.AssessmentID, &snap); err != nil {
		return fmt.Errorf("op=report.Generate: %w", err)
	}

	report, err := s.synth.Synthesize(ctx, sub, snap, rec)
	if err != nil {
		return fmt.Errorf("op=report.Generate: %w", err)
	}

	const maxTries = 5
	for try := 0; try < maxTries; try++ {
		cur, etag, err := s.loadSubmission(ctx, submissionID)
		if err != nil {
			return err
		}
		cur.DetailedReport = &report
		if _, err := s.store.UpdateIfMatch(ctx, postgres.ContainerSubmissions, cur, etag); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return fmt.Errorf("op=report.Generate: %w", err)
		}
		slog.Info("detailed report stored",
			slog.String("submission_id", submissionID),
			slog.String("evaluation_id", evaluationID))
		return nil
	}
	return fmt.Errorf("op=report.Generate: %w: retries exhausted", domain.ErrConflict)
}

func (s *ReportService) loadSubmission(ctx domain.Context, id string) (domain.Submission, string, error) {
	docs, err := s.store.Query(ctx, postgres.ContainerSubmissions, domain.DocQuery{
		Contains: map[string]any{"id": id},
		Limit:    1,
	})
	if err != nil {
		return domain.Submission{}, "", fmt.Errorf("op=report.load: %w", err)
	}
	if len(docs) == 0 {
		return domain.Submission{}, "", fmt.Errorf("op=report.load: %w", domain.ErrNotFound)
	}
	var sub domain.Submission
	if err := json.Unmarshal(docs[0].Data, &sub); err != nil {
		return domain.Submission{}, "", fmt.Errorf("op=report.load: %w", err)
	}
	return sub, docs[0].Etag, nil
}
