package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/veriskill/veriskill/internal/adapter/observability"
	"github.com/veriskill/veriskill/internal/adapter/store/postgres"
	"github.com/veriskill/veriskill/internal/clock"
	"github.com/veriskill/veriskill/internal/config"
	"github.com/veriskill/veriskill/internal/domain"
)

// ScoringService produces EvaluationRecords: deterministic MCQ checking plus
// LLM rubric calls for descriptive and coding answers.
type ScoringService struct {
	cfg    config.Config
	store  domain.DocumentStore
	rubric domain.RubricEvaluator
	clk    domain.Clock
}

// NewScoringService wires the scoring triage.
func NewScoringService(cfg config.Config, store domain.DocumentStore, rubric domain.RubricEvaluator, clk domain.Clock) *ScoringService {
	return &ScoringService{cfg: cfg, store: store, rubric: rubric, clk: clk}
}

// ScoreMCQ is the deterministic MCQ checker: full points on an exact option
// match, zero otherwise. Pure; no I/O.
func ScoreMCQ(q domain.SnapshotQuestion, a domain.Answer) domain.QuestionResult {
	res := domain.QuestionResult{
		QuestionID: q.ID,
		MaxPoints:  q.Points,
		Evaluator:  domain.EvaluatorMCQ,
	}
	if err := q.Validate(); err != nil {
		res.EvaluatorError = "invariant violation: mcq has no valid correct option"
		return res
	}
	if a.Value.Kind == domain.AnswerOption && a.Value.OptionID == q.CorrectOptionID {
		res.PointsAwarded = q.Points
	}
	return res
}

// Score runs one scoring pass for a submission and returns the persisted
// EvaluationRecord. Redeliveries are deduplicated: an existing evaluation
// short-circuits unless rescore is set. The in_progress claim is taken with
// an ETag and released on failure so a redelivery can claim again.
func (s *ScoringService) Score(ctx domain.Context, submissionID string, rescore bool) (domain.EvaluationRecord, error) {
	tracer := otel.Tracer("usecase.scoring")
	ctx, span := tracer.Start(ctx, "scoring.Score")
	defer span.End()

	sub, etag, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return domain.EvaluationRecord{}, err
	}
	if !sub.State.Terminal() {
		return domain.EvaluationRecord{}, fmt.Errorf("op=scoring.Score: %w: submission is %s", domain.ErrConflict, sub.State)
	}
	if sub.Evaluation != nil && !rescore {
		return s.loadEvaluation(ctx, submissionID, sub.Evaluation.LatestEvaluationID)
	}
	if sub.ScoringStatus == domain.ScoringInProgress {
		// Another worker holds the claim; complete without work.
		return domain.EvaluationRecord{}, fmt.Errorf("op=scoring.Score: %w: already claimed", domain.ErrConflict)
	}

	claimedAt := s.clk.Now()
	sub.ScoringStatus = domain.ScoringInProgress
	sub.ScoringClaimedAt = &claimedAt
	etag, err = s.store.UpdateIfMatch(ctx, postgres.ContainerSubmissions, sub, etag)
	if err != nil {
		return domain.EvaluationRecord{}, fmt.Errorf("op=scoring.Score: claim: %w", err)
	}

	rec, err := s.evaluate(ctx, sub)
	if err != nil {
		s.release(ctx, submissionID)
		return domain.EvaluationRecord{}, err
	}

	if _, err := s.store.Put(ctx, postgres.ContainerEvaluations, rec); err != nil {
		s.release(ctx, submissionID)
		return domain.EvaluationRecord{}, fmt.Errorf("op=scoring.Score: %w", err)
	}
	observability.ScorePercentage.Observe(rec.Percentage)

	if err := s.updateSummary(ctx, submissionID, rec); err != nil {
		return rec, err
	}
	slog.Info("submission scored",
		slog.String("submission_id", submissionID),
		slog.Int("run_sequence", rec.RunSequence),
		slog.Float64("percentage", rec.Percentage))
	return rec, nil
}

// evaluate partitions answers by type and scores each. MCQ runs first with no
// network; rubric calls fan out under the per-submission concurrency bound
// and cumulative LLM budget.
func (s *ScoringService) evaluate(ctx domain.Context, sub domain.Submission) (domain.EvaluationRecord, error) {
	var snap domain.AssessmentSnapshot
	if _, err := s.store.Get(ctx, postgres.ContainerAssessments, sub.AssessmentID, sub.AssessmentID, &snap); err != nil {
		return domain.EvaluationRecord{}, fmt.Errorf("op=scoring.evaluate: %w", err)
	}

	answers := make(map[string]domain.Answer, len(sub.Answers))
	for _, a := range sub.Answers {
		answers[a.QuestionID] = a
	}

	results := make([]domain.QuestionResult, len(snap.Questions))
	type rubricTask struct {
		idx int
		q   domain.SnapshotQuestion
		a   domain.Answer
	}
	var rubricTasks []rubricTask

	for i, q := range snap.Questions {
		a, answered := answers[q.ID]
		if !answered {
			results[i] = domain.QuestionResult{
				QuestionID: q.ID,
				MaxPoints:  q.Points,
				Evaluator:  evaluatorFor(q.Type),
				Feedback:   "no answer submitted",
			}
			continue
		}
		if q.Type == domain.QuestionMCQ {
			results[i] = ScoreMCQ(q, a)
			continue
		}
		rubricTasks = append(rubricTasks, rubricTask{idx: i, q: q, a: a})
	}

	if len(rubricTasks) > 0 {
		budgetCtx, cancel := context.WithTimeout(ctx, s.cfg.LLMSubmissionBudget())
		defer cancel()

		sem := make(chan struct{}, s.cfg.LLMConcurrencyPerSubmission)
		var wg sync.WaitGroup
		for _, t := range rubricTasks {
			wg.Add(1)
			sem <- struct{}{}
			go func(t rubricTask) {
				defer func() { <-sem; wg.Done() }()
				callCtx, cancelCall := context.WithTimeout(budgetCtx, s.cfg.LLMCallTimeout())
				defer cancelCall()

				var execLog *domain.CodeExecutionLog
				if t.q.Type == domain.QuestionCoding {
					execLog = s.latestExecLog(callCtx, sub.ID, t.q.ID)
				}
				res, err := s.rubric.Score(callCtx, t.q, t.a, execLog)
				if err != nil {
					if budgetCtx.Err() != nil {
						results[t.idx] = domain.QuestionResult{
							QuestionID:     t.q.ID,
							MaxPoints:      t.q.Points,
							Evaluator:      domain.EvaluatorRubric,
							EvaluatorError: "evaluator timeout: submission llm budget exhausted",
						}
						return
					}
					results[t.idx] = domain.QuestionResult{
						QuestionID:     t.q.ID,
						MaxPoints:      t.q.Points,
						Evaluator:      domain.EvaluatorRubric,
						EvaluatorError: err.Error(),
					}
					return
				}
				results[t.idx] = res
			}(t)
		}
		wg.Wait()
	}

	var awarded, max float64
	for _, r := range results {
		awarded += r.PointsAwarded
		max += r.MaxPoints
	}
	pct := 0.0
	if max > 0 {
		pct = 100 * awarded / max
	}

	seq, err := s.nextRunSequence(ctx, sub.ID)
	if err != nil {
		return domain.EvaluationRecord{}, err
	}
	return domain.EvaluationRecord{
		ID:           clock.NewID(),
		SubmissionID: sub.ID,
		RunSequence:  seq,
		CreatedAt:    s.clk.Now(),
		Results:      results,
		TotalAwarded: awarded,
		MaxPossible:  max,
		Percentage:   pct,
	}, nil
}

func evaluatorFor(qt domain.QuestionType) string {
	if qt == domain.QuestionMCQ {
		return domain.EvaluatorMCQ
	}
	return domain.EvaluatorRubric
}

// latestExecLog fetches the most recent sandbox run for (submission,
// question); nil when none exists or the store hiccups.
func (s *ScoringService) latestExecLog(ctx domain.Context, submissionID, questionID string) *domain.CodeExecutionLog {
	docs, err := s.store.Query(ctx, postgres.ContainerCodeExecutions, domain.DocQuery{
		Partition: submissionID,
		Contains:  map[string]any{"question_id": questionID},
	})
	if err != nil || len(docs) == 0 {
		return nil
	}
	var latest *domain.CodeExecutionLog
	for _, d := range docs {
		var l domain.CodeExecutionLog
		if err := json.Unmarshal(d.Data, &l); err != nil {
			continue
		}
		if latest == nil || l.CreatedAt.After(latest.CreatedAt) {
			cp := l
			latest = &cp
		}
	}
	return latest
}

// nextRunSequence returns max(prior runSequence)+1, starting at 1.
func (s *ScoringService) nextRunSequence(ctx domain.Context, submissionID string) (int, error) {
	docs, err := s.store.Query(ctx, postgres.ContainerEvaluations, domain.DocQuery{Partition: submissionID})
	if err != nil {
		return 0, fmt.Errorf("op=scoring.nextRunSequence: %w", err)
	}
	max := 0
	for _, d := range docs {
		var rec struct {
			RunSequence int `json:"run_sequence"`
		}
		if err := json.Unmarshal(d.Data, &rec); err != nil {
			continue
		}
		if rec.RunSequence > max {
			max = rec.RunSequence
		}
	}
	return max + 1, nil
}

// updateSummary writes the compact evaluation pointer on the submission under
// an ETag loop.
func (s *ScoringService) updateSummary(ctx domain.Context, submissionID string, rec domain.EvaluationRecord) error {
	const maxTries = 5
	for try := 0; try < maxTries; try++ {
		sub, etag, err := s.loadSubmission(ctx, submissionID)
		if err != nil {
			return err
		}
		if sub.Evaluation != nil && sub.Evaluation.RunSequence >= rec.RunSequence {
			return nil
		}
		sub.Evaluation = &domain.EvalSummary{
			RunSequence:        rec.RunSequence,
			LatestEvaluationID: rec.ID,
			TotalAwarded:       rec.TotalAwarded,
			MaxPossible:        rec.MaxPossible,
			Percentage:         rec.Percentage,
		}
		sub.ScoringStatus = domain.ScoringCompleted
		sub.ScoringClaimedAt = nil
		if _, err := s.store.UpdateIfMatch(ctx, postgres.ContainerSubmissions, sub, etag); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return fmt.Errorf("op=scoring.updateSummary: %w", err)
		}
		return nil
	}
	return fmt.Errorf("op=scoring.updateSummary: %w: retries exhausted", domain.ErrConflict)
}

// release reverts a failed claim so a redelivery can take it.
func (s *ScoringService) release(ctx domain.Context, submissionID string) {
	sub, etag, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return
	}
	if sub.ScoringStatus != domain.ScoringInProgress {
		return
	}
	sub.ScoringStatus = domain.ScoringPending
	sub.ScoringClaimedAt = nil
	if _, err := s.store.UpdateIfMatch(ctx, postgres.ContainerSubmissions, sub, etag); err != nil {
		slog.Warn("scoring claim release failed", slog.String("submission_id", submissionID), slog.Any("error", err))
	}
}

// MarkFailed records a dead-lettered score job on the submission.
func (s *ScoringService) MarkFailed(ctx domain.Context, submissionID string) {
	sub, etag, err := s.loadSubmission(ctx, submissionID)
	if err != nil {
		return
	}
	sub.ScoringStatus = domain.ScoringFailed
	sub.ScoringClaimedAt = nil
	if _, err := s.store.UpdateIfMatch(ctx, postgres.ContainerSubmissions, sub, etag); err != nil {
		slog.Warn("scoring failure mark failed", slog.String("submission_id", submissionID), slog.Any("error", err))
	}
}

func (s *ScoringService) loadSubmission(ctx domain.Context, id string) (domain.Submission, string, error) {
	docs, err := s.store.Query(ctx, postgres.ContainerSubmissions, domain.DocQuery{
		Contains: map[string]any{"id": id},
		Limit:    1,
	})
	if err != nil {
		return domain.Submission{}, "", fmt.Errorf("op=scoring.load: %w", err)
	}
	if len(docs) == 0 {
		return domain.Submission{}, "", fmt.Errorf("op=scoring.load: %w", domain.ErrNotFound)
	}
	var sub domain.Submission
	if err := json.Unmarshal(docs[0].Data, &sub); err != nil {
		return domain.Submission{}, "", fmt.Errorf("op=scoring.load: %w", err)
	}
	return sub, docs[0].Etag, nil
}

func (s *ScoringService) loadEvaluation(ctx domain.Context, submissionID, evalID string) (domain.EvaluationRecord, error) {
	var rec domain.EvaluationRecord
	if _, err := s.store.Get(ctx, postgres.ContainerEvaluations, evalID, submissionID, &rec); err != nil {
		return domain.EvaluationRecord{}, fmt.Errorf("op=scoring.loadEvaluation: %w", err)
	}
	return rec, nil
}
