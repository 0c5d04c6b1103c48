package usecase

import (
	"fmt"

	"github.com/veriskill/veriskill/internal/adapter/store/postgres"
	"github.com/veriskill/veriskill/internal/clock"
	"github.com/veriskill/veriskill/internal/config"
	"github.com/veriskill/veriskill/internal/domain"
)

// ExecService lets candidates test-run coding answers in the external
// sandbox. Every run is logged for the scorer to consult.
type ExecService struct {
	cfg    config.Config
	store  domain.DocumentStore
	runner domain.CodeRunner
	clk    domain.Clock
}

// NewExecService wires the code execution proxy.
func NewExecService(cfg config.Config, store domain.DocumentStore, runner domain.CodeRunner, clk domain.Clock) *ExecService {
	return &ExecService{cfg: cfg, store: store, runner: runner, clk: clk}
}

// Run executes a coding answer for an in_progress submission and records the
// outcome. The question must be a coding question of the submission's
// snapshot.
func (s *ExecService) Run(ctx domain.Context, sub domain.Submission, questionID, language, source, stdin string) (domain.ExecResult, error) {
	if sub.State != domain.StateInProgress {
		return domain.ExecResult{}, fmt.Errorf("op=exec.Run: %w: submission is %s", domain.ErrConflict, sub.State)
	}
	var snap domain.AssessmentSnapshot
	if _, err := s.store.Get(ctx, postgres.ContainerAssessments, sub.AssessmentID, sub.AssessmentID, &snap); err != nil {
		return domain.ExecResult{}, fmt.Errorf("op=exec.Run: %w", err)
	}
	q, ok := snap.QuestionByID(questionID)
	if !ok {
		return domain.ExecResult{}, fmt.Errorf("op=exec.Run: %w: question %s not in snapshot", domain.ErrNotFound, questionID)
	}
	if q.Type != domain.QuestionCoding {
		return domain.ExecResult{}, fmt.Errorf("op=exec.Run: %w: question %s is not a coding question", domain.ErrInvalidArgument, questionID)
	}

	res, err := s.runner.Run(ctx, language, source, stdin)
	if err != nil {
		return domain.ExecResult{}, err
	}

	log := domain.CodeExecutionLog{
		RunID:        clock.NewID(),
		SubmissionID: sub.ID,
		QuestionID:   questionID,
		Language:     language,
		CodeHash:     domain.CodeHash(source),
		Status:       res.Status,
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		TimeS:        res.TimeS,
		MemoryKB:     res.MemoryKB,
		CreatedAt:    s.clk.Now(),
	}
	if _, err := s.store.Put(ctx, postgres.ContainerCodeExecutions, log); err != nil {
		// The candidate still gets the result; only the audit trail is lost.
		return res, nil
	}
	return res, nil
}
