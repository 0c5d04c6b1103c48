package httpserver

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/veriskill/veriskill/internal/adapter/store/postgres"
	"github.com/veriskill/veriskill/internal/domain"
)

type initiateRequest struct {
	AssessmentID    string                  `json:"assessment_id"`
	CompositionSpec *domain.CompositionSpec `json:"composition_spec"`
	CandidateEmail  string                  `json:"candidate_email" validate:"required,email"`
	DurationMinutes int64                   `json:"duration_minutes" validate:"required,gt=0"`
	LiveInterview   bool                    `json:"live_interview"`
}

// InitiateTest reserves a submission for a candidate, composing a fresh
// snapshot when a composition spec is supplied instead of an assessment id.
func (s *Server) InitiateTest(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if (req.AssessmentID == "") == (req.CompositionSpec == nil) {
		writeError(w, r, fmt.Errorf("op=http.initiate: %w: exactly one of assessment_id and composition_spec required", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.sessions.CheckBusy(r.Context()); err != nil {
		writeError(w, r, err, nil)
		return
	}

	assessmentID := req.AssessmentID
	durationMS := req.DurationMinutes * 60_000
	if req.CompositionSpec != nil {
		spec := *req.CompositionSpec
		if spec.DurationMS == 0 {
			spec.DurationMS = durationMS
		}
		snap, err := s.composer.Compose(r.Context(), spec)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		assessmentID = snap.ID
	} else {
		if _, err := s.composer.GetSnapshot(r.Context(), assessmentID); err != nil {
			writeError(w, r, err, nil)
			return
		}
	}

	sub, err := s.sessions.Reserve(r.Context(), assessmentID, req.CandidateEmail, durationMS, req.LiveInterview)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"submission_id": sub.ID,
		"access_code":   sub.AccessCode,
		"assessment_id": assessmentID,
	})
}

type checkDuplicateRequest struct {
	Text       string            `json:"text" validate:"required"`
	Skill      string            `json:"skill" validate:"required"`
	Type       domain.QuestionType `json:"type" validate:"required,oneof=mcq descriptive coding"`
	Difficulty domain.Difficulty `json:"difficulty" validate:"required,oneof=easy medium hard"`
}

// CheckDuplicate reports exact and semantic duplicates for a proposed
// question.
func (s *Server) CheckDuplicate(w http.ResponseWriter, r *http.Request) {
	var req checkDuplicateRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	rep, err := s.catalog.CheckDuplicate(r.Context(), req.Text, req.Skill, req.Type, req.Difficulty)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type addQuestionRequest struct {
	Question domain.Question `json:"question" validate:"required"`
	Bypass   bool            `json:"bypass_duplicate_check"`
}

// AddQuestion stores a curated question in the bank.
func (s *Server) AddQuestion(w http.ResponseWriter, r *http.Request) {
	var req addQuestionRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if req.Question.ID == "" || req.Question.Prompt == "" {
		writeError(w, r, fmt.Errorf("op=http.addQuestion: %w: id and prompt required", domain.ErrInvalidArgument), nil)
		return
	}
	if err := s.catalog.AddCurated(r.Context(), req.Question, req.Bypass); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": req.Question.ID})
}

// SubmissionReport returns the evaluation record and detailed report for a
// submission; 202 while scoring is still pending.
func (s *Server) SubmissionReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if sub.Evaluation == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"state":          sub.State,
			"scoring_status": sub.ScoringStatus,
		})
		return
	}
	var rec domain.EvaluationRecord
	if _, err := s.store.Get(r.Context(), postgres.ContainerEvaluations, sub.Evaluation.LatestEvaluationID, sub.ID, &rec); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":           sub.State,
		"scoring_status":  sub.ScoringStatus,
		"evaluation":      rec,
		"detailed_report": sub.DetailedReport,
	})
}

// Rescore enqueues an explicit re-evaluation for a terminal submission.
func (s *Server) Rescore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Rescore(r.Context(), id); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"submission_id": id, "status": "rescore_enqueued"})
}

// SubmissionStatus returns session state and scoring status independently.
func (s *Server) SubmissionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"submission_id":   sub.ID,
		"assessment_id":   sub.AssessmentID,
		"state":           sub.State,
		"scoring_status":  sub.ScoringStatus,
		"violation_count": sub.ViolationCount,
		"late":            sub.Late,
		"evaluation":      sub.Evaluation,
	})
}
