package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/veriskill/veriskill/internal/domain"
	"github.com/veriskill/veriskill/internal/usecase"
)

const questionsPageSize = 10

type loginRequest struct {
	AccessCode string `json:"access_code" validate:"required,min=8,max=16"`
}

// Login exchanges an access code for a submission-bound bearer token.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	sub, err := s.sessions.Login(r.Context(), req.AccessCode)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	ttl := s.cfg.ReservationTTL
	if sub.ExpiresAt != nil {
		ttl = time.Until(*sub.ExpiresAt) + s.cfg.GracePeriod() + time.Hour
	}
	token, err := s.tokens.Issue(r.Context(), sub.ID, ttl)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"submission_token":  token,
		"submission_id":     sub.ID,
		"interview_enabled": sub.InterviewEnabled,
	})
}

// boundSubmission enforces that the path submission id matches the token.
func (s *Server) boundSubmission(w http.ResponseWriter, r *http.Request) (string, bool) {
	pathID := chi.URLParam(r, "id")
	authID := submissionIDFrom(r)
	if pathID == "" || pathID != authID {
		writeError(w, r, fmt.Errorf("op=http.bind: %w: token not bound to submission", domain.ErrUnauthorized), nil)
		return "", false
	}
	return pathID, true
}

// Readiness reports snapshot generation status for the bound submission.
func (s *Server) Readiness(w http.ResponseWriter, r *http.Request) {
	id, ok := s.boundSubmission(w, r)
	if !ok {
		return
	}
	info, err := s.sessions.Readiness(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Start transitions the bound submission to in_progress.
func (s *Server) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := s.boundSubmission(w, r)
	if !ok {
		return
	}
	res, err := s.sessions.Start(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// candidateQuestion is the question view shown to candidates: grading fields
// are stripped.
type candidateQuestion struct {
	ID          string             `json:"id"`
	Skill       string             `json:"skill"`
	Type        domain.QuestionType `json:"type"`
	Difficulty  domain.Difficulty  `json:"difficulty"`
	Prompt      string             `json:"prompt"`
	Points      float64            `json:"points"`
	Options     []domain.McqOption `json:"options,omitempty"`
	StarterCode string             `json:"starter_code,omitempty"`
	Language    string             `json:"language,omitempty"`
}

// QuestionsPage returns one page of the snapshot's questions.
func (s *Server) QuestionsPage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.boundSubmission(w, r)
	if !ok {
		return
	}
	sub, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if sub.State.Terminal() {
		writeError(w, r, fmt.Errorf("op=http.questions: %w: submission is %s", domain.ErrGone, sub.State), nil)
		return
	}
	if sub.State != domain.StateInProgress {
		writeError(w, r, fmt.Errorf("op=http.questions: %w: not started", domain.ErrConflict), nil)
		return
	}
	snap, err := s.composer.GetSnapshot(r.Context(), sub.AssessmentID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	lo := (page - 1) * questionsPageSize
	hi := lo + questionsPageSize
	if lo > len(snap.Questions) {
		lo = len(snap.Questions)
	}
	if hi > len(snap.Questions) {
		hi = len(snap.Questions)
	}
	out := make([]candidateQuestion, 0, hi-lo)
	for _, q := range snap.Questions[lo:hi] {
		out = append(out, candidateQuestion{
			ID:          q.ID,
			Skill:       q.Skill,
			Type:        q.Type,
			Difficulty:  q.Difficulty,
			Prompt:      q.Prompt,
			Points:      q.Points,
			Options:     q.Options,
			StarterCode: q.StarterCode,
			Language:    q.Language,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page":      page,
		"page_size": questionsPageSize,
		"total":     len(snap.Questions),
		"questions": out,
	})
}

// Timer returns the server-authoritative timer snapshot.
func (s *Server) Timer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.boundSubmission(w, r)
	if !ok {
		return
	}
	info, err := s.sessions.TimerSync(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type eventRequest struct {
	Type    string `json:"type" validate:"required"`
	Details string `json:"details"`
}

// RecordEvent appends one proctoring event.
func (s *Server) RecordEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.boundSubmission(w, r)
	if !ok {
		return
	}
	var req eventRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	sub, err := s.sessions.RecordEvent(r.Context(), id, domain.ProctoringEvent{Type: req.Type, Details: req.Details})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"violation_count": sub.ViolationCount,
		"state":           sub.State,
	})
}

type submitRequest struct {
	Answers          []domain.Answer          `json:"answers"`
	ProctoringEvents []domain.ProctoringEvent `json:"proctoring_events"`
	AutoSubmitted    bool                     `json:"auto_submitted"`
	AutoSubmitReason string                   `json:"auto_submit_reason"`
	ViolationCount   int                      `json:"violation_count"`
}

// Submit finishes the bound submission and queues scoring.
func (s *Server) Submit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.boundSubmission(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	res, err := s.sessions.Submit(r.Context(), id, req.Answers, req.ProctoringEvents, usecase.SubmitFlags{
		AutoSubmitted:    req.AutoSubmitted,
		AutoSubmitReason: req.AutoSubmitReason,
		ViolationCount:   req.ViolationCount,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type codeRunRequest struct {
	QuestionID string `json:"question_id" validate:"required"`
	Language   string `json:"language" validate:"required"`
	Source     string `json:"source" validate:"required"`
	Stdin      string `json:"stdin"`
}

// RunCode test-runs a coding answer in the sandbox.
func (s *Server) RunCode(w http.ResponseWriter, r *http.Request) {
	id, ok := s.boundSubmission(w, r)
	if !ok {
		return
	}
	var req codeRunRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	sub, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	res, err := s.execs.Run(r.Context(), sub, req.QuestionID, req.Language, req.Source, req.Stdin)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
