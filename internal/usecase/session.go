package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veriskill/veriskill/internal/adapter/store/postgres"
	"github.com/veriskill/veriskill/internal/clock"
	"github.com/veriskill/veriskill/internal/config"
	"github.com/veriskill/veriskill/internal/domain"
	"github.com/veriskill/veriskill/pkg/accesscode"
)

// SessionService owns the submission lifecycle: reserve, start, timer sync,
// proctoring, submit, and the expiry sweep. All timing is server
// authoritative.
type SessionService struct {
	cfg   config.Config
	store domain.DocumentStore
	queue domain.Queue
	depth domain.QueueDepth
	clk   domain.Clock
}

// NewSessionService wires the session manager.
func NewSessionService(cfg config.Config, store domain.DocumentStore, queue domain.Queue, depth domain.QueueDepth, clk domain.Clock) *SessionService {
	return &SessionService{cfg: cfg, store: store, queue: queue, depth: depth, clk: clk}
}

// TimerInfo is the server-authoritative timer snapshot.
type TimerInfo struct {
	ServerNow     time.Time `json:"server_now"`
	Expiration    time.Time `json:"expiration"`
	RemainingMS   int64     `json:"remaining_ms"`
	GracePeriodMS int64     `json:"grace_period_ms"`
	InGrace       bool      `json:"in_grace"`
}

// ReadinessInfo reports whether a submission's snapshot can be started.
type ReadinessInfo struct {
	Status           domain.GenerationStatus `json:"status"`
	ReadyCount       int                     `json:"ready_count"`
	TotalCount       int                     `json:"total_count"`
	RetryRecommended bool                    `json:"retry_recommended,omitempty"`
}

// SubmitFlags carries client-declared submit context.
type SubmitFlags struct {
	AutoSubmitted    bool
	AutoSubmitReason string
	ViolationCount   int
}

// SubmitResult is the outcome of a submit call.
type SubmitResult struct {
	State             domain.SubmissionState `json:"state"`
	Late              bool                   `json:"late"`
	EvaluationPending bool                   `json:"evaluation_pending"`
}

// Reserve creates a reserved submission with a fresh access code. Calling it
// again for the same (assessment, candidate) pair returns the existing
// reservation while it is still open.
func (s *SessionService) Reserve(ctx domain.Context, assessmentID, candidateID string, durationMS int64, interviewEnabled bool) (domain.Submission, error) {
	existing, err := s.store.Query(ctx, postgres.ContainerSubmissions, domain.DocQuery{
		Partition: assessmentID,
		Contains:  map[string]any{"candidate_id": candidateID, "state": string(domain.StateReserved)},
		Limit:     1,
	})
	if err != nil {
		return domain.Submission{}, fmt.Errorf("op=session.Reserve: %w", err)
	}
	now := s.clk.Now()
	if len(existing) > 0 {
		var sub domain.Submission
		if err := json.Unmarshal(existing[0].Data, &sub); err == nil && now.Before(sub.ReservationExpiry) {
			return sub, nil
		}
	}

	code, err := accesscode.New(10)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("op=session.Reserve: %w", err)
	}
	sub := domain.Submission{
		ID:                clock.NewID(),
		AssessmentID:      assessmentID,
		CandidateID:       candidateID,
		AccessCode:        code,
		State:             domain.StateReserved,
		ReservedAt:        now,
		ReservationExpiry: now.Add(s.cfg.ReservationTTL),
		DurationMS:        durationMS,
		ScoringStatus:     "",
		InterviewEnabled:  interviewEnabled,
	}
	if _, err := s.store.Put(ctx, postgres.ContainerSubmissions, sub); err != nil {
		return domain.Submission{}, fmt.Errorf("op=session.Reserve: %w", err)
	}
	slog.Info("submission reserved",
		slog.String("submission_id", sub.ID),
		slog.String("assessment_id", assessmentID))
	return sub, nil
}

// Login resolves an access code to its reserved or running submission.
func (s *SessionService) Login(ctx domain.Context, code string) (domain.Submission, error) {
	if !accesscode.Valid(code) {
		return domain.Submission{}, fmt.Errorf("op=session.Login: %w: malformed access code", domain.ErrUnauthorized)
	}
	docs, err := s.store.Query(ctx, postgres.ContainerSubmissions, domain.DocQuery{
		Contains: map[string]any{"access_code": code},
		Limit:    1,
	})
	if err != nil {
		return domain.Submission{}, fmt.Errorf("op=session.Login: %w", err)
	}
	if len(docs) == 0 {
		return domain.Submission{}, fmt.Errorf("op=session.Login: %w", domain.ErrUnauthorized)
	}
	var sub domain.Submission
	if err := json.Unmarshal(docs[0].Data, &sub); err != nil {
		return domain.Submission{}, fmt.Errorf("op=session.Login: %w", err)
	}
	if sub.State == domain.StateReserved && s.clk.Now().After(sub.ReservationExpiry) {
		return domain.Submission{}, fmt.Errorf("op=session.Login: %w: reservation expired", domain.ErrGone)
	}
	return sub, nil
}

// getSubmission loads a submission by id without knowing its partition.
func (s *SessionService) getSubmission(ctx domain.Context, id string) (domain.Submission, string, error) {
	docs, err := s.store.Query(ctx, postgres.ContainerSubmissions, domain.DocQuery{
		Contains: map[string]any{"id": id},
		Limit:    1,
	})
	if err != nil {
		return domain.Submission{}, "", fmt.Errorf("op=session.get: %w", err)
	}
	if len(docs) == 0 {
		return domain.Submission{}, "", fmt.Errorf("op=session.get: %w", domain.ErrNotFound)
	}
	var sub domain.Submission
	if err := json.Unmarshal(docs[0].Data, &sub); err != nil {
		return domain.Submission{}, "", fmt.Errorf("op=session.get: %w", err)
	}
	return sub, docs[0].Etag, nil
}

// Get returns a submission by id.
func (s *SessionService) Get(ctx domain.Context, id string) (domain.Submission, error) {
	sub, _, err := s.getSubmission(ctx, id)
	return sub, err
}

// Readiness reports the snapshot generation status for a submission.
func (s *SessionService) Readiness(ctx domain.Context, submissionID string) (ReadinessInfo, error) {
	sub, _, err := s.getSubmission(ctx, submissionID)
	if err != nil {
		return ReadinessInfo{}, err
	}
	var snap domain.AssessmentSnapshot
	if _, err := s.store.Get(ctx, postgres.ContainerAssessments, sub.AssessmentID, sub.AssessmentID, &snap); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ReadinessInfo{Status: domain.GenerationPending}, nil
		}
		return ReadinessInfo{}, fmt.Errorf("op=session.Readiness: %w", err)
	}
	info := ReadinessInfo{
		Status:     snap.Status,
		ReadyCount: len(snap.Questions),
		TotalCount: len(snap.Questions),
	}
	if snap.Status == domain.GenerationFailed {
		info.RetryRecommended = true
		return info, nil
	}
	if len(snap.Questions) >= s.cfg.MinQuestionsRequired && snap.Status == domain.GenerationReady {
		info.Status = domain.GenerationReady
	}
	return info, nil
}

// StartResult is the timing contract returned by Start.
type StartResult struct {
	StartInstant      time.Time `json:"start_instant"`
	ExpirationInstant time.Time `json:"expiration_instant"`
	DurationMS        int64     `json:"duration_ms"`
	GracePeriodMS     int64     `json:"grace_period_ms"`
	QuestionCount     int       `json:"question_count"`
}

// Start transitions reserved -> in_progress and writes the expiration instant
// exactly once. Starting an in_progress submission returns the current
// timing; terminal submissions fail with ErrGone.
func (s *SessionService) Start(ctx domain.Context, submissionID string) (StartResult, error) {
	for {
		sub, etag, err := s.getSubmission(ctx, submissionID)
		if err != nil {
			return StartResult{}, err
		}
		if sub.State.Terminal() {
			return StartResult{}, fmt.Errorf("op=session.Start: %w: submission is %s", domain.ErrGone, sub.State)
		}
		ready, err := s.Readiness(ctx, submissionID)
		if err != nil {
			return StartResult{}, err
		}
		if ready.Status != domain.GenerationReady || ready.ReadyCount < s.cfg.MinQuestionsRequired {
			return StartResult{}, fmt.Errorf("op=session.Start: %w: snapshot status %s", domain.ErrNotReady, ready.Status)
		}
		if sub.State == domain.StateInProgress {
			return s.startResult(sub, ready.TotalCount), nil
		}

		now := s.clk.Now()
		start := now
		expires := now.Add(time.Duration(sub.DurationMS) * time.Millisecond)
		sub.State = domain.StateInProgress
		sub.StartedAt = &start
		sub.ExpiresAt = &expires
		sub.ScoringStatus = ""
		if _, err := s.store.UpdateIfMatch(ctx, postgres.ContainerSubmissions, sub, etag); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return StartResult{}, fmt.Errorf("op=session.Start: %w", err)
		}
		slog.Info("submission started",
			slog.String("submission_id", sub.ID),
			slog.Time("expires_at", expires))
		return s.startResult(sub, ready.TotalCount), nil
	}
}

func (s *SessionService) startResult(sub domain.Submission, questionCount int) StartResult {
	return StartResult{
		StartInstant:      *sub.StartedAt,
		ExpirationInstant: *sub.ExpiresAt,
		DurationMS:        sub.DurationMS,
		GracePeriodMS:     s.cfg.AutoSubmitGracePeriodMS,
		QuestionCount:     questionCount,
	}
}

// TimerSync returns the authoritative timer snapshot. Clients must trust
// server_now; their local clocks are advisory.
func (s *SessionService) TimerSync(ctx domain.Context, submissionID string) (TimerInfo, error) {
	sub, _, err := s.getSubmission(ctx, submissionID)
	if err != nil {
		return TimerInfo{}, err
	}
	if sub.State.Terminal() {
		return TimerInfo{}, fmt.Errorf("op=session.TimerSync: %w: submission is %s", domain.ErrGone, sub.State)
	}
	if sub.State != domain.StateInProgress || sub.ExpiresAt == nil {
		return TimerInfo{}, fmt.Errorf("op=session.TimerSync: %w: not started", domain.ErrConflict)
	}
	now := s.clk.Now()
	remaining := sub.ExpiresAt.Sub(now).Milliseconds()
	if remaining < 0 {
		remaining = 0
	}
	return TimerInfo{
		ServerNow:     now,
		Expiration:    *sub.ExpiresAt,
		RemainingMS:   remaining,
		GracePeriodMS: s.cfg.AutoSubmitGracePeriodMS,
		InGrace:       !now.Before(*sub.ExpiresAt),
	}, nil
}

// RecordEvent appends a proctoring event. Crossing the violation limit forces
// an auto-submit with reason exceeded_violation_limit.
func (s *SessionService) RecordEvent(ctx domain.Context, submissionID string, ev domain.ProctoringEvent) (domain.Submission, error) {
	for {
		sub, etag, err := s.getSubmission(ctx, submissionID)
		if err != nil {
			return domain.Submission{}, err
		}
		if sub.State.Terminal() {
			return sub, nil
		}
		if ev.At.IsZero() {
			ev.At = s.clk.Now()
		}
		sub.Events = append(sub.Events, ev)
		if ev.Type == domain.EventTabSwitch || ev.Type == domain.EventFullscreenExit {
			sub.ViolationCount++
		}
		if _, err := s.store.UpdateIfMatch(ctx, postgres.ContainerSubmissions, sub, etag); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return domain.Submission{}, fmt.Errorf("op=session.RecordEvent: %w", err)
		}
		if s.cfg.AutoSubmitEnabled && sub.ViolationCount >= s.cfg.ViolationLimit && sub.State == domain.StateInProgress {
			slog.Warn("violation limit reached, forcing submit",
				slog.String("submission_id", sub.ID),
				slog.Int("violation_count", sub.ViolationCount))
			if _, err := s.Submit(ctx, submissionID, nil, nil, SubmitFlags{
				AutoSubmitted:    true,
				AutoSubmitReason: domain.ReasonViolationExceeded,
			}); err != nil {
				return domain.Submission{}, err
			}
			return s.Get(ctx, submissionID)
		}
		return sub, nil
	}
}

// Submit finishes a submission. Terminal submissions return idempotent
// success with the prior state. The score job is enqueued after the terminal
// write; a crash between the two is recovered by the expiry sweep.
func (s *SessionService) Submit(ctx domain.Context, submissionID string, answers []domain.Answer, events []domain.ProctoringEvent, flags SubmitFlags) (SubmitResult, error) {
	for {
		sub, etag, err := s.getSubmission(ctx, submissionID)
		if err != nil {
			return SubmitResult{}, err
		}
		if sub.State.Terminal() {
			return SubmitResult{State: sub.State, Late: sub.Late, EvaluationPending: sub.Evaluation == nil}, nil
		}
		if sub.State != domain.StateInProgress {
			return SubmitResult{}, fmt.Errorf("op=session.Submit: %w: submission is %s", domain.ErrConflict, sub.State)
		}

		now := s.clk.Now()
		late := false
		autoSubmitted := flags.AutoSubmitted
		reason := flags.AutoSubmitReason
		if sub.ExpiresAt != nil {
			pastGrace := now.Sub(*sub.ExpiresAt) >= s.cfg.GracePeriod()
			late = now.After(*sub.ExpiresAt)
			if pastGrace && !autoSubmitted {
				autoSubmitted = true
				reason = domain.ReasonTimeExpired
			}
		}

		sub.MergeAnswers(answers)
		sub.Events = append(sub.Events, events...)
		if flags.ViolationCount > sub.ViolationCount {
			sub.ViolationCount = flags.ViolationCount
		}
		sub.EndedAt = &now
		sub.Late = late
		sub.AutoSubmitted = autoSubmitted
		if autoSubmitted {
			sub.State = domain.StateAutoSubmitted
			sub.AutoSubmitReason = reason
			sub.AutoSubmittedAt = &now
		} else {
			sub.State = domain.StateCompleted
		}
		sub.ScoringStatus = domain.ScoringPending

		if _, err := s.store.UpdateIfMatch(ctx, postgres.ContainerSubmissions, sub, etag); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// Likely lost the race against the sweep; re-read and return
				// the terminal state idempotently.
				continue
			}
			return SubmitResult{}, fmt.Errorf("op=session.Submit: %w", err)
		}

		if err := s.enqueueScore(ctx, sub.ID, false); err != nil {
			// Recovered by the sweep seeing end_instant set and scoring pending.
			slog.Error("score enqueue failed after terminal write",
				slog.String("submission_id", sub.ID), slog.Any("error", err))
		}
		slog.Info("submission finished",
			slog.String("submission_id", sub.ID),
			slog.String("state", string(sub.State)),
			slog.Bool("late", late))
		return SubmitResult{State: sub.State, Late: late, EvaluationPending: true}, nil
	}
}

func (s *SessionService) enqueueScore(ctx domain.Context, submissionID string, rescore bool) error {
	_, err := s.queue.Enqueue(ctx, domain.JobMessage{
		Kind:         domain.JobScore,
		SubmissionID: submissionID,
		Rescore:      rescore,
		EnqueuedAt:   s.clk.Now(),
	})
	return err
}

// Rescore enqueues an explicit re-evaluation for a terminal submission.
func (s *SessionService) Rescore(ctx domain.Context, submissionID string) error {
	sub, _, err := s.getSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if !sub.State.Terminal() {
		return fmt.Errorf("op=session.Rescore: %w: submission is %s", domain.ErrConflict, sub.State)
	}
	if err := s.enqueueScore(ctx, submissionID, true); err != nil {
		return fmt.Errorf("op=session.Rescore: %w", err)
	}
	slog.Info("rescore enqueued", slog.String("submission_id", submissionID))
	return nil
}

// CheckBusy returns ErrBusy when the score queue is at or above the high
// water mark. Composition endpoints call this before doing work.
func (s *SessionService) CheckBusy(ctx domain.Context) error {
	if s.depth == nil {
		return nil
	}
	n, err := s.depth.Depth(ctx, domain.JobScore)
	if err != nil {
		return nil
	}
	if n >= s.cfg.QueueHighWater {
		return fmt.Errorf("op=session.CheckBusy: %w: queue depth %d", domain.ErrBusy, n)
	}
	return nil
}

// ExpireSweep scans open submissions and applies time-based transitions:
// in_progress past expiration+grace become completed_auto_submitted, stale
// reservations become expired, scoring claims held past the visibility
// timeout are reset, and ended-but-unscored submissions get their score job
// re-enqueued. Safe to run concurrently; ETag claims dedupe.
func (s *SessionService) ExpireSweep(ctx domain.Context) (int, error) {
	transitioned := 0
	now := s.clk.Now()

	inProgress, err := s.store.Query(ctx, postgres.ContainerSubmissions, domain.DocQuery{
		Contains: map[string]any{"state": string(domain.StateInProgress)},
	})
	if err != nil {
		return 0, fmt.Errorf("op=session.ExpireSweep: %w", err)
	}
	for _, d := range inProgress {
		var sub domain.Submission
		if err := json.Unmarshal(d.Data, &sub); err != nil {
			continue
		}
		if sub.ExpiresAt == nil || now.Sub(*sub.ExpiresAt) < s.cfg.GracePeriod() {
			continue
		}
		sub.State = domain.StateAutoSubmitted
		sub.AutoSubmitted = true
		sub.AutoSubmitReason = domain.ReasonTimeExpired
		sub.AutoSubmittedAt = &now
		sub.EndedAt = &now
		sub.Late = true
		sub.ScoringStatus = domain.ScoringPending
		if _, err := s.store.UpdateIfMatch(ctx, postgres.ContainerSubmissions, sub, d.Etag); err != nil {
			// Lost the claim to a concurrent submit or sweep; skip.
			continue
		}
		transitioned++
		if err := s.enqueueScore(ctx, sub.ID, false); err != nil {
			slog.Error("sweep score enqueue failed", slog.String("submission_id", sub.ID), slog.Any("error", err))
		}
		slog.Info("sweep auto-submitted expired session", slog.String("submission_id", sub.ID))
	}

	reserved, err := s.store.Query(ctx, postgres.ContainerSubmissions, domain.DocQuery{
		Contains: map[string]any{"state": string(domain.StateReserved)},
	})
	if err != nil {
		return transitioned, fmt.Errorf("op=session.ExpireSweep: %w", err)
	}
	for _, d := range reserved {
		var sub domain.Submission
		if err := json.Unmarshal(d.Data, &sub); err != nil {
			continue
		}
		if now.Before(sub.ReservationExpiry) {
			continue
		}
		sub.State = domain.StateExpired
		if _, err := s.store.UpdateIfMatch(ctx, postgres.ContainerSubmissions, sub, d.Etag); err != nil {
			continue
		}
		transitioned++
		slog.Info("sweep expired stale reservation", slog.String("submission_id", sub.ID))
	}

	// Recover submissions that ended but whose score enqueue was lost.
	pending, err := s.store.Query(ctx, postgres.ContainerSubmissions, domain.DocQuery{
		Contains: map[string]any{"scoring_status": string(domain.ScoringPending)},
	})
	if err != nil {
		return transitioned, fmt.Errorf("op=session.ExpireSweep: %w", err)
	}
	for _, d := range pending {
		var sub domain.Submission
		if err := json.Unmarshal(d.Data, &sub); err != nil {
			continue
		}
		if sub.EndedAt == nil || sub.Evaluation != nil {
			continue
		}
		// Only re-enqueue when the submission has sat pending past one sweep
		// interval; fresh submits are already in flight.
		if now.Sub(*sub.EndedAt) < s.cfg.ExpireSweepInterval() {
			continue
		}
		if err := s.enqueueScore(ctx, sub.ID, false); err != nil {
			slog.Error("sweep score re-enqueue failed", slog.String("submission_id", sub.ID), slog.Any("error", err))
		}
	}

	// Reset scoring claims held past the visibility timeout: the worker that
	// took them crashed before releasing.
	claimed, err := s.store.Query(ctx, postgres.ContainerSubmissions, domain.DocQuery{
		Contains: map[string]any{"scoring_status": string(domain.ScoringInProgress)},
	})
	if err != nil {
		return transitioned, fmt.Errorf("op=session.ExpireSweep: %w", err)
	}
	for _, d := range claimed {
		var sub domain.Submission
		if err := json.Unmarshal(d.Data, &sub); err != nil {
			continue
		}
		if sub.ScoringClaimedAt == nil || now.Sub(*sub.ScoringClaimedAt) < s.cfg.QueueVisibility {
			continue
		}
		sub.ScoringStatus = domain.ScoringPending
		sub.ScoringClaimedAt = nil
		if _, err := s.store.UpdateIfMatch(ctx, postgres.ContainerSubmissions, sub, d.Etag); err != nil {
			continue
		}
		transitioned++
		if err := s.enqueueScore(ctx, sub.ID, false); err != nil {
			slog.Error("sweep claim re-enqueue failed", slog.String("submission_id", sub.ID), slog.Any("error", err))
		}
		slog.Warn("sweep reset stuck scoring claim", slog.String("submission_id", sub.ID))
	}

	return transitioned, nil
}
