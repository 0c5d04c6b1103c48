// Package domain holds the core entities, ports, and error taxonomy of the
// assessment platform. It has no dependencies on adapters; adapters and
// usecases depend on it.
package domain

import (
	"context"
	"time"
)

// Context aliases the standard context so ports read uniformly.
type Context = context.Context

// QuestionType enumerates question modalities.
type QuestionType string

const (
	QuestionMCQ         QuestionType = "mcq"
	QuestionDescriptive QuestionType = "descriptive"
	QuestionCoding      QuestionType = "coding"
)

// Difficulty enumerates question difficulty levels.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// QuestionSource tags where a snapshot question came from.
type QuestionSource string

const (
	SourceCurated QuestionSource = "curated"
	SourceCache   QuestionSource = "cache"
	SourceAI      QuestionSource = "ai"
)

// McqOption is a single answer option of an MCQ question.
type McqOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// TestCase is one input/expected pair of a coding question.
type TestCase struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

// Question is a curated bank question. Immutable once published.
// Invariant: an MCQ has exactly one correct option id present in its options.
type Question struct {
	ID              string       `json:"id"`
	Skill           string       `json:"skill"` // normalized slug, partition key
	Type            QuestionType `json:"type"`
	Difficulty      Difficulty   `json:"difficulty"`
	Prompt          string       `json:"prompt"`
	Points          float64      `json:"points"`
	Options         []McqOption  `json:"options,omitempty"`
	CorrectOptionID string       `json:"correct_option_id,omitempty"`
	StarterCode     string       `json:"starter_code,omitempty"`
	Language        string       `json:"language,omitempty"`
	TestCases       []TestCase   `json:"test_cases,omitempty"`
	Rubric          string       `json:"rubric,omitempty"`
	ContentHash     string       `json:"content_hash"`
	UsageCount      int          `json:"usage_count"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Validate reports invariant violations on a question.
func (q Question) Validate() error {
	if q.Type != QuestionMCQ {
		return nil
	}
	if q.CorrectOptionID == "" {
		return ErrInvariantViolation
	}
	for _, o := range q.Options {
		if o.ID == q.CorrectOptionID {
			return nil
		}
	}
	return ErrInvariantViolation
}

// GeneratedQuestion is an AI-produced question cached by prompt fingerprint.
// Partitioned by skill.
type GeneratedQuestion struct {
	Question
	Fingerprint string    `json:"fingerprint"` // SHA-256(skill || type || difficulty)
	Model       string    `json:"model"`
	Embedding   []float32 `json:"embedding,omitempty"`
}

// SnapshotQuestion is a deep-copied question embedded in a snapshot.
type SnapshotQuestion struct {
	Question
	Source QuestionSource `json:"source"`
}

// GenerationStatus tracks asynchronous snapshot composition.
type GenerationStatus string

const (
	GenerationPending GenerationStatus = "generating"
	GenerationPartial GenerationStatus = "partially_generated"
	GenerationFailed  GenerationStatus = "generation_failed"
	GenerationReady   GenerationStatus = "ready"
)

// AssessmentSnapshot is an immutable deep copy of the questions used for one
// attempt. Once any Submission references it, no field may mutate.
type AssessmentSnapshot struct {
	ID         string             `json:"id"`
	Title      string             `json:"title"`
	TargetRole string             `json:"target_role"`
	DurationMS int64              `json:"duration_ms"`
	Questions  []SnapshotQuestion `json:"questions"`
	Status     GenerationStatus   `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
}

// QuestionByID returns the embedded question with the given id.
func (a AssessmentSnapshot) QuestionByID(id string) (SnapshotQuestion, bool) {
	for _, q := range a.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return SnapshotQuestion{}, false
}

// AnswerKind tags the polymorphic submitted value.
type AnswerKind string

const (
	AnswerOption AnswerKind = "option"
	AnswerText   AnswerKind = "text"
	AnswerCode   AnswerKind = "code"
)

// AnswerValue is a tagged variant: Option(option_id) | Text(text) | Code(source, language).
// Consumers discriminate by Kind, never by structural inspection.
type AnswerValue struct {
	Kind     AnswerKind `json:"kind"`
	OptionID string     `json:"option_id,omitempty"`
	Text     string     `json:"text,omitempty"`
	Source   string     `json:"source,omitempty"`
	Language string     `json:"language,omitempty"`
}

// Answer binds a submitted value to a snapshot question.
// At most one Answer per (submission, question).
type Answer struct {
	QuestionID string      `json:"question_id"`
	Value      AnswerValue `json:"value"`
}

// ProctoringEvent is a browser-reported integrity event.
type ProctoringEvent struct {
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Details string    `json:"details,omitempty"`
}

// Proctoring event types that count toward the violation limit.
const (
	EventTabSwitch      = "tab_switch"
	EventFullscreenExit = "fullscreen_exit"
)

// SubmissionState is the session lifecycle state.
type SubmissionState string

const (
	StateReserved      SubmissionState = "reserved"
	StateInProgress    SubmissionState = "in_progress"
	StateCompleted     SubmissionState = "completed"
	StateAutoSubmitted SubmissionState = "completed_auto_submitted"
	StateExpired       SubmissionState = "expired"
)

// Terminal reports whether the state admits no further transitions.
func (s SubmissionState) Terminal() bool {
	return s == StateCompleted || s == StateAutoSubmitted || s == StateExpired
}

// Auto-submit reasons.
const (
	ReasonTimeExpired       = "time_expired"
	ReasonViolationExceeded = "exceeded_violation_limit"
)

// ScoringStatus tracks the post-submission pipeline independently of the
// session state.
type ScoringStatus string

const (
	ScoringPending    ScoringStatus = "pending"
	ScoringInProgress ScoringStatus = "in_progress"
	ScoringCompleted  ScoringStatus = "completed"
	ScoringFailed     ScoringStatus = "failed"
)

// EvalSummary is the compact evaluation pointer carried on a Submission.
// The full record lives in the evaluations container.
type EvalSummary struct {
	RunSequence        int     `json:"run_sequence"`
	LatestEvaluationID string  `json:"latest_evaluation_id"`
	TotalAwarded       float64 `json:"total_awarded"`
	MaxPossible        float64 `json:"max_possible"`
	Percentage         float64 `json:"percentage"`
}

// Submission is one candidate attempt. Partitioned by assessment id.
// Invariant: ExpiresAt is written exactly once, at reserved -> in_progress.
type Submission struct {
	ID                  string            `json:"id"`
	AssessmentID        string            `json:"assessment_id"`
	CandidateID         string            `json:"candidate_id"`
	AccessCode          string            `json:"access_code,omitempty"`
	State               SubmissionState   `json:"state"`
	ReservedAt          time.Time         `json:"reserved_at"`
	ReservationExpiry   time.Time         `json:"reservation_expiry"`
	DurationMS          int64             `json:"duration_ms"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	ExpiresAt           *time.Time        `json:"expires_at,omitempty"`
	EndedAt             *time.Time        `json:"ended_at,omitempty"`
	Answers             []Answer          `json:"answers,omitempty"`
	Events              []ProctoringEvent `json:"events,omitempty"`
	AutoSubmitted       bool              `json:"auto_submitted"`
	AutoSubmitReason    string            `json:"auto_submit_reason,omitempty"`
	AutoSubmittedAt     *time.Time        `json:"auto_submitted_at,omitempty"`
	ViolationCount      int               `json:"violation_count"`
	Late                bool              `json:"late"`
	ScoringStatus       ScoringStatus     `json:"scoring_status,omitempty"`
	ScoringClaimedAt    *time.Time        `json:"scoring_claimed_at,omitempty"`
	Evaluation          *EvalSummary      `json:"evaluation,omitempty"`
	DetailedReport      *DetailedReport   `json:"detailed_report,omitempty"`
	InterviewEnabled    bool              `json:"interview_enabled"`
	InterviewTranscript string            `json:"interview_transcript,omitempty"`
}

// MergeAnswers applies incoming answers last-write-wins per question id.
func (s *Submission) MergeAnswers(in []Answer) {
	for _, a := range in {
		replaced := false
		for i := range s.Answers {
			if s.Answers[i].QuestionID == a.QuestionID {
				s.Answers[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			s.Answers = append(s.Answers, a)
		}
	}
}

// CriterionScore is one weighted rubric criterion outcome.
type CriterionScore struct {
	Weight float64 `json:"weight"`
	Score  float64 `json:"score"`
}

// Evaluator kinds recorded per question result.
const (
	EvaluatorMCQ    = "mcq"
	EvaluatorRubric = "llm_rubric"
)

// QuestionResult is one per-question outcome inside an EvaluationRecord.
type QuestionResult struct {
	QuestionID      string                    `json:"question_id"`
	MaxPoints       float64                   `json:"max_points"`
	PointsAwarded   float64                   `json:"points_awarded"`
	Evaluator       string                    `json:"evaluator"`
	RubricBreakdown map[string]CriterionScore `json:"rubric_breakdown,omitempty"`
	Feedback        string                    `json:"feedback,omitempty"`
	EvaluatorError  string                    `json:"evaluator_error,omitempty"`
}

// EvaluationRecord is the full, append-only result of one scoring pass.
// Partitioned by submission id; RunSequence is strictly monotonic from 1.
type EvaluationRecord struct {
	ID           string           `json:"id"`
	SubmissionID string           `json:"submission_id"`
	RunSequence  int              `json:"run_sequence"`
	CreatedAt    time.Time        `json:"created_at"`
	Results      []QuestionResult `json:"results"`
	TotalAwarded float64          `json:"total_awarded"`
	MaxPossible  float64          `json:"max_possible"`
	Percentage   float64          `json:"percentage"`
}

// ExecStatus enumerates normalized sandbox outcomes.
type ExecStatus string

const (
	ExecAccepted     ExecStatus = "accepted"
	ExecRuntimeError ExecStatus = "runtime_error"
	ExecCompileError ExecStatus = "compile_error"
	ExecTimeout      ExecStatus = "timeout"
	ExecError        ExecStatus = "error"
)

// ExecResult is a normalized sandbox run outcome.
type ExecResult struct {
	Status   ExecStatus `json:"status"`
	Stdout   string     `json:"stdout"`
	Stderr   string     `json:"stderr"`
	TimeS    float64    `json:"time_s"`
	MemoryKB int64      `json:"memory_kb"`
}

// CodeExecutionLog is an audit record of one sandbox run.
// Partitioned by submission id; TTL 30 days.
type CodeExecutionLog struct {
	RunID        string     `json:"run_id"`
	SubmissionID string     `json:"submission_id"`
	QuestionID   string     `json:"question_id"`
	Language     string     `json:"language"`
	CodeHash     string     `json:"code_hash"`
	Status       ExecStatus `json:"status"`
	Stdout       string     `json:"stdout"`
	Stderr       string     `json:"stderr"`
	TimeS        float64    `json:"time_s"`
	MemoryKB     int64      `json:"memory_kb"`
	CreatedAt    time.Time  `json:"created_at"`
}

// DetailedReport is the narrative report synthesized from an EvaluationRecord.
type DetailedReport struct {
	Summary     string            `json:"summary"`
	Strengths   []string          `json:"strengths"`
	Weaknesses  []string          `json:"weaknesses"`
	PerQuestion []QuestionComment `json:"per_question"`
	NextSteps   []string          `json:"next_steps"`
}

// QuestionComment is per-question narrative feedback in a report.
type QuestionComment struct {
	QuestionID string `json:"question_id"`
	Comment    string `json:"comment"`
}

// JobKind enumerates queue job kinds.
type JobKind string

const (
	JobScore  JobKind = "score"
	JobReport JobKind = "report"
)

// JobMessage is a durable queue message. Delivery is at least once; handlers
// must tolerate re-delivery keyed by IdempotencyKey.
type JobMessage struct {
	Kind         JobKind   `json:"kind"`
	SubmissionID string    `json:"submission_id"`
	EvaluationID string    `json:"evaluation_id,omitempty"`
	Rescore      bool      `json:"rescore,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	Attempt      int       `json:"attempt"`
}

// IdempotencyKey identifies the logical job regardless of delivery count.
func (m JobMessage) IdempotencyKey() string {
	return string(m.Kind) + ":" + m.SubmissionID
}

// SourcePreference controls which sourcing tiers the composer may use.
type SourcePreference string

const (
	PreferHybrid      SourcePreference = "hybrid"
	PreferCuratedOnly SourcePreference = "curated_only"
	PreferAIOnly      SourcePreference = "ai_only"
)

// CompositionEntry is one line of a composition spec.
type CompositionEntry struct {
	Skill      string           `json:"skill"`
	Type       QuestionType     `json:"type"`
	Difficulty Difficulty       `json:"difficulty"`
	Count      int              `json:"count"`
	Preference SourcePreference `json:"source_preference"`
}

// CompositionSpec describes a requested assessment.
type CompositionSpec struct {
	Title      string             `json:"title"`
	TargetRole string             `json:"target_role"`
	DurationMS int64              `json:"duration_ms"`
	Entries    []CompositionEntry `json:"entries"`
}

// TotalCount returns the number of questions the spec requests.
func (c CompositionSpec) TotalCount() int {
	n := 0
	for _, e := range c.Entries {
		n += e.Count
	}
	return n
}

// CheckedQuestion records a duplicate-check miss. A repeated check of the
// same proposal resolves against this record as an exact match.
type CheckedQuestion struct {
	ID          string       `json:"id"`
	Skill       string       `json:"skill"`
	Type        QuestionType `json:"type"`
	Difficulty  Difficulty   `json:"difficulty"`
	Prompt      string       `json:"prompt"`
	Fingerprint string       `json:"fingerprint"`
	ContentHash string       `json:"content_hash"`
	CreatedAt   time.Time    `json:"created_at"`
}

// DuplicateReport is the result of a duplicate check.
type DuplicateReport struct {
	ExactFingerprint string        `json:"exact_fingerprint,omitempty"`
	ExactText        string        `json:"exact_text,omitempty"`
	SemanticMatches  []VectorMatch `json:"semantic_matches"`
}

// VectorMatch is one nearest-neighbor hit from the embedding index.
type VectorMatch struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
}
