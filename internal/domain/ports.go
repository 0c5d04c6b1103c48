package domain

import (
	"encoding/json"
	"time"
)

// Clock supplies server-authoritative time. Implementations must return UTC
// instants with sub-second precision; tests inject fixed clocks.
type Clock interface {
	Now() time.Time
}

// RawDoc is a stored document returned by queries.
type RawDoc struct {
	ID        string
	Partition string
	Etag      string
	Data      json.RawMessage
}

// DocQuery selects documents within a container. Partition is optional;
// cross-partition queries leave it empty. Contains entries are matched as
// top-level JSON field equality. OrderAscNumeric orders by a numeric JSON
// field ascending (used for least-used-first selection).
type DocQuery struct {
	Partition       string
	Contains        map[string]any
	OrderAscNumeric string
	Limit           int
}

// DocumentStore is the partitioned document facade. It is the only code path
// that writes to storage. Partition keys are fixed per container and inferred
// from the document on Put. All mutating operations are idempotent when the
// caller supplies the same id.
type DocumentStore interface {
	// Put upserts a document; id and partition key are read from the
	// container's declared logical key fields. Returns the new ETag.
	Put(ctx Context, container string, doc any) (string, error)
	// Get is a point read. Returns ErrNotFound when absent.
	Get(ctx Context, container, id, partition string, out any) (string, error)
	// Query returns matching documents, cross-partition when q.Partition is
	// empty.
	Query(ctx Context, container string, q DocQuery) ([]RawDoc, error)
	// UpdateIfMatch replaces a document only when the stored ETag matches.
	// Returns ErrConflict on mismatch and the new ETag on success.
	UpdateIfMatch(ctx Context, container string, doc any, etag string) (string, error)
	// Delete removes a document; deleting an absent document is not an error.
	Delete(ctx Context, container, id, partition string) error
}

// Queue enqueues durable jobs with at-least-once delivery.
type Queue interface {
	Enqueue(ctx Context, msg JobMessage) (string, error)
}

// QueueDepth reports the approximate outstanding depth of a logical queue,
// used for Busy backpressure at composition endpoints.
type QueueDepth interface {
	Depth(ctx Context, kind JobKind) (int64, error)
}

// JSONSchema names a strict response schema for structured LLM output.
type JSONSchema struct {
	Name   string
	Schema json.RawMessage
}

// AIClient is the LLM port. ChatJSON must return content that parses as JSON
// matching the supplied schema; maxCompletionTokens bounds the completion.
type AIClient interface {
	ChatJSON(ctx Context, systemPrompt, userPrompt string, schema JSONSchema, maxCompletionTokens int) (string, error)
	Embed(ctx Context, texts []string) ([][]float32, error)
}

// RubricEvaluator scores one non-MCQ answer against its question's rubric.
// execLog, when present, carries the most recent sandbox outcome for a coding
// answer and augments the rubric context.
type RubricEvaluator interface {
	Score(ctx Context, q SnapshotQuestion, a Answer, execLog *CodeExecutionLog) (QuestionResult, error)
}

// QuestionGenerator produces new questions and their content embeddings.
// Probe reports generator health; composition fails with
// ErrGeneratorUnavailable when the probe fails and AI picks are required.
type QuestionGenerator interface {
	Probe(ctx Context) error
	Generate(ctx Context, skill string, qt QuestionType, diff Difficulty) (GeneratedQuestion, error)
}

// VectorIndex is an opaque nearest-neighbor service over cosine distance.
// Only the dimension and distance function are contracts.
type VectorIndex interface {
	Upsert(ctx Context, skill, id string, vector []float32, payload map[string]any) error
	SearchSimilar(ctx Context, skill string, vector []float32, topK int) ([]VectorMatch, error)
}

// CodeRunner proxies the external code-execution sandbox.
type CodeRunner interface {
	Run(ctx Context, language, source, stdin string) (ExecResult, error)
}

// TokenStore issues and resolves opaque candidate tokens bound to a
// submission.
type TokenStore interface {
	Issue(ctx Context, submissionID string, ttl time.Duration) (string, error)
	Resolve(ctx Context, token string) (string, error)
}

// ReportSynthesizer produces the narrative report for an evaluation.
type ReportSynthesizer interface {
	Synthesize(ctx Context, sub Submission, snap AssessmentSnapshot, rec EvaluationRecord) (DetailedReport, error)
}
