package domain

import "errors"

// Sentinel errors forming the platform error taxonomy. Adapters wrap driver
// failures into these at the boundary; handlers map them to wire codes.
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrDuplicate            = errors.New("duplicate")
	ErrAssessmentIncomplete = errors.New("assessment incomplete")
	ErrNotReady             = errors.New("not ready")
	ErrBusy                 = errors.New("busy")
	ErrGone                 = errors.New("gone")
	ErrRateLimited          = errors.New("rate limited")
	ErrUnavailable          = errors.New("service unavailable")
	ErrGeneratorUnavailable = errors.New("generator unavailable")
	ErrLLMUnavailable       = errors.New("llm unavailable")
	ErrCodeExecUnavailable  = errors.New("code execution unavailable")
	ErrEvaluatorParse       = errors.New("evaluator parse error")
	ErrEvaluatorTimeout     = errors.New("evaluator timeout")
	ErrInvariantViolation   = errors.New("invariant violation")
	ErrInternal             = errors.New("internal error")
)

// ErrorCode maps an error chain to its stable wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return "bad_request"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrAssessmentIncomplete):
		return "assessment_incomplete"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrGone):
		return "gone"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrGeneratorUnavailable):
		return "generator_unavailable"
	case errors.Is(err, ErrLLMUnavailable),
		errors.Is(err, ErrCodeExecUnavailable),
		errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}
