// Package httpserver contains the HTTP handlers, middleware, and auth for
// the candidate and admin surfaces. HTTP concerns stay here; business logic
// lives in the usecase services.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/veriskill/veriskill/internal/domain"
)

// errorEnvelope is the wire shape for every failed response: error carries
// the stable code, message the human-readable detail.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrAssessmentIncomplete):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrNotReady),
		errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, domain.ErrGone):
		return http.StatusGone
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrBusy),
		errors.Is(err, domain.ErrGeneratorUnavailable),
		errors.Is(err, domain.ErrUnavailable),
		errors.Is(err, domain.ErrLLMUnavailable),
		errors.Is(err, domain.ErrCodeExecUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		LoggerFrom(r).Error("internal error", "error", err)
	}
	if errors.Is(err, domain.ErrBusy) {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, status, errorEnvelope{
		Error:   domain.ErrorCode(err),
		Message: err.Error(),
		Details: details,
	})
}
