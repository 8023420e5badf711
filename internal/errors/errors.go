// Package errors maps domain errors onto the HTTP error envelope.
//
// Every API failure is rendered as
//
//	{"error": {"code": "...", "message": "...", "request_id": "...", "details": {...}}}
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/3leaps/godetonate/pkg/job"
	"github.com/3leaps/godetonate/pkg/provider"
	"github.com/3leaps/godetonate/pkg/provisioner"
)

// Error codes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeCapacityExceeded   = "CAPACITY_EXCEEDED"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeConflict           = "CONFLICT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorBody is the payload of the error envelope.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the error envelope.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// HTTPError is an error that knows its status and code.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *HTTPError) Unwrap() error { return e.Err }

// WithDetails attaches details and returns e.
func (e *HTTPError) WithDetails(details map[string]any) *HTTPError {
	e.Details = details
	return e
}

// NewInvalidRequest reports a malformed request.
func NewInvalidRequest(format string, args ...any) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// NewNotFound reports a missing resource.
func NewNotFound(message string) *HTTPError {
	return &HTTPError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

// NewMethodNotAllowed reports an unsupported method on a known route.
func NewMethodNotAllowed(method, path string) *HTTPError {
	return &HTTPError{
		Status:  http.StatusMethodNotAllowed,
		Code:    CodeMethodNotAllowed,
		Message: fmt.Sprintf("method %s not allowed on %s", method, path),
	}
}

// NewServiceUnavailable reports a failing dependency.
func NewServiceUnavailable(message string) *HTTPError {
	return &HTTPError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: message}
}

// NewInternal wraps an unexpected failure.
func NewInternal(err error) *HTTPError {
	return &HTTPError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal error", Err: err}
}

// Classify maps err onto an HTTPError.
func Classify(err error) *HTTPError {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	var te *job.TransitionError
	switch {
	case errors.Is(err, job.ErrCapacityExceeded):
		return &HTTPError{Status: http.StatusTooManyRequests, Code: CodeCapacityExceeded, Message: "maximum concurrent detonations reached", Err: err}
	case errors.Is(err, job.ErrNotFound), errors.Is(err, provider.ErrNotFound):
		return &HTTPError{Status: http.StatusNotFound, Code: CodeNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, job.ErrDuplicateJobID):
		return &HTTPError{Status: http.StatusBadRequest, Code: CodeInvalidRequest, Message: err.Error(), Err: err}
	case errors.As(err, &te):
		return &HTTPError{
			Status:  http.StatusConflict,
			Code:    CodeConflict,
			Message: err.Error(),
			Details: map[string]any{"job_id": te.JobID, "state": string(te.From)},
			Err:     err,
		}
	case errors.Is(err, job.ErrNotTerminal):
		return &HTTPError{Status: http.StatusConflict, Code: CodeConflict, Message: err.Error(), Err: err}
	case errors.Is(err, provisioner.ErrProviderUnavailable), errors.Is(err, provider.ErrProviderUnavailable):
		return &HTTPError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: err.Error(), Err: err}
	}
	return NewInternal(err)
}

// RespondWithError writes err as an error envelope. Internal errors never
// expose their cause.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	he := Classify(err)
	body := HTTPErrorResponse{Error: ErrorBody{
		Code:      he.Code,
		Message:   he.Message,
		RequestID: chimw.GetReqID(r.Context()),
		Details:   he.Details,
	}}
	WriteResponse(w, he.Status, body)
}

// WriteResponse writes an error envelope with the given status.
func WriteResponse(w http.ResponseWriter, status int, body HTTPErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
