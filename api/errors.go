package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opspulse/opspulse/contracts"
)

// internalMessageLimit caps how much backend detail leaks into a 500 body.
const internalMessageLimit = 200

// ErrorCode is the machine-readable tag carried in error envelopes.
type ErrorCode string

// Error codes for API responses.
const (
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeBadRequest   ErrorCode = "BAD_REQUEST"
	CodeValidation   ErrorCode = "VALIDATION_ERROR"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeInternal     ErrorCode = "INTERNAL"
)

// HTTPError is a domain error mapped to an HTTP status and code.
type HTTPError struct {
	StatusCode int
	Code       ErrorCode
	Err        error
}

func (e *HTTPError) Error() string {
	return e.Err.Error()
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// MapError maps a domain error to an HTTPError. Unknown errors become
// INTERNAL with the message truncated so backend detail does not leak
// wholesale to clients.
func MapError(err error) *HTTPError {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, contracts.ErrUnauthorized):
		return &HTTPError{http.StatusUnauthorized, CodeUnauthorized, err}

	case errors.Is(err, contracts.ErrInvalidInput):
		return &HTTPError{http.StatusBadRequest, CodeBadRequest, err}

	case errors.Is(err, contracts.ErrValidation):
		return &HTTPError{http.StatusBadRequest, CodeValidation, err}

	case errors.Is(err, contracts.ErrRoutineNotFound):
		return &HTTPError{http.StatusNotFound, CodeNotFound, err}

	default:
		return &HTTPError{http.StatusInternalServerError, CodeInternal, err}
	}
}

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// writeError serializes err into the JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	httpErr := MapError(err)
	msg := httpErr.Err.Error()
	if httpErr.Code == CodeInternal && len(msg) > internalMessageLimit {
		msg = msg[:internalMessageLimit]
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpErr.StatusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{Code: httpErr.Code, Message: msg},
	})
}

// writeJSON serializes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
