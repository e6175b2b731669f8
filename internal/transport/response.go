// Package transport contains the HTTP router, middleware chain and request
// handlers of the wizard API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/carewizard/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:           http.StatusBadRequest,
	model.ErrUnauthorized:         http.StatusUnauthorized,
	model.ErrNotFound:             http.StatusNotFound,
	model.ErrConflict:             http.StatusConflict,
	model.ErrValidationError:      http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:    http.StatusConflict,
	model.ErrInternalError:        http.StatusInternalServerError,
	model.ErrBackendUnavailable:   http.StatusBadGateway,
	model.ErrBackendTimeout:       http.StatusGatewayTimeout,
	model.ErrSessionNotFound:      http.StatusNotFound,
	model.ErrSessionExpired:       http.StatusGone,
	model.ErrSubmissionInProgress: http.StatusConflict,
	model.ErrSubmissionFailed:     http.StatusUnprocessableEntity,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an ErrorEnvelope with the matching HTTP status.
// A SubmissionError is wrapped in SUBMISSION_FAILED; anything else that is
// not an ErrorEnvelope becomes a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		if se, ok := model.AsSubmissionError(err); ok {
			ee = model.NewSubmissionFailedError(se)
		} else {
			ee = model.NewInternalError()
		}
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
