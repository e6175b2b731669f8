package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInvalidTransition  = "INVALID_TRANSITION"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
	ErrUnauthorized       = "UNAUTHORIZED"
)

// Wizard-specific error codes.
const (
	ErrSessionNotFound      = "SESSION_NOT_FOUND"
	ErrSessionExpired       = "SESSION_EXPIRED"
	ErrSubmissionInProgress = "SUBMISSION_IN_PROGRESS"
	ErrSubmissionFailed     = "SUBMISSION_FAILED"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code       string           `json:"code"`
	Message    string           `json:"message"`
	Details    []FieldError     `json:"details,omitempty"`
	Submission *SubmissionError `json:"submission,omitempty"`
	TraceID    string           `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewSessionNotFoundError returns a SESSION_NOT_FOUND error.
func NewSessionNotFoundError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSessionNotFound,
		Message: fmt.Sprintf("wizard session %q not found", id),
	}
}

// NewSessionExpiredError returns a SESSION_EXPIRED error.
func NewSessionExpiredError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSessionExpired,
		Message: fmt.Sprintf("wizard session %q has expired", id),
	}
}

// NewSubmissionInProgressError returns a SUBMISSION_IN_PROGRESS error.
func NewSubmissionInProgressError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSubmissionInProgress,
		Message: "A submission is already in progress for this session",
	}
}

// NewSubmissionFailedError wraps a submission-scoped error in an envelope.
func NewSubmissionFailedError(se *SubmissionError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:       ErrSubmissionFailed,
		Message:    se.Message,
		Submission: se,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backend service is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The backend service did not respond in time",
	}
}

// SubmissionErrorKind classifies submission-phase failures.
type SubmissionErrorKind string

// Submission error kinds.
const (
	KindUploadFailed       SubmissionErrorKind = "upload_failed"
	KindPaymentCancelled   SubmissionErrorKind = "payment_cancelled"
	KindPaymentFailed      SubmissionErrorKind = "payment_failed"
	KindProvisioningFailed SubmissionErrorKind = "provisioning_failed"
	KindRecordFailed       SubmissionErrorKind = "record_creation_failed"
	KindTimeout            SubmissionErrorKind = "timeout"
	KindAborted            SubmissionErrorKind = "aborted"
)

// SubmissionError is the single session-level error slot. It is distinct
// from field errors: it says why submission failed, not which step holds
// bad data.
type SubmissionError struct {
	Kind      SubmissionErrorKind `json:"kind"`
	Phase     SubmissionStatus    `json:"phase"`
	Message   string              `json:"message"`
	Slot      string              `json:"slot,omitempty"`
	Retryable bool                `json:"retryable"`
	// ContactSupport is set when payment was taken but the account could not
	// be provisioned.
	ContactSupport bool `json:"contact_support,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *SubmissionError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *SubmissionError) Unwrap() error { return e.cause }

// NewUploadError reports a failed upload for the given resource slot.
func NewUploadError(slot, msg string, cause error) *SubmissionError {
	return &SubmissionError{
		Kind:      KindUploadFailed,
		Phase:     StatusUploading,
		Message:   msg,
		Slot:      slot,
		Retryable: true,
		cause:     cause,
	}
}

// NewPaymentCancelledError reports a user-cancelled payment.
func NewPaymentCancelledError() *SubmissionError {
	return &SubmissionError{
		Kind:      KindPaymentCancelled,
		Phase:     StatusAwaitingPayment,
		Message:   "payment cancelled",
		Retryable: true,
	}
}

// NewPaymentFailedError reports a gateway-side decline or error.
func NewPaymentFailedError(msg string, cause error) *SubmissionError {
	return &SubmissionError{
		Kind:      KindPaymentFailed,
		Phase:     StatusAwaitingPayment,
		Message:   msg,
		Retryable: true,
		cause:     cause,
	}
}

// NewProvisioningError reports a record-creation failure after payment
// succeeded. Resubmission reuses the stored receipt and never charges again.
func NewProvisioningError(cause error) *SubmissionError {
	return &SubmissionError{
		Kind:           KindProvisioningFailed,
		Phase:          StatusCreatingRecord,
		Message:        "payment succeeded, account creation failed, contact support",
		Retryable:      true,
		ContactSupport: true,
		cause:          cause,
	}
}

// NewReceiptMismatchError reports a payment on file that does not cover
// the selected variant. It is never reused and never charged again.
func NewReceiptMismatchError(cause error) *SubmissionError {
	return &SubmissionError{
		Kind:           KindProvisioningFailed,
		Phase:          StatusAwaitingPayment,
		Message:        "payment on file does not match the selected plan, contact support",
		ContactSupport: true,
		cause:          cause,
	}
}

// NewRecordCreationError reports a record-creation failure when no payment
// was taken.
func NewRecordCreationError(cause error) *SubmissionError {
	return &SubmissionError{
		Kind:      KindRecordFailed,
		Phase:     StatusCreatingRecord,
		Message:   "record creation failed",
		Retryable: true,
		cause:     cause,
	}
}

// NewTimeoutError reports a phase that did not resolve in time.
func NewTimeoutError(phase SubmissionStatus) *SubmissionError {
	return &SubmissionError{
		Kind:      KindTimeout,
		Phase:     phase,
		Message:   fmt.Sprintf("%s did not complete in time", phase),
		Retryable: true,
	}
}

// NewAbortedError reports a submission aborted by session cancellation.
func NewAbortedError(phase SubmissionStatus) *SubmissionError {
	return &SubmissionError{
		Kind:    KindAborted,
		Phase:   phase,
		Message: "submission aborted",
	}
}

// AsSubmissionError extracts a *SubmissionError from err.
func AsSubmissionError(err error) (*SubmissionError, bool) {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
