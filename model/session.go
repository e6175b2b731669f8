package model

import (
	"io"
	"time"
)

// SubmissionStatus tracks the submission phase of a session.
type SubmissionStatus string

// Submission statuses, in forward order.
const (
	StatusIdle            SubmissionStatus = "idle"
	StatusUploading       SubmissionStatus = "uploading"
	StatusAwaitingPayment SubmissionStatus = "awaiting_payment"
	StatusCreatingRecord  SubmissionStatus = "creating_record"
	StatusSucceeded       SubmissionStatus = "succeeded"
	StatusFailed          SubmissionStatus = "failed"
)

var statusRank = map[SubmissionStatus]int{
	StatusIdle:            0,
	StatusUploading:       1,
	StatusAwaitingPayment: 2,
	StatusCreatingRecord:  3,
	StatusSucceeded:       4,
	StatusFailed:          4,
}

// CanTransition reports whether moving from s to next keeps the status
// monotonic. The only backward move allowed is failed -> idle.
func (s SubmissionStatus) CanTransition(next SubmissionStatus) bool {
	if s == StatusFailed {
		return next == StatusIdle
	}
	if s == StatusSucceeded {
		return false
	}
	if next == StatusFailed {
		return s != StatusIdle
	}
	return statusRank[next] > statusRank[s]
}

// InFlight reports whether a submission attempt is running.
func (s SubmissionStatus) InFlight() bool {
	return s == StatusUploading || s == StatusAwaitingPayment || s == StatusCreatingRecord
}

// Session phases.
const (
	PhaseEditing    = "editing"
	PhaseSubmitting = "submitting"
	PhaseDone       = "done"
	PhaseDiscarded  = "discarded"
)

// Session is the root aggregate of one wizard interaction. It is owned by a
// single wizard instance and only ever mutated through wizard.Reduce.
type Session struct {
	ID               string              `json:"id"`
	WizardID         string              `json:"wizard_id"`
	SubjectID        string              `json:"subject_id,omitempty"`
	CurrentStep      int                 `json:"current_step"`
	StepCount        int                 `json:"step_count"`
	Variant          string              `json:"variant"`
	Phase            string              `json:"phase"`
	Values           map[string]any      `json:"values"`
	FieldErrors      map[string]string   `json:"field_errors"`
	SubmissionStatus SubmissionStatus    `json:"submission_status"`
	SubmissionError  *SubmissionError    `json:"submission_error,omitempty"`
	UploadProgress   map[string]int      `json:"upload_progress"`
	UploadOverall    int                 `json:"upload_overall"`
	UploadedRefs     map[string][]string `json:"uploaded_refs,omitempty"`
	PaymentReference string              `json:"payment_reference,omitempty"`
	Receipt          *Receipt            `json:"receipt,omitempty"`
	RecordID         string              `json:"record_id,omitempty"`
	Attempt          int                 `json:"attempt"`
	Version          int                 `json:"version"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	ExpiresAt        *time.Time          `json:"expires_at,omitempty"`
}

// IsLastStep reports whether the session is on its final step.
func (s Session) IsLastStep() bool {
	return s.CurrentStep == s.StepCount-1
}

// Clone returns a deep copy of the session maps so reducers never alias the
// stored value.
func (s Session) Clone() Session {
	c := s
	c.Values = make(map[string]any, len(s.Values))
	for k, v := range s.Values {
		c.Values[k] = v
	}
	c.FieldErrors = make(map[string]string, len(s.FieldErrors))
	for k, v := range s.FieldErrors {
		c.FieldErrors[k] = v
	}
	c.UploadProgress = make(map[string]int, len(s.UploadProgress))
	for k, v := range s.UploadProgress {
		c.UploadProgress[k] = v
	}
	c.UploadedRefs = make(map[string][]string, len(s.UploadedRefs))
	for k, v := range s.UploadedRefs {
		c.UploadedRefs[k] = append([]string(nil), v...)
	}
	if s.Receipt != nil {
		r := *s.Receipt
		c.Receipt = &r
	}
	if s.SubmissionError != nil {
		e := *s.SubmissionError
		c.SubmissionError = &e
	}
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		c.ExpiresAt = &t
	}
	return c
}

// Resource is an attached binary waiting to be uploaded. Open is called once
// per upload attempt.
type Resource struct {
	Slot        string                        `json:"slot"`
	Name        string                        `json:"name"`
	ContentType string                        `json:"content_type"`
	Size        int64                         `json:"size"`
	Checksum    string                        `json:"checksum,omitempty"`
	Open        func() (io.ReadCloser, error) `json:"-"`
}

// ResourceKey identifies a resource across submission attempts.
func (r Resource) ResourceKey() string {
	return r.Slot + "/" + r.Name + "/" + r.Checksum
}

// PaymentRequest configures one payment session.
type PaymentRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Reference      string            `json:"reference"`
	RecipientEmail string            `json:"recipient_email"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Receipt is the proof of a successful payment.
type Receipt struct {
	Reference     string    `json:"reference"`
	TransactionID string    `json:"transaction_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Provider      string    `json:"provider"`
	PaidAt        time.Time `json:"paid_at"`
}

// Record is the created record returned by the record-creation boundary.
type Record struct {
	ID        string    `json:"id"`
	Table     string    `json:"table"`
	CreatedAt time.Time `json:"created_at"`
}
