// Package wizard implements the wizard state machine: a pure reducer over
// model.Session plus the Engine that drives sessions through their steps
// and into submission.
package wizard

import (
	"fmt"

	"github.com/pitabwire/carewizard/model"
)

// Action is one state transition applied by Reduce.
type Action interface {
	apply(s *model.Session) error
}

// Reduce applies a to a copy of s. On error the original session is
// returned unchanged.
func Reduce(s model.Session, a Action) (model.Session, error) {
	next := s.Clone()
	if err := a.apply(&next); err != nil {
		return s, err
	}
	return next, nil
}

func editable(s *model.Session) error {
	switch {
	case s.SubmissionStatus.InFlight():
		return model.NewSubmissionInProgressError()
	case s.Phase != model.PhaseEditing:
		return model.NewInvalidTransitionError(fmt.Sprintf("session is %s", s.Phase))
	}
	return nil
}

// SetField stores a raw value; a nil Value removes it. Any error recorded
// for the field is cleared, so an error never outlives the value it was
// computed from.
type SetField struct {
	Field string
	Value any
}

func (a SetField) apply(s *model.Session) error {
	if err := editable(s); err != nil {
		return err
	}
	if a.Value == nil {
		delete(s.Values, a.Field)
	} else {
		s.Values[a.Field] = a.Value
	}
	delete(s.FieldErrors, a.Field)
	delete(s.UploadedRefs, a.Field)
	return nil
}

// SetVariant switches the selected variant. Clear lists the variant-scoped
// fields not rendered for the new variant; their values, errors and
// uploaded references are dropped. Shared fields are untouched. A session
// holding a receipt is bound to the variant it paid for.
type SetVariant struct {
	Variant      string
	VariantField string
	Clear        []string
}

func (a SetVariant) apply(s *model.Session) error {
	if err := editable(s); err != nil {
		return err
	}
	if a.Variant == s.Variant {
		return nil
	}
	if s.Receipt != nil {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("payment was taken for %q, the plan cannot change; contact support", s.Variant),
		)
	}
	for _, f := range a.Clear {
		delete(s.Values, f)
		delete(s.FieldErrors, f)
		delete(s.UploadedRefs, f)
	}
	s.Variant = a.Variant
	if a.VariantField != "" {
		s.Values[a.VariantField] = a.Variant
		delete(s.FieldErrors, a.VariantField)
	}
	return nil
}

// Advance applies the outcome of a step gate. Checked names every field of
// the current step schema. When Errors is empty the normalised Values are
// stored, the step index moves forward (clamped to the last step) and the
// errors of NextFields are cleared. Otherwise the session stays on its step
// with Errors recorded; this is not an error of Reduce.
type Advance struct {
	Checked    []string
	Values     map[string]any
	Errors     map[string]string
	NextFields []string
}

func (a Advance) apply(s *model.Session) error {
	if err := editable(s); err != nil {
		return err
	}
	for _, f := range a.Checked {
		delete(s.FieldErrors, f)
	}
	if len(a.Errors) > 0 {
		for f, msg := range a.Errors {
			s.FieldErrors[f] = msg
		}
		return nil
	}
	for f, v := range a.Values {
		s.Values[f] = v
	}
	if s.IsLastStep() {
		return nil
	}
	s.CurrentStep++
	for _, f := range a.NextFields {
		delete(s.FieldErrors, f)
	}
	return nil
}

// Retreat moves back one step without validation. Values are never
// cleared. Retreating from the first step is a no-op.
type Retreat struct{}

func (Retreat) apply(s *model.Session) error {
	if err := editable(s); err != nil {
		return err
	}
	if s.CurrentStep > 0 {
		s.CurrentStep--
	}
	return nil
}

// BeginSubmit moves a validated session on its last step into the upload
// phase of a new attempt.
type BeginSubmit struct{}

func (BeginSubmit) apply(s *model.Session) error {
	if err := editable(s); err != nil {
		return err
	}
	if !s.IsLastStep() {
		return model.NewInvalidTransitionError("submit is only allowed from the last step")
	}
	if s.SubmissionStatus != model.StatusIdle {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("cannot submit while submission is %s", s.SubmissionStatus),
		)
	}
	s.Phase = model.PhaseSubmitting
	s.SubmissionStatus = model.StatusUploading
	s.SubmissionError = nil
	s.UploadProgress = make(map[string]int)
	s.UploadOverall = 0
	s.Attempt++
	return nil
}

// SubmissionProgress reports work done by the submission phases. Status,
// when set, must be a forward transition. Progress and Overall values lower
// than the recorded ones are ignored and everything is clamped to [0,100].
type SubmissionProgress struct {
	Status           model.SubmissionStatus
	Progress         map[string]int
	Overall          int
	Refs             map[string][]string
	PaymentReference string
	Receipt          *model.Receipt
}

func (a SubmissionProgress) apply(s *model.Session) error {
	if s.Phase != model.PhaseSubmitting {
		return model.NewInvalidTransitionError(fmt.Sprintf("session is %s", s.Phase))
	}
	if a.Status != "" && a.Status != s.SubmissionStatus {
		if !s.SubmissionStatus.CanTransition(a.Status) || a.Status == model.StatusFailed || a.Status == model.StatusSucceeded {
			return model.NewInvalidTransitionError(
				fmt.Sprintf("submission cannot move from %s to %s", s.SubmissionStatus, a.Status),
			)
		}
		s.SubmissionStatus = a.Status
	}
	if len(a.Progress) > 0 && s.SubmissionStatus == model.StatusUploading {
		for slot, pct := range a.Progress {
			pct = min(max(pct, 0), 100)
			if cur, ok := s.UploadProgress[slot]; !ok || pct > cur {
				s.UploadProgress[slot] = pct
			}
		}
	}
	if a.Overall > s.UploadOverall && s.SubmissionStatus == model.StatusUploading {
		s.UploadOverall = min(a.Overall, 100)
	}
	for slot, refs := range a.Refs {
		s.UploadedRefs[slot] = append([]string(nil), refs...)
	}
	if a.PaymentReference != "" {
		s.PaymentReference = a.PaymentReference
	}
	if a.Receipt != nil {
		r := *a.Receipt
		s.Receipt = &r
	}
	return nil
}

// SubmissionFailed ends the running attempt. The session returns to its
// last step with every value intact and Err in the session-level error
// slot, separate from field errors.
type SubmissionFailed struct {
	Err *model.SubmissionError
}

func (a SubmissionFailed) apply(s *model.Session) error {
	if s.Phase != model.PhaseSubmitting || !s.SubmissionStatus.CanTransition(model.StatusFailed) {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("cannot fail submission in status %s", s.SubmissionStatus),
		)
	}
	s.SubmissionStatus = model.StatusFailed
	s.SubmissionError = a.Err
	s.Phase = model.PhaseEditing
	return nil
}

// SubmissionSucceeded completes the session.
type SubmissionSucceeded struct {
	RecordID string
}

func (a SubmissionSucceeded) apply(s *model.Session) error {
	if s.Phase != model.PhaseSubmitting || s.SubmissionStatus != model.StatusCreatingRecord {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("cannot complete submission in status %s", s.SubmissionStatus),
		)
	}
	s.SubmissionStatus = model.StatusSucceeded
	s.RecordID = a.RecordID
	s.Phase = model.PhaseDone
	return nil
}

// ResetSubmission is the user's retry: failed -> idle. The submission error
// is cleared; uploaded references and any receipt are kept for reuse.
type ResetSubmission struct{}

func (ResetSubmission) apply(s *model.Session) error {
	if s.SubmissionStatus != model.StatusFailed {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("cannot reset submission in status %s", s.SubmissionStatus),
		)
	}
	s.SubmissionStatus = model.StatusIdle
	s.SubmissionError = nil
	return nil
}

// Discard ends the session. An attempt still in flight is marked aborted.
type Discard struct{}

func (Discard) apply(s *model.Session) error {
	if s.Phase == model.PhaseDiscarded {
		return model.NewInvalidTransitionError("session is already discarded")
	}
	if s.SubmissionStatus.InFlight() {
		s.SubmissionError = model.NewAbortedError(s.SubmissionStatus)
		s.SubmissionStatus = model.StatusFailed
	}
	s.Phase = model.PhaseDiscarded
	return nil
}
