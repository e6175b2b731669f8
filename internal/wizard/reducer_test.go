package wizard

import (
	"errors"
	"testing"

	"github.com/pitabwire/carewizard/model"
)

func newSession(steps int) model.Session {
	return model.Session{
		ID:               "s-1",
		WizardID:         "provider.application",
		StepCount:        steps,
		Variant:          "doctor",
		Phase:            model.PhaseEditing,
		Values:           map[string]any{},
		FieldErrors:      map[string]string{},
		SubmissionStatus: model.StatusIdle,
		UploadProgress:   map[string]int{},
		UploadedRefs:     map[string][]string{},
		Version:          1,
	}
}

func mustReduce(t *testing.T, s model.Session, a Action) model.Session {
	t.Helper()
	next, err := Reduce(s, a)
	if err != nil {
		t.Fatalf("Reduce(%T): %v", a, err)
	}
	return next
}

func envelopeCode(err error) string {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

func TestReduce_doesNotMutateInput(t *testing.T) {
	s := newSession(3)
	s.Values["email"] = "a@b.co"

	next := mustReduce(t, s, SetField{Field: "email", Value: "c@d.co"})
	if s.Values["email"] != "a@b.co" {
		t.Errorf("input session mutated: %v", s.Values["email"])
	}
	if next.Values["email"] != "c@d.co" {
		t.Errorf("next email = %v", next.Values["email"])
	}
}

func TestSetField_clearsFieldError(t *testing.T) {
	s := newSession(3)
	s.FieldErrors["email"] = "Enter a valid email address"
	s.FieldErrors["phone"] = "Enter a valid phone number"

	next := mustReduce(t, s, SetField{Field: "email", Value: "fixed@example.com"})
	if _, ok := next.FieldErrors["email"]; ok {
		t.Error("email error should be cleared when its value changes")
	}
	if next.FieldErrors["phone"] == "" {
		t.Error("other field errors must be kept")
	}
}

func TestSetField_nilRemovesValue(t *testing.T) {
	s := newSession(3)
	s.Values["license_document"] = model.Resource{Name: "a.pdf"}
	s.UploadedRefs["license_document"] = []string{"s-1/license/1-a.pdf"}

	next := mustReduce(t, s, SetField{Field: "license_document"})
	if _, ok := next.Values["license_document"]; ok {
		t.Error("nil value should remove the field")
	}
	if _, ok := next.UploadedRefs["license_document"]; ok {
		t.Error("changing a resource must drop its uploaded reference")
	}
}

func TestSetField_rejectedWhileSubmitting(t *testing.T) {
	s := newSession(1)
	s = mustReduce(t, s, BeginSubmit{})

	_, err := Reduce(s, SetField{Field: "email", Value: "x@y.co"})
	if code := envelopeCode(err); code != model.ErrSubmissionInProgress {
		t.Errorf("code = %q, want %s", code, model.ErrSubmissionInProgress)
	}
}

func TestSetVariant_clearsOnlyScopedFields(t *testing.T) {
	s := newSession(3)
	s.Variant = "ambulance"
	s.Values = map[string]any{
		"full_name":     "Rapid Response Ltd",
		"email":         "ops@rapid.example",
		"provider_type": "ambulance",
		"coverage_area": "Lagos Island",
		"fleet_size":    4.0,
	}
	s.FieldErrors["fleet_size"] = "Must be at least 1"
	s.FieldErrors["email"] = "This value is already registered"

	next := mustReduce(t, s, SetVariant{
		Variant:      "doctor",
		VariantField: "provider_type",
		Clear:        []string{"coverage_area", "fleet_size"},
	})

	if next.Variant != "doctor" || next.Values["provider_type"] != "doctor" {
		t.Errorf("variant = %q, provider_type = %v", next.Variant, next.Values["provider_type"])
	}
	for _, f := range []string{"coverage_area", "fleet_size"} {
		if _, ok := next.Values[f]; ok {
			t.Errorf("%s should be cleared", f)
		}
	}
	if _, ok := next.FieldErrors["fleet_size"]; ok {
		t.Error("fleet_size error should be cleared")
	}
	if next.Values["full_name"] != "Rapid Response Ltd" || next.Values["email"] != "ops@rapid.example" {
		t.Errorf("shared values lost: %v", next.Values)
	}
	if next.FieldErrors["email"] == "" {
		t.Error("shared field error should be kept")
	}
}

func TestSetVariant_sameVariantIsNoop(t *testing.T) {
	s := newSession(3)
	s.Values["specialization"] = "Cardiology"

	next := mustReduce(t, s, SetVariant{Variant: "doctor", Clear: []string{"specialization"}})
	if next.Values["specialization"] != "Cardiology" {
		t.Error("re-selecting the current variant must not clear values")
	}
}

func TestSetVariant_refusedOncePaid(t *testing.T) {
	s := newSession(3)
	s.Variant = "classic"
	s.Values["plan"] = "classic"
	s.Receipt = &model.Receipt{Reference: "s-1-1", Amount: 1500000, Currency: "NGN"}

	_, err := Reduce(s, SetVariant{Variant: "executive", VariantField: "plan"})
	if envelopeCode(err) != model.ErrInvalidTransition {
		t.Fatalf("switching a paid session err = %v, want INVALID_TRANSITION", err)
	}

	same := mustReduce(t, s, SetVariant{Variant: "classic", VariantField: "plan"})
	if same.Receipt == nil || same.Variant != "classic" {
		t.Errorf("re-selecting the paid variant must keep the receipt, got %+v", same)
	}
}

func TestAdvance_blockedStaysOnStep(t *testing.T) {
	s := newSession(3)
	s.CurrentStep = 1
	s.FieldErrors["bio"] = "stale"

	next := mustReduce(t, s, Advance{
		Checked: []string{"specialization", "medical_license_number", "bio"},
		Errors:  map[string]string{"specialization": "This field is required"},
	})
	if next.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", next.CurrentStep)
	}
	if next.FieldErrors["specialization"] != "This field is required" {
		t.Errorf("FieldErrors = %v", next.FieldErrors)
	}
	if _, ok := next.FieldErrors["bio"]; ok {
		t.Error("errors of fields that passed should be cleared")
	}
}

func TestAdvance_passMovesForwardAndClearsNextStepErrors(t *testing.T) {
	s := newSession(3)
	s.FieldErrors["license_document"] = "stale"
	s.FieldErrors["unrelated"] = "kept"

	next := mustReduce(t, s, Advance{
		Checked:    []string{"email"},
		Values:     map[string]any{"email": "ada@example.com"},
		NextFields: []string{"license_document"},
	})
	if next.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", next.CurrentStep)
	}
	if next.Values["email"] != "ada@example.com" {
		t.Errorf("normalised value not stored: %v", next.Values["email"])
	}
	if _, ok := next.FieldErrors["license_document"]; ok {
		t.Error("next step errors should be cleared")
	}
	if next.FieldErrors["unrelated"] != "kept" {
		t.Error("errors outside current and next step should be untouched")
	}
}

func TestAdvance_clampedAtLastStep(t *testing.T) {
	s := newSession(2)
	s.CurrentStep = 1

	next := mustReduce(t, s, Advance{})
	if next.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", next.CurrentStep)
	}
}

func TestRetreat(t *testing.T) {
	s := newSession(3)
	s.CurrentStep = 2
	s.Values["specialization"] = "Cardiology"

	next := mustReduce(t, s, Retreat{})
	if next.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", next.CurrentStep)
	}
	if next.Values["specialization"] != "Cardiology" {
		t.Error("retreat must never clear values")
	}

	first := mustReduce(t, newSession(3), Retreat{})
	if first.CurrentStep != 0 {
		t.Errorf("retreat from step 0: CurrentStep = %d", first.CurrentStep)
	}
}

func TestBeginSubmit_onlyFromLastStep(t *testing.T) {
	s := newSession(3)
	if _, err := Reduce(s, BeginSubmit{}); envelopeCode(err) != model.ErrInvalidTransition {
		t.Errorf("err = %v, want INVALID_TRANSITION", err)
	}

	s.CurrentStep = 2
	next := mustReduce(t, s, BeginSubmit{})
	if next.Phase != model.PhaseSubmitting || next.SubmissionStatus != model.StatusUploading || next.Attempt != 1 {
		t.Errorf("after BeginSubmit: phase=%s status=%s attempt=%d", next.Phase, next.SubmissionStatus, next.Attempt)
	}
}

func TestSubmissionProgress_monotonic(t *testing.T) {
	s := mustReduce(t, newSession(1), BeginSubmit{})

	s = mustReduce(t, s, SubmissionProgress{Progress: map[string]int{"license_document": 40}})
	s = mustReduce(t, s, SubmissionProgress{Progress: map[string]int{"license_document": 20, "additional_documents": 150}})

	if got := s.UploadProgress["license_document"]; got != 40 {
		t.Errorf("license_document progress = %d, want 40 (never decreases)", got)
	}
	if got := s.UploadProgress["additional_documents"]; got != 100 {
		t.Errorf("additional_documents progress = %d, want clamped 100", got)
	}

	s = mustReduce(t, s, SubmissionProgress{Status: model.StatusCreatingRecord})
	if _, err := Reduce(s, SubmissionProgress{Status: model.StatusAwaitingPayment}); envelopeCode(err) != model.ErrInvalidTransition {
		t.Errorf("backward status move should be rejected, got %v", err)
	}
}

func TestSubmissionProgress_overall(t *testing.T) {
	s := mustReduce(t, newSession(1), BeginSubmit{})

	s = mustReduce(t, s, SubmissionProgress{Overall: 60})
	s = mustReduce(t, s, SubmissionProgress{Overall: 30})
	if s.UploadOverall != 60 {
		t.Errorf("overall = %d, want 60 (never decreases)", s.UploadOverall)
	}
	s = mustReduce(t, s, SubmissionProgress{Overall: 140})
	if s.UploadOverall != 100 {
		t.Errorf("overall = %d, want clamped 100", s.UploadOverall)
	}

	s = mustReduce(t, s, SubmissionProgress{Status: model.StatusCreatingRecord})
	s = mustReduce(t, s, SubmissionFailed{Err: model.NewRecordCreationError(nil)})
	s = mustReduce(t, s, ResetSubmission{})
	s = mustReduce(t, s, BeginSubmit{})
	if s.UploadOverall != 0 {
		t.Errorf("a new attempt starts at 0, got %d", s.UploadOverall)
	}
}

func TestSubmissionProgress_cannotTerminate(t *testing.T) {
	s := mustReduce(t, newSession(1), BeginSubmit{})
	for _, st := range []model.SubmissionStatus{model.StatusFailed, model.StatusSucceeded} {
		if _, err := Reduce(s, SubmissionProgress{Status: st}); err == nil {
			t.Errorf("progress to %s should require the terminal action", st)
		}
	}
}

func TestSubmissionFailed_preservesValuesAndAllowsRetry(t *testing.T) {
	s := newSession(1)
	s.Values["email"] = "ada@example.com"
	s = mustReduce(t, s, BeginSubmit{})
	s = mustReduce(t, s, SubmissionProgress{Status: model.StatusAwaitingPayment})

	s = mustReduce(t, s, SubmissionFailed{Err: model.NewPaymentCancelledError()})
	if s.SubmissionStatus != model.StatusFailed || s.Phase != model.PhaseEditing {
		t.Fatalf("status=%s phase=%s", s.SubmissionStatus, s.Phase)
	}
	if s.SubmissionError.Kind != model.KindPaymentCancelled {
		t.Errorf("kind = %s", s.SubmissionError.Kind)
	}
	if len(s.FieldErrors) != 0 {
		t.Error("submission errors must not leak into field errors")
	}
	if s.Values["email"] != "ada@example.com" {
		t.Error("values must survive a failed submission")
	}

	s = mustReduce(t, s, SetField{Field: "phone", Value: "+2348035550101"})
	s = mustReduce(t, s, ResetSubmission{})
	if s.SubmissionStatus != model.StatusIdle || s.SubmissionError != nil {
		t.Errorf("after reset: status=%s err=%v", s.SubmissionStatus, s.SubmissionError)
	}
	s = mustReduce(t, s, BeginSubmit{})
	if s.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", s.Attempt)
	}
}

func TestSubmissionSucceeded_requiresRecordPhase(t *testing.T) {
	s := mustReduce(t, newSession(1), BeginSubmit{})
	if _, err := Reduce(s, SubmissionSucceeded{RecordID: "r-1"}); err == nil {
		t.Fatal("success before creating_record must be rejected")
	}

	s = mustReduce(t, s, SubmissionProgress{Status: model.StatusCreatingRecord})
	s = mustReduce(t, s, SubmissionSucceeded{RecordID: "r-1"})
	if s.Phase != model.PhaseDone || s.RecordID != "r-1" || s.SubmissionStatus != model.StatusSucceeded {
		t.Errorf("phase=%s record=%s status=%s", s.Phase, s.RecordID, s.SubmissionStatus)
	}
	if _, err := Reduce(s, Retreat{}); err == nil {
		t.Error("a done session must reject edits")
	}
}

func TestResetSubmission_onlyFromFailed(t *testing.T) {
	if _, err := Reduce(newSession(1), ResetSubmission{}); err == nil {
		t.Error("reset from idle should fail")
	}
}

func TestDiscard_abortsInFlight(t *testing.T) {
	s := mustReduce(t, newSession(1), BeginSubmit{})
	s = mustReduce(t, s, Discard{})
	if s.Phase != model.PhaseDiscarded {
		t.Errorf("phase = %s", s.Phase)
	}
	if s.SubmissionError == nil || s.SubmissionError.Kind != model.KindAborted || s.SubmissionError.Phase != model.StatusUploading {
		t.Errorf("SubmissionError = %+v", s.SubmissionError)
	}
	if _, err := Reduce(s, Discard{}); err == nil {
		t.Error("double discard should fail")
	}
}
