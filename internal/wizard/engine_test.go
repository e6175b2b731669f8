package wizard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/carewizard/internal/definition"
	"github.com/pitabwire/carewizard/model"
)

func testWizard() model.WizardDefinition {
	return model.WizardDefinition{
		ID:             "provider.application",
		Name:           "Provider Application",
		VariantField:   "provider_type",
		DefaultVariant: "doctor",
		Checksum:       "v1",
		Record:         model.RecordBinding{Table: "provider_applications"},
		Variants: []model.VariantDefinition{
			{ID: "doctor"},
			{ID: "ambulance"},
		},
		Steps: []model.StepDefinition{
			{ID: "basic_info", Groups: []model.FieldGroup{
				{ID: "identity", Fields: []model.FieldDefinition{
					{Field: "provider_type", Type: model.FieldTypeSelect, Required: true},
					{Field: "full_name", Type: model.FieldTypeText, Required: true},
					{Field: "email", Type: model.FieldTypeEmail, Required: true, Rules: []model.RuleDefinition{{Type: model.RuleEmail}}},
				}},
			}},
			{ID: "professional_info", Groups: []model.FieldGroup{
				{ID: "doctor_details", Variants: []string{"doctor"}, Fields: []model.FieldDefinition{
					{Field: "specialization", Type: model.FieldTypeText, Required: true},
					{Field: "medical_license_number", Type: model.FieldTypeText, Required: true},
				}},
				{ID: "ambulance_details", Variants: []string{"ambulance"}, Fields: []model.FieldDefinition{
					{Field: "coverage_area", Type: model.FieldTypeText, Required: true},
					{Field: "fleet_size", Type: model.FieldTypeNumber, Required: true, Rules: []model.RuleDefinition{{Type: model.RuleNumericMin, Value: "1"}}},
				}},
			}},
			{ID: "documents", Groups: []model.FieldGroup{
				{ID: "uploads", Fields: []model.FieldDefinition{
					{Field: "license_document", Type: model.FieldTypeFile, Required: true, Resource: &model.ResourceDefinition{Category: "license"}},
					{Field: "additional_documents", Type: model.FieldTypeFileList, Resource: &model.ResourceDefinition{Category: "additional", MaxFiles: 2}},
					{Field: "terms_accepted", Type: model.FieldTypeCheckbox, Required: true, Rules: []model.RuleDefinition{{Type: model.RuleMustBeTrue}}},
				}},
			}},
		},
	}
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []model.Session
	run   func(ctx context.Context, s model.Session, report Reporter) (model.Record, error)
}

func (f *fakeSubmitter) Run(ctx context.Context, _ model.WizardDefinition, s model.Session, report Reporter) (model.Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
	return f.run(ctx, s, report)
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func succeeding(recordID string) func(context.Context, model.Session, Reporter) (model.Record, error) {
	return func(ctx context.Context, s model.Session, report Reporter) (model.Record, error) {
		if err := report(ctx, SubmissionProgress{
			Progress: map[string]int{"license_document": 100},
			Refs:     map[string][]string{"license_document": {s.ID + "/license/1-license.pdf"}},
		}); err != nil {
			return model.Record{}, err
		}
		if err := report(ctx, SubmissionProgress{Status: model.StatusCreatingRecord}); err != nil {
			return model.Record{}, err
		}
		return model.Record{ID: recordID, Table: "provider_applications"}, nil
	}
}

func newTestEngine(t *testing.T, sub *fakeSubmitter, opts ...Option) (*Engine, *MemorySessionStore) {
	t.Helper()
	store := NewMemorySessionStore()
	reg := definition.NewRegistry([]model.WizardDefinition{testWizard()})
	return NewEngine(reg, store, sub, opts...), store
}

// fillToLastStep walks a doctor session through the first two steps.
func fillToLastStep(t *testing.T, e *Engine) model.Session {
	t.Helper()
	ctx := context.Background()

	s, err := e.Start(ctx, "provider.application", map[string]any{
		"full_name": "Dr. Ada Obi",
		"email":     "Ada@Example.com",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s, err = e.Advance(ctx, s.ID); err != nil || s.CurrentStep != 1 {
		t.Fatalf("Advance step 0: step=%d err=%v errors=%v", s.CurrentStep, err, s.FieldErrors)
	}
	if _, err = e.SetFields(ctx, s.ID, map[string]any{"specialization": "Cardiology", "medical_license_number": "MD-12345"}); err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	if s, err = e.Advance(ctx, s.ID); err != nil || s.CurrentStep != 2 {
		t.Fatalf("Advance step 1: step=%d err=%v errors=%v", s.CurrentStep, err, s.FieldErrors)
	}
	if _, err = e.AttachResource(ctx, s.ID, "license_document", model.Resource{Name: "license.pdf", ContentType: "application/pdf", Size: 1024}); err != nil {
		t.Fatalf("AttachResource: %v", err)
	}
	s, err = e.SetFields(ctx, s.ID, map[string]any{"terms_accepted": "on"})
	if err != nil {
		t.Fatalf("SetFields terms: %v", err)
	}
	return s
}

// --- Start / Get ---

func TestEngine_Start(t *testing.T) {
	e, store := newTestEngine(t, &fakeSubmitter{})
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: "user-1", CorrelationID: "c-1"})

	s, err := e.Start(ctx, "provider.application", map[string]any{"email": "a@b.co", "license_document": "ignored", "unknown": 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.CurrentStep != 0 || s.StepCount != 3 || s.Variant != "doctor" || s.Phase != model.PhaseEditing {
		t.Errorf("session = %+v", s)
	}
	if s.Values["provider_type"] != "doctor" || s.Values["email"] != "a@b.co" {
		t.Errorf("values = %v", s.Values)
	}
	for _, k := range []string{"license_document", "unknown"} {
		if _, ok := s.Values[k]; ok {
			t.Errorf("%s should not be accepted on start", k)
		}
	}
	if s.SubjectID != "user-1" {
		t.Errorf("SubjectID = %q", s.SubjectID)
	}
	if s.ExpiresAt == nil || time.Until(*s.ExpiresAt) < time.Hour {
		t.Errorf("ExpiresAt = %v", s.ExpiresAt)
	}
	if store.Len() != 1 {
		t.Errorf("store.Len() = %d", store.Len())
	}
}

func TestEngine_Start_variantFromInput(t *testing.T) {
	e, _ := newTestEngine(t, &fakeSubmitter{})
	s, err := e.Start(context.Background(), "provider.application", map[string]any{"provider_type": "ambulance"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Variant != "ambulance" {
		t.Errorf("Variant = %q", s.Variant)
	}
}

func TestEngine_Start_unknownWizard(t *testing.T) {
	e, _ := newTestEngine(t, &fakeSubmitter{})
	_, err := e.Start(context.Background(), "nope", nil)
	if code := envelopeCode(err); code != model.ErrNotFound {
		t.Errorf("code = %q", code)
	}
}

// --- Advance / Retreat ---

func TestEngine_Advance_missingSpecializationForDoctor(t *testing.T) {
	e, _ := newTestEngine(t, &fakeSubmitter{})
	ctx := context.Background()
	s, _ := e.Start(ctx, "provider.application", map[string]any{"full_name": "Dr. Ada", "email": "ada@example.com"})
	s, _ = e.Advance(ctx, s.ID)
	_, _ = e.SetFields(ctx, s.ID, map[string]any{"medical_license_number": "MD-12345"})

	s, err := e.Advance(ctx, s.ID)
	if err != nil {
		t.Fatalf("a blocked gate is not an error: %v", err)
	}
	if s.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", s.CurrentStep)
	}
	if len(s.FieldErrors) != 1 || s.FieldErrors["specialization"] == "" {
		t.Errorf("FieldErrors = %v, want only specialization", s.FieldErrors)
	}
}

func TestEngine_Advance_storesNormalisedValues(t *testing.T) {
	e, _ := newTestEngine(t, &fakeSubmitter{})
	ctx := context.Background()
	s, _ := e.Start(ctx, "provider.application", map[string]any{"full_name": "  <i>Ada</i> Obi ", "email": " ADA@Example.com"})

	s, _ = e.Advance(ctx, s.ID)
	if s.Values["full_name"] != "Ada Obi" || s.Values["email"] != "ada@example.com" {
		t.Errorf("values = %v", s.Values)
	}
}

func TestEngine_Retreat_keepsValues(t *testing.T) {
	e, _ := newTestEngine(t, &fakeSubmitter{})
	s := fillToLastStep(t, e)

	s, err := e.Retreat(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Retreat: %v", err)
	}
	if s.CurrentStep != 1 || s.Values["specialization"] != "Cardiology" {
		t.Errorf("step=%d values=%v", s.CurrentStep, s.Values)
	}
}

// --- Variants ---

func TestEngine_SetVariant_clearsScopedFields(t *testing.T) {
	e, _ := newTestEngine(t, &fakeSubmitter{})
	s := fillToLastStep(t, e)

	s, err := e.SetVariant(context.Background(), s.ID, "ambulance")
	if err != nil {
		t.Fatalf("SetVariant: %v", err)
	}
	if _, ok := s.Values["specialization"]; ok {
		t.Error("specialization should be cleared when switching to ambulance")
	}
	if s.Values["email"] != "ada@example.com" || s.Values["full_name"] != "Dr. Ada Obi" {
		t.Errorf("shared values lost: %v", s.Values)
	}
	if s.Values["provider_type"] != "ambulance" {
		t.Errorf("provider_type = %v", s.Values["provider_type"])
	}
}

func TestEngine_SetFields_variantFieldSwitchesVariant(t *testing.T) {
	e, _ := newTestEngine(t, &fakeSubmitter{})
	s, _ := e.Start(context.Background(), "provider.application", nil)

	s, err := e.SetFields(context.Background(), s.ID, map[string]any{"provider_type": "ambulance"})
	if err != nil {
		t.Fatalf("SetFields: %v", err)
	}
	if s.Variant != "ambulance" {
		t.Errorf("Variant = %q", s.Variant)
	}

	_, err = e.SetFields(context.Background(), s.ID, map[string]any{"provider_type": "veterinary"})
	if code := envelopeCode(err); code != model.ErrValidationError {
		t.Errorf("code = %q, want VALIDATION_ERROR", code)
	}
}

func TestEngine_SetFields_rejectsUnknownAndFileFields(t *testing.T) {
	e, _ := newTestEngine(t, &fakeSubmitter{})
	s, _ := e.Start(context.Background(), "provider.application", nil)

	for _, values := range []map[string]any{
		{"nickname": "x"},
		{"license_document": "license.pdf"},
	} {
		if _, err := e.SetFields(context.Background(), s.ID, values); envelopeCode(err) != model.ErrBadRequest {
			t.Errorf("SetFields(%v) err = %v, want BAD_REQUEST", values, err)
		}
	}
}

// --- Resources ---

func TestEngine_AttachResource(t *testing.T) {
	e, _ := newTestEngine(t, &fakeSubmitter{})
	ctx := context.Background()
	s, _ := e.Start(ctx, "provider.application", nil)

	if _, err := e.AttachResource(ctx, s.ID, "full_name", model.Resource{Name: "x"}); envelopeCode(err) != model.ErrBadRequest {
		t.Errorf("non-resource slot err = %v", err)
	}

	for i := 0; i < 2; i++ {
		var err error
		s, err = e.AttachResource(ctx, s.ID, "additional_documents", model.Resource{Name: "doc.pdf", Size: 10})
		if err != nil {
			t.Fatalf("AttachResource %d: %v", i, err)
		}
	}
	docs, _ := s.Values["additional_documents"].([]model.Resource)
	if len(docs) != 2 || docs[0].Slot != "additional_documents" {
		t.Errorf("additional_documents = %+v", docs)
	}

	_, err := e.AttachResource(ctx, s.ID, "additional_documents", model.Resource{Name: "third.pdf", Size: 10})
	if code := envelopeCode(err); code != model.ErrValidationError {
		t.Errorf("over max_files code = %q", code)
	}
}

// --- Submit ---

func TestEngine_Submit_notOnLastStep(t *testing.T) {
	e, _ := newTestEngine(t, &fakeSubmitter{})
	s, _ := e.Start(context.Background(), "provider.application", nil)

	_, err := e.Submit(context.Background(), s.ID)
	if code := envelopeCode(err); code != model.ErrInvalidTransition {
		t.Errorf("code = %q", code)
	}
}

func TestEngine_Submit_validationFailure(t *testing.T) {
	sub := &fakeSubmitter{run: succeeding("rec-1")}
	e, _ := newTestEngine(t, sub)
	s := fillToLastStep(t, e)
	_, _ = e.SetFields(context.Background(), s.ID, map[string]any{"terms_accepted": false})

	s, err := e.Submit(context.Background(), s.ID)
	if code := envelopeCode(err); code != model.ErrValidationError {
		t.Fatalf("code = %q, want VALIDATION_ERROR", code)
	}
	if s.SubmissionStatus != model.StatusIdle || s.FieldErrors["terms_accepted"] == "" {
		t.Errorf("status=%s errors=%v", s.SubmissionStatus, s.FieldErrors)
	}
	if sub.callCount() != 0 {
		t.Error("submitter must not run when validation fails")
	}
}

func TestEngine_Submit_success(t *testing.T) {
	sub := &fakeSubmitter{run: succeeding("rec-1")}
	e, _ := newTestEngine(t, sub)
	s := fillToLastStep(t, e)

	s, err := e.Submit(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if s.Phase != model.PhaseSubmitting || s.SubmissionStatus != model.StatusUploading {
		t.Errorf("phase=%s status=%s", s.Phase, s.SubmissionStatus)
	}

	s, err = e.Wait(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if s.Phase != model.PhaseDone || s.SubmissionStatus != model.StatusSucceeded || s.RecordID != "rec-1" {
		t.Errorf("phase=%s status=%s record=%s", s.Phase, s.SubmissionStatus, s.RecordID)
	}
	if s.UploadProgress["license_document"] != 100 || len(s.UploadedRefs["license_document"]) != 1 {
		t.Errorf("progress=%v refs=%v", s.UploadProgress, s.UploadedRefs)
	}
	if sub.callCount() != 1 {
		t.Errorf("submitter calls = %d", sub.callCount())
	}
}

func TestEngine_Submit_failureThenRetry(t *testing.T) {
	sub := &fakeSubmitter{}
	sub.run = func(ctx context.Context, s model.Session, report Reporter) (model.Record, error) {
		if s.Attempt == 1 {
			if err := report(ctx, SubmissionProgress{Status: model.StatusAwaitingPayment}); err != nil {
				return model.Record{}, err
			}
			return model.Record{}, model.NewPaymentCancelledError()
		}
		return succeeding("rec-2")(ctx, s, report)
	}
	e, _ := newTestEngine(t, sub)
	s := fillToLastStep(t, e)
	ctx := context.Background()

	_, _ = e.Submit(ctx, s.ID)
	s, _ = e.Wait(ctx, s.ID)
	if s.SubmissionStatus != model.StatusFailed || s.SubmissionError == nil || s.SubmissionError.Kind != model.KindPaymentCancelled {
		t.Fatalf("status=%s err=%+v", s.SubmissionStatus, s.SubmissionError)
	}
	if s.Values["specialization"] != "Cardiology" || s.CurrentStep != 2 {
		t.Error("values and step must survive a failed submission")
	}

	if _, err := e.Submit(ctx, s.ID); err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
	s, _ = e.Wait(ctx, s.ID)
	if s.Phase != model.PhaseDone || s.Attempt != 2 {
		t.Errorf("phase=%s attempt=%d", s.Phase, s.Attempt)
	}
}

func TestEngine_Submit_rejectsWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	sub := &fakeSubmitter{run: func(ctx context.Context, s model.Session, report Reporter) (model.Record, error) {
		<-release
		return succeeding("rec-1")(ctx, s, report)
	}}
	e, _ := newTestEngine(t, sub)
	s := fillToLastStep(t, e)

	if _, err := e.Submit(context.Background(), s.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, err := e.Submit(context.Background(), s.ID)
	if code := envelopeCode(err); code != model.ErrSubmissionInProgress {
		t.Errorf("second submit code = %q", code)
	}
	if _, err := e.SetFields(context.Background(), s.ID, map[string]any{"full_name": "x"}); envelopeCode(err) != model.ErrSubmissionInProgress {
		t.Errorf("edit during submission err = %v", err)
	}
	close(release)
	_, _ = e.Wait(context.Background(), s.ID)
}

func TestEngine_Resume(t *testing.T) {
	sub := &fakeSubmitter{}
	sub.run = func(ctx context.Context, s model.Session, report Reporter) (model.Record, error) {
		if s.Attempt == 1 {
			_ = report(ctx, SubmissionProgress{Status: model.StatusAwaitingPayment})
			_ = report(ctx, SubmissionProgress{
				Status:  model.StatusCreatingRecord,
				Receipt: &model.Receipt{Reference: "ref-1", TransactionID: "txn-1"},
			})
			return model.Record{}, model.NewProvisioningError(context.DeadlineExceeded)
		}
		if s.Receipt == nil || s.Receipt.TransactionID != "txn-1" {
			t.Errorf("resume must carry the stored receipt, got %+v", s.Receipt)
		}
		return succeeding("rec-9")(ctx, s, report)
	}
	e, _ := newTestEngine(t, sub)
	ctx := context.Background()
	s := fillToLastStep(t, e)

	if _, err := e.Resume(ctx, s.ID); envelopeCode(err) != model.ErrInvalidTransition {
		t.Errorf("resume without receipt err = %v", err)
	}

	_, _ = e.Submit(ctx, s.ID)
	s, _ = e.Wait(ctx, s.ID)
	if !s.SubmissionError.ContactSupport {
		t.Fatalf("SubmissionError = %+v", s.SubmissionError)
	}

	if _, err := e.Resume(ctx, s.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	s, _ = e.Wait(ctx, s.ID)
	if s.Phase != model.PhaseDone || s.RecordID != "rec-9" {
		t.Errorf("phase=%s record=%s", s.Phase, s.RecordID)
	}
}

// --- Cancel / expiry ---

func TestEngine_Cancel_abortsInFlightSubmission(t *testing.T) {
	aborted := make(chan struct{})
	sub := &fakeSubmitter{run: func(ctx context.Context, s model.Session, _ Reporter) (model.Record, error) {
		<-ctx.Done()
		close(aborted)
		return model.Record{}, model.NewAbortedError(model.StatusUploading)
	}}
	e, _ := newTestEngine(t, sub)
	s := fillToLastStep(t, e)

	if _, err := e.Submit(context.Background(), s.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.Cancel(context.Background(), s.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight submission was not cancelled")
	}
	if _, err := e.Get(context.Background(), s.ID); envelopeCode(err) != model.ErrSessionNotFound {
		t.Errorf("Get after cancel err = %v", err)
	}
}

// cancellingStore starts a Cancel as soon as a submission attempt is
// persisted, before Submit has returned.
type cancellingStore struct {
	SessionStore
	once   sync.Once
	cancel func(id string)
}

func (c *cancellingStore) Update(ctx context.Context, s model.Session) (model.Session, error) {
	stored, err := c.SessionStore.Update(ctx, s)
	if err == nil && s.SubmissionStatus == model.StatusUploading {
		c.once.Do(func() { go c.cancel(s.ID) })
	}
	return stored, err
}

func TestEngine_Cancel_racingSubmitStillAbortsAttempt(t *testing.T) {
	aborted := make(chan struct{})
	sub := &fakeSubmitter{run: func(ctx context.Context, s model.Session, _ Reporter) (model.Record, error) {
		<-ctx.Done()
		close(aborted)
		return model.Record{}, model.NewAbortedError(model.StatusUploading)
	}}
	store := &cancellingStore{SessionStore: NewMemorySessionStore()}
	reg := definition.NewRegistry([]model.WizardDefinition{testWizard()})
	e := NewEngine(reg, store, sub)

	cancelled := make(chan error, 1)
	store.cancel = func(id string) { cancelled <- e.Cancel(context.Background(), id) }

	s := fillToLastStep(t, e)
	if _, err := e.Submit(context.Background(), s.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case err := <-cancelled:
		if err != nil {
			t.Fatalf("Cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not complete")
	}
	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("attempt launched by Submit was not aborted by the racing Cancel")
	}
}

func TestEngine_ProcessExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	e, store := newTestEngine(t, &fakeSubmitter{}, WithClock(clock), WithSessionTTL(30*time.Minute))

	s, _ := e.Start(context.Background(), "provider.application", nil)
	_, _ = e.Start(context.Background(), "provider.application", nil)

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	if _, err := e.Get(context.Background(), s.ID); envelopeCode(err) != model.ErrSessionExpired {
		t.Errorf("Get expired err = %v", err)
	}

	n, err := e.ProcessExpired(context.Background())
	if err != nil {
		t.Fatalf("ProcessExpired: %v", err)
	}
	if n != 2 || store.Len() != 0 {
		t.Errorf("removed=%d remaining=%d", n, store.Len())
	}
}

func TestEngine_mutationsExtendExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	e, _ := newTestEngine(t, &fakeSubmitter{}, WithClock(clock), WithSessionTTL(30*time.Minute))
	s, _ := e.Start(context.Background(), "provider.application", nil)

	mu.Lock()
	now = now.Add(20 * time.Minute)
	mu.Unlock()
	s, _ = e.SetFields(context.Background(), s.ID, map[string]any{"full_name": "Ada"})

	want := now.Add(30 * time.Minute)
	if s.ExpiresAt == nil || !s.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", s.ExpiresAt, want)
	}
}
