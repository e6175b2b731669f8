package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/carewizard/internal/config"
	"github.com/pitabwire/carewizard/internal/provision"
	"github.com/pitabwire/carewizard/model"
)

// ==========================================================================
// Records API failures
// ==========================================================================

func TestResilience_RecordsOutageAfterPayment_ResumesWithoutRecharge(t *testing.T) {
	h := NewTestHarness(t)
	h.Records.OnOperation(OpCreateRecord).RespondWith(http.StatusServiceUnavailable, ErrorFixture("UNAVAILABLE", "records store is down"))

	sess := fillPlanSignup(t, h, "premium", "")
	submit(t, h, sess.ID, "")
	ref := h.AwaitCheckout(1)
	h.AssertStatus(t, h.DeliverWebhook(SucceededWebhook(ref, 3500000, "NGN")), http.StatusNoContent)

	failed := h.WaitForSubmission(sess.ID, "")
	if failed.SubmissionError == nil {
		t.Fatalf("session = %s", FormatJSON(failed))
	}
	se := failed.SubmissionError
	if se.Kind != model.KindProvisioningFailed || !se.ContactSupport || !se.Retryable {
		t.Errorf("submission_error = %+v", se)
	}
	if failed.Receipt == nil || failed.Receipt.Reference != ref {
		t.Fatalf("receipt = %+v", failed.Receipt)
	}

	entry, found, _ := h.Ledger.Get(context.Background(), sess.ID)
	if !found || entry.Status != provision.StatusPending {
		t.Fatalf("ledger entry = %+v found=%v, want pending", entry, found)
	}

	var resumed model.Session
	h.AssertJSON(t, h.POST("/sessions/"+sess.ID+"/resume", nil, ""), http.StatusAccepted, &resumed)

	done := h.WaitForSubmission(sess.ID, "")
	if done.SubmissionStatus != model.StatusSucceeded {
		t.Fatalf("submission_status = %q, error = %s", done.SubmissionStatus, FormatJSON(done.SubmissionError))
	}

	h.Provider.AssertCalled(t, OpCreateCheckout, 1)
	h.Records.AssertCalled(t, OpCreateRecord, 2)
	paid, _ := h.Records.LastRequest(OpCreateRecord).Body["payment"].(map[string]any)
	if paid["reference"] != ref {
		t.Errorf("resumed record payment = %v, want reference %s", paid, ref)
	}
	entry, _, _ = h.Ledger.Get(context.Background(), sess.ID)
	if entry.Status != provision.StatusCompleted {
		t.Errorf("ledger status = %s, want completed", entry.Status)
	}
}

func TestResilience_RecordsOutage_UnpaidRetrySubmits(t *testing.T) {
	h := NewTestHarness(t)
	h.Records.OnOperation(OpCreateRecord).RespondWithConnectionError()

	sess := fillProviderApplication(t, h, "")
	submit(t, h, sess.ID, "")

	failed := h.WaitForSubmission(sess.ID, "")
	if failed.SubmissionError == nil || failed.SubmissionError.Kind != model.KindRecordFailed {
		t.Fatalf("submission_error = %+v", failed.SubmissionError)
	}
	if failed.SubmissionError.ContactSupport {
		t.Error("contact_support set although nothing was paid")
	}
	// Resume is only for paid sessions awaiting provisioning.
	h.AssertErrorCode(t, h.POST("/sessions/"+sess.ID+"/resume", nil, ""), http.StatusConflict, model.ErrInvalidTransition)

	submit(t, h, sess.ID, "")
	done := h.WaitForSubmission(sess.ID, "")
	if done.SubmissionStatus != model.StatusSucceeded || done.Attempt != 2 {
		t.Fatalf("session = %s", FormatJSON(done))
	}

	// The upload of the first attempt is reused.
	last := h.Records.LastRequest(OpCreateRecord)
	resources, _ := last.Body["resources"].(map[string]any)
	refs, _ := resources["license_document"].([]any)
	if len(refs) != 1 || refs[0] != failed.UploadedRefs["license_document"][0] {
		t.Errorf("license_document refs = %v, first attempt uploaded %v", refs, failed.UploadedRefs["license_document"])
	}
}

func TestResilience_RecordsCircuitBreaker_OpensAfterFailures(t *testing.T) {
	h := NewTestHarness(t, WithRecordsCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}))
	h.Records.OnOperation(OpCreateRecord).RespondWith(http.StatusInternalServerError, ErrorFixture("INTERNAL", "boom"))

	sess := fillProviderApplication(t, h, "")
	submit(t, h, sess.ID, "")
	h.WaitForSubmission(sess.ID, "")
	h.Records.AssertCalled(t, OpCreateRecord, 1)

	submit(t, h, sess.ID, "")
	failed := h.WaitForSubmission(sess.ID, "")
	if failed.SubmissionError == nil || failed.SubmissionError.Kind != model.KindRecordFailed {
		t.Fatalf("submission_error = %+v", failed.SubmissionError)
	}
	// The open breaker rejected the second attempt without calling the API.
	h.Records.AssertCalled(t, OpCreateRecord, 1)

	resp := h.GET("/ready", "")
	h.AssertStatus(t, resp, http.StatusServiceUnavailable)
}

func TestResilience_RecordConflict_FailsWithoutRetryingTheAPI(t *testing.T) {
	h := NewTestHarness(t)
	h.Records.OnOperation(OpCreateRecord).RespondWith(http.StatusConflict, ErrorFixture("CONFLICT", "email already registered"))

	sess := fillProviderApplication(t, h, "")
	submit(t, h, sess.ID, "")

	failed := h.WaitForSubmission(sess.ID, "")
	if failed.SubmissionError == nil || failed.SubmissionError.Kind != model.KindRecordFailed {
		t.Fatalf("submission_error = %+v", failed.SubmissionError)
	}
	h.Records.AssertCalled(t, OpCreateRecord, 1)
	if len(h.Publisher.Events()) != 0 {
		t.Error("event published for a failed submission")
	}
}

// ==========================================================================
// Payment provider failures
// ==========================================================================

func TestResilience_PaymentProviderDown_NoRecordCreated(t *testing.T) {
	h := NewTestHarness(t)
	h.Provider.OnOperation(OpCreateCheckout).RespondWith(http.StatusBadGateway, ErrorFixture("UPSTREAM", "bad gateway"))

	sess := fillPlanSignup(t, h, "classic", "")
	submit(t, h, sess.ID, "")

	failed := h.WaitForSubmission(sess.ID, "")
	if failed.SubmissionError == nil {
		t.Fatalf("session = %s", FormatJSON(failed))
	}
	if failed.SubmissionError.Kind != model.KindPaymentFailed || failed.SubmissionError.Phase != model.StatusAwaitingPayment {
		t.Errorf("submission_error = %+v", failed.SubmissionError)
	}
	h.Records.AssertNotCalled(t, OpCreateRecord)
	if h.Ledger.Len() != 0 {
		t.Errorf("ledger has %d entries without a payment", h.Ledger.Len())
	}
}

func TestResilience_PaymentNeverConfirmed_TimesOut(t *testing.T) {
	h := NewTestHarness(t, WithPhaseTimeouts(5*time.Second, 200*time.Millisecond, 5*time.Second))

	sess := fillPlanSignup(t, h, "classic", "")
	submit(t, h, sess.ID, "")
	ref := h.AwaitCheckout(1)

	failed := h.WaitForSubmission(sess.ID, "")
	if failed.SubmissionError == nil {
		t.Fatalf("session = %s", FormatJSON(failed))
	}
	if failed.SubmissionError.Kind != model.KindTimeout || failed.SubmissionError.Phase != model.StatusAwaitingPayment {
		t.Errorf("submission_error = %+v", failed.SubmissionError)
	}
	if !failed.SubmissionError.Retryable {
		t.Error("timeout not retryable")
	}
	h.Records.AssertNotCalled(t, OpCreateRecord)

	// A confirmation arriving after the timeout is held, and the retry
	// uses it instead of charging again.
	h.AwaitCheckoutReleased(ref)
	h.AssertStatus(t, h.DeliverWebhook(SucceededWebhook(ref, 1500000, "NGN")), http.StatusNoContent)
	h.Records.AssertNotCalled(t, OpCreateRecord)

	held, found, err := h.Ledger.Get(context.Background(), sess.ID)
	if err != nil || !found || !held.AwaitingSubmission() || held.Receipt.Reference != ref {
		t.Fatalf("late receipt not held: entry=%s found=%v err=%v", FormatJSON(held), found, err)
	}

	retried := submit(t, h, sess.ID, "")
	done := h.WaitForSession(sess.ID, "", func(s model.Session) bool {
		return s.Attempt == retried.Attempt &&
			(s.SubmissionStatus == model.StatusSucceeded || s.SubmissionStatus == model.StatusFailed)
	})
	if done.SubmissionStatus != model.StatusSucceeded {
		t.Fatalf("submission_status = %q, error = %s", done.SubmissionStatus, FormatJSON(done.SubmissionError))
	}
	if n := h.Provider.Calls(OpCreateCheckout); n != 1 {
		t.Errorf("checkouts created = %d, want 1", n)
	}
	paid, _ := h.Records.LastRequest(OpCreateRecord).Body["payment"].(map[string]any)
	if paid["reference"] != ref {
		t.Errorf("record payment = %v, want reference %q", paid, ref)
	}
	entry, _, _ := h.Ledger.Get(context.Background(), sess.ID)
	if entry.Status != provision.StatusCompleted {
		t.Errorf("ledger status = %q, want completed", entry.Status)
	}
}

func TestResilience_SlowRecordsAPI_TimesOutRecordPhase(t *testing.T) {
	h := NewTestHarness(t, WithPhaseTimeouts(5*time.Second, 5*time.Second, 150*time.Millisecond))
	h.Records.OnOperation(OpCreateRecord).RespondWithDelay(time.Second, http.StatusCreated, RecordFixture("rec-slow"))

	sess := fillProviderApplication(t, h, "")
	submit(t, h, sess.ID, "")

	failed := h.WaitForSubmission(sess.ID, "")
	if failed.SubmissionError == nil || failed.SubmissionError.Kind != model.KindTimeout {
		t.Fatalf("submission_error = %+v", failed.SubmissionError)
	}
	if failed.SubmissionError.Phase != model.StatusCreatingRecord {
		t.Errorf("phase = %s, want creating_record", failed.SubmissionError.Phase)
	}
}
