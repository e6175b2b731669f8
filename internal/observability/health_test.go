package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	// Set build-time variables for test.
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	handler := HandleHealth()
	req := httptest.NewRequest(http.MethodGet, "/ui/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

func TestHandleHealth_defaultValues(t *testing.T) {
	handler := HandleHealth()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ui/health", nil))

	var resp HealthResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Version == "" {
		t.Error("version should have a default value")
	}
}

func decodeReadiness(t *testing.T, rec *httptest.ResponseRecorder) ReadinessResponse {
	t.Helper()
	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return resp
}

func serveReady(checks ReadinessChecks) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	return rec
}

func TestHandleReady_allHealthy(t *testing.T) {
	rec := serveReady(ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		Boundaries: map[string]HealthChecker{
			"storage": &mockHealthChecker{},
			"records": &mockHealthChecker{},
			"ledger":  HealthCheckFunc(func(context.Context) error { return nil }),
		},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeReadiness(t, rec)
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	for _, name := range []string{"definitions", "storage", "records", "ledger"} {
		if resp.Checks[name].Status != "ok" {
			t.Errorf("%s = %q, want ok", name, resp.Checks[name].Status)
		}
	}
}

func TestHandleReady_definitionsNotLoaded(t *testing.T) {
	rec := serveReady(ReadinessChecks{DefinitionsLoaded: func() bool { return false }})

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	resp := decodeReadiness(t, rec)
	if resp.Checks["definitions"].Error == "" {
		t.Error("definitions check should carry an error message")
	}
}

func TestHandleReady_boundaryDown(t *testing.T) {
	rec := serveReady(ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		Boundaries: map[string]HealthChecker{
			"storage": &mockHealthChecker{},
			"ledger":  &mockHealthChecker{err: errors.New("redis timeout")},
		},
	})

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	resp := decodeReadiness(t, rec)
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["ledger"].Error != "redis timeout" {
		t.Errorf("ledger error = %q, want redis timeout", resp.Checks["ledger"].Error)
	}
	if resp.Checks["storage"].Status != "ok" {
		t.Errorf("storage = %q, want ok", resp.Checks["storage"].Status)
	}
}

func TestHandleReady_nilBoundaryIgnored(t *testing.T) {
	rec := serveReady(ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		Boundaries:        map[string]HealthChecker{"records": nil},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeReadiness(t, rec)
	if _, ok := resp.Checks["records"]; ok {
		t.Error("nil boundary checker should not be reported")
	}
}

func TestHandleReady_nilDefinitionsCheck(t *testing.T) {
	rec := serveReady(ReadinessChecks{})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}
