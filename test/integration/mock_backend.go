package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockBackend is a configurable HTTP test server that simulates an external
// service (the payment provider or the records API). It allows configuring
// per-operation responses and records all received requests for later
// assertion.
type MockBackend struct {
	t       *testing.T
	name    string
	server  *httptest.Server
	changed chan struct{}

	mu           sync.RWMutex
	operations   map[string]*operationConfig
	defaults     map[string]Responder
	receivedByOp map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by the mock backend.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	RawBody    []byte
	ReceivedAt time.Time
}

// Responder computes a response from the request it answers.
type Responder func(req *RecordedRequest) (status int, body any)

// operationConfig holds the configured responses for a single operation.
type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
	responder Responder
}

// OperationMock is a builder for configuring mock responses for a specific operation.
type OperationMock struct {
	backend *MockBackend
	opID    string
}

// operationRoute maps an operation ID to its HTTP method and path pattern.
type operationRoute struct {
	method      string
	pathPattern string
}

// newMockBackend creates a new mock backend and starts the HTTP test server.
func newMockBackend(t *testing.T, name string, routes map[string]operationRoute) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		t:            t,
		name:         name,
		changed:      make(chan struct{}, 1),
		operations:   make(map[string]*operationConfig),
		defaults:     make(map[string]Responder),
		receivedByOp: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	for opID, route := range routes {
		mux.HandleFunc(route.method+" "+route.pathPattern, mb.handleOperation(opID))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": fmt.Sprintf("mock: no operation registered for %s %s", r.Method, r.URL.Path),
		})
	})

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)

	return mb
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// SetDefault sets the responder used once the configured responses of an
// operation are exhausted, or when none were configured.
func (mb *MockBackend) SetDefault(operationID string, r Responder) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.defaults[operationID] = r
}

// OnOperation returns a builder for configuring responses for the named operation.
func (mb *MockBackend) OnOperation(operationID string) *OperationMock {
	return &OperationMock{backend: mb, opID: operationID}
}

// RespondWith queues a response with the given status and body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body})
	return om
}

// RespondWithFunc queues a response computed from the request.
func (om *OperationMock) RespondWithFunc(r Responder) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{responder: r})
	return om
}

// RespondWithDelay queues a delayed response to simulate a slow backend.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError queues a response that closes the connection
// to simulate a backend failure.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{connError: true})
	return om
}

// Times repeats the last queued response so it is served n times in total.
func (om *OperationMock) Times(n int) *OperationMock {
	om.backend.mu.Lock()
	defer om.backend.mu.Unlock()
	cfg := om.backend.operations[om.opID]
	if cfg == nil || len(cfg.responses) == 0 {
		return om
	}
	last := cfg.responses[len(cfg.responses)-1]
	for i := 1; i < n; i++ {
		cfg.responses = append(cfg.responses, last)
	}
	return om
}

func (mb *MockBackend) addResponse(opID string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	cfg, ok := mb.operations[opID]
	if !ok {
		cfg = &operationConfig{}
		mb.operations[opID] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mb *MockBackend) handleOperation(opID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		if r.Body != nil {
			body, _ := io.ReadAll(r.Body)
			rec.RawBody = body
			if len(body) > 0 {
				var parsed map[string]any
				if err := json.Unmarshal(body, &parsed); err == nil {
					rec.Body = parsed
				}
			}
		}

		mb.mu.Lock()
		mb.receivedByOp[opID] = append(mb.receivedByOp[opID], rec)
		mb.mu.Unlock()
		select {
		case mb.changed <- struct{}{}:
		default:
		}

		resp := mb.nextResponse(opID)
		if resp == nil {
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			return
		}

		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				if conn != nil {
					conn.Close()
				}
			}
			return
		}
		if resp.delay > 0 {
			time.Sleep(resp.delay)
		}

		status, body := resp.status, resp.body
		if resp.responder != nil {
			status, body = resp.responder(rec)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			json.NewEncoder(w).Encode(body)
		}
	}
}

// nextResponse serves the queued responses in order, then the default.
func (mb *MockBackend) nextResponse(opID string) *mockResponse {
	mb.mu.RLock()
	cfg := mb.operations[opID]
	def := mb.defaults[opID]
	mb.mu.RUnlock()

	if cfg != nil {
		cfg.mu.Lock()
		defer cfg.mu.Unlock()
		if cfg.current < len(cfg.responses) {
			resp := cfg.responses[cfg.current]
			cfg.current++
			return resp
		}
	}
	if def != nil {
		return &mockResponse{responder: def}
	}
	return nil
}

// Calls returns how many times the operation was called.
func (mb *MockBackend) Calls(operationID string) int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.receivedByOp[operationID])
}

// AssertCalled verifies that the operation was called the expected number of times.
func (mb *MockBackend) AssertCalled(t *testing.T, operationID string, expectedCount int) {
	t.Helper()
	if actual := mb.Calls(operationID); actual != expectedCount {
		t.Errorf("mock %s: operation %q called %d times, want %d", mb.name, operationID, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the operation was never called.
func (mb *MockBackend) AssertNotCalled(t *testing.T, operationID string) {
	t.Helper()
	mb.AssertCalled(t, operationID, 0)
}

// WaitForCalls blocks until the operation has been called at least n times.
func (mb *MockBackend) WaitForCalls(t *testing.T, operationID string, n int, timeout time.Duration) *RecordedRequest {
	t.Helper()
	deadline := time.After(timeout)
	for {
		mb.mu.RLock()
		reqs := mb.receivedByOp[operationID]
		mb.mu.RUnlock()
		if len(reqs) >= n {
			return reqs[n-1]
		}
		select {
		case <-mb.changed:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("mock %s: operation %q called %d times, waited for %d", mb.name, operationID, len(reqs), n)
			return nil
		}
	}
}

// LastRequest returns the last request received for the given operation.
// Returns nil if no requests were recorded.
func (mb *MockBackend) LastRequest(operationID string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByOp[operationID]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// ResetOperation clears recorded requests and queued responses for one operation.
func (mb *MockBackend) ResetOperation(operationID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.operations, operationID)
	delete(mb.receivedByOp, operationID)
}

// Operation IDs served by the mock backends.
const (
	OpCreateCheckout = "createCheckout"
	OpCreateRecord   = "createRecord"
)

func paymentProviderRoutes() map[string]operationRoute {
	return map[string]operationRoute{
		OpCreateCheckout: {method: "POST", pathPattern: "/checkout/sessions"},
	}
}

func recordsAPIRoutes() map[string]operationRoute {
	return map[string]operationRoute{
		OpCreateRecord: {method: "POST", pathPattern: "/records/{table}"},
	}
}
