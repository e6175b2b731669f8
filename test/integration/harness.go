// Package integration provides a reusable test harness for end-to-end
// integration testing of the care wizard server. It starts a full HTTP
// server wired to a mock payment provider, a mock records API, in-memory
// storage and a test JWT issuer.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/carewizard/internal/config"
	"github.com/pitabwire/carewizard/internal/definition"
	"github.com/pitabwire/carewizard/internal/events"
	"github.com/pitabwire/carewizard/internal/observability"
	"github.com/pitabwire/carewizard/internal/payment"
	"github.com/pitabwire/carewizard/internal/provision"
	"github.com/pitabwire/carewizard/internal/records"
	"github.com/pitabwire/carewizard/internal/schema"
	"github.com/pitabwire/carewizard/internal/submission"
	"github.com/pitabwire/carewizard/internal/transport"
	"github.com/pitabwire/carewizard/internal/upload"
	"github.com/pitabwire/carewizard/internal/validate"
	"github.com/pitabwire/carewizard/internal/wizard"
	"github.com/pitabwire/carewizard/model"
)

// webhookSecret signs the provider webhooks delivered by the tests.
var webhookSecret = []byte("integration-webhook-secret")

// TestHarness encapsulates a fully wired care wizard instance with mock
// boundaries for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *identityProvider

	// Internal components exposed for advanced test scenarios.
	Registry   *definition.Registry
	Engine     *wizard.Engine
	Gateway    *payment.HostedGateway
	Ledger     *provision.MemoryLedger
	Publisher  *events.MemoryPublisher
	Existence  *validate.MemoryExistenceChecker
	Metrics    *observability.Metrics
	Prometheus *prometheus.Registry

	// Provider is the mock payment provider; Records is the mock records API.
	Provider *MockBackend
	Records  *MockBackend

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	identityRequired bool
	handlerTimeout   time.Duration
	submission       config.SubmissionConfig
	recordsBreaker   config.CircuitBreakerConfig
	paymentTimeout   time.Duration
}

// WithIdentityRequired rejects requests without a bearer token.
func WithIdentityRequired() HarnessOption {
	return func(c *harnessConfig) {
		c.identityRequired = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithPhaseTimeouts bounds the submission phases.
func WithPhaseTimeouts(uploadTimeout, paymentTimeout, recordTimeout time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.submission.UploadTimeout = uploadTimeout
		c.submission.PaymentTimeout = paymentTimeout
		c.submission.RecordTimeout = recordTimeout
	}
}

// WithRecordsCircuitBreaker sets the circuit breaker guarding the records API.
func WithRecordsCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.recordsBreaker = cb
	}
}

// WithPaymentTimeout sets how long a checkout may stay unresolved at the
// provider before the gateway gives up on it.
func WithPaymentTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.paymentTimeout = d
	}
}

// NewTestHarness creates and starts a full care wizard test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	defaults := config.Defaults()
	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		submission: config.SubmissionConfig{
			UploadTimeout:  5 * time.Second,
			PaymentTimeout: 5 * time.Second,
			RecordTimeout:  5 * time.Second,
			BcryptCost:     4,
		},
		recordsBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	ctx := context.Background()
	logger := zap.NewNop()
	h := &TestHarness{t: t}

	// Step 1: Create mock boundaries with default behaviour.
	h.Provider = newMockBackend(t, "payment-provider", paymentProviderRoutes())
	h.Provider.SetDefault(OpCreateCheckout, func(req *RecordedRequest) (int, any) {
		ref, _ := req.Body["reference"].(string)
		return http.StatusCreated, CheckoutFixture(ref)
	})

	var recordSeq atomic.Int64
	h.Records = newMockBackend(t, "records-api", recordsAPIRoutes())
	h.Records.SetDefault(OpCreateRecord, func(*RecordedRequest) (int, any) {
		return http.StatusCreated, RecordFixture(fmt.Sprintf("rec-%d", recordSeq.Add(1)))
	})

	// Step 2: Point the records API document at the mock and load it.
	specPath := writeRecordsSpec(t, h.Records.URL())
	schemas, err := records.LoadSchemaIndex(specPath)
	if err != nil {
		t.Fatalf("load records schema: %v", err)
	}

	// Step 3: Load the built-in wizard definitions.
	defs, err := definition.NewLoader().LoadBuiltin()
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		t.Fatalf("validate definitions: %v", verrs[0])
	}
	h.Registry = definition.NewRegistry(defs)

	// Step 4: Start the identity provider.
	h.issuer = newIdentityProvider(t)

	// Step 5: Build config.
	h.cfg = &config.Config{
		Server: config.ServerConfig{
			HandlerTimeout:  hc.handlerTimeout,
			MaxUploadMemory: 1 << 20,
			CORS: config.CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000"},
				AllowedMethods: defaults.Server.CORS.AllowedMethods,
				AllowedHeaders: defaults.Server.CORS.AllowedHeaders,
				MaxAge:         86400,
			},
		},
		Identity: config.IdentityConfig{
			Issuer:     h.issuer.Issuer(),
			Audience:   h.issuer.Audience(),
			JWKSURL:    h.issuer.JWKSURL(),
			Algorithms: []string{"RS256"},
			Required:   hc.identityRequired,
		},
		Session:    defaults.Session,
		Upload:     defaults.Upload,
		Submission: hc.submission,
		Payment: config.PaymentConfig{
			Provider:       "hosted",
			BaseURL:        h.Provider.URL(),
			Timeout:        hc.paymentTimeout,
			RequestTimeout: 2 * time.Second,
		},
		Records: config.RecordsConfig{
			Driver:         "http",
			BaseURL:        h.Records.URL(),
			Timeout:        2 * time.Second,
			CircuitBreaker: hc.recordsBreaker,
		},
	}

	// Step 6: Wire the boundaries.
	h.Prometheus = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Prometheus)

	storage, err := upload.OpenBlobStorage(ctx, "mem://", h.cfg.Upload.CircuitBreaker, h.Metrics, logger)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	inserter := records.NewGuarded(
		records.NewHTTPInserter(h.cfg.Records.BaseURL, schemas, h.cfg.Records.Timeout),
		h.cfg.Records, logger, h.Metrics,
	)
	h.Gateway = payment.NewHostedGateway(h.cfg.Payment, "test-api-key", webhookSecret, logger, h.Metrics)
	h.Ledger = provision.NewMemoryLedger(0)
	h.Gateway.HoldLateReceipts(provision.ReceiptHolder{Ledger: h.Ledger})
	h.Publisher = events.NewMemoryPublisher()
	h.Existence = validate.NewMemoryExistenceChecker()

	// Step 7: Build the wizard core.
	resolver := schema.NewResolver()
	orchestrator := submission.NewOrchestrator(
		upload.NewUploader(storage, h.cfg.Upload, logger, h.Metrics),
		h.Gateway,
		inserter,
		submission.WithLedger(h.Ledger),
		submission.WithPublisher(h.Publisher),
		submission.WithResolver(resolver),
		submission.WithTimeouts(h.cfg.Submission),
		submission.WithLogger(logger),
		submission.WithMetrics(h.Metrics),
	)
	h.Engine = wizard.NewEngine(h.Registry, wizard.NewMemorySessionStore(), orchestrator,
		wizard.WithResolver(resolver),
		wizard.WithValidator(validate.NewValidator(
			validate.WithExistenceChecker(validate.NewFailOpen(h.Existence, time.Second, logger, h.Metrics)),
			validate.WithLogger(logger),
		)),
		wizard.WithLogger(logger),
		wizard.WithMetrics(h.Metrics),
	)

	// Step 8: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Engine:       h.Engine,
		Registry:     h.Registry,
		Resolver:     resolver,
		Webhook:      h.Gateway,
		Authenticate: transport.Authenticator(h.cfg.Identity, jwks),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Registry.Len() > 0 },
			Boundaries: map[string]observability.HealthChecker{
				"storage": storage,
				"records": inserter,
			},
		},
		Metrics:  h.Metrics,
		Gatherer: h.Prometheus,
		Logger:   logger,
	})

	// Step 9: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// writeRecordsSpec copies the records API document into a temp dir with
// the mock's URL as its server.
func writeRecordsSpec(t *testing.T, baseURL string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(testdataDir(), "records_api.yaml"))
	if err != nil {
		t.Fatalf("read records api document: %v", err)
	}
	content := strings.ReplaceAll(string(data), "{{RECORDS_API_URL}}", baseURL)

	path := filepath.Join(t.TempDir(), "records_api.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write records api document: %v", err)
	}
	return path
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs a GET request. An empty token sends no Authorization header.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs a GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// PATCH performs a PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPatch, path, body, token, nil)
}

// PUT performs a PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token, nil)
}

// DELETE performs a DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, nil)
}

// OPTIONS performs a preflight request with the given headers.
func (h *TestHarness) OPTIONS(path string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodOptions, path, nil, "", headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return h.send(req)
}

// Upload attaches a file to a resource slot of a session as multipart form data.
func (h *TestHarness) Upload(sessionID, slot, filename, contentType string, content []byte, token string) *http.Response {
	h.t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		h.t.Fatalf("create multipart part: %v", err)
	}
	part.Write(content)
	if err := mw.Close(); err != nil {
		h.t.Fatalf("close multipart writer: %v", err)
	}

	url := fmt.Sprintf("%s/sessions/%s/resources/%s", h.server.URL, sessionID, slot)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, &buf)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return h.send(req)
}

// DeliverWebhook signs claims with the provider secret and posts them to
// the payment webhook.
func (h *TestHarness) DeliverWebhook(claims payment.WebhookClaims) *http.Response {
	h.t.Helper()
	token, err := payment.SignWebhook(webhookSecret, claims)
	if err != nil {
		h.t.Fatalf("sign webhook: %v", err)
	}
	return h.DeliverRawWebhook(token)
}

// DeliverRawWebhook posts body to the payment webhook as is.
func (h *TestHarness) DeliverRawWebhook(body string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		h.server.URL+"/payments/webhook", strings.NewReader(body))
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/jwt")
	return h.send(req)
}

func (h *TestHarness) send(req *http.Request) *http.Response {
	h.t.Helper()
	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", req.Method, req.URL.Path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code of a response.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Wizard helpers ---

// StartSession starts a session of wizardID with initial values.
func (h *TestHarness) StartSession(wizardID string, values map[string]any, token string) model.Session {
	h.t.Helper()
	var sess model.Session
	h.AssertJSON(h.t, h.POST("/wizards/"+wizardID+"/sessions", map[string]any{"values": values}, token), http.StatusCreated, &sess)
	return sess
}

// Session fetches the current state of a session.
func (h *TestHarness) Session(id, token string) model.Session {
	h.t.Helper()
	var sess model.Session
	h.AssertJSON(h.t, h.GET("/sessions/"+id, token), http.StatusOK, &sess)
	return sess
}

// FillStep sets values and advances, failing the test if the step gate blocks.
func (h *TestHarness) FillStep(id string, values map[string]any, token string) model.Session {
	h.t.Helper()
	if len(values) > 0 {
		h.AssertStatus(h.t, h.PATCH("/sessions/"+id+"/fields", map[string]any{"values": values}, token), http.StatusOK)
	}
	var sess model.Session
	h.AssertJSON(h.t, h.POST("/sessions/"+id+"/advance", nil, token), http.StatusOK, &sess)
	if len(sess.FieldErrors) > 0 {
		h.t.Fatalf("advance blocked by field errors: %s", FormatJSON(sess.FieldErrors))
	}
	return sess
}

// WaitForSession polls a session until done reports true.
func (h *TestHarness) WaitForSession(id, token string, done func(model.Session) bool) model.Session {
	h.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		sess := h.Session(id, token)
		if done(sess) {
			return sess
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("session %s did not reach the expected state; last: %s", id, FormatJSON(sess))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// WaitForSubmission polls until the running attempt ends in success or failure.
func (h *TestHarness) WaitForSubmission(id, token string) model.Session {
	h.t.Helper()
	return h.WaitForSession(id, token, func(s model.Session) bool {
		return s.SubmissionStatus == model.StatusSucceeded || s.SubmissionStatus == model.StatusFailed
	})
}

// AwaitCheckout waits for the n-th checkout at the provider and returns
// its payment reference once the gateway is tracking it.
func (h *TestHarness) AwaitCheckout(n int) string {
	h.t.Helper()
	req := h.Provider.WaitForCalls(h.t, OpCreateCheckout, n, 5*time.Second)
	ref, _ := req.Body["reference"].(string)
	if ref == "" {
		h.t.Fatalf("checkout request has no reference: %s", string(req.RawBody))
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := h.Gateway.CheckoutURL(ref); ok {
			return ref
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("checkout %s never became pending", ref)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// AwaitCheckoutReleased waits until the gateway no longer tracks reference.
func (h *TestHarness) AwaitCheckoutReleased(reference string) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := h.Gateway.CheckoutURL(reference); !ok {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("checkout %s is still pending", reference)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- Fixtures ---

// PatientClaims returns TestClaims for a signed-in patient.
func PatientClaims() TestClaims {
	return TestClaims{
		SubjectID: "patient-42",
		Email:     "ada@example.com",
	}
}

// ProviderClaims returns TestClaims for a signed-in provider applicant.
func ProviderClaims() TestClaims {
	return TestClaims{
		SubjectID: "applicant-7",
		Email:     "clinic@example.com",
	}
}

// CheckoutFixture returns the provider's response to a checkout request.
func CheckoutFixture(reference string) map[string]any {
	return map[string]any{
		"id":  "chk_" + reference,
		"url": "https://pay.example.com/checkout/" + reference,
	}
}

// RecordFixture returns the records API's response to a create request.
func RecordFixture(id string) map[string]any {
	return map[string]any{
		"id":         id,
		"created_at": "2026-01-15T10:30:00Z",
	}
}

// ErrorFixture returns an error body as the records API sends it.
func ErrorFixture(code, message string) map[string]any {
	return map[string]any{
		"code":    code,
		"message": message,
	}
}

// SucceededWebhook returns the provider's success notification for reference.
func SucceededWebhook(reference string, amount int64, currency string) payment.WebhookClaims {
	return payment.WebhookClaims{
		Event:         payment.EventSucceeded,
		Reference:     reference,
		TransactionID: "txn_" + reference,
		Amount:        amount,
		Currency:      currency,
	}
}

// PDF is a minimal document accepted by the resource slots.
var PDF = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
