package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	boundaryDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	phaseDurationBuckets    = []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900}
	bodySizeBuckets         = []float64{100, 1024, 10240, 102400, 1048576, 10485760}
)

// Metrics holds all Prometheus metric instruments for the wizard service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Session metrics
	SessionStartsTotal     *prometheus.CounterVec
	SessionsActive         *prometheus.GaugeVec
	SessionEndsTotal       *prometheus.CounterVec
	StepAdvancesTotal      *prometheus.CounterVec
	FieldValidationFailure *prometheus.CounterVec
	VariantChangesTotal    *prometheus.CounterVec

	// Submission metrics
	SubmissionsTotal        *prometheus.CounterVec
	SubmissionPhaseDuration *prometheus.HistogramVec
	UploadsTotal            *prometheus.CounterVec
	UploadBytesTotal        *prometheus.CounterVec
	PaymentCallbacksTotal   *prometheus.CounterVec
	DuplicateCallbacksTotal prometheus.Counter
	ReceiptsReusedTotal     prometheus.Counter
	OrphanedUploadsTotal    prometheus.Counter
	EventsPublishedTotal    *prometheus.CounterVec

	// Boundary metrics
	BoundaryRequestsTotal       *prometheus.CounterVec
	BoundaryRequestDuration     *prometheus.HistogramVec
	BoundaryCircuitBreakerState *prometheus.GaugeVec
	ExistenceCheckFailOpenTotal prometheus.Counter

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewizard_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carewizard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carewizard_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carewizard_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Sessions
		SessionStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewizard_session_starts_total",
			Help: "Total number of wizard sessions started.",
		}, []string{"wizard_id"}),
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "carewizard_sessions_active",
			Help: "Number of wizard sessions held in memory.",
		}, []string{"wizard_id"}),
		SessionEndsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewizard_session_ends_total",
			Help: "Total number of wizard sessions ended, by reason.",
		}, []string{"wizard_id", "reason"}),
		StepAdvancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewizard_step_advances_total",
			Help: "Total number of step gate evaluations, by outcome.",
		}, []string{"wizard_id", "step_id", "outcome"}),
		FieldValidationFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewizard_field_validation_failures_total",
			Help: "Total number of field validation failures.",
		}, []string{"wizard_id", "field"}),
		VariantChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewizard_variant_changes_total",
			Help: "Total number of variant changes.",
		}, []string{"wizard_id", "variant"}),

		// Submissions
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewizard_submissions_total",
			Help: "Total number of submission attempts, by outcome.",
		}, []string{"wizard_id", "outcome"}),
		SubmissionPhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carewizard_submission_phase_duration_seconds",
			Help:    "Submission phase duration in seconds.",
			Buckets: phaseDurationBuckets,
		}, []string{"phase"}),
		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewizard_uploads_total",
			Help: "Total number of resource uploads, by status.",
		}, []string{"category", "status"}),
		UploadBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewizard_upload_bytes_total",
			Help: "Total bytes written to the storage boundary.",
		}, []string{"category"}),
		PaymentCallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewizard_payment_callbacks_total",
			Help: "Total number of payment callbacks acted on, by outcome.",
		}, []string{"outcome"}),
		DuplicateCallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carewizard_payment_duplicate_callbacks_total",
			Help: "Total number of payment callbacks dropped as duplicates.",
		}),
		ReceiptsReusedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carewizard_payment_receipts_reused_total",
			Help: "Total number of submissions that reused a stored payment receipt.",
		}),
		OrphanedUploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carewizard_orphaned_uploads_total",
			Help: "Total number of uploaded objects recorded as orphaned.",
		}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewizard_events_published_total",
			Help: "Total number of submission events published, by status.",
		}, []string{"status"}),

		// Boundaries
		BoundaryRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewizard_boundary_requests_total",
			Help: "Total number of external boundary calls.",
		}, []string{"boundary", "status"}),
		BoundaryRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carewizard_boundary_request_duration_seconds",
			Help:    "External boundary call duration in seconds.",
			Buckets: boundaryDurationBuckets,
		}, []string{"boundary"}),
		BoundaryCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "carewizard_boundary_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"boundary"}),
		ExistenceCheckFailOpenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carewizard_existence_check_fail_open_total",
			Help: "Total number of existence checks that failed open.",
		}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewizard_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carewizard_definitions_loaded",
			Help: "Number of loaded wizard definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Sessions
		m.SessionStartsTotal,
		m.SessionsActive,
		m.SessionEndsTotal,
		m.StepAdvancesTotal,
		m.FieldValidationFailure,
		m.VariantChangesTotal,
		// Submissions
		m.SubmissionsTotal,
		m.SubmissionPhaseDuration,
		m.UploadsTotal,
		m.UploadBytesTotal,
		m.PaymentCallbacksTotal,
		m.DuplicateCallbacksTotal,
		m.ReceiptsReusedTotal,
		m.OrphanedUploadsTotal,
		m.EventsPublishedTotal,
		// Boundaries
		m.BoundaryRequestsTotal,
		m.BoundaryRequestDuration,
		m.BoundaryCircuitBreakerState,
		m.ExistenceCheckFailOpenTotal,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so that components can be
// constructed without a registry in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSessionStart records a new session.
func (m *Metrics) RecordSessionStart(wizardID string) {
	if m == nil {
		return
	}
	m.SessionStartsTotal.WithLabelValues(wizardID).Inc()
	m.SessionsActive.WithLabelValues(wizardID).Inc()
}

// RecordSessionEnd records a session leaving memory: done, cancelled, or
// expired.
func (m *Metrics) RecordSessionEnd(wizardID, reason string) {
	if m == nil {
		return
	}
	m.SessionEndsTotal.WithLabelValues(wizardID, reason).Inc()
	m.SessionsActive.WithLabelValues(wizardID).Dec()
}

// RecordStepAdvance records the outcome of a step gate.
func (m *Metrics) RecordStepAdvance(wizardID, stepID, outcome string) {
	if m == nil {
		return
	}
	m.StepAdvancesTotal.WithLabelValues(wizardID, stepID, outcome).Inc()
}

// RecordFieldValidationFailure records a failed field.
func (m *Metrics) RecordFieldValidationFailure(wizardID, field string) {
	if m == nil {
		return
	}
	m.FieldValidationFailure.WithLabelValues(wizardID, field).Inc()
}

// RecordVariantChange records a variant switch.
func (m *Metrics) RecordVariantChange(wizardID, variant string) {
	if m == nil {
		return
	}
	m.VariantChangesTotal.WithLabelValues(wizardID, variant).Inc()
}

// RecordSubmission records the outcome of one submission attempt.
func (m *Metrics) RecordSubmission(wizardID, outcome string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(wizardID, outcome).Inc()
}

// RecordPhaseDuration records how long a submission phase took.
func (m *Metrics) RecordPhaseDuration(phase string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SubmissionPhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordUpload records one upload and the bytes written on success.
func (m *Metrics) RecordUpload(category, status string, bytes int64) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(category, status).Inc()
	if bytes > 0 {
		m.UploadBytesTotal.WithLabelValues(category).Add(float64(bytes))
	}
}

// RecordPaymentCallback records a payment callback that was acted on.
func (m *Metrics) RecordPaymentCallback(outcome string) {
	if m == nil {
		return
	}
	m.PaymentCallbacksTotal.WithLabelValues(outcome).Inc()
}

// RecordDuplicateCallback records a dropped duplicate callback.
func (m *Metrics) RecordDuplicateCallback() {
	if m == nil {
		return
	}
	m.DuplicateCallbacksTotal.Inc()
}

// RecordReceiptReused records a submission that skipped payment because a
// receipt was already stored.
func (m *Metrics) RecordReceiptReused() {
	if m == nil {
		return
	}
	m.ReceiptsReusedTotal.Inc()
}

// RecordOrphanedUploads records objects left behind by a failed or cancelled
// submission.
func (m *Metrics) RecordOrphanedUploads(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OrphanedUploadsTotal.Add(float64(n))
}

// RecordEventPublished records a submission event publish attempt.
func (m *Metrics) RecordEventPublished(status string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(status).Inc()
}

// RecordBoundaryRequest records a call to an external boundary.
func (m *Metrics) RecordBoundaryRequest(boundary, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BoundaryRequestsTotal.WithLabelValues(boundary, status).Inc()
	m.BoundaryRequestDuration.WithLabelValues(boundary).Observe(duration.Seconds())
}

// SetBoundaryCircuitBreakerState sets the circuit breaker state for a
// boundary. State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBoundaryCircuitBreakerState(boundary string, state float64) {
	if m == nil {
		return
	}
	m.BoundaryCircuitBreakerState.WithLabelValues(boundary).Set(state)
}

// RecordExistenceCheckFailOpen records an existence check treated as
// "does not exist" after an error.
func (m *Metrics) RecordExistenceCheckFailOpen() {
	if m == nil {
		return
	}
	m.ExistenceCheckFailOpenTotal.Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a Prometheus HTTP handler for a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
