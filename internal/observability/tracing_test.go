package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/carewizard/internal/config"
)

// recordSpans installs an always-sampling provider that keeps finished
// spans in memory.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func sessionRouter(status int) http.Handler {
	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Post("/sessions/{sessionId}/submit", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	})
	return r
}

func TestInitTracing(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "carewizard", "test")
	if err != nil {
		t.Fatalf("disabled: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("disabled shutdown: %v", err)
	}

	shutdown, err = InitTracing(context.Background(), config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, "carewizard", "test")
	if err != nil {
		t.Fatalf("stdout: %v", err)
	}
	_ = shutdown(context.Background())

	if _, err := InitTracing(context.Background(), config.TracingConfig{Enabled: true, Exporter: "zipkin"}, "carewizard", "test"); err == nil {
		t.Error("unsupported exporter accepted")
	}
}

func TestSamplingRate(t *testing.T) {
	for in, want := range map[float64]float64{0: defaultSamplingRate, -1: defaultSamplingRate, 0.5: 0.5, 3: 1} {
		if got := samplingRate(in); got != want {
			t.Errorf("samplingRate(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := recordSpans(t)

	_, failed := StartSpan(context.Background(), "records.insert", AttrBoundary.String("records"))
	EndSpanWithError(failed, errors.New("records api unavailable"))
	_, ok := StartSpan(context.Background(), "records.insert")
	EndSpanWithError(ok, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "records api unavailable" || len(spans[0].Events) == 0 {
		t.Errorf("failed span = %+v", spans[0].Status)
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("successful span marked as error")
	}
}

func TestTracingMiddleware_namesSpanByRoute(t *testing.T) {
	exporter := recordSpans(t)

	rec := httptest.NewRecorder()
	sessionRouter(http.StatusAccepted).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/sess-42/submit", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "POST /sessions/{sessionId}/submit" {
		t.Errorf("name = %q", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("kind = %v", s.SpanKind)
	}
	attrs := map[string]string{}
	for _, a := range s.Attributes {
		attrs[string(a.Key)] = a.Value.Emit()
	}
	if attrs["wizard.session_id"] != "sess-42" || attrs["http.response.status_code"] != "202" {
		t.Errorf("attributes = %v", attrs)
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("response carries no traceparent")
	}
}

func TestTracingMiddleware_continuesInboundTrace(t *testing.T) {
	exporter := recordSpans(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions/sess-42/submit", nil)
	req.Header.Set("Traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	sessionRouter(http.StatusBadGateway).ServeHTTP(httptest.NewRecorder(), req)

	s := exporter.GetSpans()[0]
	if s.SpanContext.TraceID().String() != "0af7651916cd43dd8448eb211c80319c" || s.Parent.SpanID().String() != "b7ad6b7169203331" {
		t.Errorf("trace = %s parent = %s", s.SpanContext.TraceID(), s.Parent.SpanID())
	}
	if s.Status.Code != codes.Error {
		t.Errorf("status = %v, want error for 502", s.Status.Code)
	}
}
