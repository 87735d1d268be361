package tracing

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
	"go.opentelemetry.io/otel/trace/noop"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		tp.Shutdown(context.Background())
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
	})
	return exporter
}

func attrsOf(s tracetest.SpanStub) map[string]interface{} {
	attrs := map[string]interface{}{}
	for _, attr := range s.Attributes {
		attrs[string(attr.Key)] = attr.Value.AsInterface()
	}
	return attrs
}

func TestInit_StdoutExporter(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{ServiceName: "test", Version: "1.0.0", Exporter: "stdout", SampleRate: 1})
	if err != nil {
		t.Fatalf("Init with stdout exporter: %v", err)
	}
	defer shutdown(context.Background())

	found := false
	for _, f := range otel.GetTextMapPropagator().Fields() {
		if f == "traceparent" {
			found = true
		}
	}
	if !found {
		t.Error("expected traceparent in propagator fields")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Options{Exporter: "zipkin"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewExporter_OTLP(t *testing.T) {
	for _, name := range []string{"otlp-grpc", "otlp-http"} {
		exp, err := newExporter(context.Background(), Options{Exporter: name, Endpoint: "localhost:4317", Insecure: true})
		if err != nil {
			t.Fatalf("newExporter %s: %v", name, err)
		}
		if exp == nil {
			t.Fatalf("newExporter %s returned nil", name)
		}
	}
}

func TestStartBackendSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartBackendSpan(context.Background(), "generate", "openai_1", "gpt-4o")
	SetUsageAttributes(ctx, 12, 30)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "backend.generate" {
		t.Errorf("span name = %q; want backend.generate", spans[0].Name)
	}
	if spans[0].SpanKind != trace.SpanKindClient {
		t.Errorf("expected SpanKindClient, got %v", spans[0].SpanKind)
	}
	attrs := attrsOf(spans[0])
	if attrs["llm.backend"] != "openai_1" || attrs["llm.model"] != "gpt-4o" {
		t.Errorf("unexpected attributes: %v", attrs)
	}
	if attrs["llm.usage.completion_tokens"] != int64(30) {
		t.Errorf("completion tokens = %v; want 30", attrs["llm.usage.completion_tokens"])
	}
}

func TestStartGatewaySpan_RouteAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartGatewaySpan(context.Background(), "embed", "embeddings")
	SetRouteAttributes(ctx, "req-1", "cluster", "b", []string{"a", "b"})
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrs := attrsOf(spans[0])
	if attrs["llm.task"] != "embeddings" {
		t.Errorf("llm.task = %v", attrs["llm.task"])
	}
	if got, ok := attrs["llm.attempted"].([]string); !ok || len(got) != 2 || got[0] != "a" {
		t.Errorf("llm.attempted = %v", attrs["llm.attempted"])
	}
}

func TestRecordError(t *testing.T) {
	exporter := setupTestTracer(t)

	RecordError(context.Background(), nil)

	ctx, span := Tracer().Start(context.Background(), "call")
	RecordError(ctx, errors.New("upstream 503"))
	span.End()

	spans := exporter.GetSpans()
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v; want Error", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected an exception event")
	}
}

func TestInjectHeaders(t *testing.T) {
	setupTestTracer(t)

	ctx, span := Tracer().Start(context.Background(), "test")
	defer span.End()

	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	InjectHeaders(ctx, req)
	if req.Header.Get("traceparent") == "" {
		t.Error("expected traceparent header to be injected")
	}
}

func TestHTTPMiddleware_StatusAndParent(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !trace.SpanFromContext(r.Context()).SpanContext().IsValid() {
			t.Error("expected valid span context in request")
		}
		w.WriteHeader(http.StatusBadGateway)
	}))

	req := httptest.NewRequest("POST", "/api/generate", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected a span")
	}
	if got := spans[0].SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s; want the injected one", got)
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("5xx should mark the span failed")
	}
	if attrsOf(spans[0])["http.response.status_code"] != int64(http.StatusBadGateway) {
		t.Errorf("status attribute missing")
	}
}

func TestHTTPMiddleware_UsesChiRoutePattern(t *testing.T) {
	exporter := setupTestTracer(t)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Post("/api/providers/{id}/reset", func(w http.ResponseWriter, r *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/providers/openai/reset", nil))

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected a span")
	}
	if spans[0].Name != "POST /api/providers/{id}/reset" {
		t.Errorf("span name = %q; want the route pattern", spans[0].Name)
	}
}
