package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartGatewaySpan opens the span covering one logical gateway call,
// including every fallback.
func StartGatewaySpan(ctx context.Context, op, task string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gateway."+op,
		trace.WithAttributes(
			attribute.String("llm.operation", op),
			attribute.String("llm.task", task),
		),
	)
}

// StartBackendSpan opens a client span for one vendor call attempt.
func StartBackendSpan(ctx context.Context, op, backendID, model string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "backend."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.operation", op),
			attribute.String("llm.backend", backendID),
			attribute.String("llm.model", model),
		),
	)
}

// InjectHeaders writes the current trace context into outgoing headers.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// SetRouteAttributes records where a call ended up.
func SetRouteAttributes(ctx context.Context, requestID, provider, backend string, attempted []string) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("llm.provider", provider),
		attribute.String("llm.backend", backend),
		attribute.StringSlice("llm.attempted", attempted),
	)
}

// SetUsageAttributes records token usage on the current span.
func SetUsageAttributes(ctx context.Context, promptTokens, completionTokens int) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", promptTokens),
		attribute.Int("llm.usage.completion_tokens", completionTokens),
	)
}

// RecordError records err on the current span and marks it failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
