package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartGenerateSpan creates a child span for a single backend generate call.
func StartGenerateSpan(ctx context.Context, model string, promptLen int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "backend.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("backend.model", model),
			attribute.Int("backend.prompt_bytes", promptLen),
		),
	)
}

// StartRaceSpan creates a span covering a full speculative race.
func StartRaceSpan(ctx context.Context, policy string, models []string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "speculate.race",
		trace.WithAttributes(
			attribute.String("race.policy", policy),
			attribute.StringSlice("race.models", models),
			attribute.Int("race.participants", len(models)),
		),
	)
}

// StartQueueAttemptSpan creates a span for one scheduler handler attempt.
func StartQueueAttemptSpan(ctx context.Context, id int64, attempt int, priority string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "queue.attempt",
		trace.WithAttributes(
			attribute.Int64("queue.item_id", id),
			attribute.Int("queue.attempt", attempt),
			attribute.String("queue.priority", priority),
		),
	)
}

// StartCorrectionSpan creates a span covering a self-correction round.
func StartCorrectionSpan(ctx context.Context, attempt int, language string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "correct.round",
		trace.WithAttributes(
			attribute.Int("correct.attempt", attempt),
			attribute.String("correct.language", language),
		),
	)
}

// InjectHeaders injects the current trace context (traceparent, tracestate)
// into the given HTTP request headers so the backend call continues the trace.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
