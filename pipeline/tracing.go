package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer with the span conventions shared by
// the pipeline's three stages: one span per delivery, named by the calling
// stage (e.g. "reasoner.handle"), carrying conversationId/eventId/messageId
// as attributes and recording the handler's error, if any, as the span
// status. A nil *Tracer is not usable; callers skip tracing when they hold
// none.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer wraps tracer. Pass otel.Tracer("pipeline") for the global
// provider, or a provider-scoped tracer for test isolation.
func NewTracer(tracer trace.Tracer) *Tracer {
	return &Tracer{tracer: tracer}
}

// StartSpan starts a span named spanName scoped to one event's processing.
// Callers must End() the returned span (typically via defer) once handling
// finishes, and should call RecordOutcome with the handler's error first.
func (t *Tracer) StartSpan(ctx context.Context, spanName, conversationID, eventID, messageID string) (context.Context, trace.Span) {
	tracer := t.tracer
	if tracer == nil {
		tracer = otel.Tracer("pipeline")
	}
	ctx, span := tracer.Start(ctx, spanName)
	span.SetAttributes(
		attribute.String("pipeline.conversation_id", conversationID),
		attribute.String("pipeline.event_id", eventID),
		attribute.String("pipeline.message_id", messageID),
	)
	return ctx, span
}

// RecordOutcome sets a span's status from a handler's returned error,
// leaving success spans with their default unset status.
func RecordOutcome(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
}
