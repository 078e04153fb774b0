package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating a span per event. Each span
// represents a point in time (a step transition) rather than a duration,
// so it is started and ended immediately.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter builds an OTelEmitter over tracer, typically obtained via
// otel.Tracer("wfengine").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), spanName(event))
	defer span.End()
	o.annotate(span, event)
}

func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, spanName(event))
		o.annotate(span, event)
		span.End()
	}
	return nil
}

// Flush force-flushes the global tracer provider if it supports it (the SDK
// provider does; the no-op provider does not).
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func spanName(event Event) string {
	if event.Kind != "" {
		return event.Kind
	}
	return event.Message
}

func (o *OTelEmitter) annotate(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("wfengine.workflow_instance_id", event.WorkflowInstanceID),
		attribute.String("wfengine.pointer_id", event.PointerID),
		attribute.String("wfengine.step_id", event.StepID),
		attribute.String("wfengine.step_name", event.StepName),
		attribute.String("wfengine.kind", event.Kind),
	)
	for key, value := range event.Meta {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String("wfengine.meta."+key, v))
		case int:
			span.SetAttributes(attribute.Int("wfengine.meta."+key, v))
		case int64:
			span.SetAttributes(attribute.Int64("wfengine.meta."+key, v))
		case float64:
			span.SetAttributes(attribute.Float64("wfengine.meta."+key, v))
		case bool:
			span.SetAttributes(attribute.Bool("wfengine.meta."+key, v))
		default:
			span.SetAttributes(attribute.String("wfengine.meta."+key, fmt.Sprintf("%v", v)))
		}
	}
	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}
