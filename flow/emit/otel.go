package emit

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTel is an Emitter that records each event as an OpenTelemetry span.
//
// The span name is the event type; run, vertex, port, and duration become
// attributes; events with a non-empty Err mark the span status as error.
// Spans are ended immediately, so they appear as instant markers on the
// trace timeline.
//
// Usage:
//
//	tracer := otel.Tracer("flowgraph-go")
//	emitter := emit.NewOTel(tracer)
type OTel struct {
	tracer trace.Tracer
}

// NewOTel creates an OTel emitter from a tracer.
func NewOTel(tracer trace.Tracer) *OTel {
	return &OTel{tracer: tracer}
}

// Emit records the event as a span.
func (o *OTel) Emit(event Event) {
	if o.tracer == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("flow.run_id", event.RunID),
		attribute.Int("flow.seq", event.Seq),
	}
	if event.VertexID != "" {
		attrs = append(attrs, attribute.String("flow.vertex_id", event.VertexID))
	}
	if event.Port != "" {
		attrs = append(attrs, attribute.String("flow.port", event.Port))
	}
	if event.Duration > 0 {
		attrs = append(attrs, attribute.Int64("flow.duration_ms", event.Duration.Milliseconds()))
	}
	if event.Progress != nil {
		attrs = append(attrs, attribute.Float64("flow.percent", event.Progress.Percent))
	}

	_, span := o.tracer.Start(context.Background(), string(event.Type),
		trace.WithAttributes(attrs...))
	if event.Err != "" {
		span.SetStatus(codes.Error, event.Err)
	}
	span.End()
}
